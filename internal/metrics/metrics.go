// Package metrics exposes the counters and gauges the transaction engine,
// pending queue, and membership loops update, served on a private
// prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every instrument pointcluster updates at runtime.
type Metrics struct {
	registry *prometheus.Registry

	TransactionsCommitted  prometheus.Counter
	TransactionsAborted    prometheus.Counter
	TransactionsPending    prometheus.Gauge
	TransactionHistorySize prometheus.Gauge
	PeersKnown             prometheus.Gauge
	Online                 prometheus.Gauge
}

// New builds a fresh, unregistered-with-default metrics set on its own
// registry so multiple servers in the same test process don't collide.
func New(serverID string) *Metrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"server": serverID}

	m := &Metrics{
		registry: registry,
		TransactionsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pointcluster",
			Name:        "transactions_committed_total",
			Help:        "Transactions applied locally after a Proceed decision.",
			ConstLabels: constLabels,
		}),
		TransactionsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pointcluster",
			Name:        "transactions_aborted_total",
			Help:        "Transactions aborted either locally or by peer vote.",
			ConstLabels: constLabels,
		}),
		TransactionsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pointcluster",
			Name:        "transactions_pending",
			Help:        "Transactions currently sitting in the pending queue.",
			ConstLabels: constLabels,
		}),
		TransactionHistorySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pointcluster",
			Name:        "transaction_history_size",
			Help:        "Entries currently held in the in-memory transaction history ring buffer.",
			ConstLabels: constLabels,
		}),
		PeersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pointcluster",
			Name:        "peers_known",
			Help:        "Number of peer addresses in the server set, excluding self.",
			ConstLabels: constLabels,
		}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pointcluster",
			Name:        "online",
			Help:        "1 after the last online transition (administrative connect or pending-queue reconnect), 0 after the last offline one.",
			ConstLabels: constLabels,
		}),
	}

	registry.MustRegister(
		m.TransactionsCommitted,
		m.TransactionsAborted,
		m.TransactionsPending,
		m.TransactionHistorySize,
		m.PeersKnown,
		m.Online,
	)

	return m
}

// Handler returns the HTTP handler that serves this registry's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
