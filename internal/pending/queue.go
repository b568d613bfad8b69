// Package pending implements the bounded-wait FIFO described in
// spec.md §4.4: transactions that couldn't be coordinated because the
// peer set was unreachable wait here until the cluster reconnects.
package pending

import (
	"sync"

	"github.com/jabolina/pointcluster/internal/logging"
	"github.com/jabolina/pointcluster/internal/metrics"
	"github.com/jabolina/pointcluster/internal/points"
)

// Queue is a FIFO of points.Transaction gated by two tokens: "has
// items" and "online". A consumer must acquire and immediately
// release the online token before acquiring items, so a disconnected
// server's consumer blocks until reconnection (spec.md §4.4).
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	fifo     []points.Transaction
	closed   bool

	onlineMu   sync.Mutex
	onlineCond *sync.Cond
	online     bool

	onReconnect func()
	log         logging.Logger
	metrics     *metrics.Metrics
}

// New builds a Queue that starts online. onReconnect, if non-nil, is
// fired once per offline→online transition, used to re-sync state
// from peers (spec.md §4.4).
func New(log logging.Logger, m *metrics.Metrics, onReconnect func()) *Queue {
	q := &Queue{
		online:      true,
		onReconnect: onReconnect,
		log:         log,
		metrics:     m,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.onlineCond = sync.NewCond(&q.onlineMu)
	return q
}

// Enqueue appends tx to the back of the FIFO and wakes one consumer.
func (q *Queue) Enqueue(tx points.Transaction) {
	q.mu.Lock()
	q.fifo = append(q.fifo, tx)
	n := len(q.fifo)
	q.mu.Unlock()
	if q.metrics != nil {
		q.metrics.TransactionsPending.Set(float64(n))
	}
	q.notEmpty.Signal()
}

// Dequeue blocks until the queue is online and has at least one item,
// or until Close is called. ok is false only when the queue was
// closed with nothing left to deliver.
func (q *Queue) Dequeue() (tx points.Transaction, ok bool) {
	for {
		q.waitOnline()

		q.mu.Lock()
		for len(q.fifo) == 0 && !q.closed {
			q.notEmpty.Wait()
		}
		if len(q.fifo) == 0 {
			q.mu.Unlock()
			return points.Transaction{}, false
		}
		// A Disconnect may have landed while this consumer waited for an
		// item; go back to waiting on the online token in that case.
		if !q.closed && !q.IsOnline() {
			q.mu.Unlock()
			continue
		}

		tx = q.fifo[0]
		q.fifo = q.fifo[1:]
		n := len(q.fifo)
		if q.metrics != nil {
			q.metrics.TransactionsPending.Set(float64(n))
		}
		q.mu.Unlock()
		return tx, true
	}
}

// waitOnline acquires and releases the online token, blocking while
// the queue is disconnected.
func (q *Queue) waitOnline() {
	q.onlineMu.Lock()
	for !q.online {
		q.onlineCond.Wait()
	}
	q.onlineMu.Unlock()
}

// Disconnect transitions the queue to isolated, idempotent w.r.t.
// repeated calls while already offline (spec.md §4.4).
func (q *Queue) Disconnect() {
	q.onlineMu.Lock()
	wasOnline := q.online
	q.online = false
	q.onlineMu.Unlock()

	if wasOnline && q.log != nil {
		q.log.Warn("pending queue marked disconnected")
	}
	if q.metrics != nil {
		q.metrics.Online.Set(0)
	}
}

// Connect transitions the queue to reachable and, on a genuine
// offline→online transition, fires the reconnect hook (spec.md §4.4).
func (q *Queue) Connect() {
	q.onlineMu.Lock()
	wasOnline := q.online
	q.online = true
	q.onlineMu.Unlock()
	q.onlineCond.Broadcast()

	if q.metrics != nil {
		q.metrics.Online.Set(1)
	}
	if !wasOnline && q.onReconnect != nil {
		q.onReconnect()
	}
}

// IsOnline reports the current online token state.
func (q *Queue) IsOnline() bool {
	q.onlineMu.Lock()
	defer q.onlineMu.Unlock()
	return q.online
}

// Len reports the current queue depth, for diagnostics/tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// Close wakes any blocked consumer so it can observe shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()

	q.onlineMu.Lock()
	q.online = true
	q.onlineMu.Unlock()
	q.onlineCond.Broadcast()
}
