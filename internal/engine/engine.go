// Package engine is the transaction engine from spec.md §4.3: for
// transactions that package storage builds from client messages, it
// runs two-phase
// prepare/commit across peers, implements wait-die deadlock
// avoidance, and applies committed state changes.
//
// Grounded on pkg/mcast/protocol.go's processGMCast/handleGMCast
// (fan-out to peers over a response channel, quorum counting against a
// timeout) and processCompute/processGather (the staged
// propose-then-settle walk); see DESIGN.md for the exact mapping and
// for why the vote-counting rule here differs from the teacher's
// strict-majority unityQuorum().
package engine

import (
	"net"
	"sync"
	"time"

	"github.com/jabolina/pointcluster/internal/logging"
	"github.com/jabolina/pointcluster/internal/metrics"
	"github.com/jabolina/pointcluster/internal/pending"
	"github.com/jabolina/pointcluster/internal/points"
	"github.com/jabolina/pointcluster/internal/transport"
	"github.com/pkg/errors"
)

// Outcome is the result of coordinating a transaction, mirroring
// spec.md §4.3.2 step 6: Finalized (applied) or Pending (queued for
// retry once the cluster reconnects).
type Outcome int

const (
	Finalized Outcome = iota
	Pending
)

func (o Outcome) String() string {
	if o == Finalized {
		return "Finalized"
	}
	return "Pending"
}

// ErrTransactionAborted is surfaced to the client for a Lock
// transaction that was rejected locally or by peer vote (spec.md §7).
var ErrTransactionAborted = errors.New("transaction aborted")

// Store is the subset of storage.Storage the engine needs: record
// lookup, the peer set, this server's own address, the administrative
// online flag, and the pending queue. storage.Storage implements this
// interface structurally; the engine package never imports storage,
// which is what lets storage import engine without a cycle.
type Store interface {
	GetOrCreateRecord(clientID uint16) *points.Record
	OtherServers() []string
	SelfAddress() string
	IsOnline() bool
	PendingQueue() *pending.Queue
}

// Engine coordinates (as the transaction's coordinator) and
// participates (as a peer asked to vote) in the two-phase protocol.
type Engine struct {
	store   Store
	log     logging.Logger
	metrics *metrics.Metrics
	history *History
}

// New builds an Engine over the given store, with its own bounded
// transaction history ring buffer.
func New(store Store, log logging.Logger, m *metrics.Metrics) *Engine {
	return &Engine{store: store, log: log, metrics: m, history: NewHistory(0, m)}
}

// History returns the engine's transaction history ring buffer, for
// diagnostics tooling.
func (e *Engine) History() []HistoryEntry {
	return e.history.Snapshot()
}

// actionOf returns the action whose feasibility preCheck tests
// (spec.md §4.3.2 step 1).
func actionOf(tx points.Transaction) points.Action {
	return tx.Action
}

// Coordinate runs the two-phase coordination protocol for tx as its
// coordinator (spec.md §4.3.2).
func (e *Engine) Coordinate(tx points.Transaction) (Outcome, error) {
	record := e.store.GetOrCreateRecord(tx.ClientID)

	owns, err := e.preCheck(record, tx)
	if owns {
		defer record.ClearActive()
	}
	if err != nil {
		return e.localAbort(tx)
	}

	peers := e.store.OtherServers()
	if len(peers) == 0 {
		return e.apply(record, tx)
	}

	proceed, abort, openConns := e.prepare(tx, peers)
	decision := e.decide(len(peers), proceed, abort)
	e.settle(openConns, decision)

	switch decision {
	case decisionProceed:
		return e.apply(record, tx)
	case decisionDisconnected:
		e.store.PendingQueue().Disconnect()
		return e.abortOrQueue(tx)
	default:
		return e.abortOrQueue(tx)
	}
}

// preCheck runs the wait-die arbitration and feasibility check shared
// by both the coordinator and the participant role (spec.md §4.3.2
// step 1, §4.3.3 step 2). owns reports whether TryActivate installed
// tx as the record's active transaction — only the caller that owns it
// may clear it afterward, otherwise a losing wait-die check could wipe
// out the winning transaction's active pointer. The check and the
// install happen atomically inside TryActivate, so a losing call never
// gets a chance to be mistaken for a winner by a racing feasibility
// check.
func (e *Engine) preCheck(record *points.Record, tx points.Transaction) (owns bool, err error) {
	if err := record.TryActivate(tx); err != nil {
		return false, err
	}
	if !record.Feasible(actionOf(tx), tx.Points) {
		return true, points.ErrInsufficientPoints
	}
	return true, nil
}

// localAbort implements the "any failure aborts T locally without
// contacting peers" branch of spec.md §4.3.2 step 1, applying the same
// Lock-surfaces/others-queue rule as a full peer-vote abort.
func (e *Engine) localAbort(tx points.Transaction) (Outcome, error) {
	return e.abortOrQueue(tx)
}

// abortOrQueue implements spec.md §4.3.2 step 6's Abort branch: Lock
// failures are surfaced to the client, everything else is re-queued.
func (e *Engine) abortOrQueue(tx points.Transaction) (Outcome, error) {
	if tx.Action == points.Lock {
		if e.metrics != nil {
			e.metrics.TransactionsAborted.Inc()
		}
		e.record(tx, "aborted")
		return 0, ErrTransactionAborted
	}
	e.store.PendingQueue().Enqueue(tx)
	e.record(tx, "queued")
	return Pending, nil
}

func (e *Engine) record(tx points.Transaction, outcome string) {
	e.history.Record(HistoryEntry{
		Coordinator: tx.Coordinator,
		ClientID:    tx.ClientID,
		Action:      tx.Action,
		Points:      tx.Points,
		Outcome:     outcome,
		RecordedAt:  time.Now(),
	})
}

// apply commits tx's effect locally and reports Finalized (spec.md
// §4.3.2 step 6, Proceed branch; also used for the degenerate
// no-peers case in step 2).
func (e *Engine) apply(record *points.Record, tx points.Transaction) (Outcome, error) {
	if err := record.Apply(tx.Action, tx.Points); err != nil {
		return 0, err
	}
	e.store.PendingQueue().Connect()
	if e.metrics != nil {
		e.metrics.TransactionsCommitted.Inc()
	}
	e.record(tx, "committed")
	return Finalized, nil
}

type decision int

const (
	decisionProceed decision = iota
	decisionAbort
	decisionDisconnected
)

type prepareResult struct {
	conn net.Conn
	vote transport.Vote
	err  error
}

// prepare opens a connection to every peer in parallel, sends the
// TRANSACTION request, and collects each vote within the prepare
// timeout (spec.md §4.3.2 step 3). Connections that voted stay open so
// settle can write the final decision back on them.
func (e *Engine) prepare(tx points.Transaction, peers []string) (proceed, abort int, open []net.Conn) {
	results := make([]prepareResult, len(peers))
	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func(i int, peer string) {
			defer wg.Done()
			results[i] = e.prepareOne(tx, peer)
		}(i, peer)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			if e.log != nil {
				e.log.Warnf("prepare failed: %v", r.err)
			}
			continue
		}
		switch r.vote {
		case transport.Proceed:
			proceed++
		default:
			abort++
		}
		open = append(open, r.conn)
	}
	return proceed, abort, open
}

func (e *Engine) prepareOne(tx points.Transaction, peer string) prepareResult {
	conn, err := transport.Dial(peer)
	if err != nil {
		return prepareResult{err: errors.Wrapf(err, "dial peer %s", peer)}
	}

	if err := transport.WriteServerRequest(conn, transport.TxMessage, tx); err != nil {
		conn.Close()
		return prepareResult{err: err}
	}

	vote, err := transport.ReadVote(conn, transport.PrepareTimeout)
	if err != nil {
		conn.Close()
		return prepareResult{err: errors.Wrapf(err, "read vote from %s", peer)}
	}

	return prepareResult{conn: conn, vote: vote}
}

// decide implements the vote-counting rule in spec.md §4.3.2 step 4,
// kept as the spec's weaker-than-strict-majority rule (see DESIGN.md).
func (e *Engine) decide(peerCount, proceed, abort int) decision {
	if proceed == 0 && abort == 0 {
		return decisionDisconnected
	}
	if abort > 0 || proceed < peerCount/2 {
		return decisionAbort
	}
	return decisionProceed
}

// settle writes the final decision byte back on every connection that
// voted, then closes it (spec.md §4.3.2 step 5).
func (e *Engine) settle(open []net.Conn, d decision) {
	vote := transport.Abort
	if d == decisionProceed {
		vote = transport.Proceed
	}
	for _, conn := range open {
		if err := transport.WriteVote(conn, vote); err != nil && e.log != nil {
			e.log.Warnf("failed writing commit decision: %v", err)
		}
		conn.Close()
	}
}

// Participate handles an inbound TRANSACTION request as a peer being
// asked to vote (spec.md §4.3.3).
func (e *Engine) Participate(conn net.Conn, tx points.Transaction) {
	defer conn.Close()

	if !e.store.IsOnline() {
		return
	}

	record := e.store.GetOrCreateRecord(tx.ClientID)
	owns, err := e.preCheck(record, tx)
	if owns {
		defer record.ClearActive()
	}

	vote := transport.Proceed
	if err != nil {
		vote = transport.Abort
	}

	if err := transport.WriteVote(conn, vote); err != nil {
		if e.log != nil {
			e.log.Warnf("failed writing prepare vote: %v", err)
		}
		return
	}

	if vote != transport.Proceed {
		return
	}

	commitVote, err := transport.ReadVote(conn, transport.CommitTimeout)
	if err != nil {
		if e.log != nil {
			e.log.Debugf("commit window timed out for %s: %v", tx.ClientID, err)
		}
		return
	}

	if commitVote != transport.Proceed {
		return
	}

	if err := record.Apply(tx.Action, tx.Points); err != nil {
		if e.log != nil {
			e.log.Errorf("failed applying committed transaction: %v", err)
		}
		return
	}
	if e.metrics != nil {
		e.metrics.TransactionsCommitted.Inc()
	}
	e.record(tx, "participated")
}
