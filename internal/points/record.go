package points

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrInsufficientPoints is returned when a Lock/Free/Consume would
// drive available or locked negative.
var ErrInsufficientPoints = errors.New("insufficient points for requested action")

// ErrWaitDieOlder is returned from a pre-check when the candidate is
// older than the record's active transaction: the candidate must
// wait, which this protocol treats as an abort-and-retry (spec.md
// §4.3.4).
var ErrWaitDieOlder = errors.New("candidate is older than active transaction, candidate waits")

// ErrWaitDieYounger is returned when the candidate is younger than the
// record's active transaction: the candidate dies immediately.
var ErrWaitDieYounger = errors.New("candidate is younger than active transaction, candidate dies")

// Record is one client's point balance: a pair (available, locked)
// plus an optional active-transaction pointer used only for wait-die
// arbitration (spec.md §3).
//
// Lock order: a Record's own mutex (guarding the active pointer) is
// acquired independently of, and released before, the pair mutex
// guarding (available, locked) — so a peer answering a prepare request
// can hold the record lock for the wait-die check while the coordinator
// releases the pair lock as soon as the feasibility check is done
// (spec.md §5).
type Record struct {
	mu     sync.Mutex
	active *Transaction

	pairMu    sync.Mutex
	available int
	locked    int
}

// NewRecord returns a fresh (0,0) record.
func NewRecord() *Record {
	return &Record{}
}

// Snapshot returns the current (available, locked) pair.
func (r *Record) Snapshot() Snapshot {
	r.pairMu.Lock()
	defer r.pairMu.Unlock()
	return Snapshot{Available: r.available, Locked: r.locked}
}

// ClearActive clears the active-transaction pointer. Called once
// coordination for a transaction finishes, win or lose (spec.md §4.2,
// coordinate_msg/coordinate_tx contract) — but only by the caller that
// TryActivate told it owns the pointer, otherwise a losing wait-die
// check could wipe out the winning transaction's active pointer.
func (r *Record) ClearActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = nil
}

// TryActivate implements the pre-check in spec.md §4.3.4 as a single
// atomic check-then-set: if the record already has an active
// transaction distinct from tx, the older of the two wins and the
// younger either waits or dies; otherwise tx itself is installed as
// the active transaction before the lock is released. Holding r.mu for
// both the check and the set closes the window where two concurrent
// callers (this server coordinating one Lock transaction while
// participating in a peer's Lock transaction for the same client)
// could otherwise both observe no active transaction and both install
// themselves, defeating wait-die arbitration entirely.
func (r *Record) TryActivate(tx Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil && r.active.ID != tx.ID {
		if tx.OlderThan(*r.active) {
			return ErrWaitDieOlder
		}
		return ErrWaitDieYounger
	}

	cp := tx
	r.active = &cp
	return nil
}

// Feasible checks, under the pair lock, whether action/points can be
// applied right now without going negative (spec.md §4.3.2 step 1).
func (r *Record) Feasible(action Action, points int) bool {
	r.pairMu.Lock()
	defer r.pairMu.Unlock()
	return r.feasibleLocked(action, points)
}

func (r *Record) feasibleLocked(action Action, points int) bool {
	switch action {
	case Add:
		return true
	case Lock:
		return r.available >= points
	case Free, Consume:
		return r.locked >= points
	default:
		return false
	}
}

// Apply mutates (available, locked) according to the table in
// spec.md §4.3.5. Returns ErrInsufficientPoints if the action isn't
// feasible; a caller that already checked Feasible under the same
// critical section should never see this.
func (r *Record) Apply(action Action, points int) error {
	r.pairMu.Lock()
	defer r.pairMu.Unlock()

	if !r.feasibleLocked(action, points) {
		return errors.Wrapf(ErrInsufficientPoints, "action %s points %d available %d locked %d",
			action, points, r.available, r.locked)
	}

	switch action {
	case Add:
		r.available += points
	case Lock:
		r.available -= points
		r.locked += points
	case Free:
		r.available += points
		r.locked -= points
	case Consume:
		r.locked -= points
	}

	if r.available < 0 || r.locked < 0 {
		panic(errors.Errorf("record invariant violated after %s: available=%d locked=%d", action, r.available, r.locked))
	}

	return nil
}
