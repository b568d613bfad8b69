// Package points is the data model at the heart of pointcluster:
// Transaction, PointRecord, PointMap, and the apply semantics that
// mutate a record's (available, locked) pair (spec.md §3, §4.3.5).
package points

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Action is the server-side effect a Transaction carries, distinct
// from the client-facing order/message kinds in package order.
type Action uint8

const (
	// Add increases available (successful FILL commit).
	Add Action = iota + 1
	// Lock reserves available into locked (USE lock phase).
	Lock
	// Free releases a lock back to available (USE free phase, on failure).
	Free
	// Consume reduces locked (successful USE commit).
	Consume
)

func (a Action) String() string {
	switch a {
	case Add:
		return "Add"
	case Lock:
		return "Lock"
	case Free:
		return "Free"
	case Consume:
		return "Consume"
	default:
		return "Unknown"
	}
}

// NewTimestamp returns the current time as milliseconds since the
// epoch, held in a big.Int since spec.md §3 specifies a 128-bit
// timestamp (room for clock values well beyond what an int64 ms
// counter could hold, and it marshals to plain JSON numbers for free).
func NewTimestamp() *big.Int {
	return big.NewInt(time.Now().UnixMilli())
}

// Transaction is the server-side unit of coordination (spec.md §3).
type Transaction struct {
	// ID is an internal correlation id, never serialized on the wire;
	// wait-die ordering and wire identity use (Timestamp, Coordinator).
	ID uuid.UUID `json:"-"`

	Coordinator string   `json:"coordinator"`
	Timestamp   *big.Int `json:"timestamp"`
	ClientID    uint16   `json:"client_id"`
	Action      Action   `json:"action"`
	Points      int      `json:"points"`
}

// New builds a Transaction stamped with the current time and a fresh
// correlation id.
func New(coordinator string, clientID uint16, action Action, points int) Transaction {
	return Transaction{
		ID:          uuid.New(),
		Coordinator: coordinator,
		Timestamp:   NewTimestamp(),
		ClientID:    clientID,
		Action:      action,
		Points:      points,
	}
}

// OlderThan implements the wait-die total order from spec.md §4.3.4:
// transactions are ordered by (timestamp, coordinator address)
// lexicographically, equal timestamps broken by the lower-addressed
// coordinator being older.
func (t Transaction) OlderThan(other Transaction) bool {
	switch t.Timestamp.Cmp(other.Timestamp) {
	case -1:
		return true
	case 1:
		return false
	default:
		return t.Coordinator < other.Coordinator
	}
}
