package engine

import (
	"sync"
	"time"

	"github.com/jabolina/pointcluster/internal/metrics"
	"github.com/jabolina/pointcluster/internal/points"
)

// defaultHistoryCapacity bounds the ring buffer so a long-running
// server's history never grows without bound.
const defaultHistoryCapacity = 256

// HistoryEntry is one completed coordination round, kept only for
// operator diagnostics (original_source's coordinator kept a
// per-transaction log for idempotent resubmission; spec.md doesn't
// require persisting that far, so this repo keeps a bounded in-memory
// trail instead and never lets it gate correctness).
type HistoryEntry struct {
	Coordinator string
	ClientID    uint16
	Action      points.Action
	Points      int
	Outcome     string
	RecordedAt  time.Time
}

// History is a fixed-capacity ring buffer of HistoryEntry, overwriting
// the oldest entry once full.
type History struct {
	mu       sync.Mutex
	entries  []HistoryEntry
	capacity int
	next     int
	full     bool
	metrics  *metrics.Metrics
}

// NewHistory builds a History with the given capacity, defaulting to
// defaultHistoryCapacity when capacity <= 0.
func NewHistory(capacity int, m *metrics.Metrics) *History {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	return &History{
		entries:  make([]HistoryEntry, capacity),
		capacity: capacity,
		metrics:  m,
	}
}

// Record appends entry, overwriting the oldest slot once the buffer is
// full.
func (h *History) Record(entry HistoryEntry) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = entry
	h.next = (h.next + 1) % h.capacity
	if h.next == 0 {
		h.full = true
	}

	if h.metrics != nil {
		h.metrics.TransactionHistorySize.Set(float64(h.len()))
	}
}

func (h *History) len() int {
	if h.full {
		return h.capacity
	}
	return h.next
}

// Snapshot returns a copy of the recorded entries, oldest first.
func (h *History) Snapshot() []HistoryEntry {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.len()
	out := make([]HistoryEntry, n)
	if !h.full {
		copy(out, h.entries[:n])
		return out
	}
	copy(out, h.entries[h.next:])
	copy(out[h.capacity-h.next:], h.entries[:h.next])
	return out
}
