package points

import "encoding/json"

// Snapshot is a read-only copy of a record's numeric state. On the
// wire it is a 2-element [available, locked] array, matching the
// SYNC payload shape (spec.md §8, scenario S1: `"points":[50,0]`).
type Snapshot struct {
	Available int
	Locked    int
}

// MarshalJSON encodes the pair as [available, locked].
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{s.Available, s.Locked})
}

// UnmarshalJSON decodes a [available, locked] pair.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	s.Available = pair[0]
	s.Locked = pair[1]
	return nil
}

// Entry is the wire shape of one client's record, used in SYNC
// payloads. The active-transaction pointer is deliberately never
// serialized (spec.md §9: transactions are per-process).
type Entry struct {
	Points      Snapshot `json:"points"`
	Transaction *string  `json:"transaction"`
}

// Map is the wire shape of an entire PointMap, as exchanged by SYNC
// (spec.md §3, §4.6). Iteration order is irrelevant (spec.md §3).
type Map map[uint16]Entry

// EntryFor builds the wire Entry for a record's current snapshot.
func EntryFor(snapshot Snapshot) Entry {
	return Entry{Points: snapshot, Transaction: nil}
}
