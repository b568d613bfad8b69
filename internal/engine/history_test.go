package engine

import (
	"testing"

	"github.com/jabolina/pointcluster/internal/points"
	"github.com/stretchr/testify/require"
)

func TestHistoryRecordsInOrder(t *testing.T) {
	h := NewHistory(3, nil)
	h.Record(HistoryEntry{ClientID: 1, Action: points.Add, Outcome: "committed"})
	h.Record(HistoryEntry{ClientID: 2, Action: points.Lock, Outcome: "aborted"})

	got := h.Snapshot()
	require.Len(t, got, 2)
	require.Equal(t, uint16(1), got[0].ClientID)
	require.Equal(t, uint16(2), got[1].ClientID)
}

func TestHistoryWrapsAtCapacity(t *testing.T) {
	h := NewHistory(2, nil)
	h.Record(HistoryEntry{ClientID: 1})
	h.Record(HistoryEntry{ClientID: 2})
	h.Record(HistoryEntry{ClientID: 3})

	got := h.Snapshot()
	require.Len(t, got, 2)
	require.Equal(t, uint16(2), got[0].ClientID)
	require.Equal(t, uint16(3), got[1].ClientID)
}

func TestHistoryNilReceiverIsNoop(t *testing.T) {
	var h *History
	require.NotPanics(t, func() {
		h.Record(HistoryEntry{ClientID: 1})
	})
	require.Nil(t, h.Snapshot())
}
