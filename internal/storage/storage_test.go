package storage

import (
	"testing"

	"github.com/jabolina/pointcluster/internal/engine"
	"github.com/jabolina/pointcluster/internal/order"
	"github.com/jabolina/pointcluster/internal/points"
	"github.com/stretchr/testify/require"
)

func newTestStorage(self string) *Storage {
	s := New(self, nil, nil)
	e := engine.New(s, nil, nil)
	s.SetEngine(e)
	return s
}

func TestGetOrCreateRecordIsStable(t *testing.T) {
	s := newTestStorage("a:1")
	r1 := s.GetOrCreateRecord(7)
	r2 := s.GetOrCreateRecord(7)
	require.Same(t, r1, r2)
}

func TestOtherServersExcludesSelf(t *testing.T) {
	s := newTestStorage("a:1")
	s.AddServer("b:1")
	s.AddServer("c:1")

	others := s.OtherServers()
	require.Len(t, others, 2)
	require.NotContains(t, others, "a:1")
}

func TestAddServerIdempotent(t *testing.T) {
	s := newTestStorage("a:1")
	require.True(t, s.AddServer("b:1"))
	require.False(t, s.AddServer("b:1"))
}

func TestCoordinateMessageSingleServerFillCommitAdds(t *testing.T) {
	s := newTestStorage("a:1")
	msg := order.ClientMessage{
		Kind:  order.Commit,
		Order: order.Order{ClientID: 2, Action: order.Fill, Points: 50},
	}
	require.NoError(t, s.CoordinateMessage(msg))

	snap := s.GetOrCreateRecord(2).Snapshot()
	require.Equal(t, 50, snap.Available)
	require.Equal(t, 0, snap.Locked)
}

func TestCoordinateMessageFillLockAndFreeAreNoops(t *testing.T) {
	s := newTestStorage("a:1")
	lock := order.ClientMessage{Kind: order.Lock, Order: order.Order{ClientID: 2, Action: order.Fill, Points: 50}}
	free := order.ClientMessage{Kind: order.Free, Order: order.Order{ClientID: 2, Action: order.Fill, Points: 50}}
	require.NoError(t, s.CoordinateMessage(lock))
	require.NoError(t, s.CoordinateMessage(free))

	snap := s.GetOrCreateRecord(2).Snapshot()
	require.Equal(t, 0, snap.Available)
	require.Equal(t, 0, snap.Locked)
}

func TestCoordinateMessageUseLockThenCommitConsumes(t *testing.T) {
	s := newTestStorage("a:1")
	_ = s.CoordinateMessage(order.ClientMessage{Kind: order.Commit, Order: order.Order{ClientID: 2, Action: order.Fill, Points: 50}})

	require.NoError(t, s.CoordinateMessage(order.ClientMessage{
		Kind:  order.Lock,
		Order: order.Order{ClientID: 2, Action: order.Use, Points: 30},
	}))
	snap := s.GetOrCreateRecord(2).Snapshot()
	require.Equal(t, 20, snap.Available)
	require.Equal(t, 30, snap.Locked)

	require.NoError(t, s.CoordinateMessage(order.ClientMessage{
		Kind:  order.Commit,
		Order: order.Order{ClientID: 2, Action: order.Use, Points: 30},
	}))
	snap = s.GetOrCreateRecord(2).Snapshot()
	require.Equal(t, 20, snap.Available)
	require.Equal(t, 0, snap.Locked)
}

func TestCoordinateMessageUseLockInsufficientPointsAborts(t *testing.T) {
	s := newTestStorage("a:1")
	err := s.CoordinateMessage(order.ClientMessage{
		Kind:  order.Lock,
		Order: order.Order{ClientID: 2, Action: order.Use, Points: 30},
	})
	require.ErrorIs(t, err, engine.ErrTransactionAborted)
}

func TestSnapshotAndReplaceAllRoundTrip(t *testing.T) {
	s := newTestStorage("a:1")
	require.NoError(t, s.CoordinateMessage(order.ClientMessage{
		Kind:  order.Commit,
		Order: order.Order{ClientID: 2, Action: order.Fill, Points: 50},
	}))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, 50, snap[2].Points.Available)

	other := newTestStorage("b:1")
	other.ReplaceAll(snap)
	got := other.GetOrCreateRecord(2).Snapshot()
	require.Equal(t, points.Snapshot{Available: 50, Locked: 0}, got)
}

func TestSnapshotFailsWhileOffline(t *testing.T) {
	s := newTestStorage("a:1")
	s.Disconnect()
	_, err := s.Snapshot()
	require.ErrorIs(t, err, ErrOffline)
}

func TestDisconnectConnectTogglesOnlineFlag(t *testing.T) {
	s := newTestStorage("a:1")
	require.True(t, s.IsOnline())
	s.Disconnect()
	require.False(t, s.IsOnline())

	s.Connect(func(addr string) (points.Map, error) {
		t.Fatalf("no peers registered, dialer should not be called")
		return nil, nil
	})
	require.True(t, s.IsOnline())
}
