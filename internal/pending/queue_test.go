package pending

import (
	"testing"
	"time"

	"github.com/jabolina/pointcluster/internal/points"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New(nil, nil, nil)
	t1 := points.New("a", 1, points.Add, 10)
	t2 := points.New("a", 2, points.Add, 20)
	q.Enqueue(t1)
	q.Enqueue(t2)

	got1, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, t1.ClientID, got1.ClientID)

	got2, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, t2.ClientID, got2.ClientID)
}

func TestConsumerBlocksWhileDisconnected(t *testing.T) {
	reconnected := make(chan struct{}, 1)
	q := New(nil, nil, func() { reconnected <- struct{}{} })
	q.Disconnect()

	tx := points.New("a", 1, points.Add, 5)
	q.Enqueue(tx)

	done := make(chan points.Transaction, 1)
	go func() {
		got, ok := q.Dequeue()
		if ok {
			done <- got
		}
	}()

	select {
	case <-done:
		t.Fatal("dequeue should not have returned while disconnected")
	case <-time.After(100 * time.Millisecond):
	}

	q.Connect()

	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("reconnect hook did not fire")
	}

	select {
	case got := <-done:
		require.Equal(t, tx.ClientID, got.ClientID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not unblock after reconnect")
	}
}

func TestDisconnectConnectIdempotent(t *testing.T) {
	calls := 0
	q := New(nil, nil, func() { calls++ })
	q.Disconnect()
	q.Disconnect()
	require.False(t, q.IsOnline())

	q.Connect()
	q.Connect()
	require.Equal(t, 1, calls)
}

func TestCloseUnblocksConsumer(t *testing.T) {
	q := New(nil, nil, nil)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	time.Sleep(50 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("close did not unblock consumer")
	}
}
