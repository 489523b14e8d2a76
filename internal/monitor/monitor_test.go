package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"datawheel/internal/messaging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot(t *testing.T) {
	ctx := context.Background()

	dlq := messaging.NewInMemoryQueue(time.Minute, 0, nil)
	queue := messaging.NewInMemoryQueue(time.Minute, 0, dlq)

	_, err := queue.SendBatch(ctx, [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)
	_, err = dlq.SendBatch(ctx, [][]byte{[]byte("dead")})
	require.NoError(t, err)

	// Lease one message so it shows as in flight.
	deliveries, err := queue.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	m := NewMonitor(queue, dlq)
	snapshot, err := m.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, snapshot.Main.Available)
	assert.Equal(t, 1, snapshot.Main.InFlight)
	assert.Equal(t, 1, snapshot.Dlq.Available)
	assert.False(t, snapshot.At.IsZero())
}

type countingQueue struct {
	*messaging.InMemoryQueue
	calls    int
	failures int
}

func (q *countingQueue) Counts(ctx context.Context) (messaging.Counts, error) {
	q.calls++
	if q.failures > 0 {
		q.failures--
		return messaging.Counts{}, fmt.Errorf("transient read failure")
	}
	return q.InMemoryQueue.Counts(ctx)
}

func TestWatchToleratesTransientFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &countingQueue{InMemoryQueue: messaging.NewInMemoryQueue(time.Minute, 0, nil), failures: 2}
	dlq := messaging.NewInMemoryQueue(time.Minute, 0, nil)

	m := NewMonitor(queue, dlq)

	var snapshots int
	err := m.Watch(ctx, time.Millisecond, func(Snapshot) {
		snapshots++
		if snapshots >= 2 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, snapshots, 2, "watch must keep polling past failures")
	assert.GreaterOrEqual(t, queue.calls, 4)
}

func TestWatchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMonitor(messaging.NewInMemoryQueue(time.Minute, 0, nil), messaging.NewInMemoryQueue(time.Minute, 0, nil))
	err := m.Watch(ctx, time.Millisecond, func(Snapshot) {})
	assert.ErrorIs(t, err, context.Canceled)
}
