package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"datawheel/internal/messaging"
)

// Snapshot is one read-only observation of the main queue and its
// dead-letter counterpart.
type Snapshot struct {
	Main Counts
	Dlq  Counts
	At   time.Time
}

type Counts = messaging.Counts

// Monitor reports queue depths. It never mutates either queue.
type Monitor struct {
	main messaging.Queue
	dlq  messaging.Queue
}

func NewMonitor(main, dlq messaging.Queue) *Monitor {
	return &Monitor{main: main, dlq: dlq}
}

func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	mainCounts, err := m.main.Counts(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read main queue counts: %w", err)
	}

	dlqCounts, err := m.dlq.Counts(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read dead-letter queue counts: %w", err)
	}

	return Snapshot{Main: mainCounts, Dlq: dlqCounts, At: time.Now()}, nil
}

// Watch polls at the given interval and hands every successful snapshot to
// observe. Transient read failures are logged and the polling continues;
// Watch returns only when ctx is cancelled. The first snapshot is taken
// immediately.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, observe func(Snapshot)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snapshot, err := m.Snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("failed to read queue counts, retrying next interval", "error", err)
		} else {
			observe(snapshot)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
