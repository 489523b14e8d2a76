package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is the shared "N attempts with exponential backoff" rule applied to
// queue submission, per-sample generation, and uploads.
type Policy struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default matches the retry budget used across the pipeline.
var Default = Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

func (p Policy) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}

	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), ctx)
}

// Do runs op until it succeeds, returns a permanent error, the attempt budget
// is exhausted, or ctx is cancelled. The last error from op is returned.
func (p Policy) Do(ctx context.Context, op func() error) error {
	return backoff.Retry(op, p.backoff(ctx))
}

// Permanent marks err as not retryable; Do stops and returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
