package messaging

import (
	"context"
	"time"
)

const (
	// MaxBatchSize is the largest number of payloads one SendBatch call may
	// carry. This is the SQS SendMessageBatch limit, adopted for every
	// backend so submitters chunk uniformly.
	MaxBatchSize = 10

	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

// Delivery is one leased message. The message stays invisible to other
// consumers until Ack deletes it, Nack releases it, or the lease expires.
type Delivery interface {
	ID() string

	Body() []byte

	// ReceiveCount reports how many times this message has been delivered,
	// including the current lease.
	ReceiveCount() int

	SentAt() time.Time

	// Ack deletes the message from the queue.
	Ack() error

	// Nack releases the message for immediate redelivery.
	Nack() error
}

type Counts struct {
	Available int
	InFlight  int
	Delayed   int
}

func (c Counts) Total() int {
	return c.Available + c.InFlight + c.Delayed
}

// Queue is the delivery channel contract: at-least-once delivery with
// visibility-timeout leasing. Messages that exceed the backend's maximum
// receive count are routed to a dead-letter queue, itself reachable as
// another Queue.
type Queue interface {
	// SendBatch enqueues up to MaxBatchSize payloads in one call. It returns
	// the indexes of payloads the broker rejected; err is non-nil only when
	// the call as a whole failed.
	SendBatch(ctx context.Context, payloads [][]byte) ([]int, error)

	// Receive leases up to max messages. Backends may long-poll before
	// returning; an empty result is not an error.
	Receive(ctx context.Context, max int) ([]Delivery, error)

	Counts(ctx context.Context) (Counts, error)

	// Purge drops every message in the queue.
	Purge(ctx context.Context) error

	Close() error
}
