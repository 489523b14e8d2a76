package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryMessage struct {
	id           string
	body         []byte
	sentAt       time.Time
	visibleAt    time.Time
	receiveCount int
}

// InMemoryQueue implements the Queue contract with real visibility-timeout,
// receive-count, and dead-letter semantics. It backs unit tests and local
// smoke runs where no broker is available.
type InMemoryQueue struct {
	mu         sync.Mutex
	messages   []*inMemoryMessage
	visibility time.Duration
	maxReceive int
	dlq        *InMemoryQueue
	closed     bool

	now func() time.Time
}

var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates a queue whose leases last for visibility. A
// message received more than maxReceive times moves to dlq instead of being
// redelivered; maxReceive 0 disables dead-lettering.
func NewInMemoryQueue(visibility time.Duration, maxReceive int, dlq *InMemoryQueue) *InMemoryQueue {
	return &InMemoryQueue{
		visibility: visibility,
		maxReceive: maxReceive,
		dlq:        dlq,
		now:        time.Now,
	}
}

func (q *InMemoryQueue) SendBatch(ctx context.Context, payloads [][]byte) ([]int, error) {
	if len(payloads) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds limit of %d", len(payloads), MaxBatchSize)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, fmt.Errorf("queue is closed")
	}

	now := q.now()
	for _, payload := range payloads {
		body := make([]byte, len(payload))
		copy(body, payload)
		q.messages = append(q.messages, &inMemoryMessage{
			id:        uuid.NewString(),
			body:      body,
			sentAt:    now,
			visibleAt: now,
		})
	}

	return nil, nil
}

func (q *InMemoryQueue) Receive(ctx context.Context, max int) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, fmt.Errorf("queue is closed")
	}

	now := q.now()

	var deliveries []Delivery
	remaining := q.messages[:0]
	for _, msg := range q.messages {
		if len(deliveries) >= max || msg.visibleAt.After(now) {
			remaining = append(remaining, msg)
			continue
		}

		if q.maxReceive > 0 && msg.receiveCount >= q.maxReceive {
			q.deadLetter(msg)
			continue
		}

		msg.receiveCount++
		msg.visibleAt = now.Add(q.visibility)
		remaining = append(remaining, msg)
		deliveries = append(deliveries, &inMemoryDelivery{queue: q, msg: msg})
	}
	q.messages = remaining

	return deliveries, nil
}

func (q *InMemoryQueue) deadLetter(msg *inMemoryMessage) {
	if q.dlq == nil {
		return
	}

	q.dlq.mu.Lock()
	defer q.dlq.mu.Unlock()

	moved := *msg
	moved.visibleAt = q.dlq.now()
	q.dlq.messages = append(q.dlq.messages, &moved)
}

func (q *InMemoryQueue) Counts(ctx context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var counts Counts
	for _, msg := range q.messages {
		if msg.visibleAt.After(now) {
			counts.InFlight++
		} else {
			counts.Available++
		}
	}

	return counts, nil
}

func (q *InMemoryQueue) Purge(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.messages = nil

	return nil
}

func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	return nil
}

func (q *InMemoryQueue) ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, msg := range q.messages {
		if msg.id == id {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return
		}
	}
}

func (q *InMemoryQueue) nack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, msg := range q.messages {
		if msg.id == id {
			msg.visibleAt = q.now()
			return
		}
	}
}

type inMemoryDelivery struct {
	queue *InMemoryQueue
	msg   *inMemoryMessage
}

func (d *inMemoryDelivery) ID() string {
	return d.msg.id
}

func (d *inMemoryDelivery) Body() []byte {
	return d.msg.body
}

func (d *inMemoryDelivery) ReceiveCount() int {
	return d.msg.receiveCount
}

func (d *inMemoryDelivery) SentAt() time.Time {
	return d.msg.sentAt
}

func (d *inMemoryDelivery) Ack() error {
	d.queue.ack(d.msg.id)
	return nil
}

func (d *inMemoryDelivery) Nack() error {
	d.queue.nack(d.msg.id)
	return nil
}
