package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

func connectToRabbitMQ(url string) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < MaxConnectRetry; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			slog.Info("connected to rabbitmq")
			return conn, nil
		}
		slog.Warn("failed to connect to rabbitmq", "attempt", i+1, "max_attempts", MaxConnectRetry, "error", err)
		time.Sleep(RetryDelay)
	}
	slog.Error("failed to connect to rabbitmq", "attempts", MaxConnectRetry, "error", err)
	return nil, fmt.Errorf("failed to connect after %d attempts: %w", MaxConnectRetry, err)
}

type RabbitMQQueueConfig struct {
	URL   string
	Queue string

	// DeadLetterQueue names the queue that receives messages exceeding
	// MaxReceive deliveries. Leave empty when this instance is itself a
	// dead-letter queue.
	DeadLetterQueue string

	// MaxReceive is the delivery limit before dead-lettering; 0 disables it.
	MaxReceive int
}

// RabbitMQQueue backs the Queue contract with a RabbitMQ quorum queue. The
// quorum delivery limit plays the role of the max receive count and a
// dead-letter exchange routes exhausted messages to the paired dead-letter
// queue. Leases are tied to the channel rather than a timer: an unacked
// message returns to the queue when the consumer's connection drops.
type RabbitMQQueue struct {
	connLock   sync.RWMutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	cfg        RabbitMQQueueConfig
	destructor sync.Once
}

var _ Queue = (*RabbitMQQueue)(nil)

func NewRabbitMQQueue(cfg RabbitMQQueueConfig) (*RabbitMQQueue, error) {
	q := &RabbitMQQueue{cfg: cfg}
	if err := q.connect(); err != nil {
		return nil, err
	}
	return q, nil
}

func quorumQueueArgs() amqp.Table {
	return amqp.Table{"x-queue-type": "quorum"}
}

func (q *RabbitMQQueue) connect() error {
	var err error
	q.conn, err = connectToRabbitMQ(q.cfg.URL)
	if err != nil {
		return err
	}

	q.channel, err = q.conn.Channel()
	if err != nil {
		q.conn.Close() // Close connection if channel fails
		slog.Error("failed to open rabbitmq channel", "error", err)
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	args := quorumQueueArgs()
	if q.cfg.DeadLetterQueue != "" {
		// The dead-letter queue must exist before the main queue points at it.
		if _, err := q.channel.QueueDeclare(q.cfg.DeadLetterQueue, true, false, false, false, quorumQueueArgs()); err != nil {
			q.conn.Close()
			return fmt.Errorf("failed to declare rabbitmq queue %s: %w", q.cfg.DeadLetterQueue, err)
		}

		args["x-dead-letter-exchange"] = ""
		args["x-dead-letter-routing-key"] = q.cfg.DeadLetterQueue
		if q.cfg.MaxReceive > 0 {
			args["x-delivery-limit"] = int32(q.cfg.MaxReceive)
		}
	}

	if _, err := q.channel.QueueDeclare(q.cfg.Queue, true, false, false, false, args); err != nil {
		q.conn.Close()
		return fmt.Errorf("failed to declare rabbitmq queue %s: %w", q.cfg.Queue, err)
	}

	slog.Info("rabbitmq channel opened and queue declared", "queue", q.cfg.Queue)

	// Handle reconnects in background
	go q.handleReconnect()

	return nil
}

func (q *RabbitMQQueue) handleReconnect() {
	notifyClose := make(chan *amqp.Error)
	q.channel.NotifyClose(notifyClose)

	err, ok := <-notifyClose
	if !ok { // channel is just closed on graceful close
		slog.Info("rabbitmq connection closed", "error", err)
		return
	}

	slog.Warn("rabbitmq connection closed, attempting to reconnect", "error", err)

	q.connLock.Lock() // This is to ensure that the connection is not used while we are reconnecting
	defer q.connLock.Unlock()

	q.channel = nil
	q.conn = nil
	for {
		if q.connect() == nil {
			slog.Info("successfully reconnected to rabbitmq")
			return
		}
		time.Sleep(RetryDelay * 10)
	}
}

func (q *RabbitMQQueue) SendBatch(ctx context.Context, payloads [][]byte) ([]int, error) {
	if len(payloads) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds limit of %d", len(payloads), MaxBatchSize)
	}

	q.connLock.RLock()
	defer q.connLock.RUnlock()

	if q.channel == nil || q.channel.IsClosed() {
		return nil, fmt.Errorf("rabbitmq connection is closed")
	}

	for i, payload := range payloads {
		err := q.channel.PublishWithContext(ctx,
			"",          // exchange (default)
			q.cfg.Queue, // routing key (queue name)
			false,       // mandatory
			false,       // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    uuid.NewString(),
				Timestamp:    time.Now(),
				Body:         payload,
			})
		if err != nil {
			slog.Error("failed to publish to rabbitmq, potential connection issue", "queue", q.cfg.Queue, "error", err)
			return nil, fmt.Errorf("failed to publish message %d of %d to %s: %w", i+1, len(payloads), q.cfg.Queue, err)
		}
	}

	return nil, nil
}

func (q *RabbitMQQueue) Receive(ctx context.Context, max int) ([]Delivery, error) {
	q.connLock.RLock()
	defer q.connLock.RUnlock()

	if q.channel == nil || q.channel.IsClosed() {
		return nil, fmt.Errorf("rabbitmq connection is closed")
	}

	var deliveries []Delivery
	for len(deliveries) < max {
		d, ok, err := q.channel.Get(q.cfg.Queue, false)
		if err != nil {
			return nil, fmt.Errorf("failed to get message from %s: %w", q.cfg.Queue, err)
		}
		if !ok {
			break
		}
		deliveries = append(deliveries, &rabbitMQDelivery{d: d})
	}

	return deliveries, nil
}

func (q *RabbitMQQueue) Counts(ctx context.Context) (Counts, error) {
	q.connLock.RLock()
	defer q.connLock.RUnlock()

	if q.channel == nil || q.channel.IsClosed() {
		return Counts{}, fmt.Errorf("rabbitmq connection is closed")
	}

	// The passive declare reports ready messages only; unacked and delayed
	// counts are not exposed over AMQP.
	state, err := q.channel.QueueDeclarePassive(q.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to inspect rabbitmq queue %s: %w", q.cfg.Queue, err)
	}

	return Counts{Available: state.Messages}, nil
}

func (q *RabbitMQQueue) Purge(ctx context.Context) error {
	q.connLock.RLock()
	defer q.connLock.RUnlock()

	if q.channel == nil || q.channel.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}

	if _, err := q.channel.QueuePurge(q.cfg.Queue, false); err != nil {
		return fmt.Errorf("failed to purge rabbitmq queue %s: %w", q.cfg.Queue, err)
	}

	return nil
}

func (q *RabbitMQQueue) Close() error {
	q.destructor.Do(func() {
		if err := q.conn.Close(); err != nil {
			slog.Error("error closing rabbitmq connection", "error", err)
		}
	})
	return nil
}

type rabbitMQDelivery struct {
	d amqp.Delivery
}

func (t *rabbitMQDelivery) ID() string {
	return t.d.MessageId
}

func (t *rabbitMQDelivery) Body() []byte {
	return t.d.Body
}

func (t *rabbitMQDelivery) ReceiveCount() int {
	// Quorum queues report prior delivery attempts in x-delivery-count; the
	// header is absent on the first delivery.
	count, ok := t.d.Headers["x-delivery-count"]
	if !ok {
		return 1
	}
	switch n := count.(type) {
	case int32:
		return int(n) + 1
	case int64:
		return int(n) + 1
	default:
		return 1
	}
}

func (t *rabbitMQDelivery) SentAt() time.Time {
	return t.d.Timestamp
}

func (t *rabbitMQDelivery) Ack() error {
	return t.d.Ack(false)
}

func (t *rabbitMQDelivery) Nack() error {
	// Requeue so the quorum delivery limit decides when to dead-letter.
	return t.d.Nack(false, true)
}
