package messaging

import (
	"context"
	"fmt"
	"time"

	"datawheel/internal/config"
)

// NewQueues builds the main task queue and its dead-letter counterpart for
// the configured backend. For the memory backend the two are linked so
// exhausted messages actually land on the returned DLQ.
func NewQueues(ctx context.Context, cfg *config.Config) (Queue, Queue, error) {
	if err := cfg.RequireDlq(); err != nil {
		return nil, nil, err
	}

	switch cfg.QueueBackend {
	case config.BackendSqs:
		main, err := NewSqsQueue(ctx, SqsQueueConfig{
			QueueURL:          cfg.QueueURL,
			Region:            cfg.AWSRegion,
			Profile:           cfg.AWSProfile,
			VisibilityTimeout: cfg.VisibilityTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create sqs queue: %w", err)
		}

		// Short poll on the DLQ so drain loops notice emptiness quickly.
		dlq, err := NewSqsQueue(ctx, SqsQueueConfig{
			QueueURL: cfg.DlqURL,
			Region:   cfg.AWSRegion,
			Profile:  cfg.AWSProfile,
			WaitTime: time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create sqs dead-letter queue: %w", err)
		}

		return main, dlq, nil

	case config.BackendRabbitMQ:
		main, err := NewRabbitMQQueue(RabbitMQQueueConfig{
			URL:             cfg.RabbitMQURL,
			Queue:           cfg.QueueName(),
			DeadLetterQueue: cfg.DlqName(),
			MaxReceive:      cfg.MaxReceiveCount,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create rabbitmq queue: %w", err)
		}

		dlq, err := NewRabbitMQQueue(RabbitMQQueueConfig{
			URL:   cfg.RabbitMQURL,
			Queue: cfg.DlqName(),
		})
		if err != nil {
			main.Close()
			return nil, nil, fmt.Errorf("failed to create rabbitmq dead-letter queue: %w", err)
		}

		return main, dlq, nil

	case config.BackendMemory:
		dlq := NewInMemoryQueue(cfg.VisibilityTimeout, 0, nil)
		main := NewInMemoryQueue(cfg.VisibilityTimeout, cfg.MaxReceiveCount, dlq)
		return main, dlq, nil

	default:
		return nil, nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}
}
