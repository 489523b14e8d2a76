//go:build integration

package integrationtests

import (
	"context"
	"testing"
	"time"

	"datawheel/internal/messaging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRabbitMQQueues(t *testing.T, ctx context.Context, maxReceive int) (*messaging.RabbitMQQueue, *messaging.RabbitMQQueue) {
	t.Helper()

	url := setupRabbitMQContainer(t, ctx)

	queueName := "tasks_" + t.Name()
	dlqName := queueName + "_dlq"

	main, err := messaging.NewRabbitMQQueue(messaging.RabbitMQQueueConfig{
		URL:             url,
		Queue:           queueName,
		DeadLetterQueue: dlqName,
		MaxReceive:      maxReceive,
	})
	require.NoError(t, err)
	t.Cleanup(func() { main.Close() })

	dlq, err := messaging.NewRabbitMQQueue(messaging.RabbitMQQueueConfig{
		URL:   url,
		Queue: dlqName,
	})
	require.NoError(t, err)
	t.Cleanup(func() { dlq.Close() })

	return main, dlq
}

// receiveOne polls until a message arrives or the deadline passes. Quorum
// queue redeliveries are not always instantaneous.
func receiveOne(t *testing.T, ctx context.Context, queue messaging.Queue) messaging.Delivery {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		deliveries, err := queue.Receive(ctx, 1)
		require.NoError(t, err)
		if len(deliveries) > 0 {
			return deliveries[0]
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatal("timed out waiting for a delivery")
	return nil
}

func TestRabbitMQSendReceiveAck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	main, _ := setupRabbitMQQueues(t, ctx, 0)

	payload := []byte(`{"type":"chess-task","start_index":0,"num_samples":10}`)
	rejected, err := main.SendBatch(ctx, [][]byte{payload})
	require.NoError(t, err)
	assert.Empty(t, rejected)

	delivery := receiveOne(t, ctx, main)
	assert.Equal(t, payload, delivery.Body())
	assert.Equal(t, 1, delivery.ReceiveCount())
	require.NoError(t, delivery.Ack())

	deliveries, err := main.Receive(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, deliveries, "acked message must not come back")
}

func TestRabbitMQNackIncrementsReceiveCount(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	main, _ := setupRabbitMQQueues(t, ctx, 10)

	_, err := main.SendBatch(ctx, [][]byte{[]byte("retry me")})
	require.NoError(t, err)

	first := receiveOne(t, ctx, main)
	assert.Equal(t, 1, first.ReceiveCount())
	require.NoError(t, first.Nack())

	second := receiveOne(t, ctx, main)
	assert.Equal(t, []byte("retry me"), second.Body())
	assert.Equal(t, 2, second.ReceiveCount())
	require.NoError(t, second.Ack())
}

func TestRabbitMQDeliveryLimitRoutesToDeadLetterQueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	maxReceive := 2
	main, dlq := setupRabbitMQQueues(t, ctx, maxReceive)

	payload := []byte("poison message")
	_, err := main.SendBatch(ctx, [][]byte{payload})
	require.NoError(t, err)

	// Exhaust the delivery limit; the broker then moves the message to the
	// dead-letter queue instead of redelivering it.
	for i := 0; i <= maxReceive; i++ {
		deadline := time.Now().Add(10 * time.Second)
		var delivery messaging.Delivery
		for time.Now().Before(deadline) {
			deliveries, err := main.Receive(ctx, 1)
			require.NoError(t, err)
			if len(deliveries) > 0 {
				delivery = deliveries[0]
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if delivery == nil {
			break
		}
		require.NoError(t, delivery.Nack())
	}

	dead := receiveOne(t, ctx, dlq)
	assert.Equal(t, payload, dead.Body())
	require.NoError(t, dead.Ack())
}

func TestRabbitMQCountsAndPurge(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	main, _ := setupRabbitMQQueues(t, ctx, 0)

	payloads := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	_, err := main.SendBatch(ctx, payloads)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		counts, err := main.Counts(ctx)
		return err == nil && counts.Available == len(payloads)
	}, 10*time.Second, 100*time.Millisecond)

	require.NoError(t, main.Purge(ctx))

	counts, err := main.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Available)
}
