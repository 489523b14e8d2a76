package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SqsApi is the slice of the SQS client used by SqsQueue, split out so tests
// can substitute a fake.
type SqsApi interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	PurgeQueue(ctx context.Context, params *sqs.PurgeQueueInput, optFns ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error)
}

type SqsQueueConfig struct {
	QueueURL string
	Region   string
	Profile  string

	// WaitTime is the long-poll duration for Receive calls.
	WaitTime time.Duration

	// VisibilityTimeout overrides the queue's default lease duration when
	// positive.
	VisibilityTimeout time.Duration
}

// SqsQueue backs the Queue contract with Amazon SQS. Dead-letter routing is
// provider-side: the queue's redrive policy moves messages that exceed the
// max receive count, and the DLQ is just another SqsQueue over the DLQ URL.
type SqsQueue struct {
	client SqsApi
	cfg    SqsQueueConfig
}

var _ Queue = (*SqsQueue)(nil)

func NewSqsQueue(ctx context.Context, cfg SqsQueueConfig) (*SqsQueue, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return NewSqsQueueFromClient(sqs.NewFromConfig(awsCfg), cfg), nil
}

func NewSqsQueueFromClient(client SqsApi, cfg SqsQueueConfig) *SqsQueue {
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 20 * time.Second
	}
	return &SqsQueue{client: client, cfg: cfg}
}

func (q *SqsQueue) SendBatch(ctx context.Context, payloads [][]byte) ([]int, error) {
	if len(payloads) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds limit of %d", len(payloads), MaxBatchSize)
	}

	entries := make([]types.SendMessageBatchRequestEntry, len(payloads))
	for i, payload := range payloads {
		entries[i] = types.SendMessageBatchRequestEntry{
			Id:          aws.String(strconv.Itoa(i)),
			MessageBody: aws.String(string(payload)),
		}
	}

	out, err := q.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(q.cfg.QueueURL),
		Entries:  entries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send batch to sqs: %w", err)
	}

	var rejected []int
	for _, failure := range out.Failed {
		idx, err := strconv.Atoi(aws.ToString(failure.Id))
		if err != nil {
			return nil, fmt.Errorf("sqs returned unrecognized batch entry id %q", aws.ToString(failure.Id))
		}
		slog.Warn("sqs rejected batch entry", "index", idx, "code", aws.ToString(failure.Code), "message", aws.ToString(failure.Message))
		rejected = append(rejected, idx)
	}

	return rejected, nil
}

func (q *SqsQueue) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if max > MaxBatchSize {
		max = MaxBatchSize
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.cfg.QueueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(q.cfg.WaitTime / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	}
	if q.cfg.VisibilityTimeout > 0 {
		input.VisibilityTimeout = int32(q.cfg.VisibilityTimeout / time.Second)
	}

	out, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to receive from sqs: %w", err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, msg := range out.Messages {
		deliveries = append(deliveries, &sqsDelivery{queue: q, message: msg})
	}

	return deliveries, nil
}

func (q *SqsQueue) Counts(ctx context.Context) (Counts, error) {
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.cfg.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return Counts{}, fmt.Errorf("failed to get sqs queue attributes: %w", err)
	}

	attr := func(name types.QueueAttributeName) int {
		count, err := strconv.Atoi(out.Attributes[string(name)])
		if err != nil {
			return 0
		}
		return count
	}

	return Counts{
		Available: attr(types.QueueAttributeNameApproximateNumberOfMessages),
		InFlight:  attr(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
		Delayed:   attr(types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
	}, nil
}

func (q *SqsQueue) Purge(ctx context.Context) error {
	if _, err := q.client.PurgeQueue(ctx, &sqs.PurgeQueueInput{QueueUrl: aws.String(q.cfg.QueueURL)}); err != nil {
		return fmt.Errorf("failed to purge sqs queue: %w", err)
	}
	return nil
}

func (q *SqsQueue) Close() error {
	return nil
}

type sqsDelivery struct {
	queue   *SqsQueue
	message types.Message
}

func (d *sqsDelivery) ID() string {
	return aws.ToString(d.message.MessageId)
}

func (d *sqsDelivery) Body() []byte {
	return []byte(aws.ToString(d.message.Body))
}

func (d *sqsDelivery) ReceiveCount() int {
	count, err := strconv.Atoi(d.message.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		return 0
	}
	return count
}

func (d *sqsDelivery) SentAt() time.Time {
	millis, err := strconv.ParseInt(d.message.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}

func (d *sqsDelivery) Ack() error {
	_, err := d.queue.client.DeleteMessage(context.Background(), &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.queue.cfg.QueueURL),
		ReceiptHandle: d.message.ReceiptHandle,
	})
	if err != nil {
		return fmt.Errorf("failed to delete sqs message %s: %w", d.ID(), err)
	}
	return nil
}

func (d *sqsDelivery) Nack() error {
	_, err := d.queue.client.ChangeMessageVisibility(context.Background(), &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(d.queue.cfg.QueueURL),
		ReceiptHandle:     d.message.ReceiptHandle,
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("failed to release sqs message %s: %w", d.ID(), err)
	}
	return nil
}
