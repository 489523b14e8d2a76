package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"datawheel/internal/generator"
	"datawheel/internal/messaging"
	"datawheel/internal/metrics"
	"datawheel/internal/retry"
	"datawheel/internal/storage"
	"datawheel/pkg/models"

	"github.com/google/uuid"
)

// Sentinels used to classify task failures for metrics and logs.
var (
	ErrGeneration = errors.New("generation failed")
	ErrUpload     = errors.New("upload failed")
)

// TaskProcessor consumes TaskMessages from the queue and executes them:
// generate every sample in the batch, validate, upload, then acknowledge.
// There is no partial acknowledgment: either the whole batch lands in
// storage and the message is deleted, or the message stays live for
// redelivery and eventually the dead-letter queue.
type TaskProcessor struct {
	queue    messaging.Queue
	registry generator.Registry
	uploader *storage.Uploader
	metrics  metrics.Sink

	taskTimeout time.Duration
	retry       retry.Policy
}

func NewTaskProcessor(queue messaging.Queue, registry generator.Registry, uploader *storage.Uploader, sink metrics.Sink, taskTimeout time.Duration) *TaskProcessor {
	return &TaskProcessor{
		queue:       queue,
		registry:    registry,
		uploader:    uploader,
		metrics:     sink,
		taskTimeout: taskTimeout,
		retry:       retry.Default,
	}
}

// Run consumes the queue until ctx is cancelled. Each delivery is processed
// to completion synchronously; parallelism comes from running multiple Run
// loops.
func (proc *TaskProcessor) Run(ctx context.Context) {
	slog.Info("starting task processor")

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping task processor")
			return
		default:
		}

		deliveries, err := proc.queue.Receive(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("stopping task processor")
				return
			}
			slog.Error("error receiving from queue", "error", err)
			time.Sleep(messaging.RetryDelay)
			continue
		}

		for _, delivery := range deliveries {
			proc.ProcessDelivery(ctx, delivery)
		}
	}
}

// ProcessDelivery handles exactly one leased message. Validation failures
// are acknowledged immediately since redelivery cannot fix them; everything
// else is released for redelivery on failure so the queue's
// max-receive-count decides dead-letter routing.
func (proc *TaskProcessor) ProcessDelivery(ctx context.Context, delivery messaging.Delivery) {
	task, err := models.ParseTaskMessage(delivery.Body())
	if err != nil {
		proc.discard(ctx, delivery, task.Type, err)
		return
	}

	gen, err := proc.registry.Resolve(task.Type)
	if err != nil {
		proc.discard(ctx, delivery, task.Type, err)
		return
	}

	slog.Info("processing task", "generator", task.Type, "start_index", task.StartIndex, "num_samples", task.NumSamples, "receive_count", delivery.ReceiveCount())

	taskCtx, cancel := context.WithTimeout(ctx, proc.taskTimeout)
	defer cancel()

	start := time.Now()
	result, err := proc.processTask(taskCtx, gen, task)
	duration := time.Since(start)

	if err != nil {
		slog.Error("error processing task", "generator", task.Type, "start_index", task.StartIndex, "error", err)
		proc.metrics.Put(ctx, metrics.TaskFailure(task.Type, errorClass(err)))

		if err := delivery.Nack(); err != nil {
			slog.Error("error releasing message for redelivery", "message_id", delivery.ID(), "error", err)
		}
		return
	}

	if err := delivery.Ack(); err != nil {
		// The message stays live and will be redone; idempotent keys make
		// that harmless.
		slog.Error("error acknowledging message", "message_id", delivery.ID(), "error", err)
		return
	}

	slog.Info("successfully processed task", "generator", task.Type, "start_index", task.StartIndex, "samples", len(result.SampleIDs), "duration", duration)
	proc.metrics.Put(ctx, metrics.TaskSuccess(task.Type))
	proc.metrics.Put(ctx, metrics.SamplesUploaded(task.Type, len(result.SampleIDs)))
	proc.metrics.Put(ctx, metrics.TaskDuration(task.Type, duration))
}

// discard acknowledges a message that can never succeed.
func (proc *TaskProcessor) discard(ctx context.Context, delivery messaging.Delivery, generatorType string, cause error) {
	if generatorType == "" {
		generatorType = "unknown"
	}

	slog.Error("discarding invalid task", "message_id", delivery.ID(), "generator", generatorType, "error", cause)
	proc.metrics.Put(ctx, metrics.TaskFailure(generatorType, "ValidationError"))

	if err := delivery.Ack(); err != nil {
		slog.Error("error acknowledging invalid message", "message_id", delivery.ID(), "error", err)
	}
}

func (proc *TaskProcessor) processTask(ctx context.Context, gen generator.Generator, task models.TaskMessage) (storage.UploadResult, error) {
	scratch := filepath.Join(os.TempDir(), fmt.Sprintf("datawheel_%s_%s", task.Type, uuid.NewString()))
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return storage.UploadResult{}, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			slog.Warn("failed to clean up scratch directory", "dir", scratch, "error", err)
		}
	}()

	var seedBase int64
	derivedSeed := false
	if task.Seed != nil {
		seedBase = *task.Seed
	} else {
		seedBase = models.DeriveSeed(time.Now().UnixNano(), 0)
		derivedSeed = true
		slog.Info("no seed provided, derived one", "generator", task.Type, "seed", seedBase)
	}

	sampleDirs := make([]string, 0, task.NumSamples)
	for offset := 0; offset < task.NumSamples; offset++ {
		globalIndex := task.StartIndex + offset
		seed := models.DeriveSeed(seedBase, offset)
		sampleDir := filepath.Join(scratch, fmt.Sprintf("%05d", offset))

		if err := proc.generateSample(ctx, gen, task.Type, globalIndex, seed, sampleDir, derivedSeed); err != nil {
			return storage.UploadResult{}, fmt.Errorf("%w: sample %d: %v", ErrGeneration, globalIndex, err)
		}

		sampleDirs = append(sampleDirs, sampleDir)
	}

	batch := storage.Batch{
		GeneratorType: task.Type,
		StartIndex:    task.StartIndex,
		Format:        task.Format(),
		Bucket:        task.OutputBucket,
		SampleDirs:    sampleDirs,
	}

	var result storage.UploadResult
	err := proc.retry.Do(ctx, func() error {
		uploaded, err := proc.uploader.Upload(ctx, batch)
		if err != nil {
			return err
		}
		result = uploaded
		return nil
	})
	if err != nil {
		return storage.UploadResult{}, fmt.Errorf("%w: %v", ErrUpload, err)
	}

	return result, nil
}

// generateSample runs the capability for one global index, retrying
// transient failures locally. A sample that comes back missing required
// artifacts is a deterministic generator bug, not a transient condition, so
// it fails the message immediately.
func (proc *TaskProcessor) generateSample(ctx context.Context, gen generator.Generator, generatorType string, globalIndex int, seed int64, sampleDir string, recordSeed bool) error {
	return proc.retry.Do(ctx, func() error {
		// Clear partial output from a failed attempt.
		if err := os.RemoveAll(sampleDir); err != nil {
			return err
		}
		if err := os.MkdirAll(sampleDir, 0o755); err != nil {
			return err
		}

		start := time.Now()
		manifest, err := gen.Generate(ctx, globalIndex, seed, sampleDir)
		if err != nil {
			slog.Warn("sample generation attempt failed", "generator", generatorType, "index", globalIndex, "error", err)
			return err
		}
		duration := time.Since(start)

		validation, err := generator.ValidateSample(storage.GlobalID(globalIndex), sampleDir)
		if err != nil {
			return err
		}
		if !validation.Valid() {
			return retry.Permanent(validation.Err())
		}
		if len(validation.ExtraFiles) > 0 {
			slog.Warn("sample has unexpected artifacts", "generator", generatorType, "index", globalIndex, "extra", validation.ExtraFiles)
		}

		if recordSeed {
			seedFile := filepath.Join(sampleDir, generator.SeedArtifact)
			if err := os.WriteFile(seedFile, []byte(strconv.FormatInt(seed, 10)), 0o644); err != nil {
				return fmt.Errorf("failed to record derived seed: %w", err)
			}
		}

		slog.Debug("generated sample", "generator", generatorType, "index", globalIndex, "duration", duration, "peak_rss", manifest.PeakRSS)
		proc.metrics.Put(ctx, metrics.SampleDuration(generatorType, duration))
		if manifest.PeakRSS > 0 {
			proc.metrics.Put(ctx, metrics.SamplePeakRSS(generatorType, manifest.PeakRSS))
		}

		return nil
	})
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidTask):
		return "ValidationError"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, ErrUpload):
		return "UploadError"
	default:
		return "GenerationError"
	}
}
