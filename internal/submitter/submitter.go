package submitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"datawheel/internal/generator"
	"datawheel/internal/messaging"
	"datawheel/internal/retry"
	"datawheel/pkg/models"

	"github.com/schollz/progressbar/v3"
)

// AllGenerators is the sentinel generator name that expands to every
// generator the registry knows.
const AllGenerators = "all"

// Range is one partition of a bulk request: the samples
// [Start, Start+Count) of a single generator.
type Range struct {
	Start int
	Count int
}

// Partition splits total samples into consecutive ranges of at most
// batchSize. The ranges are contiguous and exhaustive: no gaps, no overlaps,
// counts summing to total, the last range possibly shorter.
func Partition(total, batchSize int) []Range {
	if total <= 0 || batchSize <= 0 {
		return nil
	}

	ranges := make([]Range, 0, (total+batchSize-1)/batchSize)
	for start := 0; start < total; start += batchSize {
		count := batchSize
		if start+count > total {
			count = total - start
		}
		ranges = append(ranges, Range{Start: start, Count: count})
	}
	return ranges
}

// Request is one bulk submission: Generator (or the "all" sentinel) times
// TotalSamples, split into batches of BatchSize.
type Request struct {
	Generator    string
	TotalSamples int
	BatchSize    int

	// Seed is the base seed; each message receives a seed derived from it
	// and the message's start index. Nil leaves seed assignment to workers.
	Seed *int64

	OutputFormat string
	OutputBucket string

	// DryRun partitions and validates but enqueues nothing.
	DryRun bool

	// Verbose logs every message instead of showing a progress bar.
	Verbose bool

	// Progress enables the interactive progress bar.
	Progress bool
}

// Submitter partitions bulk requests into TaskMessages and enqueues them in
// provider-bounded chunks with bounded retry.
type Submitter struct {
	queue    messaging.Queue
	registry generator.Registry
	retry    retry.Policy
}

func NewSubmitter(queue messaging.Queue, registry generator.Registry) *Submitter {
	return &Submitter{queue: queue, registry: registry, retry: retry.Default}
}

// BuildMessages produces the TaskMessages covering [0, TotalSamples) for one
// generator.
func BuildMessages(generatorType string, req Request) ([]models.TaskMessage, error) {
	if req.TotalSamples <= 0 {
		return nil, fmt.Errorf("total samples must be positive, got %d", req.TotalSamples)
	}
	if req.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", req.BatchSize)
	}
	if req.BatchSize > models.MaxSamplesPerTask {
		return nil, fmt.Errorf("batch size %d exceeds the per-task limit of %d", req.BatchSize, models.MaxSamplesPerTask)
	}

	ranges := Partition(req.TotalSamples, req.BatchSize)
	messages := make([]models.TaskMessage, len(ranges))
	for i, r := range ranges {
		task := models.TaskMessage{
			Type:         generatorType,
			StartIndex:   r.Start,
			NumSamples:   r.Count,
			OutputFormat: req.OutputFormat,
			OutputBucket: req.OutputBucket,
		}
		if req.Seed != nil {
			seed := models.DeriveSeed(*req.Seed, r.Start)
			task.Seed = &seed
		}
		if err := task.Validate(); err != nil {
			return nil, err
		}
		messages[i] = task
	}
	return messages, nil
}

func (s *Submitter) generators(req Request) ([]string, error) {
	if req.Generator != AllGenerators {
		return []string{req.Generator}, nil
	}

	names, err := s.registry.Names()
	if err != nil {
		return nil, fmt.Errorf("failed to list generators: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no generators available")
	}
	return names, nil
}

// Submit enqueues the request and reports per-generator outcomes. The
// returned report is valid even when err is non-nil; callers map
// report.HasFailures() to a non-zero exit code.
func (s *Submitter) Submit(ctx context.Context, req Request) (models.SubmitReport, error) {
	var report models.SubmitReport

	generators, err := s.generators(req)
	if err != nil {
		return report, err
	}

	totalMessages := 0
	perGenerator := make(map[string][]models.TaskMessage, len(generators))
	for _, name := range generators {
		messages, err := BuildMessages(name, req)
		if err != nil {
			return report, fmt.Errorf("invalid request for generator %s: %w", name, err)
		}
		perGenerator[name] = messages
		totalMessages += len(messages)
	}

	var bar *progressbar.ProgressBar
	if req.Progress && !req.DryRun && !req.Verbose {
		bar = progressbar.NewOptions(totalMessages,
			progressbar.OptionSetDescription("submitting"),
			progressbar.OptionSetWidth(30),
			progressbar.OptionClearOnFinish(),
		)
	}

	for _, name := range generators {
		succeeded, failed := s.submitGenerator(ctx, name, perGenerator[name], req, bar)
		report.Record(name, succeeded, failed)
	}

	if report.HasFailures() {
		return report, fmt.Errorf("failed to enqueue %d of %d tasks", report.Failed, report.Attempted)
	}
	return report, nil
}

func (s *Submitter) submitGenerator(ctx context.Context, name string, messages []models.TaskMessage, req Request, bar *progressbar.ProgressBar) (succeeded, failed int) {
	for chunkStart := 0; chunkStart < len(messages); chunkStart += messaging.MaxBatchSize {
		chunkEnd := min(chunkStart+messaging.MaxBatchSize, len(messages))
		chunk := messages[chunkStart:chunkEnd]

		payloads := make([][]byte, len(chunk))
		for i, task := range chunk {
			payload, err := json.Marshal(task)
			if err != nil {
				// A TaskMessage always marshals; guard anyway.
				slog.Error("failed to encode task message", "generator", name, "start_index", task.StartIndex, "error", err)
				continue
			}
			payloads[i] = payload

			if req.Verbose || req.DryRun {
				slog.Info("task message", "generator", name, "start_index", task.StartIndex, "num_samples", task.NumSamples, "dry_run", req.DryRun)
			}
		}

		if req.DryRun {
			succeeded += len(chunk)
			continue
		}

		sent := s.sendChunk(ctx, payloads)
		succeeded += sent
		failed += len(chunk) - sent

		if bar != nil {
			_ = bar.Add(len(chunk))
		}
	}

	return succeeded, failed
}

// sendChunk enqueues up to MaxBatchSize payloads, retrying the whole call on
// failure and per-entry rejections as a shrinking sub-chunk. Returns how
// many payloads were accepted.
func (s *Submitter) sendChunk(ctx context.Context, payloads [][]byte) int {
	pending := payloads

	err := s.retry.Do(ctx, func() error {
		rejected, err := s.queue.SendBatch(ctx, pending)
		if err != nil {
			return err
		}
		if len(rejected) > 0 {
			next := make([][]byte, 0, len(rejected))
			for _, idx := range rejected {
				next = append(next, pending[idx])
			}
			pending = next
			return fmt.Errorf("broker rejected %d entries", len(rejected))
		}

		pending = nil
		return nil
	})
	if err != nil {
		slog.Error("failed to enqueue chunk", "pending", len(pending), "error", err)
	}

	return len(payloads) - len(pending)
}
