package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	OutputFormatFiles = "files"
	OutputFormatTar   = "tar"

	// MaxSamplesPerTask bounds the batch covered by a single message so a
	// worker can finish it within one lease.
	MaxSamplesPerTask = 1000
)

// ErrInvalidTask marks messages that can never succeed regardless of how many
// times they are redelivered. Consumers ack these instead of retrying.
var ErrInvalidTask = errors.New("invalid task message")

// TaskMessage is the unit of work exchanged over the queue.
type TaskMessage struct {
	Type         string `json:"type"`
	StartIndex   int    `json:"start_index"`
	NumSamples   int    `json:"num_samples"`
	Seed         *int64 `json:"seed,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
	OutputBucket string `json:"output_bucket,omitempty"`
}

// ParseTaskMessage decodes and validates a raw queue payload. Any failure is
// wrapped in ErrInvalidTask since malformed input cannot become valid on
// redelivery.
func ParseTaskMessage(payload []byte) (TaskMessage, error) {
	var task TaskMessage
	if err := json.Unmarshal(payload, &task); err != nil {
		return TaskMessage{}, fmt.Errorf("%w: malformed json: %v", ErrInvalidTask, err)
	}
	if err := task.Validate(); err != nil {
		return TaskMessage{}, err
	}
	return task, nil
}

func (t *TaskMessage) Validate() error {
	if t.Type == "" {
		return fmt.Errorf("%w: missing generator type", ErrInvalidTask)
	}
	if t.NumSamples <= 0 {
		return fmt.Errorf("%w: num_samples must be positive, got %d", ErrInvalidTask, t.NumSamples)
	}
	if t.NumSamples > MaxSamplesPerTask {
		return fmt.Errorf("%w: num_samples %d exceeds limit of %d", ErrInvalidTask, t.NumSamples, MaxSamplesPerTask)
	}
	if t.StartIndex < 0 {
		return fmt.Errorf("%w: start_index must not be negative, got %d", ErrInvalidTask, t.StartIndex)
	}
	switch t.OutputFormat {
	case "", OutputFormatFiles, OutputFormatTar:
	default:
		return fmt.Errorf("%w: unsupported output_format %q", ErrInvalidTask, t.OutputFormat)
	}
	return nil
}

// Format returns the effective output format, applying the default.
func (t *TaskMessage) Format() string {
	if t.OutputFormat == "" {
		return OutputFormatFiles
	}
	return t.OutputFormat
}

// EndIndex is the exclusive upper bound of the global index range covered by
// this message.
func (t *TaskMessage) EndIndex() int {
	return t.StartIndex + t.NumSamples
}

const seedModulus = 1 << 31

// DeriveSeed maps a base seed and an offset onto the 31-bit seed space shared
// with the generator capabilities. The submitter derives each message's seed
// as DeriveSeed(base, start_index) and the worker derives each sample's seed
// as DeriveSeed(message seed, index-start_index), so the sample at global
// index i always receives DeriveSeed(base, i) no matter how the run was
// partitioned.
func DeriveSeed(base int64, offset int) int64 {
	seed := (base + int64(offset)) % seedModulus
	if seed < 0 {
		seed += seedModulus
	}
	return seed
}

// GeneratorCounts is the per-generator breakdown of a submission.
type GeneratorCounts struct {
	Succeeded int
	Failed    int
}

// SubmitReport aggregates the outcome of one submit invocation across all
// generators. Failed > 0 should map to a non-zero process exit.
type SubmitReport struct {
	Attempted   int
	Succeeded   int
	Failed      int
	ByGenerator map[string]GeneratorCounts
}

func (r *SubmitReport) Record(generator string, succeeded, failed int) {
	if r.ByGenerator == nil {
		r.ByGenerator = make(map[string]GeneratorCounts)
	}
	counts := r.ByGenerator[generator]
	counts.Succeeded += succeeded
	counts.Failed += failed
	r.ByGenerator[generator] = counts

	r.Attempted += succeeded + failed
	r.Succeeded += succeeded
	r.Failed += failed
}

func (r *SubmitReport) HasFailures() bool {
	return r.Failed > 0
}
