package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"datawheel/internal/messaging"
	"datawheel/internal/retry"
	"datawheel/pkg/models"
)

// Envelope is the on-disk form of one downloaded dead-letter message. Body
// carries the raw payload string so an unmodified resubmit is byte-identical
// to the original.
type Envelope struct {
	MessageID    string    `json:"message_id"`
	ReceivedAt   time.Time `json:"received_at"`
	SentAt       time.Time `json:"sent_at"`
	ReceiveCount int       `json:"receive_count"`
	Body         string    `json:"body"`
}

// Recovery drains dead-letter messages to local files and re-injects saved
// payloads into the main queue.
type Recovery struct {
	main  messaging.Queue
	dlq   messaging.Queue
	retry retry.Policy

	// newSeed produces replacement seeds for resubmission; overridable in
	// tests.
	newSeed func() int64
}

func NewRecovery(main, dlq messaging.Queue) *Recovery {
	return &Recovery{
		main:  main,
		dlq:   dlq,
		retry: retry.Default,
		newSeed: func() int64 {
			return models.DeriveSeed(time.Now().UnixNano(), 0)
		},
	}
}

// Download writes every dead-letter message to outputDir as one JSON
// envelope file named {unix_ts}_{message_id}.json. Messages are not deleted
// unless deleteAfter is set; undeleted messages return to the dead-letter
// queue when their visibility lapses. maxMessages 0 means no bound.
func (r *Recovery) Download(ctx context.Context, outputDir string, maxMessages int, deleteAfter bool) (int, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create output directory %s: %w", outputDir, err)
	}

	downloaded := 0
	for maxMessages == 0 || downloaded < maxMessages {
		deliveries, err := r.dlq.Receive(ctx, messaging.MaxBatchSize)
		if err != nil {
			return downloaded, fmt.Errorf("failed to receive from dead-letter queue: %w", err)
		}
		if len(deliveries) == 0 {
			break
		}

		for _, delivery := range deliveries {
			if maxMessages > 0 && downloaded >= maxMessages {
				break
			}

			envelope := Envelope{
				MessageID:    delivery.ID(),
				ReceivedAt:   time.Now().UTC(),
				SentAt:       delivery.SentAt(),
				ReceiveCount: delivery.ReceiveCount(),
				Body:         string(delivery.Body()),
			}

			data, err := json.MarshalIndent(envelope, "", "  ")
			if err != nil {
				return downloaded, fmt.Errorf("failed to encode envelope for %s: %w", delivery.ID(), err)
			}

			filename := fmt.Sprintf("%d_%s.json", envelope.ReceivedAt.Unix(), delivery.ID())
			if err := os.WriteFile(filepath.Join(outputDir, filename), data, 0o644); err != nil {
				return downloaded, fmt.Errorf("failed to write %s: %w", filename, err)
			}

			downloaded++
			slog.Info("downloaded dead-letter message", "message_id", delivery.ID(), "receive_count", envelope.ReceiveCount, "file", filename)

			if deleteAfter {
				if err := delivery.Ack(); err != nil {
					return downloaded, fmt.Errorf("failed to delete message %s after download: %w", delivery.ID(), err)
				}
			}
		}
	}

	slog.Info("dead-letter download complete", "messages", downloaded, "dir", outputDir)
	return downloaded, nil
}

type ResubmitOptions struct {
	// DryRun validates and reports without enqueueing.
	DryRun bool

	// FreshSeed replaces each payload's seed with a newly generated value so
	// a retried batch is not doomed to repeat a seed-dependent failure.
	FreshSeed bool
}

// payloadFromFile extracts the raw task payload from a saved file: the
// envelope's body when the file is an envelope, otherwise the file contents
// verbatim.
func payloadFromFile(data []byte) []byte {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Body != "" {
		return []byte(envelope.Body)
	}
	return data
}

// Resubmit reads saved envelope (or bare payload) files from inputDir,
// validates each payload, and enqueues them to the main queue in bounded
// chunks. Invalid payloads are counted failed and skipped. Without
// FreshSeed, payload bytes are enqueued exactly as downloaded.
func (r *Recovery) Resubmit(ctx context.Context, inputDir string, opts ResubmitOptions) (models.SubmitReport, error) {
	var report models.SubmitReport

	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return report, fmt.Errorf("failed to read input directory %s: %w", inputDir, err)
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if strings.HasSuffix(name, ".bak.json") || strings.HasSuffix(name, ".original.json") {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)

	var payloads [][]byte
	byGenerator := make([]string, 0, len(files))
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(inputDir, name))
		if err != nil {
			return report, fmt.Errorf("failed to read %s: %w", name, err)
		}

		payload := payloadFromFile(data)

		task, err := models.ParseTaskMessage(payload)
		if err != nil {
			slog.Error("skipping invalid saved payload", "file", name, "error", err)
			report.Record("invalid", 0, 1)
			continue
		}

		if opts.FreshSeed {
			seed := r.newSeed()
			task.Seed = &seed
			payload, err = json.Marshal(task)
			if err != nil {
				return report, fmt.Errorf("failed to re-encode %s: %w", name, err)
			}
		}

		slog.Info("resubmitting task", "file", name, "generator", task.Type, "start_index", task.StartIndex, "dry_run", opts.DryRun)
		payloads = append(payloads, payload)
		byGenerator = append(byGenerator, task.Type)
	}

	if opts.DryRun {
		for _, gen := range byGenerator {
			report.Record(gen, 1, 0)
		}
		return report, nil
	}

	for start := 0; start < len(payloads); start += messaging.MaxBatchSize {
		end := min(start+messaging.MaxBatchSize, len(payloads))

		// Global indexes of the payloads still awaiting acceptance.
		pending := make([]int, 0, end-start)
		for j := start; j < end; j++ {
			pending = append(pending, j)
		}

		err := r.retry.Do(ctx, func() error {
			batch := make([][]byte, len(pending))
			for i, j := range pending {
				batch[i] = payloads[j]
			}

			rejected, err := r.main.SendBatch(ctx, batch)
			if err != nil {
				return err
			}
			if len(rejected) > 0 {
				next := make([]int, 0, len(rejected))
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
			slog.Error("failed to resubmit chunk", "pending", len(pending), "error", err)
		}

		failed := make(map[int]bool, len(pending))
		for _, j := range pending {
			failed[j] = true
		}
		for j := start; j < end; j++ {
			if failed[j] {
				report.Record(byGenerator[j], 0, 1)
			} else {
				report.Record(byGenerator[j], 1, 0)
			}
		}
	}

	if report.HasFailures() {
		return report, fmt.Errorf("failed to resubmit %d of %d messages", report.Failed, report.Attempted)
	}
	return report, nil
}
