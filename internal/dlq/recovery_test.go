package dlq

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"datawheel/internal/messaging"
	"datawheel/internal/retry"
	"datawheel/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecovery(main, dlq messaging.Queue) *Recovery {
	r := NewRecovery(main, dlq)
	r.retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	return r
}

func taskPayload(t *testing.T, generatorType string, startIndex int, seed *int64) []byte {
	t.Helper()

	payload, err := json.Marshal(models.TaskMessage{
		Type:       generatorType,
		StartIndex: startIndex,
		NumSamples: 10,
		Seed:       seed,
	})
	require.NoError(t, err)
	return payload
}

func envelopeFiles(t *testing.T, dir string) []string {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	return matches
}

func TestDownloadWritesEnvelopes(t *testing.T) {
	ctx := context.Background()
	dlq := messaging.NewInMemoryQueue(time.Minute, 0, nil)

	payload := taskPayload(t, "chess-task", 0, nil)
	_, err := dlq.SendBatch(ctx, [][]byte{payload})
	require.NoError(t, err)

	dir := t.TempDir()
	r := newTestRecovery(messaging.NewInMemoryQueue(time.Minute, 0, nil), dlq)

	n, err := r.Download(ctx, dir, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	files := envelopeFiles(t, dir)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.NotEmpty(t, envelope.MessageID)
	assert.Equal(t, 1, envelope.ReceiveCount)
	assert.Equal(t, string(payload), envelope.Body)

	// Non-destructive: the message is leased, not deleted.
	counts, err := dlq.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.InFlight)
}

func TestDownloadDeleteAfter(t *testing.T) {
	ctx := context.Background()
	dlq := messaging.NewInMemoryQueue(time.Minute, 0, nil)

	_, err := dlq.SendBatch(ctx, [][]byte{
		taskPayload(t, "chess-task", 0, nil),
		taskPayload(t, "chess-task", 10, nil),
	})
	require.NoError(t, err)

	r := newTestRecovery(messaging.NewInMemoryQueue(time.Minute, 0, nil), dlq)
	n, err := r.Download(ctx, t.TempDir(), 0, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := dlq.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Total())
}

func TestDownloadHonorsMaxMessages(t *testing.T) {
	ctx := context.Background()
	dlq := messaging.NewInMemoryQueue(time.Minute, 0, nil)

	payloads := make([][]byte, 5)
	for i := range payloads {
		payloads[i] = taskPayload(t, "chess-task", i*10, nil)
	}
	_, err := dlq.SendBatch(ctx, payloads)
	require.NoError(t, err)

	dir := t.TempDir()
	r := newTestRecovery(messaging.NewInMemoryQueue(time.Minute, 0, nil), dlq)

	n, err := r.Download(ctx, dir, 3, false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, envelopeFiles(t, dir), 3)
}

func TestResubmitRoundTripPreservesBytes(t *testing.T) {
	ctx := context.Background()
	dlq := messaging.NewInMemoryQueue(time.Minute, 0, nil)
	main := messaging.NewInMemoryQueue(time.Minute, 0, nil)

	seed := int64(42)
	original := taskPayload(t, "chess-task", 0, &seed)
	_, err := dlq.SendBatch(ctx, [][]byte{original})
	require.NoError(t, err)

	dir := t.TempDir()
	r := newTestRecovery(main, dlq)

	_, err = r.Download(ctx, dir, 0, false)
	require.NoError(t, err)

	report, err := r.Resubmit(ctx, dir, ResubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	deliveries, err := main.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, original, deliveries[0].Body(), "resubmitted payload must be byte-identical")
}

func TestResubmitFreshSeed(t *testing.T) {
	ctx := context.Background()
	main := messaging.NewInMemoryQueue(time.Minute, 0, nil)

	seed := int64(42)
	dir := t.TempDir()
	writeEnvelope(t, dir, "10_a.json", taskPayload(t, "chess-task", 0, &seed))

	r := newTestRecovery(main, messaging.NewInMemoryQueue(time.Minute, 0, nil))
	r.newSeed = func() int64 { return 777 }

	report, err := r.Resubmit(ctx, dir, ResubmitOptions{FreshSeed: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	deliveries, err := main.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	var task models.TaskMessage
	require.NoError(t, json.Unmarshal(deliveries[0].Body(), &task))
	require.NotNil(t, task.Seed)
	assert.Equal(t, int64(777), *task.Seed)
	assert.Equal(t, "chess-task", task.Type)
}

func writeEnvelope(t *testing.T, dir, name string, payload []byte) {
	t.Helper()

	data, err := json.Marshal(Envelope{
		MessageID:    "test",
		ReceivedAt:   time.Now().UTC(),
		ReceiveCount: 3,
		Body:         string(payload),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func TestResubmitAcceptsBarePayloadFiles(t *testing.T) {
	ctx := context.Background()
	main := messaging.NewInMemoryQueue(time.Minute, 0, nil)

	dir := t.TempDir()
	payload := taskPayload(t, "maze-task", 20, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw.json"), payload, 0o644))

	r := newTestRecovery(main, messaging.NewInMemoryQueue(time.Minute, 0, nil))
	report, err := r.Resubmit(ctx, dir, ResubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	deliveries, err := main.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, payload, deliveries[0].Body())
}

func TestResubmitSkipsInvalidAndBackupFiles(t *testing.T) {
	ctx := context.Background()
	main := messaging.NewInMemoryQueue(time.Minute, 0, nil)

	dir := t.TempDir()
	writeEnvelope(t, dir, "10_good.json", taskPayload(t, "chess-task", 0, nil))
	writeEnvelope(t, dir, "11_edited.bak.json", taskPayload(t, "chess-task", 0, nil))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "12_bad.json"), []byte("not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644))

	r := newTestRecovery(main, messaging.NewInMemoryQueue(time.Minute, 0, nil))
	report, err := r.Resubmit(ctx, dir, ResubmitOptions{})
	require.Error(t, err, "invalid payload counts as a failure")
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	counts, err := main.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Total())
}

func TestResubmitDryRunEnqueuesNothing(t *testing.T) {
	ctx := context.Background()
	main := messaging.NewInMemoryQueue(time.Minute, 0, nil)

	dir := t.TempDir()
	writeEnvelope(t, dir, "10_a.json", taskPayload(t, "chess-task", 0, nil))
	writeEnvelope(t, dir, "11_b.json", taskPayload(t, "chess-task", 10, nil))

	r := newTestRecovery(main, messaging.NewInMemoryQueue(time.Minute, 0, nil))
	report, err := r.Resubmit(ctx, dir, ResubmitOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)

	counts, err := main.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Total())
}
