package submitter

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"datawheel/internal/generator"
	"datawheel/internal/messaging"
	"datawheel/internal/retry"
	"datawheel/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPartitionExhaustive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		total := rapid.IntRange(1, 10000).Draw(t, "total")
		batchSize := rapid.IntRange(1, 1000).Draw(t, "batchSize")

		ranges := Partition(total, batchSize)

		next := 0
		sum := 0
		for _, r := range ranges {
			if r.Start != next {
				t.Fatalf("range starts at %d, expected %d (gap or overlap)", r.Start, next)
			}
			if r.Count <= 0 || r.Count > batchSize {
				t.Fatalf("range count %d outside (0, %d]", r.Count, batchSize)
			}
			next = r.Start + r.Count
			sum += r.Count
		}

		if sum != total {
			t.Fatalf("ranges cover %d samples, expected %d", sum, total)
		}
	})
}

func TestPartitionDegenerate(t *testing.T) {
	assert.Nil(t, Partition(0, 10))
	assert.Nil(t, Partition(10, 0))
	assert.Equal(t, []Range{{Start: 0, Count: 5}}, Partition(5, 10))
}

func TestBuildMessagesConcreteScenario(t *testing.T) {
	seed := int64(42)
	messages, err := BuildMessages("T", Request{TotalSamples: 25, BatchSize: 10, Seed: &seed})
	require.NoError(t, err)
	require.Len(t, messages, 3)

	expect := []struct {
		start, num int
		seed       int64
	}{
		{0, 10, 42},
		{10, 10, 52},
		{20, 5, 62},
	}
	for i, want := range expect {
		assert.Equal(t, "T", messages[i].Type)
		assert.Equal(t, want.start, messages[i].StartIndex)
		assert.Equal(t, want.num, messages[i].NumSamples)
		require.NotNil(t, messages[i].Seed)
		assert.Equal(t, want.seed, *messages[i].Seed)
	}
}

func TestBuildMessagesNoSeed(t *testing.T) {
	messages, err := BuildMessages("T", Request{TotalSamples: 5, BatchSize: 5})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Nil(t, messages[0].Seed)
}

func TestBuildMessagesRejectsBadRequests(t *testing.T) {
	_, err := BuildMessages("T", Request{TotalSamples: 0, BatchSize: 10})
	require.Error(t, err)

	_, err = BuildMessages("T", Request{TotalSamples: 10, BatchSize: 0})
	require.Error(t, err)

	_, err = BuildMessages("T", Request{TotalSamples: 10, BatchSize: models.MaxSamplesPerTask + 1})
	require.Error(t, err)
}

type noopGenerator struct{ name string }

func (g noopGenerator) Name() string { return g.name }
func (g noopGenerator) Generate(ctx context.Context, globalIndex int, seed int64, outputDir string) (generator.Manifest, error) {
	return generator.Manifest{}, nil
}

func newTestSubmitter(queue messaging.Queue, names ...string) *Submitter {
	generators := make([]generator.Generator, len(names))
	for i, name := range names {
		generators[i] = noopGenerator{name: name}
	}

	s := NewSubmitter(queue, generator.NewStaticRegistry(generators...))
	s.retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	return s
}

func drainTasks(t *testing.T, queue *messaging.InMemoryQueue) []models.TaskMessage {
	t.Helper()

	var tasks []models.TaskMessage
	for {
		deliveries, err := queue.Receive(context.Background(), messaging.MaxBatchSize)
		require.NoError(t, err)
		if len(deliveries) == 0 {
			return tasks
		}
		for _, d := range deliveries {
			var task models.TaskMessage
			require.NoError(t, json.Unmarshal(d.Body(), &task))
			tasks = append(tasks, task)
			require.NoError(t, d.Ack())
		}
	}
}

func TestSubmitSingleGenerator(t *testing.T) {
	queue := messaging.NewInMemoryQueue(time.Minute, 0, nil)
	s := newTestSubmitter(queue, "chess-task")

	seed := int64(42)
	report, err := s.Submit(context.Background(), Request{
		Generator:    "chess-task",
		TotalSamples: 25,
		BatchSize:    10,
		Seed:         &seed,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
	assert.False(t, report.HasFailures())

	tasks := drainTasks(t, queue)
	require.Len(t, tasks, 3)
	assert.Equal(t, 0, tasks[0].StartIndex)
	assert.Equal(t, 20, tasks[2].StartIndex)
	assert.Equal(t, 5, tasks[2].NumSamples)
}

func TestSubmitAllGenerators(t *testing.T) {
	queue := messaging.NewInMemoryQueue(time.Minute, 0, nil)
	s := newTestSubmitter(queue, "chess-task", "maze-task")

	report, err := s.Submit(context.Background(), Request{
		Generator:    AllGenerators,
		TotalSamples: 15,
		BatchSize:    10,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, report.Attempted)
	assert.Equal(t, 2, report.ByGenerator["chess-task"].Succeeded)
	assert.Equal(t, 2, report.ByGenerator["maze-task"].Succeeded)

	// Each generator's partition is independently zero-indexed.
	tasks := drainTasks(t, queue)
	starts := map[string][]int{}
	for _, task := range tasks {
		starts[task.Type] = append(starts[task.Type], task.StartIndex)
	}
	assert.ElementsMatch(t, []int{0, 10}, starts["chess-task"])
	assert.ElementsMatch(t, []int{0, 10}, starts["maze-task"])
}

func TestSubmitDryRunEnqueuesNothing(t *testing.T) {
	queue := messaging.NewInMemoryQueue(time.Minute, 0, nil)
	s := newTestSubmitter(queue, "chess-task")

	report, err := s.Submit(context.Background(), Request{
		Generator:    "chess-task",
		TotalSamples: 100,
		BatchSize:    10,
		DryRun:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, report.Succeeded)

	counts, err := queue.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Total(), "dry run must not enqueue")
}

type rejectingQueue struct {
	*messaging.InMemoryQueue
	rejections int
}

func (q *rejectingQueue) SendBatch(ctx context.Context, payloads [][]byte) ([]int, error) {
	if q.rejections > 0 {
		q.rejections--
		// Accept all but the last payload.
		if _, err := q.InMemoryQueue.SendBatch(ctx, payloads[:len(payloads)-1]); err != nil {
			return nil, err
		}
		return []int{len(payloads) - 1}, nil
	}
	return q.InMemoryQueue.SendBatch(ctx, payloads)
}

func TestSubmitRetriesRejectedEntries(t *testing.T) {
	queue := &rejectingQueue{
		InMemoryQueue: messaging.NewInMemoryQueue(time.Minute, 0, nil),
		rejections:    1,
	}
	s := newTestSubmitter(queue, "chess-task")

	report, err := s.Submit(context.Background(), Request{
		Generator:    "chess-task",
		TotalSamples: 30,
		BatchSize:    10,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Succeeded)

	tasks := drainTasks(t, queue.InMemoryQueue)
	assert.Len(t, tasks, 3, "rejected entry must be re-sent")
}

type failingQueue struct {
	*messaging.InMemoryQueue
}

func (q *failingQueue) SendBatch(ctx context.Context, payloads [][]byte) ([]int, error) {
	return nil, fmt.Errorf("broker unavailable")
}

func TestSubmitReportsFailures(t *testing.T) {
	queue := &failingQueue{InMemoryQueue: messaging.NewInMemoryQueue(time.Minute, 0, nil)}
	s := newTestSubmitter(queue, "chess-task")

	report, err := s.Submit(context.Background(), Request{
		Generator:    "chess-task",
		TotalSamples: 20,
		BatchSize:    10,
	})
	require.Error(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.True(t, report.HasFailures())
}

func TestSubmitUnknownGeneratorSetForAll(t *testing.T) {
	queue := messaging.NewInMemoryQueue(time.Minute, 0, nil)
	s := NewSubmitter(queue, generator.NewStaticRegistry())

	_, err := s.Submit(context.Background(), Request{
		Generator:    AllGenerators,
		TotalSamples: 10,
		BatchSize:    10,
	})
	require.Error(t, err)
}
