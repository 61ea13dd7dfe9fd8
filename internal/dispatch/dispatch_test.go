package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ergotype/internal/model"
	"ergotype/internal/queue"
)

const testKeyboard = `
name = "mini"
charset = "abcd"

[homes]
left_index = "k1"
right_index = "k3"

[[keys]]
id = "k1"
x = 0
y = 0
finger = "left_index"

[[keys]]
id = "k2"
x = 1
y = 0
finger = "left_index"

[[keys]]
id = "k3"
x = 2
y = 0
finger = "right_index"

[[keys]]
id = "k4"
x = 3
y = 0
finger = "right_index"
`

func writeProject(t *testing.T) (string, model.RunConfig) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data"), 0o755))
	kb := filepath.Join(root, "data", "mini.toml")
	text := filepath.Join(root, "data", "corpus.txt")
	require.NoError(t, os.WriteFile(kb, []byte(testKeyboard), 0o644))
	require.NoError(t, os.WriteFile(text, []byte("abba cadd dab"), 0o644))
	return root, model.RunConfig{
		Name:           "test",
		PopulationSize: 2,
		MaxIterations:  1,
		FittsA:         0.05,
		FittsB:         0.1,
		ResetInterval:  100,
		DistanceWeight: 0.05,
		TimeWeight:     5,
		KeyboardFile:   kb,
		TextFile:       text,
	}
}

func individual(id uint64, g model.Genotype) *model.Individual {
	return &model.Individual{ID: id, Name: model.IndividualName(0, id), Genotype: g}
}

func runWorker(t *testing.T, q queue.Queue, root string) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(q, WorkerOptions{Root: root, Concurrency: 2, TasksPerSlot: 2, PollTimeout: 20 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestMasterWorkerEvaluatesPopulation(t *testing.T) {
	root, cfg := writeProject(t)
	q := queue.NewMemoryQueue(queue.MemoryOptions{})
	stop := runWorker(t, q, root)
	defer stop()

	m := NewMaster(q, MasterOptions{Root: root, GenerationTimeout: 5 * time.Second, PollInterval: 20 * time.Millisecond})
	msg, err := m.PublishConfig(context.Background(), 1, cfg)
	require.NoError(t, err)
	require.Equal(t, "data/mini.toml", msg.KeyboardFile)
	require.Equal(t, "data/corpus.txt", msg.TextFile)

	good := individual(0, model.Genotype{"a": "k1", "b": "k2", "c": "k3", "d": "k4"})
	spread := individual(1, model.Genotype{"a": "k4", "b": "k1", "c": "k2", "d": "k3"})
	broken := individual(2, model.Genotype{"a": "nope"})
	done := individual(3, model.Genotype{"a": "k1"})
	preset := 0.5
	done.Fitness = &preset

	report, err := m.Evaluate(context.Background(), []*model.Individual{good, spread, broken, done})
	require.NoError(t, err)
	require.Equal(t, Report{Dispatched: 3, Succeeded: 2, Failed: 1}, report)

	require.True(t, good.Evaluated())
	require.True(t, spread.Evaluated())
	require.False(t, broken.Evaluated(), "failed evaluations keep nil fitness")
	require.Equal(t, 0.5, *done.Fitness, "evaluated individuals are not dispatched")
	require.Greater(t, *good.Fitness, 0.0)
	require.LessOrEqual(t, *good.Fitness, 1.0)
	require.Equal(t, uint64(11), good.Typed)
	require.Zero(t, q.ApproximateDepth(context.Background(), queue.ChannelJobs))
}

func TestMasterTimesOutWithoutWorkers(t *testing.T) {
	root, cfg := writeProject(t)
	q := queue.NewMemoryQueue(queue.MemoryOptions{})
	m := NewMaster(q, MasterOptions{Root: root, GenerationTimeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond})
	_, err := m.PublishConfig(context.Background(), 1, model.RunConfig{KeyboardFile: cfg.KeyboardFile, TextFile: cfg.TextFile})
	require.NoError(t, err)

	ind := individual(0, model.Genotype{"a": "k1"})
	report, err := m.Evaluate(context.Background(), []*model.Individual{ind})
	require.ErrorIs(t, err, ErrEvaluationTimeout)
	require.Equal(t, 1, report.Missing)
	require.False(t, ind.Evaluated())
}

func TestMasterIgnoresUnknownAndDuplicateResults(t *testing.T) {
	root, cfg := writeProject(t)
	q := queue.NewMemoryQueue(queue.MemoryOptions{})
	m := NewMaster(q, MasterOptions{Root: root, GenerationTimeout: time.Second, PollInterval: 10 * time.Millisecond})
	_, err := m.PublishConfig(context.Background(), 1, cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, q.PushResult(ctx, model.Result{IndividualID: 99, Distance: 1, Time: 1, Typed: 1, Success: true}))
	require.NoError(t, q.PushResult(ctx, model.Result{IndividualID: 5, Distance: 10, Time: 1, Typed: 10, Success: true}))
	require.NoError(t, q.PushResult(ctx, model.Result{IndividualID: 5, Distance: 1, Time: 0, Typed: 10, Success: true}))

	ind := individual(5, model.Genotype{"a": "k1"})
	report, err := m.Evaluate(ctx, []*model.Individual{ind})
	require.NoError(t, err)
	require.Equal(t, 1, report.Ignored)
	require.Equal(t, 1, report.Succeeded)
	require.Equal(t, 10.0, ind.Distance, "first result for an id wins")
}

func TestWorkerVersionGuard(t *testing.T) {
	root, cfg := writeProject(t)
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.MemoryOptions{})
	require.NoError(t, q.PushConfig(ctx, BuildConfigMessage(2, root, cfg)))

	g := model.Genotype{"a": "k1", "b": "k2"}
	require.NoError(t, q.PushJob(ctx, model.Job{IndividualID: 1, Genotype: g, ConfigVersion: 1}))
	require.NoError(t, q.PushJob(ctx, model.Job{IndividualID: 2, Genotype: g, ConfigVersion: 2}))
	require.NoError(t, q.PushJob(ctx, model.Job{IndividualID: 3, Genotype: g, ConfigVersion: 3}))

	w := NewWorker(q, WorkerOptions{Root: root, Concurrency: 1, TasksPerSlot: 10, PollTimeout: 20 * time.Millisecond})
	n, err := w.RunBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, ok := q.PullResult(ctx, time.Second)
	require.True(t, ok)
	require.Equal(t, uint64(2), res.IndividualID)
	require.True(t, res.Success)

	// the newer job went back to the queue, the older one is gone
	job, d, ok := q.PullJob(ctx, 20*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, uint64(3), job.IndividualID)
	require.NoError(t, d.Ack())
	_, _, ok = q.PullJob(ctx, 20*time.Millisecond)
	require.False(t, ok)
}

func TestWorkerReportsMissingAssets(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.MemoryOptions{})
	cfg := model.RunConfig{KeyboardFile: "missing.toml", TextFile: "missing.txt"}
	require.NoError(t, q.PushConfig(ctx, BuildConfigMessage(1, root, cfg)))
	require.NoError(t, q.PushJob(ctx, model.Job{IndividualID: 4, Genotype: model.Genotype{"a": "k1"}, ConfigVersion: 1}))

	w := NewWorker(q, WorkerOptions{Root: root, PollTimeout: 20 * time.Millisecond})
	n, err := w.RunBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, ok := q.PullResult(ctx, time.Second)
	require.True(t, ok)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "load keyboard")
	require.Zero(t, q.ApproximateDepth(ctx, queue.ChannelJobs), "failed evaluations are acked")
}

func TestWorkerIdleWithoutConfig(t *testing.T) {
	q := queue.NewMemoryQueue(queue.MemoryOptions{})
	w := NewWorker(q, WorkerOptions{PollTimeout: 10 * time.Millisecond})
	n, err := w.RunBatch(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestMasterRepublishesConfigEachGeneration(t *testing.T) {
	root, cfg := writeProject(t)
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.MemoryOptions{})
	stop := runWorker(t, q, root)
	defer stop()

	m := NewMaster(q, MasterOptions{Root: root, GenerationTimeout: 5 * time.Second, PollInterval: 10 * time.Millisecond})
	_, err := m.PublishConfig(ctx, 1, cfg)
	require.NoError(t, err)

	layout := model.Genotype{"a": "k1", "b": "k2", "c": "k3", "d": "k4"}
	first := individual(0, layout)
	report, err := m.Evaluate(ctx, []*model.Individual{first})
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)

	// an operator purge wipes the config between generations
	require.NoError(t, q.PurgeAll(ctx))
	time.Sleep(100 * time.Millisecond)

	second := individual(1, layout)
	report, err = m.Evaluate(ctx, []*model.Individual{second})
	require.NoError(t, err)
	require.Equal(t, Report{Dispatched: 1, Succeeded: 1}, report)
	require.True(t, second.Evaluated())

	msg, ok := q.GetConfig(ctx, 10*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, uint64(1), msg.Version)
}

func TestWorkerCapsSlotsAtRunConcurrency(t *testing.T) {
	root, cfg := writeProject(t)
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.MemoryOptions{})
	cfg.Concurrency = 2
	msg := BuildConfigMessage(1, root, cfg)
	require.Equal(t, 2, msg.Concurrency)
	require.NoError(t, q.PushConfig(ctx, msg))

	g := model.Genotype{"a": "k1", "b": "k2", "c": "k3", "d": "k4"}
	for id := uint64(0); id < 6; id++ {
		require.NoError(t, q.PushJob(ctx, model.Job{IndividualID: id, Genotype: g, ConfigVersion: 1}))
	}

	w := NewWorker(q, WorkerOptions{Root: root, Concurrency: 8, PollTimeout: 20 * time.Millisecond})
	require.Equal(t, 2, w.slots(msg))
	n, err := w.RunBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n, "one task per slot, two slots")
	require.Equal(t, 4, q.ApproximateDepth(ctx, queue.ChannelJobs))

	msg.Concurrency = 0
	require.Equal(t, 8, w.slots(msg), "no run cap keeps the worker limit")
	msg.Concurrency = 16
	require.Equal(t, 8, w.slots(msg), "a run cannot raise the worker limit")
}

func TestWorkerDefaultsToOneTaskPerSlot(t *testing.T) {
	root, cfg := writeProject(t)
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.MemoryOptions{})
	require.NoError(t, q.PushConfig(ctx, BuildConfigMessage(1, root, cfg)))
	g := model.Genotype{"a": "k1", "b": "k2", "c": "k3", "d": "k4"}
	for id := uint64(0); id < 3; id++ {
		require.NoError(t, q.PushJob(ctx, model.Job{IndividualID: id, Genotype: g, ConfigVersion: 1}))
	}

	w := NewWorker(q, WorkerOptions{Root: root, PollTimeout: 20 * time.Millisecond})
	n, err := w.RunBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
