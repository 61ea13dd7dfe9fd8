package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"ergotype/internal/corpus"
	"ergotype/internal/keyboard"
	"ergotype/internal/metrics"
	"ergotype/internal/model"
	"ergotype/internal/queue"
	"ergotype/internal/simulator"
)

const (
	DefaultTasksPerSlot = 1
	DefaultPollTimeout  = time.Second
	resultPushTimeout   = 10 * time.Second
)

type WorkerOptions struct {
	// Root is this machine's project root; config paths resolve against it.
	Root         string
	Concurrency  int
	TasksPerSlot int
	PollTimeout  time.Duration
	Corpus       corpus.Options
	Logger       *slog.Logger
	Metrics      *metrics.Collector
}

// assets are the loaded inputs of one config message.
type assets struct {
	cfg      model.ConfigMessage
	keyboard *keyboard.Keyboard
	text     string
	params   simulator.Params
	err      error
}

// Worker evaluates jobs pulled from the queue and pushes their results.
type Worker struct {
	q           queue.Queue
	root        string
	concurrency int
	perSlot     int
	pollTimeout time.Duration
	corpusOpts  corpus.Options
	logger      *slog.Logger
	metrics     *metrics.Collector

	mu     sync.Mutex
	cached *assets
}

func NewWorker(q queue.Queue, opts WorkerOptions) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	perSlot := opts.TasksPerSlot
	if perSlot <= 0 {
		perSlot = DefaultTasksPerSlot
	}
	poll := opts.PollTimeout
	if poll <= 0 {
		poll = DefaultPollTimeout
	}
	return &Worker{
		q:           q,
		root:        opts.Root,
		concurrency: concurrency,
		perSlot:     perSlot,
		pollTimeout: poll,
		corpusOpts:  opts.Corpus,
		logger:      logger.With("component", "worker"),
		metrics:     opts.Metrics,
	}
}

// Run processes batches until ctx is done. Jobs already pulled when ctx is
// cancelled are still evaluated and resolved.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "concurrency", w.concurrency, "tasks_per_slot", w.perSlot, "backend", w.q.Backend())
	for ctx.Err() == nil {
		if _, err := w.RunBatch(ctx); err != nil {
			w.logger.Warn("batch failed", "error", err)
		}
	}
	w.logger.Info("worker stopped")
	return nil
}

type pulledJob struct {
	job      model.Job
	delivery *queue.Delivery
}

// RunBatch peeks the current config, pulls up to slots*TasksPerSlot jobs and
// evaluates them on a pool of slots goroutines, where slots is the worker's
// concurrency capped by the run's. It returns the number of jobs that were
// evaluated.
func (w *Worker) RunBatch(ctx context.Context) (int, error) {
	cfg, ok := w.q.GetConfig(ctx, w.pollTimeout)
	if !ok {
		return 0, nil
	}
	loaded := w.assetsFor(cfg)
	slots := w.slots(cfg)
	batch := slots * w.perSlot

	jobs := make([]pulledJob, 0, batch)
	for len(jobs) < batch {
		timeout := time.Duration(0)
		if len(jobs) == 0 {
			timeout = w.pollTimeout
		}
		job, delivery, ok := w.q.PullJob(ctx, timeout)
		if !ok {
			break
		}
		if job.ConfigVersion > cfg.Version {
			// config is stale; hand the job back and refresh next batch
			w.resolve(delivery.Nack(true), job, "requeue")
			break
		}
		if job.ConfigVersion < cfg.Version {
			w.logger.Debug("dropping job from older config", "individual_id", job.IndividualID, "job_version", job.ConfigVersion, "config_version", cfg.Version)
			w.resolve(delivery.Nack(false), job, "drop")
			continue
		}
		jobs = append(jobs, pulledJob{job: job, delivery: delivery})
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	p := pool.New().WithMaxGoroutines(slots)
	for _, pj := range jobs {
		p.Go(func() {
			w.handle(pj, loaded)
		})
	}
	p.Wait()
	return len(jobs), nil
}

func (w *Worker) slots(cfg model.ConfigMessage) int {
	if cfg.Concurrency > 0 {
		return min(w.concurrency, cfg.Concurrency)
	}
	return w.concurrency
}

func (w *Worker) handle(pj pulledJob, loaded *assets) {
	start := time.Now()
	result := evaluateJob(loaded, pj.job)
	w.metrics.Evaluated(result.Success, time.Since(start))
	if !result.Success {
		w.logger.Warn("evaluation failed", "individual_id", pj.job.IndividualID, "error", result.Error)
	}

	// results of jobs already pulled are delivered even during shutdown
	pushCtx, cancel := context.WithTimeout(context.Background(), resultPushTimeout)
	defer cancel()
	if err := w.q.PushResult(pushCtx, result); err != nil {
		w.logger.Warn("result push failed, requeueing job", "individual_id", pj.job.IndividualID, "error", err)
		w.resolve(pj.delivery.Nack(true), pj.job, "requeue")
		return
	}
	w.resolve(pj.delivery.Ack(), pj.job, "ack")
}

func (w *Worker) resolve(err error, job model.Job, action string) {
	if err != nil {
		w.logger.Warn("job resolution failed", "individual_id", job.IndividualID, "action", action, "error", err)
	}
}

// assetsFor returns the cached assets for cfg, loading them whenever the
// config changes. Versions restart with every master process, so the whole
// message is compared. Load failures are cached too so every job of that
// config reports them.
func (w *Worker) assetsFor(cfg model.ConfigMessage) *assets {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cached != nil && w.cached.cfg.Equal(cfg) {
		return w.cached
	}
	w.cached = w.load(cfg)
	if w.cached.err != nil {
		w.logger.Error("loading assets failed", "version", cfg.Version, "error", w.cached.err)
	} else {
		w.logger.Info("loaded assets", "version", cfg.Version, "keyboard", w.cached.keyboard.Name, "chars", len(w.cached.text))
	}
	return w.cached
}

func (w *Worker) load(cfg model.ConfigMessage) *assets {
	a := &assets{cfg: cfg, params: simulator.ParamsFromConfig(cfg)}

	kb, err := keyboard.Load(w.localPath(cfg.KeyboardFile))
	if err != nil {
		a.err = fmt.Errorf("load keyboard: %w", err)
		return a
	}
	text, err := corpus.Load(w.localPath(cfg.TextFile), w.corpusOpts)
	if err != nil {
		a.err = fmt.Errorf("load corpus: %w", err)
		return a
	}
	a.keyboard = kb
	a.text = text
	return a
}

func (w *Worker) localPath(wire string) string {
	path, err := ToAbsolute(w.root, wire)
	if err != nil {
		if errors.Is(err, ErrPathResolution) {
			w.logger.Warn("using path as given", "path", wire, "error", err)
		}
		return wire
	}
	return path
}

// evaluateJob simulates one job against loaded assets. Failures are reported in
// the result rather than returned.
func evaluateJob(a *assets, job model.Job) model.Result {
	result := model.Result{IndividualID: job.IndividualID}
	if a == nil {
		result.Error = "no assets loaded"
		return result
	}
	if a.err != nil {
		result.Error = a.err.Error()
		return result
	}
	stats, err := simulator.Evaluate(a.keyboard, job.Genotype, a.text, a.params)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if stats.Typed == 0 {
		result.Error = "layout typed no characters"
		return result
	}
	result.Distance = stats.Distance
	result.Time = stats.Time
	result.Typed = stats.Typed
	result.Success = true
	return result
}
