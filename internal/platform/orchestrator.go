package platform

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"ergotype/internal/dispatch"
	"ergotype/internal/evo"
	"ergotype/internal/keyboard"
	"ergotype/internal/metrics"
	"ergotype/internal/model"
	"ergotype/internal/queue"
	"ergotype/internal/storage"
)

// ErrAssetMissing reports a keyboard or corpus file that does not exist.
// It ends the whole sequence of runs.
var ErrAssetMissing = errors.New("asset missing")

const (
	cleanupTimeout      = 5 * time.Second
	localWorkerRestarts = 5
)

type Config struct {
	Store  storage.Store
	Queue  queue.Queue
	Root   string
	Master dispatch.MasterOptions
	// LocalWorkers starts that many in-process worker sessions against Queue
	// for the duration of Run.
	LocalWorkers  int
	Worker        dispatch.WorkerOptions
	MaxRedispatch int
	// OnGeneration observes every finished generation after it was persisted.
	OnGeneration func(run model.RunConfig, diag model.GenerationDiagnostics, pop *evo.Population)
	Logger       *slog.Logger
	Metrics      *metrics.Collector
}

// RunSummary is what Run reports for each run it attempted.
type RunSummary struct {
	ID          string
	Name        string
	Ordinal     uint64
	Status      model.RunStatus
	Generations int
	Individuals uint64
	StopReason  string
	Best        *model.BestLayout
	Duration    time.Duration
	Err         error
}

// Orchestrator sequences runs: it resets the run context, clears the queues,
// publishes each run's config, drives the population monitor through the
// master and persists what every run produced.
type Orchestrator struct {
	store   storage.Store
	queue   queue.Queue
	root    string
	master  *dispatch.Master
	runCtx  *evo.RunContext
	logger  *slog.Logger
	metrics *metrics.Collector
	config  Config

	mu          sync.Mutex
	initialized bool
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	masterOpts := cfg.Master
	masterOpts.Root = cfg.Root
	if masterOpts.Logger == nil {
		masterOpts.Logger = logger
	}
	if masterOpts.Metrics == nil {
		masterOpts.Metrics = cfg.Metrics
	}
	return &Orchestrator{
		store:   cfg.Store,
		queue:   cfg.Queue,
		root:    cfg.Root,
		master:  dispatch.NewMaster(cfg.Queue, masterOpts),
		runCtx:  evo.NewRunContext(),
		logger:  logger.With("component", "orchestrator"),
		metrics: cfg.Metrics,
		config:  cfg,
	}, nil
}

func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initialized {
		return nil
	}
	if err := o.store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	o.initialized = true
	return nil
}

// Run executes runs in order. A failed run is recorded and the next one
// starts; a missing asset or a cancelled ctx ends the sequence.
func (o *Orchestrator) Run(ctx context.Context, runs []model.RunConfig) ([]RunSummary, error) {
	if err := o.Init(ctx); err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, errors.New("no runs configured")
	}

	if o.config.LocalWorkers > 0 {
		workerCtx, stopWorkers := context.WithCancel(ctx)
		supervisor := o.startLocalWorkers(workerCtx)
		defer func() {
			stopWorkers()
			supervisor.Wait()
			o.logWorkerStatuses(supervisor)
		}()
	}

	summaries := make([]RunSummary, 0, len(runs))
	var failures []error
	for i, run := range runs {
		summary, err := o.RunOne(ctx, uint64(i+1), run)
		summaries = append(summaries, summary)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrAssetMissing) || ctx.Err() != nil {
			return summaries, err
		}
		o.logger.Error("run failed", "run", run.Name, "error", err)
		failures = append(failures, err)
	}
	return summaries, errors.Join(failures...)
}

// RunOne executes a single run. ordinal doubles as the config version sent to
// workers.
func (o *Orchestrator) RunOne(ctx context.Context, ordinal uint64, run model.RunConfig) (RunSummary, error) {
	summary := RunSummary{Name: run.Name, Ordinal: ordinal, Status: model.RunStatusFailed}
	if err := run.Validate(); err != nil {
		summary.Err = fmt.Errorf("run %q: %w", run.Name, err)
		return summary, summary.Err
	}

	kb, err := o.loadAssets(run)
	if err != nil {
		summary.Err = err
		return summary, err
	}
	space, err := evo.NewLayoutSpace(kb)
	if err != nil {
		summary.Err = err
		return summary, err
	}
	reference, _ := kb.Reference()

	started := time.Now()
	record := model.RunRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: storage.CurrentSchemaVersion},
		ID:              uuid.NewString(),
		Name:            run.Name,
		Ordinal:         ordinal,
		Config:          run,
		Status:          model.RunStatusRunning,
		StartedAt:       started,
	}
	summary.ID = record.ID
	if err := o.store.SaveRun(ctx, record); err != nil {
		summary.Err = fmt.Errorf("save run %s: %w", record.ID, err)
		return summary, summary.Err
	}
	logger := o.logger.With("run", run.Name, "run_id", record.ID)
	logger.Info("run starting", "ordinal", ordinal, "keyboard", kb.Name, "chars", len(space.Chars), "keys", len(space.Slots))

	o.runCtx.Reset()
	o.purge(ctx, logger)

	result, runErr := o.evolve(ctx, ordinal, run, record.ID, space, reference, logger)

	cleanupCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		cleanupCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
	}
	o.purge(cleanupCtx, logger)

	record.FinishedAt = time.Now()
	record.Generations = result.Generations
	record.Individuals = o.runCtx.Issued()
	record.StopReason = string(result.StopReason)
	switch {
	case runErr == nil:
		record.Status = model.RunStatusCompleted
	case ctx.Err() != nil:
		record.Status = model.RunStatusCancelled
		record.Error = runErr.Error()
	default:
		record.Status = model.RunStatusFailed
		record.Error = runErr.Error()
	}

	if result.Best != nil {
		fitness := *result.Best.Fitness
		record.BestFitness = &fitness
		best := model.BestLayout{
			VersionedRecord: model.VersionedRecord{SchemaVersion: storage.CurrentSchemaVersion},
			RunID:           record.ID,
			Name:            result.Best.Name,
			DisplayName:     run.Name,
			KeyboardFile:    run.KeyboardFile,
			Genotype:        result.Best.Genotype.Clone(),
			Fitness:         fitness,
			Distance:        result.Best.Distance,
			Time:            result.Best.Time,
			Typed:           result.Best.Typed,
		}
		if err := o.store.SaveBestLayout(cleanupCtx, best); err != nil {
			logger.Warn("saving best layout failed", "error", err)
		}
		summary.Best = &best
	}
	if err := o.store.SaveRun(cleanupCtx, record); err != nil {
		logger.Warn("saving run record failed", "error", err)
	}

	summary.Status = record.Status
	summary.Generations = record.Generations
	summary.Individuals = record.Individuals
	summary.StopReason = record.StopReason
	summary.Duration = record.FinishedAt.Sub(started)
	summary.Err = runErr

	attrs := []any{
		"status", record.Status,
		"generations", record.Generations,
		"individuals", humanize.Comma(int64(record.Individuals)),
		"took", humanize.RelTime(started, record.FinishedAt, "", ""),
	}
	if summary.Best != nil {
		attrs = append(attrs, "best", summary.Best.Name, "fitness", summary.Best.Fitness)
	}
	logger.Info("run finished", attrs...)
	return summary, runErr
}

func (o *Orchestrator) evolve(ctx context.Context, ordinal uint64, run model.RunConfig, runID string, space evo.LayoutSpace, reference model.Genotype, logger *slog.Logger) (evo.RunResult, error) {
	if _, err := o.master.PublishConfig(ctx, ordinal, run); err != nil {
		return evo.RunResult{}, err
	}

	var (
		history     []float64
		diagnostics []model.GenerationDiagnostics
	)
	monitor, err := evo.NewPopulationMonitor(evo.MonitorConfig{
		Run:        run,
		Space:      space,
		Reference:  reference,
		RunContext: o.runCtx,
		Evaluator: evo.EvaluatorFunc(func(ctx context.Context, individuals []*model.Individual) error {
			report, err := o.master.Evaluate(ctx, individuals)
			logger.Debug("generation evaluated",
				"dispatched", report.Dispatched,
				"succeeded", report.Succeeded,
				"failed", report.Failed,
				"missing", report.Missing,
				"ignored", report.Ignored,
			)
			return err
		}),
		MaxRedispatch: o.config.MaxRedispatch,
		OnGeneration: func(diag model.GenerationDiagnostics, pop *evo.Population) {
			history = append(history, diag.BestFitness)
			diagnostics = append(diagnostics, diag)
			if err := o.store.SaveFitnessHistory(ctx, runID, history); err != nil {
				logger.Warn("saving fitness history failed", "error", err)
			}
			if err := o.store.SaveGenerationDiagnostics(ctx, runID, diagnostics); err != nil {
				logger.Warn("saving diagnostics failed", "error", err)
			}
			o.metrics.Generation(run.Name, diag.Generation, diag.BestSeen)
			for _, ch := range []queue.Channel{queue.ChannelJobs, queue.ChannelResults} {
				o.metrics.QueueDepth(o.queue.Backend(), string(ch), o.queue.ApproximateDepth(ctx, ch))
			}
			if o.config.OnGeneration != nil {
				o.config.OnGeneration(run, diag, pop)
			}
		},
		Logger: logger,
	})
	if err != nil {
		return evo.RunResult{}, err
	}
	return monitor.Run(ctx)
}

// loadAssets parses the run's keyboard and checks that its corpus exists.
// The master never reads the corpus itself; workers do.
func (o *Orchestrator) loadAssets(run model.RunConfig) (*keyboard.Keyboard, error) {
	kb, err := keyboard.Load(o.localPath(run.KeyboardFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrAssetMissing, err)
		}
		return nil, err
	}
	if _, err := os.Stat(o.localPath(run.TextFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: corpus %s: %w", ErrAssetMissing, run.TextFile, err)
		}
		return nil, err
	}
	return kb, nil
}

func (o *Orchestrator) localPath(path string) string {
	abs, err := dispatch.ToAbsolute(o.root, path)
	if err != nil {
		return path
	}
	return abs
}

func (o *Orchestrator) purge(ctx context.Context, logger *slog.Logger) {
	if err := o.queue.PurgeAll(ctx); err != nil {
		logger.Warn("purging queues failed", "backend", o.queue.Backend(), "error", err)
	}
}

func (o *Orchestrator) startLocalWorkers(ctx context.Context) *Supervisor {
	supervisor := NewSupervisor(SupervisorPolicy{MaxRestarts: localWorkerRestarts}, SupervisorHooks{
		OnRestart: func(name string, err error, restarts int) {
			o.logger.Warn("local worker restarting", "worker", name, "restarts", restarts, "error", err)
		},
		OnGiveUp: func(name string, err error, restarts int) {
			o.logger.Error("local worker gave up", "worker", name, "restarts", restarts, "error", err)
		},
	})
	opts := o.config.Worker
	opts.Root = o.root
	if opts.Logger == nil {
		opts.Logger = o.logger
	}
	if opts.Metrics == nil {
		opts.Metrics = o.metrics
	}
	for i := 0; i < o.config.LocalWorkers; i++ {
		name := fmt.Sprintf("local-worker-%d", i)
		worker := dispatch.NewWorker(o.queue, opts)
		if err := supervisor.Go(ctx, TaskSpec{Name: name, Restart: RestartOnFailure}, worker.Run); err != nil {
			o.logger.Warn("starting local worker failed", "worker", name, "error", err)
		}
	}
	return supervisor
}

func (o *Orchestrator) logWorkerStatuses(supervisor *Supervisor) {
	for _, status := range supervisor.Statuses() {
		level := slog.LevelDebug
		if status.GaveUp || status.Restarts > 0 {
			level = slog.LevelWarn
		}
		o.logger.Log(context.Background(), level, "local worker stopped",
			"worker", status.Name,
			"restarts", status.Restarts,
			"gave_up", status.GaveUp,
			"last_error", status.LastError,
		)
	}
}
