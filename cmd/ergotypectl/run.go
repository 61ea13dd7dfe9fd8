package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"ergotype/internal/dispatch"
	"ergotype/internal/evo"
	"ergotype/internal/metrics"
	"ergotype/internal/model"
	"ergotype/internal/platform"
	"ergotype/internal/queue"
	"ergotype/internal/storage"
)

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	common := addCommonFlags(fs)
	only := fs.String("only", "", "run only the named run")
	localWorkers := fs.Int("local-workers", -1, "in-process worker sessions (-1 uses the config)")
	noBroker := fs.Bool("no-broker", false, "use the in-memory queue even when a broker is configured")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	quiet := fs.Bool("quiet", false, "do not print per-generation progress")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *noBroker {
		cfg.Broker.Enabled = false
	}
	if *localWorkers >= 0 {
		cfg.Worker.Local = *localWorkers
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	runs, err := selectRuns(cfg.Runs, *only)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Close()
	}()

	collector := metrics.New()
	supervisor := newSupervisor(logger)
	defer func() {
		supervisor.StopAll()
		logTaskStatuses(logger, supervisor)
	}()
	if err := startMetrics(ctx, supervisor, cfg.Metrics.Addr, collector, logger); err != nil {
		return err
	}

	q := queue.Open(ctx, cfg.Broker, logger.Logger)
	defer func() {
		_ = q.Close()
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.Close(store)
	}()

	var onGeneration func(model.RunConfig, model.GenerationDiagnostics, *evo.Population)
	if !*quiet {
		onGeneration = printGeneration
	}
	orchestrator, err := platform.New(platform.Config{
		Store:         store,
		Queue:         q,
		Root:          cfg.Paths.Root,
		Master:        cfg.MasterOptions(),
		LocalWorkers:  cfg.Worker.Local,
		Worker:        cfg.WorkerOptions(),
		MaxRedispatch: cfg.Master.MaxRedispatch,
		OnGeneration:  onGeneration,
		Logger:        logger.Logger,
		Metrics:       collector,
	})
	if err != nil {
		return err
	}

	summaries, runErr := orchestrator.Run(ctx, runs)
	for _, summary := range summaries {
		printSummary(summary)
	}
	return ignoreCancel(runErr)
}

func selectRuns(runs []model.RunConfig, only string) ([]model.RunConfig, error) {
	if len(runs) == 0 {
		return nil, fmt.Errorf("no runs configured; add [[runs]] tables to the config file")
	}
	if only == "" {
		return runs, nil
	}
	for _, run := range runs {
		if run.Name == only {
			return []model.RunConfig{run}, nil
		}
	}
	return nil, fmt.Errorf("no run named %q", only)
}

func printGeneration(run model.RunConfig, diag model.GenerationDiagnostics, _ *evo.Population) {
	fmt.Printf("run=%s generation=%d size=%d evaluated=%d best=%.6f mean=%.6f best_seen=%.6f stagnation=%d\n",
		run.Name,
		diag.Generation,
		diag.PopulationSize,
		diag.Evaluated,
		diag.BestFitness,
		diag.MeanFitness,
		diag.BestSeen,
		diag.Stagnation,
	)
}

func printSummary(s platform.RunSummary) {
	best := "n/a"
	if s.Best != nil {
		best = fmt.Sprintf("%s fitness=%.6f distance=%smm", s.Best.Name, s.Best.Fitness, humanize.CommafWithDigits(s.Best.Distance, 1))
	}
	fmt.Printf("run_id=%s name=%s status=%s generations=%d individuals=%s stop=%s took=%s best=%s\n",
		s.ID,
		s.Name,
		s.Status,
		s.Generations,
		humanize.Comma(int64(s.Individuals)),
		orNA(s.StopReason),
		s.Duration.Round(time.Millisecond),
		best,
	)
}

func orNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}

func runWorker(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	common := addCommonFlags(fs)
	concurrency := fs.Int("concurrency", 0, "parallel evaluations (0 uses the config)")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *concurrency > 0 {
		cfg.Worker.Concurrency = *concurrency
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Close()
	}()

	q := queue.Open(ctx, cfg.Broker, logger.Logger)
	defer func() {
		_ = q.Close()
	}()
	collector := metrics.New()
	supervisor := newSupervisor(logger)
	if err := startMetrics(ctx, supervisor, cfg.Metrics.Addr, collector, logger); err != nil {
		return err
	}

	opts := cfg.WorkerOptions()
	opts.Logger = logger.Logger
	opts.Metrics = collector
	worker := dispatch.NewWorker(q, opts)
	if err := supervisor.Go(ctx, platform.TaskSpec{
		Name:    "worker",
		Restart: platform.RestartOnFailure,
	}, worker.Run); err != nil {
		return err
	}
	logger.Info("worker started", "backend", q.Backend(), "concurrency", opts.Concurrency, "root", opts.Root)

	supervisor.Wait()
	logTaskStatuses(logger, supervisor)
	return nil
}

func runPurge(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	common := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Close()
	}()

	q := queue.Open(ctx, cfg.Broker, logger.Logger)
	defer func() {
		_ = q.Close()
	}()
	if err := q.PurgeAll(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "purged backend=%s\n", q.Backend())
	return nil
}
