package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ergotype/internal/config"
	"ergotype/internal/logs"
	"ergotype/internal/metrics"
	"ergotype/internal/platform"
	"ergotype/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "run":
		return runRun(ctx, args[1:])
	case "worker":
		return runWorker(ctx, args[1:])
	case "simulate":
		return runSimulate(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "best":
		return runBest(ctx, args[1:])
	case "diagnostics":
		return runDiagnostics(ctx, args[1:])
	case "purge":
		return runPurge(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

const taskRestarts = 5

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: ergotypectl <run|worker|simulate|runs|best|diagnostics|purge> [flags]", msg)
}

// commonFlags are accepted by every command that reads the config file.
type commonFlags struct {
	configPath *string
	storeKind  *string
	dbPath     *string
	logLevel   *string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		configPath: fs.String("config", "", "config file (default $ERGOTYPE_CONFIG or ./ergotype.toml)"),
		storeKind:  fs.String("store", "", "store backend override: memory|sqlite"),
		dbPath:     fs.String("db-path", "", "sqlite database path override"),
		logLevel:   fs.String("log-level", "", "log level override: debug|info|warn|error"),
	}
}

func (c *commonFlags) load() (config.Config, error) {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if *c.storeKind != "" {
		cfg.Store.Kind = *c.storeKind
	}
	if *c.dbPath != "" {
		cfg.Store.Path = *c.dbPath
	}
	if *c.logLevel != "" {
		cfg.Log.Level = *c.logLevel
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*logs.Logger, error) {
	logger, err := logs.New(os.Stderr, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return logger, nil
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	store, err := storage.NewStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = storage.Close(store)
		return nil, fmt.Errorf("init store: %w", err)
	}
	return store, nil
}

// newSupervisor logs restarts and give-ups of the command's tasks.
func newSupervisor(logger *logs.Logger) *platform.Supervisor {
	return platform.NewSupervisor(platform.SupervisorPolicy{MaxRestarts: taskRestarts}, platform.SupervisorHooks{
		OnRestart: func(name string, err error, restarts int) {
			logger.Warn("task restarting", "task", name, "restarts", restarts, "error", err)
		},
		OnGiveUp: func(name string, err error, restarts int) {
			logger.Error("task gave up", "task", name, "restarts", restarts, "error", err)
		},
	})
}

func logTaskStatuses(logger *logs.Logger, supervisor *platform.Supervisor) {
	for _, status := range supervisor.Statuses() {
		attrs := []any{"task", status.Name, "restarts", status.Restarts, "gave_up", status.GaveUp}
		if status.LastError != "" {
			attrs = append(attrs, "last_error", status.LastError)
		}
		logger.Info("task stopped", attrs...)
	}
}

// startMetrics serves the collector under the supervisor when addr is set.
func startMetrics(ctx context.Context, supervisor *platform.Supervisor, addr string, collector *metrics.Collector, logger *logs.Logger) error {
	if addr == "" {
		return nil
	}
	return supervisor.Go(ctx, platform.TaskSpec{
		Name:    "metrics",
		Restart: platform.RestartAlways,
	}, func(ctx context.Context) error {
		return metrics.Serve(ctx, addr, collector, logger.Logger)
	})
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
