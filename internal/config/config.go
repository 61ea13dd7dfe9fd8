// Package config loads ergotype.toml with viper. Values can be overridden
// through ERGOTYPE_ environment variables, e.g. ERGOTYPE_BROKER_URL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"ergotype/internal/corpus"
	"ergotype/internal/dispatch"
	"ergotype/internal/logs"
	"ergotype/internal/model"
	"ergotype/internal/queue"
	"ergotype/internal/simulator"
	"ergotype/internal/storage"
)

const (
	EnvPrefix   = "ERGOTYPE"
	DefaultFile = "ergotype.toml"
)

type Config struct {
	Paths    PathsConfig        `mapstructure:"paths"`
	Broker   queue.BrokerConfig `mapstructure:"broker"`
	Worker   WorkerConfig       `mapstructure:"worker"`
	Master   MasterConfig       `mapstructure:"master"`
	Store    storage.Options    `mapstructure:"store"`
	Log      logs.Options       `mapstructure:"log"`
	Metrics  MetricsConfig      `mapstructure:"metrics"`
	Defaults model.RunConfig    `mapstructure:"defaults"`
	Runs     []model.RunConfig  `mapstructure:"runs"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

type PathsConfig struct {
	// Root is the project root that keyboard and corpus paths are relative
	// to. It defaults to the directory of the config file.
	Root string `mapstructure:"root"`
}

type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	TasksPerSlot int           `mapstructure:"tasks_per_slot"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	FoldCase     bool          `mapstructure:"fold_case"`
	// Local is the number of in-process worker sessions started by run.
	Local int `mapstructure:"local"`
}

type MasterConfig struct {
	GenerationTimeout time.Duration `mapstructure:"generation_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxRedispatch     int           `mapstructure:"max_redispatch"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	broker := queue.DefaultBrokerConfig()
	v.SetDefault("paths.root", "")
	v.SetDefault("broker.enabled", broker.Enabled)
	v.SetDefault("broker.url", broker.URL)
	v.SetDefault("broker.connect_timeout", broker.ConnectTimeout)
	v.SetDefault("broker.ack_wait", broker.AckWait)
	v.SetDefault("broker.stream_prefix", broker.StreamPrefix)
	v.SetDefault("broker.client_name", broker.ClientName)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.tasks_per_slot", dispatch.DefaultTasksPerSlot)
	v.SetDefault("worker.poll_timeout", dispatch.DefaultPollTimeout)
	v.SetDefault("worker.fold_case", false)
	v.SetDefault("worker.local", 1)
	v.SetDefault("master.generation_timeout", dispatch.DefaultGenerationTimeout)
	v.SetDefault("master.poll_interval", dispatch.DefaultPollInterval)
	v.SetDefault("master.max_redispatch", 3)
	v.SetDefault("store.kind", storage.DefaultStoreKind())
	v.SetDefault("store.path", storage.DefaultPath)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.journal", "auto")
	v.SetDefault("metrics.addr", "")
	for key, value := range runDefaults() {
		v.SetDefault("defaults."+key, value)
	}
}

// runDefaults are the values every run starts from before [defaults] and its
// own table apply.
func runDefaults() map[string]any {
	weights := simulator.DefaultWeights()
	params := simulator.DefaultParams()
	return map[string]any{
		"population_size":     50,
		"max_iterations":      100,
		"stagnant_limit":      0,
		"concurrency":         0,
		"seed":                1,
		"selection":           "tournament",
		"tournament_size":     3,
		"elite_count":         2,
		"crossover_rate":      0.7,
		"mutation_rate":       0.05,
		"include_reference":   false,
		"generation_timeout":  time.Duration(0),
		"fitts_a":             params.FittsA,
		"fitts_b":             params.FittsB,
		"finger_coefficients": append([]float64(nil), params.FingerCoefficients[:]...),
		"reset_interval":      params.ResetInterval,
		"distance_weight":     weights.Distance,
		"time_weight":         weights.Time,
		"keyboard_file":       "",
		"text_file":           "",
	}
}

// Load reads the config file at path. An empty path uses $ERGOTYPE_CONFIG,
// then ergotype.toml in the working directory; a missing default file only
// yields the built-in defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvPrefix + "_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = DefaultFile
	}
	v.SetConfigFile(path)

	file := ""
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		file = v.ConfigFileUsed()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.File = file

	runs, err := decodeRuns(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Runs = runs

	if err := cfg.resolvePaths(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeRuns layers every [[runs]] table over [defaults] and the built-in
// run defaults.
func decodeRuns(v *viper.Viper) ([]model.RunConfig, error) {
	raw, ok := v.Get("runs").([]any)
	if !ok {
		if maps, isMaps := v.Get("runs").([]map[string]any); isMaps {
			for _, m := range maps {
				raw = append(raw, m)
			}
		}
	}
	defaults := v.GetStringMap("defaults")

	runs := make([]model.RunConfig, 0, len(raw))
	for i, entry := range raw {
		table, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("runs[%d]: expected a table, got %T", i, entry)
		}
		rv := viper.New()
		for key, value := range runDefaults() {
			rv.SetDefault(key, value)
		}
		for key, value := range defaults {
			rv.SetDefault(key, value)
		}
		if err := rv.MergeConfigMap(table); err != nil {
			return nil, fmt.Errorf("runs[%d]: %w", i, err)
		}
		var run model.RunConfig
		if err := rv.Unmarshal(&run); err != nil {
			return nil, fmt.Errorf("runs[%d]: %w", i, err)
		}
		if run.Name == "" {
			run.Name = fmt.Sprintf("run-%d", i+1)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (c *Config) resolvePaths() error {
	if c.Paths.Root == "" {
		switch {
		case c.File != "":
			c.Paths.Root = filepath.Dir(c.File)
		default:
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("working directory: %w", err)
			}
			root, err := dispatch.FindRoot(wd)
			if err != nil {
				root = wd
			}
			c.Paths.Root = root
		}
	}
	root, err := filepath.Abs(c.Paths.Root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	c.Paths.Root = root

	c.Store.Root = root
	c.Log.File = c.Resolve(c.Log.File)
	for i := range c.Runs {
		c.Runs[i].KeyboardFile = c.Resolve(c.Runs[i].KeyboardFile)
		c.Runs[i].TextFile = c.Resolve(c.Runs[i].TextFile)
	}
	return nil
}

// Resolve makes a relative path absolute against the project root.
func (c Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Paths.Root, path)
}

// Validate checks every configured run.
func (c Config) Validate() error {
	var errs []error
	for _, run := range c.Runs {
		if err := run.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Store.Kind {
	case "", "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unsupported store backend: %s", c.Store.Kind))
	}
	if c.Worker.Concurrency < 0 || c.Worker.Local < 0 {
		errs = append(errs, errors.New("worker counts must be >= 0"))
	}
	return errors.Join(errs...)
}

// WorkerOptions maps the worker section onto dispatch options.
func (c Config) WorkerOptions() dispatch.WorkerOptions {
	return dispatch.WorkerOptions{
		Root:         c.Paths.Root,
		Concurrency:  c.Worker.Concurrency,
		TasksPerSlot: c.Worker.TasksPerSlot,
		PollTimeout:  c.Worker.PollTimeout,
		Corpus:       corpus.Options{FoldCase: c.Worker.FoldCase},
	}
}

func (c Config) MasterOptions() dispatch.MasterOptions {
	return dispatch.MasterOptions{
		Root:              c.Paths.Root,
		GenerationTimeout: c.Master.GenerationTimeout,
		PollInterval:      c.Master.PollInterval,
	}
}
