package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ergotype/internal/storage"
)

const sampleConfig = `
[broker]
enabled = false
url = "nats://broker:4222"

[worker]
concurrency = 4
poll_timeout = "250ms"
local = 2

[master]
generation_timeout = "2m"

[store]
kind = "sqlite"
path = "var/ergotype.db"

[log]
level = "debug"

[defaults]
population_size = 20
max_iterations = 10
keyboard_file = "data/keyboards/ansi.toml"
text_file = "data/corpus/sample.txt"

[[runs]]
name = "quick"
max_iterations = 3
seed = 7

[[runs]]
name = "phased"
stagnant_limit = 4
text_file = "/abs/corpus.txt"

  [[runs.population_phases]]
  iterations = 3
  max_population = 10

  [[runs.population_phases]]
  iterations = 1
  max_population = 20
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadLayersRunsOverDefaults(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	root := filepath.Dir(path)
	require.Equal(t, path, cfg.File)
	require.Equal(t, root, cfg.Paths.Root)
	require.False(t, cfg.Broker.Enabled)
	require.Equal(t, "nats://broker:4222", cfg.Broker.URL)
	require.Equal(t, "ERGOTYPE", cfg.Broker.StreamPrefix)
	require.Equal(t, 4, cfg.Worker.Concurrency)
	require.Equal(t, 250*time.Millisecond, cfg.Worker.PollTimeout)
	require.Equal(t, 2*time.Minute, cfg.Master.GenerationTimeout)
	require.Equal(t, 3, cfg.Master.MaxRedispatch)
	require.Equal(t, "var/ergotype.db", cfg.Store.Path)
	require.Equal(t, filepath.Join(root, "var", "ergotype.db"), cfg.Store.SQLitePath())
	require.Equal(t, "debug", cfg.Log.Level)

	require.Len(t, cfg.Runs, 2)
	quick := cfg.Runs[0]
	require.Equal(t, "quick", quick.Name)
	require.Equal(t, 20, quick.PopulationSize)
	require.Equal(t, 3, quick.MaxIterations)
	require.EqualValues(t, 7, quick.Seed)
	require.Equal(t, 3, quick.TournamentSize)
	require.InDelta(t, 0.05, quick.FittsA, 1e-12)
	require.Equal(t, 100, quick.ResetInterval)
	require.Len(t, quick.FingerCoefficients, 10)
	require.Equal(t, filepath.Join(root, "data", "keyboards", "ansi.toml"), quick.KeyboardFile)

	phased := cfg.Runs[1]
	require.True(t, phased.Phased())
	require.Equal(t, 4, phased.TotalIterations())
	require.Equal(t, 4, phased.StagnantLimit)
	require.Equal(t, "/abs/corpus.txt", phased.TextFile)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("ERGOTYPE_BROKER_URL", "nats://env:4222")
	t.Setenv("ERGOTYPE_WORKER_CONCURRENCY", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "nats://env:4222", cfg.Broker.URL)
	require.Equal(t, 9, cfg.Worker.Concurrency)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	require.Empty(t, cfg.File)
	require.Empty(t, cfg.Runs)
	require.True(t, cfg.Broker.Enabled)
	require.Equal(t, storage.DefaultStoreKind(), cfg.Store.Kind)
	require.Equal(t, filepath.Join(cfg.Paths.Root, storage.DefaultPath), cfg.Store.SQLitePath())
	require.Equal(t, 1, cfg.Worker.Local)
	require.Equal(t, 1, cfg.Worker.TasksPerSlot)
	require.Zero(t, cfg.Defaults.Concurrency)
	require.True(t, filepath.IsAbs(cfg.Paths.Root))
}

func TestValidateReportsBadRuns(t *testing.T) {
	path := writeConfig(t, `
[store]
kind = "postgres"

[[runs]]
name = "broken"
population_size = 0
keyboard_file = "kb.toml"
text_file = "corpus.txt"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "broken")
	require.Contains(t, err.Error(), "postgres")
}

func TestResolve(t *testing.T) {
	cfg := Config{Paths: PathsConfig{Root: "/srv/ergotype"}}
	require.Equal(t, "/srv/ergotype/data/a.txt", cfg.Resolve("data/a.txt"))
	require.Equal(t, "/tmp/a.txt", cfg.Resolve("/tmp/a.txt"))
	require.Empty(t, cfg.Resolve(""))
}
