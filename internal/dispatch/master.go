// Package dispatch runs the master and worker sides of distributed layout
// evaluation over a queue.Queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ergotype/internal/metrics"
	"ergotype/internal/model"
	"ergotype/internal/queue"
	"ergotype/internal/simulator"
)

var ErrEvaluationTimeout = errors.New("evaluation timeout")

const (
	DefaultGenerationTimeout = 10 * time.Minute
	DefaultPollInterval      = 500 * time.Millisecond
)

type MasterOptions struct {
	// Root is the project root that config file paths are made relative to.
	Root              string
	GenerationTimeout time.Duration
	PollInterval      time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Collector
}

// Report summarizes one Evaluate call.
type Report struct {
	Dispatched int
	Succeeded  int
	Failed     int
	Missing    int
	Ignored    int
}

// Master publishes evaluation config and jobs and applies returned results to
// the population.
type Master struct {
	q       queue.Queue
	root    string
	timeout time.Duration
	poll    time.Duration
	logger  *slog.Logger
	metrics *metrics.Collector

	config  model.ConfigMessage
	weights simulator.Weights
}

func NewMaster(q queue.Queue, opts MasterOptions) *Master {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.GenerationTimeout
	if timeout <= 0 {
		timeout = DefaultGenerationTimeout
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Master{
		q:       q,
		root:    opts.Root,
		timeout: timeout,
		poll:    poll,
		logger:  logger.With("component", "master"),
		metrics: opts.Metrics,
		weights: simulator.DefaultWeights(),
	}
}

// BuildConfigMessage derives the worker-facing config of a run. File paths
// are sent relative to root when possible.
func BuildConfigMessage(version uint64, root string, cfg model.RunConfig) model.ConfigMessage {
	msg := model.ConfigMessage{
		Version:            version,
		KeyboardFile:       wirePath(root, cfg.KeyboardFile),
		TextFile:           wirePath(root, cfg.TextFile),
		FittsA:             cfg.FittsA,
		FittsB:             cfg.FittsB,
		FingerCoefficients: append([]float64(nil), cfg.FingerCoefficients...),
		ResetInterval:      cfg.ResetInterval,
		DistanceWeight:     cfg.DistanceWeight,
		TimeWeight:         cfg.TimeWeight,
		Concurrency:        cfg.Concurrency,
	}
	if len(msg.FingerCoefficients) != model.FingerCount {
		msg.FingerCoefficients = append([]float64(nil), simulator.DefaultFingerCoefficients[:]...)
	}
	return msg
}

func wirePath(root, path string) string {
	rel, err := ToRelative(root, path)
	if err != nil {
		return path
	}
	return rel
}

// PublishConfig broadcasts the config for a run. Jobs dispatched afterwards
// carry its version.
func (m *Master) PublishConfig(ctx context.Context, version uint64, cfg model.RunConfig) (model.ConfigMessage, error) {
	msg := BuildConfigMessage(version, m.root, cfg)
	if err := m.q.PushConfig(ctx, msg); err != nil {
		return model.ConfigMessage{}, fmt.Errorf("publish config v%d: %w", version, err)
	}
	m.config = msg
	m.weights = simulator.WeightsFromConfig(msg)
	if cfg.GenerationTimeout > 0 {
		m.timeout = cfg.GenerationTimeout
	}
	m.logger.Info("published config", "version", version, "keyboard", msg.KeyboardFile, "text", msg.TextFile)
	return msg, nil
}

// Evaluate re-publishes the run config, dispatches every individual without
// fitness and waits for their results. Individuals whose results do not
// arrive in time keep a nil fitness and the returned error wraps
// ErrEvaluationTimeout.
func (m *Master) Evaluate(ctx context.Context, individuals []*model.Individual) (Report, error) {
	var report Report
	if m.config.Version == 0 {
		return report, fmt.Errorf("evaluate: no config published")
	}
	// the config channel is ephemeral; a purge or broker restart empties it
	if err := m.q.PushConfig(ctx, m.config); err != nil {
		m.logger.Warn("republishing config failed", "version", m.config.Version, "error", err)
	}

	pending := make(map[uint64]*model.Individual)
	for _, ind := range individuals {
		if ind == nil || ind.Evaluated() {
			continue
		}
		if _, dup := pending[ind.ID]; dup {
			continue
		}
		job := model.Job{
			IndividualID:  ind.ID,
			Generation:    ind.Generation,
			Genotype:      ind.Genotype,
			ConfigVersion: m.config.Version,
		}
		if err := m.q.PushJob(ctx, job); err != nil {
			m.logger.Warn("dispatch failed", "individual", ind.Name, "error", err)
			continue
		}
		pending[ind.ID] = ind
		report.Dispatched++
		m.metrics.JobDispatched()
	}
	m.logger.Debug("dispatched jobs", "count", report.Dispatched, "backend", m.q.Backend())

	deadline := time.Now().Add(m.timeout)
	for len(pending) > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		res, ok := m.q.PullResult(ctx, min(m.poll, remaining))
		if err := ctx.Err(); err != nil {
			report.Missing = len(pending)
			return report, err
		}
		if !ok {
			continue
		}
		ind, found := pending[res.IndividualID]
		if !found {
			report.Ignored++
			m.metrics.ResultPulled("ignored")
			m.logger.Debug("ignoring result", "individual_id", res.IndividualID)
			continue
		}
		delete(pending, res.IndividualID)
		if m.apply(ind, res) {
			report.Succeeded++
			m.metrics.ResultPulled("success")
		} else {
			report.Failed++
			m.metrics.ResultPulled("failure")
		}
	}

	if len(pending) > 0 {
		report.Missing = len(pending)
		return report, fmt.Errorf("%w: %d of %d results missing after %s", ErrEvaluationTimeout, report.Missing, report.Dispatched, m.timeout)
	}
	return report, nil
}

func (m *Master) apply(ind *model.Individual, res model.Result) bool {
	if !res.Success || res.Typed == 0 {
		m.logger.Warn("evaluation failed", "individual", ind.Name, "error", res.Error)
		return false
	}
	fitness := simulator.Fitness(res.Distance, res.Time, res.Typed, m.weights)
	ind.Fitness = &fitness
	ind.Distance = res.Distance
	ind.Time = res.Time
	ind.Typed = res.Typed
	return true
}
