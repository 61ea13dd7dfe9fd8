// Package metrics exposes run and evaluation counters to Prometheus. A nil
// *Collector is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ergotype"

type Collector struct {
	registry *prometheus.Registry

	jobsDispatched  prometheus.Counter
	resultsApplied  *prometheus.CounterVec
	evaluations     *prometheus.CounterVec
	evalSeconds     prometheus.Histogram
	generationBest  *prometheus.GaugeVec
	generationCount *prometheus.GaugeVec
	queueDepth      *prometheus.GaugeVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Evaluation jobs pushed by the master.",
		}),
		resultsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Results pulled by the master, by outcome.",
		}, []string{"outcome"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_evaluations_total",
			Help:      "Jobs evaluated by workers, by outcome.",
		}, []string{"outcome"}),
		evalSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_evaluation_seconds",
			Help:      "Wall time of one layout evaluation.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		generationBest: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation_best_fitness",
			Help:      "Best fitness of the latest generation.",
		}, []string{"run"}),
		generationCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation",
			Help:      "Latest completed generation.",
		}, []string{"run"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Approximate pending messages per channel.",
		}, []string{"backend", "channel"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		c.jobsDispatched,
		c.resultsApplied,
		c.evaluations,
		c.evalSeconds,
		c.generationBest,
		c.generationCount,
		c.queueDepth,
	)
	return c
}

func (c *Collector) JobDispatched() {
	if c == nil {
		return
	}
	c.jobsDispatched.Inc()
}

// ResultPulled counts one result seen by the master. outcome is one of
// success, failure or ignored.
func (c *Collector) ResultPulled(outcome string) {
	if c == nil {
		return
	}
	c.resultsApplied.WithLabelValues(outcome).Inc()
}

func (c *Collector) Evaluated(success bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.evaluations.WithLabelValues(outcome).Inc()
	c.evalSeconds.Observe(elapsed.Seconds())
}

func (c *Collector) Generation(run string, generation uint64, best float64) {
	if c == nil {
		return
	}
	c.generationCount.WithLabelValues(run).Set(float64(generation))
	c.generationBest.WithLabelValues(run).Set(best)
}

func (c *Collector) QueueDepth(backend, channel string, depth int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(backend, channel).Set(float64(depth))
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, c *Collector, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "component", "metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
