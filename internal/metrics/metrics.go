// Package metrics exposes worker and model counters for Prometheus.
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

const namespace = "atlas"

// Metrics holds the collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	claimed       *prometheus.CounterVec
	completed     *prometheus.CounterVec
	failed        *prometheus.CounterVec
	released      *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	trainings     *prometheus.CounterVec
	modelVersion  prometheus.Gauge
	backlog       prometheus.Gauge
	resets        *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_claimed_total",
			Help:      "Records claimed by workers.",
		}, []string{"role"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_completed_total",
			Help:      "Records whose coordinates were written.",
		}, []string{"role"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_failed_total",
			Help:      "Records that failed projection.",
		}, []string{"role", "kind"}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_released_total",
			Help:      "Claims returned to the queue.",
		}, []string{"reason"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_conflicts_total",
			Help:      "Completions rejected for a lost lease or stale model.",
		}, []string{"role"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time from claim to completion of a batch.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"role"}),
		trainings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_trainings_total",
			Help:      "Projection models trained.",
		}, []string{"reason"}),
		modelVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_version",
			Help:      "Version of the model in use.",
		}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backlog_records",
			Help:      "Claimable records at the last sizing decision.",
		}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Reset runs by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.claimed, m.completed, m.failed, m.released, m.conflicts,
		m.batchDuration, m.trainings, m.modelVersion, m.backlog, m.resets,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Claimed records n records claimed by a worker of role.
func (m *Metrics) Claimed(role string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.claimed.WithLabelValues(role).Add(float64(n))
}

// Completed records n coordinates written.
func (m *Metrics) Completed(role string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.completed.WithLabelValues(role).Add(float64(n))
}

// Failed records n failures; permanent selects the kind label.
func (m *Metrics) Failed(role string, n int, permanent bool) {
	if m == nil || n == 0 {
		return
	}
	kind := "transient"
	if permanent {
		kind = "permanent"
	}
	m.failed.WithLabelValues(role, kind).Add(float64(n))
}

// Released records n claims returned to the queue for reason.
func (m *Metrics) Released(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.released.WithLabelValues(reason).Add(float64(n))
}

// Conflict records a rejected completion.
func (m *Metrics) Conflict(role string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(role).Inc()
}

// ObserveBatch records how long a batch took.
func (m *Metrics) ObserveBatch(role string, d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.WithLabelValues(role).Observe(d.Seconds())
}

// Trained records a model training and the version now in use.
func (m *Metrics) Trained(reason string, version int64) {
	if m == nil {
		return
	}
	m.trainings.WithLabelValues(reason).Inc()
	m.modelVersion.Set(float64(version))
}

// ModelVersion records the version of the model in use.
func (m *Metrics) ModelVersion(version int64) {
	if m == nil {
		return
	}
	m.modelVersion.Set(float64(version))
}

// Backlog records the claimable backlog.
func (m *Metrics) Backlog(n int) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(n))
}

// Reset records the outcome of a reset run.
func (m *Metrics) Reset(outcome string) {
	if m == nil {
		return
	}
	m.resets.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
