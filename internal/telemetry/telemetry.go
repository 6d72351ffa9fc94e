// Package telemetry provides local Prometheus collectors.
//
// Metrics are collected into a private registry and are only exposed when
// the operator enables the metrics endpoint. Nothing is pushed anywhere.
// A nil *Metrics is valid and every method on it is a no-op, so components
// take a *Metrics without caring whether metrics are enabled.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dogtale/companion-core/internal/logging"
)

const namespace = "companion"

// Batch outcomes.
const (
	OutcomeResolved = "resolved"
	OutcomeRetry    = "retry"
	OutcomeFailed   = "failed"
)

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	changesEnqueued  *prometheus.CounterVec
	batches          *prometheus.CounterVec
	changes          *prometheus.CounterVec
	drainDuration    prometheus.Histogram
	queueDepth       *prometheus.GaugeVec
	online           prometheus.Gauge
	generations      *prometheus.CounterVec
	providerFailures *prometheus.CounterVec
	quotaChecks      *prometheus.CounterVec
}

// New creates Metrics registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// changesEnqueued counts changes recorded locally.
		// Labels: table
		changesEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Pending changes recorded locally",
		}, []string{"table"}),

		// batches counts batch attempts.
		// Labels: table, outcome (resolved, retry, failed)
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "batches_total",
			Help:      "Batch attempts by outcome",
		}, []string{"table", "outcome"}),

		// changes counts changes by batch outcome.
		// Labels: table, outcome
		changes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "changes_total",
			Help:      "Changes by batch outcome",
		}, []string{"table", "outcome"}),

		drainDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "drain_duration_seconds",
			Help:      "Duration of a full drain",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		// queueDepth is sampled after every drain.
		// Labels: status (queued, in_flight, failed)
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Pending changes by status",
		}, []string{"status"}),

		online: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "online",
			Help:      "1 when the remote is reachable",
		}),

		// generations counts finished generations.
		// Labels: kind (story, tribute, chat, memory), provider ("template" for fallback)
		generations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "results_total",
			Help:      "Generation results by kind and provider",
		}, []string{"kind", "provider"}),

		providerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "provider_failures_total",
			Help:      "Provider attempts that failed and advanced the chain",
		}, []string{"provider"}),

		// quotaChecks counts quota decisions.
		// Labels: result (allowed, exceeded, unlimited, fail_open)
		quotaChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "checks_total",
			Help:      "Quota checks by result",
		}, []string{"result"}),
	}
}

// Enabled reports whether collection is active.
func (m *Metrics) Enabled() bool {
	return m != nil
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ChangeEnqueued records one locally recorded change.
func (m *Metrics) ChangeEnqueued(table string) {
	if m == nil {
		return
	}
	m.changesEnqueued.WithLabelValues(table).Inc()
}

// BatchFinished records one batch attempt of n changes.
func (m *Metrics) BatchFinished(table, outcome string, n int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(table, outcome).Inc()
	m.changes.WithLabelValues(table, outcome).Add(float64(n))
}

// DrainFinished records a drain's duration.
func (m *Metrics) DrainFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.drainDuration.Observe(d.Seconds())
}

// QueueDepth records the queue's per-status counts.
func (m *Metrics) QueueDepth(queued, inFlight, failed int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("queued").Set(float64(queued))
	m.queueDepth.WithLabelValues("in_flight").Set(float64(inFlight))
	m.queueDepth.WithLabelValues("failed").Set(float64(failed))
}

// Online records the connectivity state.
func (m *Metrics) Online(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}

// GenerationFinished records a generation result.
func (m *Metrics) GenerationFinished(kind, provider string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(kind, provider).Inc()
}

// ProviderFailed records a provider attempt that failed.
func (m *Metrics) ProviderFailed(provider string) {
	if m == nil {
		return
	}
	m.providerFailures.WithLabelValues(provider).Inc()
}

// QuotaChecked records a quota decision.
func (m *Metrics) QuotaChecked(result string) {
	if m == nil {
		return
	}
	m.quotaChecks.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if m == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.Info("Metrics endpoint listening", map[string]interface{}{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
