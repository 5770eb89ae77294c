package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// Metrics provides Prometheus metrics for reconcile runs. It implements
// engine.Observer and engine.ReportSink.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	lastRunExit   prometheus.Gauge

	// Provider metrics
	providerQueries  *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec

	// Reconciliation metrics
	attempts     *prometheus.CounterVec
	entryOutcome *prometheus.CounterVec

	// Gate metrics
	verdicts *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"environment", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"environment"},
		),
		lastRunExit: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_exit_code",
				Help:      "Exit code of the most recent run",
			},
		),

		providerQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_queries_total",
				Help:      "Total number of provider queries",
			},
			[]string{"provider", "kind", "result"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_query_duration_seconds",
				Help:      "Duration of provider queries in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "kind"},
		),

		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of retried operation attempts",
			},
			[]string{"operation", "outcome"},
		),
		entryOutcome: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entry_outcomes_total",
				Help:      "Catalog entries by terminal outcome",
			},
			[]string{"outcome"},
		),

		verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_verdicts_total",
				Help:      "Safety gate verdicts by environment and decision",
			},
			[]string{"environment", "decision"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.lastRunExit,
		m.providerQueries,
		m.providerDuration,
		m.attempts,
		m.entryOutcome,
		m.verdicts,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveQuery records a provider query with its duration and result.
func (m *Metrics) ObserveQuery(provider, kind string, duration time.Duration, err error) {
	if m.providerQueries == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		m.RecordError(err)
	}
	m.providerQueries.WithLabelValues(provider, kind, result).Inc()
	m.providerDuration.WithLabelValues(provider, kind).Observe(duration.Seconds())
}

// ObserveAttempt records one attempt of a retried operation.
func (m *Metrics) ObserveAttempt(operation string, outcome engine.AttemptOutcome) {
	if m.attempts == nil {
		return
	}
	m.attempts.WithLabelValues(operation, string(outcome)).Inc()
}

// ObserveOutcome records the terminal outcome of a catalog entry.
func (m *Metrics) ObserveOutcome(outcome engine.EntryOutcome) {
	if m.entryOutcome == nil {
		return
	}
	m.entryOutcome.WithLabelValues(string(outcome)).Inc()
}

// ObserveVerdict records a safety gate decision.
func (m *Metrics) ObserveVerdict(env engine.Environment, decision engine.Decision) {
	if m.verdicts == nil {
		return
	}
	m.verdicts.WithLabelValues(string(env), string(decision)).Inc()
}

// RecordError records an error by class and, for engine errors, by code.
func (m *Metrics) RecordError(err error) {
	if m.errorsByClass == nil || err == nil {
		return
	}
	ee := engine.AsEngineError(err)
	m.errorsByClass.WithLabelValues(string(ee.Class)).Inc()
	if ee.Code != "" {
		m.errorsByCode.WithLabelValues(ee.Code).Inc()
	}
}

// Publish records the completed run and, when a textfile path is
// configured, writes the registry to it. Implements engine.ReportSink.
func (m *Metrics) Publish(_ context.Context, report *engine.RunReport) error {
	if m.runsCompleted == nil {
		return nil
	}
	env := string(report.Environment)
	m.runsCompleted.WithLabelValues(env, string(report.Status)).Inc()
	m.runDuration.WithLabelValues(env).Observe(report.Duration.Seconds())
	m.lastRunExit.Set(float64(report.ExitCode))
	if report.Verdict != nil && !report.Verdict.Allowed() {
		m.RecordError(engine.NewSafetyDeniedError(*report.Verdict))
	}

	if m.config.TextfilePath == "" {
		return nil
	}
	return m.WriteToTextfile(m.config.TextfilePath)
}

// WriteToTextfile writes the registry in the node-exporter textfile format.
func (m *Metrics) WriteToTextfile(path string) error {
	if m.registry == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

var (
	_ engine.Observer   = (*Metrics)(nil)
	_ engine.ReportSink = (*Metrics)(nil)
)
