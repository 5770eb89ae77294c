package telemetry

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/reconcile/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, CIConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty service", func(c *Config) { c.ServiceName = "" }, "service name"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, "invalid trace exporter"},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, "endpoint"},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 2 }, "sampling rate"},
		{"metrics without namespace", func(c *Config) { c.Metrics.Namespace = "" }, "namespace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LoggingConfig{Level: "info", Format: "json"})

	logger.NewComponentLogger("reconciler").WithRunID("run-1").WithAddress("lb.main").Info("Imported")
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, `"component":"reconciler"`)
	assert.Contains(t, out, `"run_id":"run-1"`)
	assert.Contains(t, out, `"address":"lb.main"`)
	assert.NotContains(t, out, "hidden")
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})

	ctx := logger.WithContext(context.Background())
	assert.Same(t, logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestMetricsObserver(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)

	m.ObserveQuery("aws", "aws_lb", 50*time.Millisecond, nil)
	m.ObserveQuery("aws", "aws_lb", 10*time.Millisecond, engine.NewThrottledError("slow down", nil))
	m.ObserveAttempt("write", engine.AttemptTransientFailure)
	m.ObserveAttempt("write", engine.AttemptSuccess)
	m.ObserveOutcome(engine.OutcomeImported)
	m.ObserveOutcome(engine.OutcomeImported)
	m.ObserveVerdict(engine.EnvironmentProduction, engine.DecisionDeny)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerQueries.WithLabelValues("aws", "aws_lb", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerQueries.WithLabelValues("aws", "aws_lb", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("write", "transient_failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.entryOutcome.WithLabelValues("imported")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verdicts.WithLabelValues("prod", "deny")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByClass.WithLabelValues(string(engine.ErrorClassThrottled))))
}

func TestMetricsPublishWritesTextfile(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.TextfilePath = filepath.Join(t.TempDir(), "reconcile.prom")
	m, err := NewMetrics(cfg)
	require.NoError(t, err)

	report := &engine.RunReport{
		Environment: engine.EnvironmentStaging,
		Status:      engine.RunStatusPartial,
		ExitCode:    1,
		Duration:    3 * time.Second,
		Verdict:     &engine.SafetyVerdict{Environment: engine.EnvironmentStaging, Decision: engine.DecisionDeny},
	}
	require.NoError(t, m.Publish(context.Background(), report))

	data, err := os.ReadFile(cfg.TextfilePath)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.Contains(text, `reconcile_runs_completed_total{environment="staging",status="partial"} 1`), text)
	assert.Contains(t, text, "reconcile_last_run_exit_code 1")
	assert.Contains(t, text, `reconcile_errors_by_code_total{code="SAFETY_DENIED"} 1`)
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false, TextfilePath: "/nonexistent/x.prom"})
	require.NoError(t, err)

	m.ObserveQuery("aws", "aws_lb", time.Second, nil)
	m.ObserveOutcome(engine.OutcomeFailed)
	assert.NoError(t, m.Publish(context.Background(), &engine.RunReport{}))
	assert.Nil(t, m.Registry())
}

func TestTracerStdout(t *testing.T) {
	var buf bytes.Buffer
	tr, err := newTracer(TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, "reconcile", "test", "test", &buf)
	require.NoError(t, err)

	ctx, span := tr.Start(context.Background(), "discovery.find")
	assert.NotEmpty(t, TraceID(ctx))
	RecordError(span, engine.NewPermanentQueryError("unknown kind", nil))
	span.End()
	require.NoError(t, tr.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "discovery.find")
	assert.Empty(t, TraceID(context.Background()))
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "state.list")
	assert.Nil(t, op.Span)
	op.End(nil)
	assert.GreaterOrEqual(t, op.Duration(), time.Duration(0))
}
