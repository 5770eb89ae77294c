// Package telemetry provides logging, tracing and metrics for reconcile runs.
//
// # Overview
//
// A reconcile run is a short-lived batch process, so telemetry is shaped for
// that lifecycle:
//
//   - Structured logging with zerolog, written to stderr so the run report
//     owns stdout
//   - Optional tracing with OpenTelemetry, exported over OTLP gRPC or
//     printed as JSON for local debugging
//   - Prometheus metrics collected in a private registry and written in the
//     node-exporter textfile format when the run completes
//
// # Quick Start
//
//	cfg := telemetry.CIConfig()
//	cfg.ServiceVersion = version
//	cfg.Metrics.TextfilePath = "/var/lib/node_exporter/reconcile.prom"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	coordinator.
//	    WithObserver(tel.Metrics).
//	    WithSinks(tel.Metrics)
//
// # Logging
//
// Components take a zerolog.Logger. Derive one per component and attach the
// run id once it is known:
//
//	logger := tel.Logger.NewComponentLogger("reconciler").WithRunID(runID)
//	logger.WithAddress(entry.Address).Info("Imported")
//
// Library packages take the underlying zerolog.Logger from Zerolog().
//
// # Tracing
//
// Tracing is disabled by default. When enabled, StartOperation opens a span
// and returns a logger tagged with its trace and span ids:
//
//	op := telemetry.StartOperation(ctx, "discovery.find",
//	    attribute.String("kind", entry.Kind))
//	defer op.End(err)
//
// # Metrics
//
// Metrics implements engine.Observer and engine.ReportSink. All names carry
// the configured namespace (default "reconcile"):
//
//   - runs_completed_total{environment,status}
//   - run_duration_seconds{environment}
//   - last_run_exit_code
//   - provider_queries_total{provider,kind,result}
//   - provider_query_duration_seconds{provider,kind}
//   - attempts_total{operation,outcome}
//   - entry_outcomes_total{outcome}
//   - gate_verdicts_total{environment,decision}
//   - errors_by_class_total{class}
//   - errors_by_code_total{code}
//
// A disabled Metrics accepts every call and records nothing.
package telemetry
