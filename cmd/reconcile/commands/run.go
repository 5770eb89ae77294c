package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/reconcile/pkg/config"
	"github.com/openfroyo/reconcile/pkg/engine"
	"github.com/openfroyo/reconcile/pkg/report"
	"github.com/openfroyo/reconcile/pkg/telemetry"
)

// runReconcile performs a full run: import, plan analysis and safety gate.
func runReconcile(cmd *cobra.Command, o *options) error {
	ctx := cmd.Context()

	env, err := engine.ParseEnvironment(o.environment)
	if err != nil {
		return err
	}
	token, err := config.ParseOverrideToken(o.overrideToken)
	if err != nil {
		return err
	}

	tel, err := o.newTelemetry(string(env))
	if err != nil {
		return err
	}
	defer shutdownTelemetry(tel)
	ctx = tel.WithContext(ctx)
	logger := tel.Logger.Zerolog()

	provider, err := o.newProvider(ctx, logger)
	if err != nil {
		return err
	}
	plans, err := o.newPlanSource(logger)
	if err != nil {
		return err
	}
	authorizer, err := o.newAuthorizer(ctx, logger)
	if err != nil {
		return err
	}

	be, err := o.openBackend(ctx, logger)
	if err != nil {
		return err
	}
	defer be.close()

	retry := o.retryPolicy()
	discoverer := engine.NewDiscoverer(provider, config.NewStarlarkEvaluator(o.matchTimeout), retry, logger).
		WithObserver(tel.Metrics)
	reconciler := engine.NewReconciler(be.state, discoverer, retry, logger).
		WithObserver(tel.Metrics)

	sinks := []engine.ReportSink{
		&report.SummarySink{Out: cmd.OutOrStdout(), JSON: o.jsonOutput, Verbose: o.verbose},
		tel.Metrics,
	}
	if o.reportPath != "" {
		sinks = append(sinks, &report.JSONFileSink{Path: o.reportPath})
	}
	if be.history != nil {
		sinks = append(sinks, be.history)
	}

	coordinator := engine.NewCoordinator(config.NewFileCatalogSource(o.catalogPaths...), reconciler, plans, logger).
		WithProviderName(provider.Name()).
		WithObserver(tel.Metrics).
		WithAuthorizer(authorizer).
		WithAuditor(be.auditor).
		WithSinks(sinks...)

	result, err := coordinator.Run(ctx, engine.RunOptions{
		Environment:       env,
		Project:           o.project,
		Region:            o.region,
		DryRun:            o.dryRun,
		Force:             o.force,
		SkipRefresh:       o.skipRefresh,
		ContinueOnFailure: o.continueOnFailure,
		Concurrency:       o.concurrency,
		Owner:             o.owner,
		Override:          token,
	})
	if err != nil {
		if result == nil || result.ExitCode == 0 {
			return err
		}
		logger.Error().Err(err).Str("run_id", result.RunID).Msg("Failed to publish run report")
	}
	if result.ExitCode != 0 {
		return &ExitError{Code: result.ExitCode}
	}
	return nil
}

func shutdownTelemetry(tel *telemetry.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		tel.Logger.WithError(err).Warn("Failed to flush traces")
	}
}
