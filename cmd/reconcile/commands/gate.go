package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/reconcile/pkg/config"
	"github.com/openfroyo/reconcile/pkg/engine"
	"github.com/openfroyo/reconcile/pkg/report"
)

// gateResult is the JSON output of the gate command.
type gateResult struct {
	Analysis *engine.PlanAnalysis `json:"analysis"`
	Verdict  engine.SafetyVerdict `json:"verdict"`
}

func newGateCommand(o *options) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Evaluate the deployment safety gate for a plan",
		Long: `Analyze a plan and decide whether it may be applied, without importing anything.

Destructive changes (destroys and replacements) in staging and prod are denied
unless an override token authorized by the override policies is supplied. The test
and preview environments allow every change. The command exits 1 when the
verdict is deny.

When --catalog points at an existing catalog, its kinds section supplies the
immutable attributes and stateful kinds used to classify changes.`,
		Example: `  # Gate a terraform plan for production
  terraform show -json tfplan > plan.json
  reconcile gate --environment prod --plan plan.json

  # Gate with an override approved through change management
  reconcile gate --environment prod --plan plan.json \
    --override-token ovr-17:alice:CHG-1042:prod`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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
			ctx := tel.WithContext(cmd.Context())
			logger := tel.Logger.Zerolog()

			plans, err := o.newPlanSource(logger)
			if err != nil {
				return err
			}
			if plans == nil {
				return engine.NewPermanentError("gate needs --plan or --plan-command", nil).
					WithCode(engine.ErrCodeValidation)
			}
			plan, err := plans.LoadPlan(ctx, engine.PlanRequest{Environment: env, Refresh: refresh})
			if err != nil {
				return err
			}

			var kinds map[string]engine.KindSchema
			if catalogs := existingPaths(o.catalogPaths); len(catalogs) > 0 {
				catalog, err := config.NewCatalogLoader().Load(ctx, catalogs)
				if err != nil {
					return err
				}
				kinds = catalog.Kinds
			}

			analysis, err := engine.NewAnalyzer(kinds, logger).Analyze(ctx, plan)
			if err != nil {
				return err
			}

			authorizer, err := o.newAuthorizer(ctx, logger)
			if err != nil {
				return err
			}
			verdict := engine.NewCoordinator(nil, nil, nil, logger).
				WithAuthorizer(authorizer).
				WithObserver(tel.Metrics).
				Gate(ctx, env, analysis.Risk, token)

			if o.jsonOutput {
				if err := report.WriteJSON(cmd.OutOrStdout(), gateResult{Analysis: analysis, Verdict: verdict}); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				report.WritePlanSummary(out, analysis.Summary)
				fmt.Fprintln(out)
				report.WriteVerdict(out, verdict)
			}

			if !verdict.Allowed() {
				tel.Metrics.RecordError(engine.NewSafetyDeniedError(verdict))
			}
			if tel.Config.Metrics.TextfilePath != "" {
				if err := tel.Metrics.WriteToTextfile(tel.Config.Metrics.TextfilePath); err != nil {
					return err
				}
			}
			if !verdict.Allowed() {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "let the plan command refresh state")

	return cmd
}
