package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/reconcile/pkg/engine"
	"github.com/openfroyo/reconcile/pkg/report"
	"github.com/openfroyo/reconcile/pkg/stores"
)

func newRunsCommand(o *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show run history and the audit trail",
		Long: `Show past runs and audit entries recorded by the SQLite state backend.

Every run stores its full report. Imports, forced re-imports, removals and
gate verdicts are recorded in the audit trail.`,
	}
	cmd.PersistentFlags().IntVarP(&limit, "limit", "n", 20, "maximum number of rows")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, o, func(ctx context.Context, history stores.Store) error {
				runs, err := history.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
				if o.jsonOutput {
					return report.WriteJSON(cmd.OutOrStdout(), runs)
				}

				rows := make([][]string, 0, len(runs))
				for _, r := range runs {
					gate := "-"
					if r.Decision != nil {
						gate = *r.Decision
					}
					rows = append(rows, []string{
						r.ID,
						string(r.Environment),
						string(r.Status),
						strconv.Itoa(r.ExitCode),
						strconv.FormatBool(r.DryRun),
						gate,
						r.StartedAt.Format("2006-01-02 15:04:05"),
					})
				}
				return report.WriteTable(cmd.OutOrStdout(), []string{"Run", "Environment", "Status", "Exit", "Dry Run", "Gate", "Started"}, rows)
			})
		},
	})

	var action string
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit trail entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, o, func(ctx context.Context, history stores.Store) error {
				var filter *string
				if action != "" {
					filter = &action
				}
				entries, err := history.ListAuditEntries(ctx, filter, nil, limit, 0)
				if err != nil {
					return err
				}
				if o.jsonOutput {
					return report.WriteJSON(cmd.OutOrStdout(), entries)
				}

				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					target := ""
					if e.TargetID != nil {
						target = *e.TargetID
					}
					rows = append(rows, []string{
						strconv.FormatInt(e.ID, 10),
						e.Action,
						e.Actor,
						target,
						e.Timestamp.Format("2006-01-02 15:04:05"),
					})
				}
				return report.WriteTable(cmd.OutOrStdout(), []string{"ID", "Action", "Actor", "Target", "Time"}, rows)
			})
		},
	}
	auditCmd.Flags().StringVar(&action, "action", "", "only show entries with this action (import, reimport, remove, gate)")
	cmd.AddCommand(auditCmd)

	return cmd
}

// withHistory runs fn against a backend that keeps run history.
func withHistory(cmd *cobra.Command, o *options, fn func(ctx context.Context, history stores.Store) error) error {
	return withBackend(cmd, o, func(ctx context.Context, be *backend) error {
		if be.history == nil {
			return engine.NewPermanentError(fmt.Sprintf("the %s backend does not keep run history", o.stateBackend), nil).
				WithCode(engine.ErrCodeValidation).
				WithRemediation("use --state-backend sqlite")
		}
		return fn(ctx, be.history)
	})
}
