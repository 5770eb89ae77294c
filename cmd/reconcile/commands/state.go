package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/reconcile/pkg/report"
	"github.com/openfroyo/reconcile/pkg/telemetry"
)

func newStateCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and edit the state store",
		Long: `Inspect and edit the records reconcile keeps in the state store.

Removing a record makes the next run discover and import the address again.`,
	}

	cmd.AddCommand(newStateListCommand(o))
	cmd.AddCommand(newStateRemoveCommand(o))

	return cmd
}

func newStateListCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked resources",
		Example: `  # List tracked resources in the local state database
  reconcile state list --state-path reconcile.db

  # List tracked resources in DynamoDB as JSON
  reconcile state list --state-backend dynamodb --state-table reconcile-state --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, o, func(ctx context.Context, be *backend) error {
				records, err := be.state.List(ctx)
				if err != nil {
					return err
				}
				if o.jsonOutput {
					return report.WriteJSON(cmd.OutOrStdout(), records)
				}
				if len(records) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No tracked resources.")
					return nil
				}

				rows := make([][]string, 0, len(records))
				for _, r := range records {
					rows = append(rows, []string{r.Address, r.Kind, r.ProviderID, r.ImportedAt.Format("2006-01-02 15:04:05"), r.RunID})
				}
				return report.WriteTable(cmd.OutOrStdout(), []string{"Address", "Kind", "Provider ID", "Imported", "Run"}, rows)
			})
		},
	}
}

func newStateRemoveCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "rm ADDRESS...",
		Aliases: []string{"remove"},
		Short:   "Stop tracking resources",
		Example: `  # Forget an address so the next run imports it again
  reconcile state rm lb.main`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, o, func(ctx context.Context, be *backend) error {
				lock, err := be.state.AcquireLock(ctx, o.owner)
				if err != nil {
					return err
				}
				defer func() {
					if err := be.state.ReleaseLock(context.WithoutCancel(ctx), lock); err != nil {
						telemetry.FromContext(ctx).WithError(err).Warn("Failed to release state lock")
					}
				}()

				for _, address := range args {
					if err := be.state.Remove(ctx, lock, address); err != nil {
						return err
					}
					if be.auditor != nil {
						if err := be.auditor.RecordAudit(ctx, "remove", o.owner, address, nil); err != nil {
							telemetry.FromContext(ctx).WithError(err).WithAddress(address).Warn("Failed to record removal in audit trail")
						}
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", address)
				}
				return nil
			})
		},
	}
}

// withBackend opens telemetry and the state store around fn.
func withBackend(cmd *cobra.Command, o *options, fn func(ctx context.Context, be *backend) error) error {
	tel, err := o.newTelemetry(o.environment)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(tel)
	ctx := tel.WithContext(cmd.Context())

	be, err := o.openBackend(ctx, tel.Logger.Zerolog())
	if err != nil {
		return err
	}
	defer be.close()

	return fn(ctx, be)
}
