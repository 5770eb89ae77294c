package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/openfroyo/reconcile/pkg/report"
)

func newVersionCommand(o *options) *cobra.Command {
	info := o.info

	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.jsonOutput {
				return report.WriteJSON(cmd.OutOrStdout(), map[string]string{
					"version":    info.version,
					"commit":     info.commit,
					"build_date": info.buildDate,
					"go_version": runtime.Version(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reconcile %s\n  commit: %s\n  built:  %s\n  go:     %s\n",
				info.version, info.commit, info.buildDate, runtime.Version())
			return nil
		},
	}
}
