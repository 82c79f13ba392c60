package client

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSyncCommand creates the one-shot sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := opts.App()
			ctx := cmd.Context()

			app.Orchestrator.SetOnline(app.Monitor.Probe(ctx))
			report, err := app.Orchestrator.TrySync(ctx)
			if opts.Format == "json" {
				if perr := opts.printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case report.Skipped != "":
				fmt.Fprintf(out, "Sync skipped: %s\n", report.Skipped)
			case report.Aborted:
				fmt.Fprintf(out, "Sync aborted after %d replayed, %d conflicts\n", report.Replayed, report.Conflicts)
			default:
				fmt.Fprintf(out, "Replayed %d, conflicts %d", report.Replayed, report.Conflicts)
				if report.Pull != nil {
					fmt.Fprintf(out, ", pulled %d, deleted %d, pull conflicts %d",
						report.Pull.Updated, report.Pull.Deleted, report.Pull.Conflicts)
				}
				fmt.Fprintln(out)
			}
			return err
		},
	}
}
