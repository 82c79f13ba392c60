package client

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/wurt83ow/possync/pkg/models"
)

// NewConflictsCommand groups the conflict commands.
func NewConflictsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review and resolve sync conflicts",
	}
	cmd.AddCommand(newConflictsListCommand(opts))
	cmd.AddCommand(newConflictsResolveCommand(opts))
	cmd.AddCommand(newConflictsAutoCommand(opts))
	cmd.AddCommand(newConflictsReviewCommand(opts))
	return cmd
}

func newConflictsListCommand(opts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts (unresolved only unless --all)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.App().Resolver.ListConflicts(cmd.Context(), !all)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return opts.printJSON(cmd.OutOrStdout(), list)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No conflicts.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tENTITY\tOPERATION\tDETECTED\tRESOLVED")
			for _, c := range list {
				resolved := "-"
				if c.Resolved {
					resolved = string(c.Strategy)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					c.ID, c.EntityID, c.Operation, c.DetectedAt.Local().Format(time.DateTime), resolved)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	return cmd
}

func newConflictsResolveCommand(opts *RootOptions) *cobra.Command {
	var (
		strategy string
		data     string
	)
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve one conflict with a strategy",
		Long: `Resolve settles a conflict and re-sends its operation to the catalog.

Strategies:
  local   keep the till's version
  server  keep the catalog's version
  merge   newer fields win over older ones
  custom  send the JSON object given with --data`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := models.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			custom, err := parseSnapshot(data)
			if err != nil {
				return err
			}

			c, err := opts.App().Resolver.ResolveConflict(cmd.Context(), args[0], st, custom)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return opts.printJSON(cmd.OutOrStdout(), c)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s with %s\n", c.ID, c.Strategy)
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "local, server, merge or custom (required)")
	_ = cmd.MarkFlagRequired("strategy")
	cmd.Flags().StringVar(&data, "data", "", "resolution JSON object for the custom strategy")
	return cmd
}

func newConflictsAutoCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "auto",
		Short: "Resolve every conflict, keeping whichever side is newer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := opts.App().Resolver.AutoResolveConflicts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved %d conflicts\n", n)
			return nil
		},
	}
}

func newConflictsReviewCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "review",
		Short: "Walk through unresolved conflicts interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rl, err := readline.NewEx(&readline.Config{
				Prompt: "> ",
				Stdout: cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			defer rl.Close()

			r := &Reviewer{Resolver: opts.App().Resolver, Prompt: rl, Out: cmd.OutOrStdout()}
			return r.Run(cmd.Context())
		},
	}
}

func parseSnapshot(raw string) (models.Snapshot, error) {
	if raw == "" {
		return nil, nil
	}
	var s models.Snapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse --data: %w", err)
	}
	return s, nil
}
