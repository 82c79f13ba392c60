package client

import (
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/wurt83ow/possync/pkg/config"
)

// ValidFormats lists the accepted --format values.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config *config.Options
	Format string

	app *App
}

// App returns the components built for the running command.
func (o *RootOptions) App() *App {
	return o.app
}

// NewRootCommand creates the root command for the possync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Config: config.NewConfig()})
}

// Execute runs the CLI with args and releases the store even when the
// command fails.
func Execute(ctx context.Context, args []string) error {
	opts := &RootOptions{Config: config.NewConfig()}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	defer func() {
		if opts.app != nil {
			opts.app.Close()
		}
	}()
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "possync",
		Short: "Offline-first product catalog sync for the till",
		Long: `possync keeps the till's product edits in a durable local queue, replays
them against the catalog when it is reachable, mirrors remote changes and
keeps the conflicts it cannot settle on its own for review.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if err := opts.Config.Load(cmd.Flags()); err != nil {
				return err
			}
			app, err := NewApp(opts.Config)
			if err != nil {
				return err
			}
			opts.app = app
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.app == nil {
				return nil
			}
			err := opts.app.Close()
			opts.app = nil
			return err
		},
	}

	opts.Config.BindFlags(cmd.PersistentFlags())
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewProductCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) printJSON(w io.Writer, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(raw))
	return err
}
