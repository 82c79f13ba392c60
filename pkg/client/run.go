package client

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wurt83ow/possync/pkg/statusapi"
)

// NewRunCommand creates the long-running agent command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync agent until interrupted",
		Long: `Run probes the catalog, replays the queue on every reconnect and on the
sync interval, and serves the local status API until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, opts.App())
		},
	}
}

func runAgent(ctx context.Context, app *App) error {
	if _, err := app.Watermark.Load(ctx); err != nil {
		return err
	}
	app.Orchestrator.SetOnline(app.Monitor.Probe(ctx))
	if err := app.Orchestrator.Start(ctx); err != nil {
		return err
	}
	defer app.Orchestrator.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.Monitor.Run(gctx)
		return nil
	})
	if addr := app.Opts.StatusAddr; addr != "" {
		handler := statusapi.NewServer(app.Orchestrator, app.Keeper, app.Watermark, app.Registry, app.Log)
		g.Go(func() error {
			return statusapi.Serve(gctx, addr, handler, app.Log)
		})
	}

	app.Log.Infow("Sync agent started", "server", app.Opts.ServerURL, "interval", app.Opts.SyncInterval)
	err := g.Wait()
	app.Log.Infow("Sync agent stopping")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
