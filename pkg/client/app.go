// Package client is the possync command line: the long-running sync agent
// and the operator commands around the queue and the conflict store.
package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/wurt83ow/possync/pkg/bdkeeper"
	"github.com/wurt83ow/possync/pkg/catalog"
	"github.com/wurt83ow/possync/pkg/config"
	"github.com/wurt83ow/possync/pkg/conflicts"
	"github.com/wurt83ow/possync/pkg/connectivity"
	"github.com/wurt83ow/possync/pkg/encription"
	"github.com/wurt83ow/possync/pkg/gksync"
	"github.com/wurt83ow/possync/pkg/logger"
	"github.com/wurt83ow/possync/pkg/metrics"
	"github.com/wurt83ow/possync/pkg/services"
	"github.com/wurt83ow/possync/pkg/syncinfo"
)

// App holds every component of one possync process.
type App struct {
	Opts         *config.Options
	Log          *zap.SugaredLogger
	Keeper       *bdkeeper.Keeper
	Catalog      *catalog.Client
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Resolver     *conflicts.Resolver
	Watermark    *syncinfo.SyncManager
	Monitor      *connectivity.Monitor
	Orchestrator *gksync.Orchestrator
	Services     *services.Service
}

// NewApp opens the local store and wires the engine. Nothing touches the
// network until a command runs.
func NewApp(opts *config.Options) (*App, error) {
	log, err := logger.NewLogger(opts.LogLevel, opts.LogFormat, opts.LogPath)
	if err != nil {
		return nil, err
	}

	var keeperOpts []bdkeeper.Option
	if opts.StoreKey != "" {
		keeperOpts = append(keeperOpts, bdkeeper.WithSealer(encription.NewEnc(opts.StoreKey)))
	}
	keeper, err := bdkeeper.Open(opts.DBPath, keeperOpts...)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		keeper.Close()
		return nil, err
	}

	cat, err := catalog.NewClient(opts.ServerURL,
		catalog.WithTimeout(opts.RequestTimeout),
		catalog.WithBearerToken(opts.AuthToken),
		catalog.WithCycleHeader(),
		catalog.WithPullMaxElapsed(opts.PullMaxElapsed),
		catalog.WithLogger(log),
	)
	if err != nil {
		keeper.Close()
		return nil, err
	}

	resolver := conflicts.NewResolver(keeper, keeper, cat,
		conflicts.WithLogger(log), conflicts.WithMetrics(m))
	watermark := syncinfo.NewSyncManager(keeper)
	monitor := connectivity.NewMonitor(cat, opts.ProbeInterval,
		connectivity.WithLogger(log), connectivity.WithMetrics(m))
	orch := gksync.NewOrchestrator(keeper, cat, keeper, resolver, watermark,
		gksync.WithLogger(log),
		gksync.WithMetrics(m),
		gksync.WithInterval(opts.SyncInterval),
		gksync.WithSyncedRetention(opts.SyncedRetention),
		gksync.WithConnectivity(monitor.Changes()),
		gksync.WithInitialOnline(monitor.Online()),
	)

	return &App{
		Opts:         opts,
		Log:          log,
		Keeper:       keeper,
		Catalog:      cat,
		Registry:     reg,
		Metrics:      m,
		Resolver:     resolver,
		Watermark:    watermark,
		Monitor:      monitor,
		Orchestrator: orch,
		Services:     services.NewServices(cat, keeper, keeper, monitor, orch, log),
	}, nil
}

func (a *App) Close() error {
	a.Orchestrator.Stop()
	_ = a.Log.Sync()
	return a.Keeper.Close()
}
