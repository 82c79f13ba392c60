// Package connectivity tracks whether the catalog is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wurt83ow/possync/pkg/logger"
	"github.com/wurt83ow/possync/pkg/metrics"
	"github.com/wurt83ow/possync/pkg/models"
)

// Prober checks the catalog once. *catalog.Client implements it.
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor probes the catalog and publishes reachability transitions.
// While online it probes every interval; while offline it retries on an
// exponential schedule capped at the interval.
type Monitor struct {
	prober   Prober
	interval time.Duration
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	retry    backoff.BackOff

	mu      sync.Mutex
	online  bool
	changes chan bool
}

type Option func(*Monitor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Monitor) { m.log = logger.For(l, "connectivity") }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithRetryBackOff replaces the offline probe schedule.
func WithRetryBackOff(b backoff.BackOff) Option {
	return func(m *Monitor) { m.retry = b }
}

func NewMonitor(prober Prober, interval time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		prober:   prober,
		interval: interval,
		log:      logger.NewNop(),
		online:   true,
		changes:  make(chan bool, 1),
	}
	for _, o := range opts {
		o(m)
	}
	if m.retry == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = interval
		b.MaxElapsedTime = 0
		m.retry = b
	}
	return m
}

// Changes delivers the latest reachability whenever it flips. A slow reader
// sees only the most recent value.
func (m *Monitor) Changes() <-chan bool {
	return m.changes
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set forces the reachability state, publishing it if it changed.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	m.metrics.SetOnline(online)
	m.log.Infow("Catalog reachability changed", "online", online)

	for {
		select {
		case m.changes <- online:
			return
		default:
			select {
			case <-m.changes:
			default:
			}
		}
	}
}

// Probe pings the catalog once and records the result. Only transport-level
// failures count as offline; any HTTP answer proves the catalog is reachable.
func (m *Monitor) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	err := m.prober.Ping(pctx)
	online := err == nil || !models.IsRetryable(err)
	if err != nil {
		m.log.Debugw("Probe failed", "online", online, "error", err)
	}
	m.Set(online)
	return online
}

// Run probes until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := m.interval
		if m.Probe(ctx) {
			m.retry.Reset()
		} else if d := m.retry.NextBackOff(); d != backoff.Stop {
			next = d
		}
		timer.Reset(next)
	}
}
