// Package metrics exposes Prometheus instruments for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "possync"

// Metrics groups every instrument. A nil *Metrics is valid and records nothing.
type Metrics struct {
	cycles            *prometheus.CounterVec
	replayed          *prometheus.CounterVec
	conflictsDetected *prometheus.CounterVec
	conflictsResolved *prometheus.CounterVec
	pullDuration      prometheus.Histogram
	queueDepth        *prometheus.GaugeVec
	online            prometheus.Gauge
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by outcome (ok, aborted, pull_failed, skipped).",
		}, []string{"outcome"}),
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_mutations_total",
			Help:      "Queued mutations replayed against the catalog, by action and result.",
		}, []string{"action", "result"}),
		conflictsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_detected_total",
			Help:      "Conflicts captured, by the source that detected them (replay, pull).",
		}, []string{"source"}),
		conflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Conflicts resolved, by strategy and re-issue result.",
		}, []string{"strategy", "reissue"}),
		pullDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pull_duration_seconds",
			Help:      "Duration of remote change pulls.",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_records",
			Help:      "Queue records by status, sampled after each cycle.",
		}, []string{"status"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 while the catalog is reachable.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.cycles, m.replayed, m.conflictsDetected, m.conflictsResolved,
		m.pullDuration, m.queueDepth, m.online,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) CycleFinished(outcome string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Replayed(action, result string) {
	if m == nil {
		return
	}
	m.replayed.WithLabelValues(action, result).Inc()
}

func (m *Metrics) ConflictDetected(source string) {
	if m == nil {
		return
	}
	m.conflictsDetected.WithLabelValues(source).Inc()
}

func (m *Metrics) ConflictResolved(strategy string, reissued bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !reissued {
		result = "failed"
	}
	m.conflictsResolved.WithLabelValues(strategy, result).Inc()
}

func (m *Metrics) ObservePull(seconds float64) {
	if m == nil {
		return
	}
	m.pullDuration.Observe(seconds)
}

// SetQueueDepth replaces the per-status gauge values.
func (m *Metrics) SetQueueDepth(counts map[string]int) {
	if m == nil {
		return
	}
	m.queueDepth.Reset()
	for status, n := range counts {
		m.queueDepth.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}
