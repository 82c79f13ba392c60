// Package gksync replays the local mutation queue against the catalog and
// pulls remote changes into the local mirror.
package gksync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wurt83ow/possync/pkg/appcontext"
	"github.com/wurt83ow/possync/pkg/catalog"
	"github.com/wurt83ow/possync/pkg/logger"
	"github.com/wurt83ow/possync/pkg/metrics"
	"github.com/wurt83ow/possync/pkg/models"
)

// DefaultInterval is the periodic sync cadence.
const DefaultInterval = 30 * time.Second

// Skip reasons reported by a cycle that did not run.
const (
	SkipOffline = "offline"
	SkipBusy    = "busy"
)

// Queue is the durable mutation queue. *bdkeeper.Keeper implements it.
type Queue interface {
	EntityQueue
	ListPending(ctx context.Context) ([]models.MutationRecord, error)
	MarkStatus(ctx context.Context, id string, status models.Status, extra models.StatusExtra) error
	RecoverInFlight(ctx context.Context) (int64, error)
	PruneSynced(ctx context.Context, before time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[models.Status]int, error)
}

// Watermark tracks the last successful pull. *syncinfo.SyncManager implements it.
type Watermark interface {
	LastSync(ctx context.Context) (time.Time, error)
	Advance(ctx context.Context, ts time.Time) error
}

// State is what listeners observe.
type State struct {
	IsOnline  bool `json:"isOnline"`
	IsSyncing bool `json:"isSyncing"`
}

// CycleReport describes one TrySync call.
type CycleReport struct {
	ID        string
	Skipped   string
	Replayed  int
	Conflicts int
	Aborted   bool
	Pull      *PullReport
}

type Orchestrator struct {
	queue     Queue
	remote    catalog.Remote
	mirror    Mirror
	conflicts ConflictSink
	watermark Watermark
	puller    *Puller

	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
	now       func() time.Time
	interval  time.Duration
	retention time.Duration
	changes   <-chan bool

	online  atomic.Bool
	syncing atomic.Bool

	mu        sync.Mutex
	listeners map[int]func(State)
	nextID    int

	nudge  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Orchestrator)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithInterval sets the periodic trigger; zero or negative disables it.
func WithInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.interval = d }
}

// WithSyncedRetention prunes synced records older than d after each clean cycle.
func WithSyncedRetention(d time.Duration) Option {
	return func(o *Orchestrator) { o.retention = d }
}

// WithConnectivity feeds reachability transitions into the orchestrator.
func WithConnectivity(changes <-chan bool) Option {
	return func(o *Orchestrator) { o.changes = changes }
}

// WithInitialOnline sets the reachability assumed before the first transition.
func WithInitialOnline(online bool) Option {
	return func(o *Orchestrator) { o.online.Store(online) }
}

func NewOrchestrator(queue Queue, remote catalog.Remote, mirror Mirror, sink ConflictSink, watermark Watermark, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queue:     queue,
		remote:    remote,
		mirror:    mirror,
		conflicts: sink,
		watermark: watermark,
		log:       logger.NewNop(),
		now:       time.Now,
		interval:  DefaultInterval,
		listeners: map[int]func(State){},
		nudge:     make(chan struct{}, 1),
	}
	o.online.Store(true)
	for _, opt := range opts {
		opt(o)
	}
	o.log = logger.For(o.log, "orchestrator")
	o.puller = NewPuller(remote, queue, mirror, sink, o.log, o.metrics)
	o.puller.now = o.now
	return o
}

// State returns the current reachability and activity.
func (o *Orchestrator) State() State {
	return State{IsOnline: o.online.Load(), IsSyncing: o.syncing.Load()}
}

// Subscribe registers fn for every state transition and returns a function
// that removes it.
func (o *Orchestrator) Subscribe(fn func(State)) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.listeners, id)
			o.mu.Unlock()
		})
	}
}

func (o *Orchestrator) notify() {
	st := o.State()
	o.mu.Lock()
	fns := make([]func(State), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// SetOnline records a reachability change. Coming back online schedules a cycle.
func (o *Orchestrator) SetOnline(online bool) {
	if o.online.Swap(online) == online {
		return
	}
	o.metrics.SetOnline(online)
	o.log.Infow("Connectivity changed", "online", online)
	o.notify()
	if online {
		o.Nudge()
	}
}

// Nudge asks the running loop for a cycle without waiting for it. Nudges
// coalesce while one is already waiting. A nudge sent during a cycle is kept
// and runs once that cycle ends.
func (o *Orchestrator) Nudge() {
	select {
	case o.nudge <- struct{}{}:
	default:
	}
}

// Start recovers records left in flight, then runs cycles on every trigger
// until Stop is called or ctx ends.
func (o *Orchestrator) Start(ctx context.Context) error {
	if n, err := o.queue.RecoverInFlight(ctx); err != nil {
		return err
	} else if n > 0 {
		o.log.Warnw("Recovered records interrupted mid-replay", "count", n)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	o.metrics.SetOnline(o.online.Load())

	go o.loop(loopCtx)
	o.Nudge()
	return nil
}

// Stop ends the schedule and waits for the loop to exit. A cycle already
// running is allowed to finish.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
	o.cancel = nil
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)

	var tick <-chan time.Time
	if o.interval > 0 {
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	// cycles outlive Stop so a replay is never cut off between request and status write
	cycleCtx := context.WithoutCancel(ctx)
	run := func(trigger string) {
		if _, err := o.TrySync(cycleCtx); err != nil {
			o.log.Errorw("Sync cycle failed", "trigger", trigger, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			run("interval")
		case <-o.nudge:
			run("nudge")
		case online, ok := <-o.changes:
			if !ok {
				o.changes = nil
				continue
			}
			o.SetOnline(online)
		}
	}
}

// TrySync runs one cycle: replay every pending record in order, then pull
// remote changes if the queue drained cleanly. It returns immediately when
// offline or when another cycle is running.
func (o *Orchestrator) TrySync(ctx context.Context) (CycleReport, error) {
	if !o.online.Load() {
		o.metrics.CycleFinished("skipped")
		return CycleReport{Skipped: SkipOffline}, nil
	}
	if !o.syncing.CompareAndSwap(false, true) {
		o.metrics.CycleFinished("skipped")
		return CycleReport{Skipped: SkipBusy}, nil
	}
	o.notify()
	defer func() {
		o.syncing.Store(false)
		o.notify()
		o.sampleQueue(ctx)
	}()

	report := CycleReport{ID: uuid.NewString()}
	ctx = appcontext.WithCycleID(ctx, report.ID)
	log := o.log.With("cycle", report.ID)
	started := o.now()

	pending, err := o.queue.ListPending(ctx)
	if err != nil {
		o.metrics.CycleFinished("aborted")
		return report, err
	}
	log.Debugw("Sync cycle started", "pending", len(pending))

	for _, rec := range pending {
		conflicted, err := o.replay(ctx, log, rec)
		if err != nil {
			report.Aborted = true
			o.metrics.CycleFinished("aborted")
			log.Warnw("Replay aborted", "record", rec.ID, "remaining", len(pending)-report.Replayed-report.Conflicts, "error", err)
			return report, err
		}
		if conflicted {
			report.Conflicts++
		} else {
			report.Replayed++
		}
	}

	since, err := o.watermark.LastSync(ctx)
	if err != nil {
		o.metrics.CycleFinished("pull_failed")
		return report, err
	}
	pull, err := o.puller.Pull(ctx, since)
	if err != nil {
		o.metrics.CycleFinished("pull_failed")
		return report, err
	}
	report.Pull = &pull

	mark := pull.ServerTime
	if mark.IsZero() {
		mark = started
	}
	if err := o.watermark.Advance(ctx, mark.UTC()); err != nil {
		o.metrics.CycleFinished("pull_failed")
		return report, err
	}

	if o.retention > 0 {
		if n, err := o.queue.PruneSynced(ctx, o.now().Add(-o.retention)); err != nil {
			log.Warnw("Failed to prune synced records", "error", err)
		} else if n > 0 {
			log.Debugw("Pruned synced records", "count", n)
		}
	}

	o.metrics.CycleFinished("ok")
	log.Infow("Sync cycle finished", "replayed", report.Replayed, "conflicts", report.Conflicts,
		"pulled", pull.Updated, "deleted", pull.Deleted)
	return report, nil
}

// replay sends one record. It reports whether the record was handed off as a
// conflict; a non-nil error means the cycle must stop.
func (o *Orchestrator) replay(ctx context.Context, log *zap.SugaredLogger, rec models.MutationRecord) (bool, error) {
	if err := o.queue.MarkStatus(ctx, rec.ID, models.StatusSyncing, models.StatusExtra{}); err != nil {
		return false, err
	}

	op, err := rec.Operation()
	if err == nil {
		var result models.Snapshot
		result, err = catalog.Apply(ctx, o.remote, op)
		if err == nil {
			o.metrics.Replayed(string(rec.Action), "ok")
			return false, o.succeed(ctx, log, rec, op, result)
		}
	}

	var conflict *models.ConflictError
	if errors.As(err, &conflict) {
		o.metrics.Replayed(string(rec.Action), "conflict")
		return true, o.handOff(ctx, log, rec, conflict)
	}

	o.metrics.Replayed(string(rec.Action), "error")
	if markErr := o.queue.MarkStatus(ctx, rec.ID, models.StatusError, models.StatusExtra{LastError: err.Error()}); markErr != nil {
		log.Errorw("Failed to record replay error", "record", rec.ID, "error", markErr)
	}
	return false, fmt.Errorf("replay %s: %w", rec.ID, err)
}

func (o *Orchestrator) succeed(ctx context.Context, log *zap.SugaredLogger, rec models.MutationRecord, op models.Operation, result models.Snapshot) error {
	err := o.queue.MarkStatus(ctx, rec.ID, models.StatusSynced, models.StatusExtra{Result: result})
	switch {
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrRecordNotFound):
		// re-queued or dropped while in flight; the newer state wins
		log.Infow("Record changed during replay", "record", rec.ID, "error", err)
	case err != nil:
		// the catalog took the edit but the queue did not; park it as an error
		// so the next cycle retries instead of leaving it syncing
		extra := models.StatusExtra{LastError: err.Error()}
		if markErr := o.queue.MarkStatus(ctx, rec.ID, models.StatusError, extra); markErr != nil {
			log.Errorw("Failed to record replay error", "record", rec.ID, "error", markErr)
		}
		return err
	}

	if _, isDelete := op.(models.DeleteOp); isDelete {
		return o.mirror.DeleteMirror(ctx, rec.EntityID)
	}
	data := result
	if data == nil {
		data = rec.Payload
	}
	return o.mirror.PutMirror(ctx, models.NewMirrorEntry(rec.EntityID, data, o.now()))
}

func (o *Orchestrator) handOff(ctx context.Context, log *zap.SugaredLogger, rec models.MutationRecord, conflict *models.ConflictError) error {
	server := conflict.Server
	if server == nil {
		entry, ok, err := o.mirror.GetMirror(ctx, rec.EntityID)
		if err != nil {
			return err
		}
		if ok {
			server = entry.Data
		}
	}

	id, err := o.conflicts.StoreConflict(ctx, rec.EntityType, rec.EntityID, rec.Payload, server, rec.Action)
	if err != nil {
		return err
	}
	deleted, err := o.queue.DeleteIfUnchanged(ctx, rec.ID, rec.Seq)
	if err != nil {
		return err
	}
	if !deleted {
		// edited again while the rejected copy was in flight
		log.Infow("Record re-queued during replay; keeping the newer edit", "record", rec.ID, "conflict", id)
	}
	o.metrics.ConflictDetected("replay")
	log.Infow("Replay rejected by the catalog; conflict captured", "record", rec.ID, "conflict", id)
	return nil
}

func (o *Orchestrator) sampleQueue(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	counts, err := o.queue.CountByStatus(ctx)
	if err != nil {
		o.log.Debugw("Failed to sample queue depth", "error", err)
		return
	}
	depth := make(map[string]int, len(counts))
	for status, n := range counts {
		depth[string(status)] = n
	}
	o.metrics.SetQueueDepth(depth)
}
