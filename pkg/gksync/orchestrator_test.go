package gksync_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wurt83ow/possync/pkg/bdkeeper"
	"github.com/wurt83ow/possync/pkg/catalog/catalogtest"
	"github.com/wurt83ow/possync/pkg/conflicts"
	"github.com/wurt83ow/possync/pkg/gksync"
	"github.com/wurt83ow/possync/pkg/models"
	"github.com/wurt83ow/possync/pkg/syncinfo"
)

var serverTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	keeper    *bdkeeper.Keeper
	remote    *catalogtest.Remote
	resolver  *conflicts.Resolver
	watermark *syncinfo.SyncManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keeper, err := bdkeeper.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { keeper.Close() })

	remote := catalogtest.New()
	remote.Pull = models.PullResult{ServerTime: serverTime}
	return &fixture{
		keeper:    keeper,
		remote:    remote,
		resolver:  conflicts.NewResolver(keeper, keeper, remote),
		watermark: syncinfo.NewSyncManager(keeper),
	}
}

func (f *fixture) orchestrator(opts ...gksync.Option) *gksync.Orchestrator {
	opts = append([]gksync.Option{gksync.WithInterval(0)}, opts...)
	return gksync.NewOrchestrator(f.keeper, f.remote, f.keeper, f.resolver, f.watermark, opts...)
}

func (f *fixture) enqueue(t *testing.T, op models.Operation) string {
	t.Helper()
	id, err := f.keeper.Enqueue(context.Background(), op)
	require.NoError(t, err)
	return id
}

func (f *fixture) status(t *testing.T, id string) models.MutationRecord {
	t.Helper()
	rec, err := f.keeper.GetRecord(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestTrySync_ReplaysInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids := []string{
		f.enqueue(t, models.CreateOp{Entity: models.Snapshot{"id": "1", "name": "Cafe"}}),
		f.enqueue(t, models.UpdateOp{ID: "2", Changes: models.Snapshot{"price": 3.5}}),
		f.enqueue(t, models.DeleteOp{ID: "3"}),
	}

	report, err := f.orchestrator().TrySync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Replayed)
	assert.False(t, report.Aborted)
	require.NotNil(t, report.Pull)

	calls := f.remote.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{calls[0].ID, calls[1].ID, calls[2].ID})

	for _, id := range ids {
		rec := f.status(t, id)
		assert.Equal(t, models.StatusSynced, rec.Status, id)
		assert.Equal(t, 1, rec.Attempts)
	}
	assert.Equal(t, "2", f.status(t, ids[1]).Result["id"])

	last, err := f.keeper.GetLastSyncTimestamp(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(serverTime))
}

func TestTrySync_FailureAbortsAndLeavesTailPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.enqueue(t, models.UpdateOp{ID: "1", Changes: models.Snapshot{"name": "a"}})
	second := f.enqueue(t, models.UpdateOp{ID: "2", Changes: models.Snapshot{"name": "b"}})
	third := f.enqueue(t, models.UpdateOp{ID: "3", Changes: models.Snapshot{"name": "c"}})

	f.remote.SetFail(func(c catalogtest.Call) error {
		if c.ID == "2" {
			return &models.NetworkError{Op: "update product", Status: 503}
		}
		return nil
	})

	report, err := f.orchestrator().TrySync(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNetworkUnavailable)
	assert.True(t, report.Aborted)
	assert.Nil(t, report.Pull)

	assert.Equal(t, models.StatusSynced, f.status(t, first).Status)
	failed := f.status(t, second)
	assert.Equal(t, models.StatusError, failed.Status)
	assert.NotEmpty(t, failed.LastError)
	assert.Equal(t, models.StatusPending, f.status(t, third).Status)

	assert.Len(t, f.remote.Calls(), 2)
	assert.Empty(t, f.remote.Pulls(), "no pull after an aborted drain")

	last, err := f.keeper.GetLastSyncTimestamp(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	// the next cycle retries the errored record before the tail
	f.remote.SetFail(nil)
	_, err = f.orchestrator().TrySync(ctx)
	require.NoError(t, err)
	calls := f.remote.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, "2", calls[2].ID)
	assert.Equal(t, "3", calls[3].ID)
	assert.Equal(t, 2, f.status(t, second).Attempts)
}

func TestTrySync_ConflictIsHandedOffAndCycleContinues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conflicted := f.enqueue(t, models.UpdateOp{ID: "7", Changes: models.Snapshot{"name": "Local"}})
	after := f.enqueue(t, models.UpdateOp{ID: "8", Changes: models.Snapshot{"name": "Other"}})

	server := models.Snapshot{"id": "7", "name": "Server", "updatedAt": "2024-03-01T11:00:00Z"}
	f.remote.SetFail(func(c catalogtest.Call) error {
		if c.ID == "7" {
			return &models.ConflictError{EntityID: "7", Server: server}
		}
		return nil
	})

	report, err := f.orchestrator().TrySync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Equal(t, 1, report.Replayed)

	_, err = f.keeper.GetRecord(ctx, conflicted)
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
	assert.Equal(t, models.StatusSynced, f.status(t, after).Status)

	list, err := f.resolver.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "7", list[0].EntityID)
	assert.Equal(t, models.ActionUpdate, list[0].Operation)
	assert.Equal(t, "Local", list[0].LocalData["name"])
	assert.Equal(t, "Server", list[0].ServerData["name"])
}

func TestTrySync_ConflictWithoutServerCopyUsesMirror(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.keeper.PutMirror(ctx, models.MirrorEntry{
		EntityID: "7", Data: models.Snapshot{"id": "7", "name": "Mirrored"}, UpdatedAt: serverTime,
	}))
	f.enqueue(t, models.UpdateOp{ID: "7", Changes: models.Snapshot{"name": "Local"}})
	f.remote.SetFail(func(catalogtest.Call) error { return &models.ConflictError{EntityID: "7"} })

	_, err := f.orchestrator().TrySync(ctx)
	require.NoError(t, err)

	list, err := f.resolver.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Mirrored", list[0].ServerData["name"])
}

func TestTrySync_ConflictKeepsEditQueuedWhileInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.enqueue(t, models.UpdateOp{ID: "7", Changes: models.Snapshot{"name": "A"}})

	f.remote.Block = make(chan struct{})
	f.remote.Started = make(chan catalogtest.Call, 8)
	f.remote.SetFail(func(catalogtest.Call) error {
		return &models.ConflictError{EntityID: "7", Server: models.Snapshot{"id": "7", "name": "Server"}}
	})

	o := f.orchestrator()
	done := make(chan error, 1)
	go func() {
		_, err := o.TrySync(ctx)
		done <- err
	}()
	<-f.remote.Started
	f.enqueue(t, models.UpdateOp{ID: "7", Changes: models.Snapshot{"name": "B"}})
	close(f.remote.Block)
	require.NoError(t, <-done)

	rec := f.status(t, id)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, "B", rec.Payload["name"])

	list, err := f.resolver.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "A", list[0].LocalData["name"])
	assert.Equal(t, "Server", list[0].ServerData["name"])
}

// flakyQueue fails the syncing -> synced write.
type flakyQueue struct {
	*bdkeeper.Keeper
}

func (q flakyQueue) MarkStatus(ctx context.Context, id string, status models.Status, extra models.StatusExtra) error {
	if status == models.StatusSynced {
		return &models.StorageError{Op: "mark status", Err: errors.New("disk I/O error")}
	}
	return q.Keeper.MarkStatus(ctx, id, status, extra)
}

func TestTrySync_FailedSyncedWriteLeavesRecordRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.enqueue(t, models.UpdateOp{ID: "1", Changes: models.Snapshot{"name": "a"}})

	o := gksync.NewOrchestrator(flakyQueue{f.keeper}, f.remote, f.keeper, f.resolver, f.watermark, gksync.WithInterval(0))
	_, err := o.TrySync(ctx)
	var storageErr *models.StorageError
	require.ErrorAs(t, err, &storageErr)

	rec := f.status(t, id)
	assert.Equal(t, models.StatusError, rec.Status)
	assert.Contains(t, rec.LastError, "disk I/O error")

	_, err = f.orchestrator().TrySync(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, f.status(t, id).Status)
	assert.Len(t, f.remote.Calls(), 2)
}

func TestTrySync_OfflineIsNoop(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, models.DeleteOp{ID: "1"})

	o := f.orchestrator(gksync.WithInitialOnline(false))
	report, err := o.TrySync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gksync.SkipOffline, report.Skipped)
	assert.Empty(t, f.remote.Calls())
	assert.Equal(t, models.StatusPending, f.status(t, id).Status)
}

func TestTrySync_ConcurrentCallsRunOnePass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enqueue(t, models.UpdateOp{ID: "1", Changes: models.Snapshot{"name": "a"}})
	f.remote.Block = make(chan struct{})
	f.remote.Started = make(chan catalogtest.Call, 8)

	o := f.orchestrator()
	first := make(chan error, 1)
	go func() {
		_, err := o.TrySync(ctx)
		first <- err
	}()
	<-f.remote.Started
	assert.True(t, o.State().IsSyncing)

	for i := 0; i < 5; i++ {
		report, err := o.TrySync(ctx)
		require.NoError(t, err)
		assert.Equal(t, gksync.SkipBusy, report.Skipped)
	}

	close(f.remote.Block)
	require.NoError(t, <-first)
	assert.Len(t, f.remote.Calls(), 1)
	assert.Len(t, f.remote.Pulls(), 1)
	assert.False(t, o.State().IsSyncing)
}

func TestOfflineEditReplaysWhenBackOnline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.orchestrator(gksync.WithInitialOnline(false))

	id := f.enqueue(t, models.UpdateOp{ID: "42", Changes: models.Snapshot{"name": "Arroz", "price": 50.0}})
	report, err := o.TrySync(ctx)
	require.NoError(t, err)
	assert.Equal(t, gksync.SkipOffline, report.Skipped)

	o.SetOnline(true)
	_, err = o.TrySync(ctx)
	require.NoError(t, err)

	calls := f.remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, models.ActionUpdate, calls[0].Action)
	assert.Equal(t, "42", calls[0].ID)
	assert.Equal(t, 50.0, calls[0].Payload["price"])

	assert.Equal(t, models.StatusSynced, f.status(t, id).Status)
	entry, ok, err := f.keeper.GetMirror(ctx, "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Arroz", entry.Data["name"])
}

func TestTrySync_WatermarkAdvancesOnlyAfterPull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)
	o := f.orchestrator(gksync.WithClock(func() time.Time { return now }))

	f.remote.PullErr = &models.NetworkError{Op: "pull changes", Err: errors.New("refused")}
	_, err := o.TrySync(ctx)
	require.Error(t, err)
	last, err := f.keeper.GetLastSyncTimestamp(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	// without a server time the cycle start is used
	f.remote.PullErr = nil
	f.remote.Pull = models.PullResult{}
	_, err = o.TrySync(ctx)
	require.NoError(t, err)
	last, err = f.keeper.GetLastSyncTimestamp(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(now))

	pulls := f.remote.Pulls()
	require.Len(t, pulls, 2)
	assert.True(t, pulls[0].IsZero())
	assert.True(t, pulls[1].IsZero())

	_, err = o.TrySync(ctx)
	require.NoError(t, err)
	assert.True(t, f.remote.Pulls()[2].Equal(now))
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator()

	var (
		mu   sync.Mutex
		seen []gksync.State
	)
	unsubscribe := o.Subscribe(func(s gksync.State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	_, err := o.TrySync(context.Background())
	require.NoError(t, err)
	o.SetOnline(false)
	o.SetOnline(false)

	unsubscribe()
	unsubscribe()
	o.SetOnline(true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []gksync.State{
		{IsOnline: true, IsSyncing: true},
		{IsOnline: true, IsSyncing: false},
		{IsOnline: false, IsSyncing: false},
	}, seen)
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id := f.enqueue(t, models.UpdateOp{ID: "9", Changes: models.Snapshot{"stock": 4.0}})
	require.NoError(t, f.keeper.MarkStatus(ctx, id, models.StatusSyncing, models.StatusExtra{}))

	changes := make(chan bool)
	o := f.orchestrator(gksync.WithInitialOnline(false), gksync.WithConnectivity(changes))
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	assert.Equal(t, models.StatusPending, f.status(t, id).Status, "interrupted record recovered")

	changes <- true
	require.Eventually(t, func() bool {
		return f.status(t, id).Status == models.StatusSynced
	}, 2*time.Second, 10*time.Millisecond)

	o.Stop()
	o.Stop()
	assert.False(t, o.State().IsSyncing)
}

func TestNudgeDuringCycleRunsAfterIt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enqueue(t, models.UpdateOp{ID: "1", Changes: models.Snapshot{"name": "a"}})
	f.remote.Block = make(chan struct{})
	f.remote.Started = make(chan catalogtest.Call, 8)

	o := f.orchestrator()
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	<-f.remote.Started
	late := f.enqueue(t, models.UpdateOp{ID: "2", Changes: models.Snapshot{"name": "b"}})
	o.Nudge()
	close(f.remote.Block)

	require.Eventually(t, func() bool {
		return f.status(t, late).Status == models.StatusSynced
	}, 2*time.Second, 10*time.Millisecond)
}
