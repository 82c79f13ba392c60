package conflicts_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wurt83ow/possync/pkg/bdkeeper"
	"github.com/wurt83ow/possync/pkg/catalog/catalogtest"
	"github.com/wurt83ow/possync/pkg/conflicts"
	"github.com/wurt83ow/possync/pkg/models"
)

var (
	t1 = "2024-01-01T10:00:00Z"
	t2 = "2024-01-01T11:00:00Z"
)

func setup(t *testing.T) (*conflicts.Resolver, *bdkeeper.Keeper, *catalogtest.Remote) {
	t.Helper()
	keeper, err := bdkeeper.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { keeper.Close() })

	remote := catalogtest.New()
	return conflicts.NewResolver(keeper, keeper, remote), keeper, remote
}

func storeUpdateConflict(t *testing.T, r *conflicts.Resolver, local, server models.Snapshot) string {
	t.Helper()
	id, err := r.StoreConflict(context.Background(), models.EntityProduct, "7", local, server, models.ActionUpdate)
	require.NoError(t, err)
	return id
}

func TestStoreConflict_UniqueIDs(t *testing.T) {
	r, _, _ := setup(t)

	a := storeUpdateConflict(t, r, models.Snapshot{"name": "l"}, models.Snapshot{"name": "s"})
	b := storeUpdateConflict(t, r, models.Snapshot{"name": "l"}, models.Snapshot{"name": "s"})

	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "product_7_")

	list, err := r.ListConflicts(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestResolveConflict_LocalAndServer(t *testing.T) {
	local := models.Snapshot{"id": "7", "name": "Local", "updatedAt": t1}
	server := models.Snapshot{"id": "7", "name": "Server", "price": 9.5, "updatedAt": t2}

	for _, tc := range []struct {
		strategy models.Strategy
		want     models.Snapshot
	}{
		{models.StrategyLocal, local},
		{models.StrategyServer, server},
	} {
		t.Run(string(tc.strategy), func(t *testing.T) {
			r, _, remote := setup(t)
			id := storeUpdateConflict(t, r, local, server)

			got, err := r.ResolveConflict(context.Background(), id, tc.strategy, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.ResolvedData)
			assert.True(t, got.Resolved)
			assert.Equal(t, tc.strategy, got.Strategy)

			calls := remote.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, tc.want, calls[0].Payload)
		})
	}
}

func TestResolveData_Merge(t *testing.T) {
	older := models.Snapshot{"id": "7", "name": "Old", "stock": 3.0, "updatedAt": t1}
	newer := models.Snapshot{"id": "7", "name": "New", "price": 12.0, "updatedAt": t2}

	localNewer, err := conflicts.ResolveData(models.ConflictRecord{LocalData: newer, ServerData: older}, models.StrategyMerge, nil)
	require.NoError(t, err)
	assert.Equal(t, models.Snapshot{"id": "7", "name": "New", "stock": 3.0, "price": 12.0, "updatedAt": t2}, localNewer)

	serverNewer, err := conflicts.ResolveData(models.ConflictRecord{LocalData: older, ServerData: newer}, models.StrategyMerge, nil)
	require.NoError(t, err)
	assert.Equal(t, models.Snapshot{"id": "7", "name": "New", "stock": 3.0, "price": 12.0, "updatedAt": t2}, serverNewer)

	// the newer side wins on shared fields either way round
	a := models.Snapshot{"name": "A", "updatedAt": t2}
	b := models.Snapshot{"name": "B", "updatedAt": t1}
	got, err := conflicts.ResolveData(models.ConflictRecord{LocalData: a, ServerData: b}, models.StrategyMerge, nil)
	require.NoError(t, err)
	assert.Equal(t, "A", got["name"])
	got, err = conflicts.ResolveData(models.ConflictRecord{LocalData: b, ServerData: a}, models.StrategyMerge, nil)
	require.NoError(t, err)
	assert.Equal(t, "A", got["name"])
}

func TestResolveConflict_Errors(t *testing.T) {
	ctx := context.Background()
	r, _, remote := setup(t)
	id := storeUpdateConflict(t, r, models.Snapshot{"name": "l"}, models.Snapshot{"name": "s"})

	_, err := r.ResolveConflict(ctx, "missing", models.StrategyLocal, nil)
	assert.ErrorIs(t, err, models.ErrConflictNotFound)

	_, err = r.ResolveConflict(ctx, id, models.Strategy("coin-flip"), nil)
	assert.ErrorIs(t, err, models.ErrUnknownStrategy)

	_, err = r.ResolveConflict(ctx, id, models.StrategyCustom, nil)
	assert.ErrorIs(t, err, models.ErrCustomDataRequired)

	assert.Empty(t, remote.Calls())
	c, err := r.GetConflict(ctx, id)
	require.NoError(t, err)
	assert.False(t, c.Resolved)
}

func TestResolveConflict_CustomPrunesAllResolved(t *testing.T) {
	ctx := context.Background()
	r, keeper, remote := setup(t)

	first := storeUpdateConflict(t, r, models.Snapshot{"name": "a"}, models.Snapshot{"name": "b"})
	second := storeUpdateConflict(t, r, models.Snapshot{"name": "c"}, models.Snapshot{"name": "d"})

	// first resolution: the catalog is down, so the record is resolved but kept
	remote.SetFail(func(catalogtest.Call) error { return &models.NetworkError{Op: "update product"} })
	got, err := r.ResolveConflict(ctx, first, models.StrategyLocal, nil)
	require.NoError(t, err)
	assert.True(t, got.Resolved)

	all, err := r.ListConflicts(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	remote.SetFail(nil)
	_, err = r.ResolveConflict(ctx, second, models.StrategyCustom, models.Snapshot{"name": "Final"})
	require.NoError(t, err)

	calls := remote.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, models.ActionUpdate, calls[1].Action)
	assert.Equal(t, models.Snapshot{"name": "Final"}, calls[1].Payload)

	all, err = r.ListConflicts(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, all, "every resolved conflict is compacted away")

	entry, ok, err := keeper.GetMirror(ctx, "7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Final", entry.Data["name"])
}

func TestResolveConflict_AlreadyResolved(t *testing.T) {
	ctx := context.Background()
	r, _, remote := setup(t)
	remote.SetFail(func(catalogtest.Call) error { return errors.New("offline") })

	id := storeUpdateConflict(t, r, models.Snapshot{"name": "a"}, models.Snapshot{"name": "b"})
	_, err := r.ResolveConflict(ctx, id, models.StrategyServer, nil)
	require.NoError(t, err)

	_, err = r.ResolveConflict(ctx, id, models.StrategyLocal, nil)
	assert.ErrorIs(t, err, models.ErrConflictResolved)
}

func TestResolveConflict_DeleteIgnoresData(t *testing.T) {
	ctx := context.Background()
	r, keeper, remote := setup(t)
	require.NoError(t, keeper.PutMirror(ctx, models.MirrorEntry{EntityID: "7", Data: models.Snapshot{"id": "7"}, UpdatedAt: time.Now()}))

	id, err := r.StoreConflict(ctx, models.EntityProduct, "7", nil, models.Snapshot{"id": "7", "name": "s"}, models.ActionDelete)
	require.NoError(t, err)

	_, err = r.ResolveConflict(ctx, id, models.StrategyCustom, models.Snapshot{"ignored": true})
	require.NoError(t, err)

	calls := remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, models.ActionDelete, calls[0].Action)
	assert.Nil(t, calls[0].Payload)

	_, ok, err := keeper.GetMirror(ctx, "7")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAutoResolveConflicts(t *testing.T) {
	ctx := context.Background()
	r, _, remote := setup(t)

	localWins := storeUpdateConflict(t, r,
		models.Snapshot{"name": "local-newer", "updatedAt": t2},
		models.Snapshot{"name": "server-older", "updatedAt": t1})
	serverWins := storeUpdateConflict(t, r,
		models.Snapshot{"name": "local-older", "updatedAt": t1},
		models.Snapshot{"name": "server-newer", "updatedAt": t2})
	tie := storeUpdateConflict(t, r,
		models.Snapshot{"name": "local-tie", "updatedAt": t1},
		models.Snapshot{"name": "server-tie", "updatedAt": t1})

	n, err := r.AutoResolveConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	sent := map[string]bool{}
	for _, c := range remote.Calls() {
		sent[c.Payload["name"].(string)] = true
	}
	assert.True(t, sent["local-newer"], localWins)
	assert.True(t, sent["server-newer"], serverWins)
	assert.True(t, sent["server-tie"], tie)

	left, err := r.ListConflicts(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, left)

	n, err = r.AutoResolveConflicts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, remote.Calls(), 3, "nothing is re-resolved")
}

func TestAutoResolveConflicts_SkipsResolvedElsewhere(t *testing.T) {
	ctx := context.Background()
	r, keeper, _ := setup(t)

	storeUpdateConflict(t, r, models.Snapshot{"name": "a"}, models.Snapshot{"name": "b"})
	storeUpdateConflict(t, r, models.Snapshot{"name": "c"}, models.Snapshot{"name": "d"})

	// settled directly in the store before the pass
	list, err := r.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.NoError(t, keeper.MarkConflictResolved(ctx, list[0].ID, models.StrategyServer, time.Now(), list[0].ServerData))

	n, err := r.AutoResolveConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// stubbornStore refuses to record the resolution of one conflict.
type stubbornStore struct {
	*bdkeeper.Keeper
	failID string
}

func (s stubbornStore) MarkConflictResolved(ctx context.Context, id string, strategy models.Strategy, at time.Time, data models.Snapshot) error {
	if id == s.failID {
		return &models.StorageError{Op: "resolve conflict", Err: errors.New("database is locked")}
	}
	return s.Keeper.MarkConflictResolved(ctx, id, strategy, at, data)
}

func TestAutoResolveConflicts_ContinuesPastFailure(t *testing.T) {
	ctx := context.Background()
	seed, keeper, remote := setup(t)

	ids := []string{
		storeUpdateConflict(t, seed, models.Snapshot{"name": "a"}, models.Snapshot{"name": "b"}),
		storeUpdateConflict(t, seed, models.Snapshot{"name": "c"}, models.Snapshot{"name": "d"}),
		storeUpdateConflict(t, seed, models.Snapshot{"name": "e"}, models.Snapshot{"name": "f"}),
	}

	r := conflicts.NewResolver(stubbornStore{Keeper: keeper, failID: ids[1]}, keeper, remote)
	n, err := r.AutoResolveConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, remote.Calls(), 2)

	left, err := keeper.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, ids[1], left[0].ID)
}

func TestResolveConflict_ServerWithoutSnapshot(t *testing.T) {
	ctx := context.Background()
	r, keeper, remote := setup(t)
	id := storeUpdateConflict(t, r, models.Snapshot{"id": "7", "name": "Local"}, nil)

	_, err := r.ResolveConflict(ctx, id, models.StrategyServer, nil)
	assert.ErrorIs(t, err, models.ErrNoServerSnapshot)
	assert.Empty(t, remote.Calls())
	c, err := r.GetConflict(ctx, id)
	require.NoError(t, err)
	assert.False(t, c.Resolved)

	// auto-resolution falls back to the local side
	n, err := r.AutoResolveConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	calls := remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Local", calls[0].Payload["name"])

	entry, ok, err := keeper.GetMirror(ctx, "7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Local", entry.Data["name"])
}
