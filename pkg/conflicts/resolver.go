// Package conflicts captures divergences between locally queued edits and
// server state, and resolves them with one of four strategies.
package conflicts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wurt83ow/possync/pkg/catalog"
	"github.com/wurt83ow/possync/pkg/logger"
	"github.com/wurt83ow/possync/pkg/metrics"
	"github.com/wurt83ow/possync/pkg/models"
)

// Store persists conflict records. *bdkeeper.Keeper implements it.
type Store interface {
	InsertConflict(ctx context.Context, c models.ConflictRecord) error
	GetConflict(ctx context.Context, id string) (models.ConflictRecord, error)
	ListConflicts(ctx context.Context, unresolvedOnly bool) ([]models.ConflictRecord, error)
	MarkConflictResolved(ctx context.Context, id string, strategy models.Strategy, at time.Time, data models.Snapshot) error
	DeleteResolvedConflicts(ctx context.Context) (int64, error)
}

// Mirror is the local copy of catalog entities. *bdkeeper.Keeper implements it.
type Mirror interface {
	PutMirror(ctx context.Context, entry models.MirrorEntry) error
	DeleteMirror(ctx context.Context, entityID string) error
}

type Resolver struct {
	store   Store
	mirror  Mirror
	remote  catalog.Remote
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Resolver)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Resolver) { r.log = logger.For(l, "conflicts") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(store Store, mirror Mirror, remote catalog.Remote, opts ...Option) *Resolver {
	r := &Resolver{
		store:  store,
		mirror: mirror,
		remote: remote,
		log:    logger.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// StoreConflict records an unresolved divergence and returns its id.
func (r *Resolver) StoreConflict(ctx context.Context, entityType, entityID string, local, server models.Snapshot, op models.Action) (string, error) {
	now := r.now().UTC()
	c := models.ConflictRecord{
		ID:         newConflictID(entityType, entityID, now),
		EntityType: entityType,
		EntityID:   entityID,
		LocalData:  local,
		ServerData: server,
		Operation:  op,
		DetectedAt: now,
	}
	if err := r.store.InsertConflict(ctx, c); err != nil {
		return "", err
	}
	r.log.Infow("Conflict captured", "conflict", c.ID, "entity", entityID, "operation", op)
	return c.ID, nil
}

// newConflictID is unique even for two conflicts on one entity in the same millisecond.
func newConflictID(entityType, entityID string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%d_%s", entityType, entityID, at.UnixMilli(), uuid.NewString()[:8])
}

// ResolveConflict settles one conflict, re-issues its operation with the
// resolved data and, when the catalog accepts it, refreshes the mirror and
// prunes every resolved conflict. A failed re-issue is logged; the conflict
// stays resolved.
func (r *Resolver) ResolveConflict(ctx context.Context, id string, strategy models.Strategy, custom models.Snapshot) (models.ConflictRecord, error) {
	c, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return models.ConflictRecord{}, err
	}
	if c.Resolved {
		return c, fmt.Errorf("%w: %s", models.ErrConflictResolved, id)
	}

	data, err := ResolveData(c, strategy, custom)
	if err != nil {
		return c, err
	}

	at := r.now().UTC()
	if err := r.store.MarkConflictResolved(ctx, id, strategy, at, data); err != nil {
		return c, err
	}
	c.Resolved = true
	c.Strategy = strategy
	c.ResolvedAt = &at
	c.ResolvedData = data

	if err := r.reissue(ctx, c); err != nil {
		r.log.Warnw("Re-issue after resolution failed; conflict stays resolved",
			"conflict", id, "strategy", strategy, "error", err)
		r.metrics.ConflictResolved(string(strategy), false)
		return c, nil
	}
	r.metrics.ConflictResolved(string(strategy), true)

	pruned, err := r.store.DeleteResolvedConflicts(ctx)
	if err != nil {
		r.log.Errorw("Failed to prune resolved conflicts", "error", err)
		return c, nil
	}
	r.log.Infow("Conflict resolved", "conflict", id, "strategy", strategy, "pruned", pruned)
	return c, nil
}

func (r *Resolver) reissue(ctx context.Context, c models.ConflictRecord) error {
	op, err := models.NewOperation(c.Operation, c.EntityID, c.ResolvedData)
	if err != nil {
		return err
	}

	result, err := catalog.Apply(ctx, r.remote, op)
	if err != nil {
		return err
	}

	if _, isDelete := op.(models.DeleteOp); isDelete {
		return r.mirror.DeleteMirror(ctx, c.EntityID)
	}
	if result == nil {
		result = c.ResolvedData
	}
	return r.mirror.PutMirror(ctx, mirrorEntry(c.EntityID, result, c.ResolvedData, r.now()))
}

func mirrorEntry(entityID string, result, fallback models.Snapshot, now time.Time) models.MirrorEntry {
	updatedAt := result.UpdatedAt()
	if updatedAt.IsZero() {
		updatedAt = fallback.UpdatedAt()
	}
	if updatedAt.IsZero() {
		updatedAt = now
	}
	return models.MirrorEntry{EntityID: entityID, Data: result, UpdatedAt: updatedAt}
}

// ResolveData computes the resolved snapshot of c under strategy.
func ResolveData(c models.ConflictRecord, strategy models.Strategy, custom models.Snapshot) (models.Snapshot, error) {
	switch strategy {
	case models.StrategyLocal:
		return c.LocalData, nil
	case models.StrategyServer:
		if c.ServerData == nil && c.Operation != models.ActionDelete {
			return nil, fmt.Errorf("%w: %s", models.ErrNoServerSnapshot, c.ID)
		}
		return c.ServerData, nil
	case models.StrategyMerge:
		// the older snapshot supplies defaults, the newer one overrides
		if c.LocalData.UpdatedAt().After(c.ServerData.UpdatedAt()) {
			return models.Overlay(c.ServerData, c.LocalData), nil
		}
		return models.Overlay(c.LocalData, c.ServerData), nil
	case models.StrategyCustom:
		if custom == nil {
			return nil, models.ErrCustomDataRequired
		}
		return custom, nil
	default:
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownStrategy, strategy)
	}
}

// AutoResolveConflicts resolves every unresolved conflict, keeping the local
// side when it is strictly newer or the server sent no snapshot. Failures are
// logged and skipped.
func (r *Resolver) AutoResolveConflicts(ctx context.Context) (int, error) {
	pending, err := r.store.ListConflicts(ctx, true)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, c := range pending {
		strategy := models.StrategyServer
		if c.ServerData == nil && c.Operation != models.ActionDelete {
			strategy = models.StrategyLocal
		} else if c.LocalData.UpdatedAt().After(c.ServerData.UpdatedAt()) {
			strategy = models.StrategyLocal
		}

		if _, err := r.ResolveConflict(ctx, c.ID, strategy, nil); err != nil {
			if errors.Is(err, models.ErrConflictResolved) {
				continue
			}
			r.log.Errorw("Auto-resolve failed", "conflict", c.ID, "strategy", strategy, "error", err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

func (r *Resolver) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]models.ConflictRecord, error) {
	return r.store.ListConflicts(ctx, unresolvedOnly)
}

func (r *Resolver) GetConflict(ctx context.Context, id string) (models.ConflictRecord, error) {
	return r.store.GetConflict(ctx, id)
}
