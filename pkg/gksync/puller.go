package gksync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wurt83ow/possync/pkg/catalog"
	"github.com/wurt83ow/possync/pkg/logger"
	"github.com/wurt83ow/possync/pkg/metrics"
	"github.com/wurt83ow/possync/pkg/models"
)

// Mirror is the local copy of catalog products. *bdkeeper.Keeper implements it.
type Mirror interface {
	GetMirror(ctx context.Context, entityID string) (models.MirrorEntry, bool, error)
	PutMirror(ctx context.Context, entry models.MirrorEntry) error
	DeleteMirror(ctx context.Context, entityID string) error
}

// ConflictSink captures divergences. *conflicts.Resolver implements it.
type ConflictSink interface {
	StoreConflict(ctx context.Context, entityType, entityID string, local, server models.Snapshot, op models.Action) (string, error)
}

// EntityQueue answers which local edits are still waiting for an entity.
type EntityQueue interface {
	PendingForEntity(ctx context.Context, entityType, entityID string) ([]models.MutationRecord, error)
	DeleteIfUnchanged(ctx context.Context, id string, seq int64) (bool, error)
}

// PullReport summarises one pull.
type PullReport struct {
	Updated    int
	Unchanged  int
	Deleted    int
	Conflicts  int
	ServerTime time.Time
}

// Puller fetches remote changes and folds them into the mirror.
type Puller struct {
	remote    catalog.Remote
	queue     EntityQueue
	mirror    Mirror
	conflicts ConflictSink
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewPuller(remote catalog.Remote, queue EntityQueue, mirror Mirror, sink ConflictSink,
	log *zap.SugaredLogger, m *metrics.Metrics) *Puller {
	return &Puller{
		remote:    remote,
		queue:     queue,
		mirror:    mirror,
		conflicts: sink,
		log:       logger.For(log, "puller"),
		metrics:   m,
		now:       time.Now,
	}
}

// Pull requests everything changed since the watermark. An entity with a local
// edit still queued becomes a conflict and the mirror keeps its current copy;
// any other entity replaces the mirror entry when that entry is missing or older.
// Deleted ids are removed from the mirror unconditionally.
func (p *Puller) Pull(ctx context.Context, since time.Time) (PullReport, error) {
	started := p.now()
	res, err := p.remote.PullChanges(ctx, since)
	p.metrics.ObservePull(p.now().Sub(started).Seconds())
	if err != nil {
		return PullReport{}, fmt.Errorf("pull changes since %s: %w", since.Format(time.RFC3339), err)
	}

	report := PullReport{ServerTime: res.ServerTime}
	for _, entity := range res.UpdatedEntities {
		id := entity.ID()
		if id == "" {
			p.log.Warnw("Skipping pulled entity without id")
			continue
		}

		pending, err := p.queue.PendingForEntity(ctx, models.EntityProduct, id)
		if err != nil {
			return report, err
		}
		if len(pending) > 0 {
			if err := p.handOff(ctx, pending, entity); err != nil {
				return report, err
			}
			report.Conflicts += len(pending)
			continue
		}

		current, ok, err := p.mirror.GetMirror(ctx, id)
		if err != nil {
			return report, err
		}
		incoming := entity.UpdatedAt()
		if ok && !incoming.After(current.UpdatedAt) {
			report.Unchanged++
			continue
		}
		if incoming.IsZero() {
			incoming = p.now()
		}
		if err := p.mirror.PutMirror(ctx, models.MirrorEntry{EntityID: id, Data: entity, UpdatedAt: incoming}); err != nil {
			return report, err
		}
		report.Updated++
	}

	for _, id := range res.DeletedEntityIDs {
		if err := p.mirror.DeleteMirror(ctx, id); err != nil {
			return report, err
		}
		report.Deleted++
	}

	p.log.Debugw("Pull applied", "since", since, "updated", report.Updated, "unchanged", report.Unchanged,
		"deleted", report.Deleted, "conflicts", report.Conflicts)
	return report, nil
}

// handOff turns each queued edit for a remotely changed entity into a conflict
// and drops it from the queue; from here on the conflict owns the edit.
func (p *Puller) handOff(ctx context.Context, pending []models.MutationRecord, server models.Snapshot) error {
	for _, rec := range pending {
		if _, err := p.conflicts.StoreConflict(ctx, rec.EntityType, rec.EntityID, rec.Payload, server, rec.Action); err != nil {
			return err
		}
		deleted, err := p.queue.DeleteIfUnchanged(ctx, rec.ID, rec.Seq)
		if err != nil {
			return err
		}
		if !deleted {
			p.log.Infow("Record re-queued while handing off; keeping the newer edit", "record", rec.ID)
		}
		p.metrics.ConflictDetected("pull")
		p.log.Infow("Pulled change collides with a queued edit", "record", rec.ID, "entity", rec.EntityID)
	}
	return nil
}
