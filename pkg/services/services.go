// Package services is the entry point for product edits made at the till.
// Edits go straight to the catalog when it is reachable and fall back to the
// local queue when it is not.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wurt83ow/possync/pkg/catalog"
	"github.com/wurt83ow/possync/pkg/logger"
	"github.com/wurt83ow/possync/pkg/models"
)

// Queue is the durable mutation queue. *bdkeeper.Keeper implements it.
type Queue interface {
	Enqueue(ctx context.Context, op models.Operation) (string, error)
	PendingForEntity(ctx context.Context, entityType, entityID string) ([]models.MutationRecord, error)
}

// Mirror is the local copy of catalog products. *bdkeeper.Keeper implements it.
type Mirror interface {
	GetMirror(ctx context.Context, entityID string) (models.MirrorEntry, bool, error)
	PutMirror(ctx context.Context, entry models.MirrorEntry) error
	DeleteMirror(ctx context.Context, entityID string) error
}

// Reachability reports whether the catalog can be called. *connectivity.Monitor implements it.
type Reachability interface {
	Online() bool
}

// Nudger schedules a sync cycle. *gksync.Orchestrator implements it.
type Nudger interface {
	Nudge()
}

// Outcome describes what happened to one edit.
type Outcome struct {
	// Queued is set when the edit was stored for later replay.
	Queued  bool
	QueueID string
	// Product is the server's copy after a direct call, or the queued payload.
	Product models.Snapshot
}

type Service struct {
	remote catalog.Remote
	queue  Queue
	mirror Mirror
	reach  Reachability
	nudger Nudger
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewServices(remote catalog.Remote, queue Queue, mirror Mirror, reach Reachability, nudger Nudger,
	log *zap.SugaredLogger) *Service {
	return &Service{
		remote: remote,
		queue:  queue,
		mirror: mirror,
		reach:  reach,
		nudger: nudger,
		log:    logger.For(log, "services"),
		now:    time.Now,
	}
}

// CreateProduct assigns a client-side id when p has none, so a create
// replayed twice addresses the same product.
func (s *Service) CreateProduct(ctx context.Context, p models.Product) (Outcome, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now().UTC()
	}
	snap, err := p.Snapshot()
	if err != nil {
		return Outcome{}, err
	}
	return s.submit(ctx, models.CreateOp{Entity: snap})
}

// UpdateProduct sends a partial update. The change is stamped with the edit time.
func (s *Service) UpdateProduct(ctx context.Context, id string, changes models.Snapshot) (Outcome, error) {
	if id == "" {
		return Outcome{}, errors.New("update product: id is required")
	}
	changes = changes.Clone()
	if changes == nil {
		changes = models.Snapshot{}
	}
	delete(changes, "id")
	changes["updatedAt"] = s.now().UTC().Format(time.RFC3339Nano)
	return s.submit(ctx, models.UpdateOp{ID: id, Changes: changes})
}

func (s *Service) DeleteProduct(ctx context.Context, id string) (Outcome, error) {
	if id == "" {
		return Outcome{}, errors.New("delete product: id is required")
	}
	return s.submit(ctx, models.DeleteOp{ID: id})
}

// GetProduct reads the mirrored copy of a product.
func (s *Service) GetProduct(ctx context.Context, id string) (models.Product, bool, error) {
	entry, ok, err := s.mirror.GetMirror(ctx, id)
	if err != nil || !ok {
		return models.Product{}, ok, err
	}
	p, err := models.ProductFromSnapshot(entry.Data)
	return p, true, err
}

func (s *Service) submit(ctx context.Context, op models.Operation) (Outcome, error) {
	direct, err := s.canCallDirectly(ctx, op.EntityID())
	if err != nil {
		return Outcome{}, err
	}
	if !direct {
		return s.enqueue(ctx, op)
	}

	result, err := catalog.Apply(ctx, s.remote, op)
	if models.IsRetryable(err) {
		s.log.Infow("Catalog unreachable, queuing edit", "action", op.Action(), "entity", op.EntityID(), "error", err)
		return s.enqueue(ctx, op)
	}
	if err != nil {
		return Outcome{}, err
	}

	if _, isDelete := op.(models.DeleteOp); isDelete {
		return Outcome{}, s.mirror.DeleteMirror(ctx, op.EntityID())
	}
	if result == nil {
		result = op.Payload()
	}
	if err := s.mirror.PutMirror(ctx, models.NewMirrorEntry(op.EntityID(), result, s.now())); err != nil {
		return Outcome{}, err
	}
	return Outcome{Product: result}, nil
}

// canCallDirectly is false while offline, and while older edits for the same
// entity are still queued so they are not overtaken.
func (s *Service) canCallDirectly(ctx context.Context, entityID string) (bool, error) {
	if s.reach != nil && !s.reach.Online() {
		return false, nil
	}
	pending, err := s.queue.PendingForEntity(ctx, models.EntityProduct, entityID)
	if err != nil {
		return false, err
	}
	return len(pending) == 0, nil
}

func (s *Service) enqueue(ctx context.Context, op models.Operation) (Outcome, error) {
	id, err := s.queue.Enqueue(ctx, op)
	if err != nil {
		return Outcome{}, err
	}
	if s.nudger != nil {
		s.nudger.Nudge()
	}
	return Outcome{Queued: true, QueueID: id, Product: op.Payload()}, nil
}
