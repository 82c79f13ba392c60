package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/wurt83ow/possync/pkg/models"
)

// Remote is the catalog contract the sync engine consumes. *Client implements it.
type Remote interface {
	CreateProduct(ctx context.Context, product models.Snapshot) (models.Snapshot, error)
	UpdateProduct(ctx context.Context, id string, changes models.Snapshot) (models.Snapshot, error)
	DeleteProduct(ctx context.Context, id string) error
	PullChanges(ctx context.Context, since time.Time) (models.PullResult, error)
}

var _ Remote = (*Client)(nil)

// Apply sends one operation to the catalog and returns the server's view of
// the entity afterwards (nil for deletes).
func Apply(ctx context.Context, r Remote, op models.Operation) (models.Snapshot, error) {
	switch o := op.(type) {
	case models.CreateOp:
		return r.CreateProduct(ctx, o.Entity)
	case models.UpdateOp:
		return r.UpdateProduct(ctx, o.ID, o.Changes)
	case models.DeleteOp:
		return nil, r.DeleteProduct(ctx, o.ID)
	default:
		return nil, fmt.Errorf("%w: %T", models.ErrUnknownAction, op)
	}
}
