package bdkeeper

import (
	"context"
	"database/sql"
	"errors"

	"github.com/wurt83ow/possync/pkg/models"
)

// GetMirror returns the cached copy of a product, if any.
func (k *Keeper) GetMirror(ctx context.Context, entityID string) (models.MirrorEntry, bool, error) {
	var (
		data      sql.NullString
		updatedAt string
	)
	err := k.db.QueryRowContext(ctx,
		`SELECT data, updated_at FROM products WHERE entity_id = ?`, entityID).Scan(&data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MirrorEntry{}, false, nil
	}
	if err != nil {
		return models.MirrorEntry{}, false, &models.StorageError{Op: "get mirror", Err: err}
	}

	entry := models.MirrorEntry{EntityID: entityID}
	if entry.Data, err = k.decodeSnapshot(data); err != nil {
		return models.MirrorEntry{}, false, &models.StorageError{Op: "get mirror", Err: err}
	}
	if entry.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.MirrorEntry{}, false, &models.StorageError{Op: "get mirror", Err: err}
	}
	return entry, true, nil
}

// PutMirror overwrites the cached copy of a product.
func (k *Keeper) PutMirror(ctx context.Context, entry models.MirrorEntry) error {
	data, err := k.encodeSnapshot(entry.Data)
	if err != nil {
		return &models.StorageError{Op: "put mirror", Err: err}
	}
	_, err = k.db.ExecContext(ctx, `
		INSERT INTO products (entity_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, entry.EntityID, data, formatTime(entry.UpdatedAt))
	if err != nil {
		return &models.StorageError{Op: "put mirror", Err: err}
	}
	return nil
}

// DeleteMirror drops the cached copy of a product. Missing entries are not an error.
func (k *Keeper) DeleteMirror(ctx context.Context, entityID string) error {
	if _, err := k.db.ExecContext(ctx, `DELETE FROM products WHERE entity_id = ?`, entityID); err != nil {
		return &models.StorageError{Op: "delete mirror", Err: err}
	}
	return nil
}
