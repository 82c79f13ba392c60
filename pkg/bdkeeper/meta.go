package bdkeeper

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/wurt83ow/possync/pkg/models"
)

const lastSyncKey = "last_sync"

// GetLastSyncTimestamp returns the watermark of the last successful pull, or
// the zero time before the first one.
func (k *Keeper) GetLastSyncTimestamp(ctx context.Context) (time.Time, error) {
	var v string
	err := k.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, lastSyncKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, &models.StorageError{Op: "get last sync", Err: err}
	}
	t, err := parseTime(v)
	if err != nil {
		return time.Time{}, &models.StorageError{Op: "get last sync", Err: err}
	}
	return t, nil
}

func (k *Keeper) SetLastSyncTimestamp(ctx context.Context, ts time.Time) error {
	_, err := k.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, lastSyncKey, formatTime(ts))
	if err != nil {
		return &models.StorageError{Op: "set last sync", Err: err}
	}
	return nil
}
