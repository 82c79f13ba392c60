package bdkeeper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wurt83ow/possync/pkg/models"
)

const conflictColumns = `id, entity_type, entity_id, local_data, server_data, operation, detected_at, resolved, strategy, resolved_at, resolved_data`

func (k *Keeper) InsertConflict(ctx context.Context, c models.ConflictRecord) error {
	local, err := k.encodeSnapshot(c.LocalData)
	if err != nil {
		return &models.StorageError{Op: "insert conflict", Err: err}
	}
	server, err := k.encodeSnapshot(c.ServerData)
	if err != nil {
		return &models.StorageError{Op: "insert conflict", Err: err}
	}

	_, err = k.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, entity_type, entity_id, local_data, server_data, operation, detected_at, resolved, strategy)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '')
	`, c.ID, c.EntityType, c.EntityID, local, server, string(c.Operation), formatTime(c.DetectedAt))
	if err != nil {
		return &models.StorageError{Op: "insert conflict", Err: err}
	}
	return nil
}

func (k *Keeper) GetConflict(ctx context.Context, id string) (models.ConflictRecord, error) {
	list, err := k.queryConflicts(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	if err != nil {
		return models.ConflictRecord{}, err
	}
	if len(list) == 0 {
		return models.ConflictRecord{}, fmt.Errorf("%w: %s", models.ErrConflictNotFound, id)
	}
	return list[0], nil
}

// ListConflicts returns conflicts in detection order.
func (k *Keeper) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	return k.queryConflicts(ctx, query+` ORDER BY detected_at, rowid`)
}

// MarkConflictResolved flips resolved to true exactly once.
func (k *Keeper) MarkConflictResolved(ctx context.Context, id string, strategy models.Strategy, at time.Time, data models.Snapshot) error {
	resolved, err := k.encodeSnapshot(data)
	if err != nil {
		return &models.StorageError{Op: "resolve conflict", Err: err}
	}

	return k.withTx(ctx, "resolve conflict", func(tx *sql.Tx) error {
		var already bool
		err := tx.QueryRowContext(ctx, `SELECT resolved FROM conflicts WHERE id = ?`, id).Scan(&already)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", models.ErrConflictNotFound, id)
		}
		if err != nil {
			return &models.StorageError{Op: "resolve conflict", Err: err}
		}
		if already {
			return fmt.Errorf("%w: %s", models.ErrConflictResolved, id)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE conflicts SET resolved = 1, strategy = ?, resolved_at = ?, resolved_data = ?
			WHERE id = ?
		`, string(strategy), formatTime(at), resolved, id)
		if err != nil {
			return &models.StorageError{Op: "resolve conflict", Err: err}
		}
		return nil
	})
}

// DeleteResolvedConflicts removes every resolved conflict.
func (k *Keeper) DeleteResolvedConflicts(ctx context.Context) (int64, error) {
	res, err := k.db.ExecContext(ctx, `DELETE FROM conflicts WHERE resolved = 1`)
	if err != nil {
		return 0, &models.StorageError{Op: "prune conflicts", Err: err}
	}
	return res.RowsAffected()
}

func (k *Keeper) CountUnresolvedConflicts(ctx context.Context) (int, error) {
	var n int
	if err := k.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts WHERE resolved = 0`).Scan(&n); err != nil {
		return 0, &models.StorageError{Op: "count conflicts", Err: err}
	}
	return n, nil
}

func (k *Keeper) queryConflicts(ctx context.Context, query string, args ...any) ([]models.ConflictRecord, error) {
	rows, err := k.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &models.StorageError{Op: "list conflicts", Err: err}
	}
	defer rows.Close()

	var out []models.ConflictRecord
	for rows.Next() {
		var (
			c                       models.ConflictRecord
			operation, detectedAt   string
			strategy                string
			resolvedAt              sql.NullString
			local, server, resolved sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.EntityType, &c.EntityID, &local, &server, &operation,
			&detectedAt, &c.Resolved, &strategy, &resolvedAt, &resolved); err != nil {
			return nil, &models.StorageError{Op: "list conflicts", Err: err}
		}

		c.Operation = models.Action(operation)
		c.Strategy = models.Strategy(strategy)
		if c.DetectedAt, err = parseTime(detectedAt); err != nil {
			return nil, &models.StorageError{Op: "list conflicts", Err: err}
		}
		if resolvedAt.Valid {
			t, err := parseTime(resolvedAt.String)
			if err != nil {
				return nil, &models.StorageError{Op: "list conflicts", Err: err}
			}
			c.ResolvedAt = &t
		}
		if c.LocalData, err = k.decodeSnapshot(local); err != nil {
			return nil, &models.StorageError{Op: "list conflicts", Err: err}
		}
		if c.ServerData, err = k.decodeSnapshot(server); err != nil {
			return nil, &models.StorageError{Op: "list conflicts", Err: err}
		}
		if c.ResolvedData, err = k.decodeSnapshot(resolved); err != nil {
			return nil, &models.StorageError{Op: "list conflicts", Err: err}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.StorageError{Op: "list conflicts", Err: err}
	}
	return out, nil
}
