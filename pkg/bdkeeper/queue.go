package bdkeeper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wurt83ow/possync/pkg/models"
)

const recordColumns = `id, seq, action, entity_type, entity_id, payload, created_at, status, last_error, attempts, result`

// Enqueue stores op as a pending record and returns its derived id. A record
// with the same id is replaced: it takes the new payload, is reset to pending
// and moves to the tail of the replay order.
func (k *Keeper) Enqueue(ctx context.Context, op models.Operation) (string, error) {
	entityID := op.EntityID()
	if entityID == "" {
		return "", fmt.Errorf("enqueue %s: entity id is required", op.Action())
	}
	id := models.MutationID(op.Action(), models.EntityProduct, entityID)

	payload, err := k.encodeSnapshot(op.Payload())
	if err != nil {
		return "", &models.StorageError{Op: "enqueue", Err: err}
	}
	createdAt := formatTime(k.now())

	err = k.withTx(ctx, "enqueue", func(tx *sql.Tx) error {
		var next int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM sync_queue`).Scan(&next); err != nil {
			return &models.StorageError{Op: "enqueue", Err: err}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_queue (id, seq, action, entity_type, entity_id, payload, created_at, status, last_error, attempts, result)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', '', 0, NULL)
			ON CONFLICT(id) DO UPDATE SET
				seq = excluded.seq,
				payload = excluded.payload,
				created_at = excluded.created_at,
				status = 'pending',
				last_error = '',
				attempts = 0,
				result = NULL
		`, id, next, string(op.Action()), models.EntityProduct, entityID, payload, createdAt)
		if err != nil {
			return &models.StorageError{Op: "enqueue", Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListPending returns the records a replay pass must attempt, oldest first.
// Errored records are included: delivery is at-least-once.
func (k *Keeper) ListPending(ctx context.Context) ([]models.MutationRecord, error) {
	return k.queryRecords(ctx, "list pending",
		`SELECT `+recordColumns+` FROM sync_queue WHERE status IN ('pending', 'error') ORDER BY seq`)
}

// ListQueue returns every record regardless of status, oldest first.
func (k *Keeper) ListQueue(ctx context.Context) ([]models.MutationRecord, error) {
	return k.queryRecords(ctx, "list queue", `SELECT `+recordColumns+` FROM sync_queue ORDER BY seq`)
}

// PendingForEntity returns the unsynced records that touch one entity.
func (k *Keeper) PendingForEntity(ctx context.Context, entityType, entityID string) ([]models.MutationRecord, error) {
	return k.queryRecords(ctx, "pending for entity", `
		SELECT `+recordColumns+` FROM sync_queue
		WHERE entity_type = ? AND entity_id = ? AND status IN ('pending', 'syncing', 'error')
		ORDER BY seq`, entityType, entityID)
}

func (k *Keeper) GetRecord(ctx context.Context, id string) (models.MutationRecord, error) {
	recs, err := k.queryRecords(ctx, "get record", `SELECT `+recordColumns+` FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return models.MutationRecord{}, err
	}
	if len(recs) == 0 {
		return models.MutationRecord{}, fmt.Errorf("%w: %s", models.ErrRecordNotFound, id)
	}
	return recs[0], nil
}

// MarkStatus moves a record to status, writing extra alongside. The change is
// rejected when the record's current status does not allow it.
func (k *Keeper) MarkStatus(ctx context.Context, id string, status models.Status, extra models.StatusExtra) error {
	result, err := k.encodeSnapshot(extra.Result)
	if err != nil {
		return &models.StorageError{Op: "mark status", Err: err}
	}

	return k.withTx(ctx, "mark status", func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM sync_queue WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", models.ErrRecordNotFound, id)
		}
		if err != nil {
			return &models.StorageError{Op: "mark status", Err: err}
		}

		if err := models.CheckTransition(models.Status(current), status); err != nil {
			return fmt.Errorf("record %s: %w", id, err)
		}

		attempts := 0
		if status == models.StatusSyncing {
			attempts = 1
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = ?, last_error = ?, result = COALESCE(?, result), attempts = attempts + ?
			WHERE id = ?
		`, string(status), extra.LastError, result, attempts, id)
		if err != nil {
			return &models.StorageError{Op: "mark status", Err: err}
		}
		return nil
	})
}

// DeleteRecord drops a record from the queue. Used when a conflict takes over
// the edit, or by an operator clearing a record the server will never accept.
func (k *Keeper) DeleteRecord(ctx context.Context, id string) error {
	res, err := k.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return &models.StorageError{Op: "delete record", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrRecordNotFound, id)
	}
	return nil
}

// DeleteIfUnchanged drops a record only while it still holds the edit with the
// given seq. It reports false when the record was re-queued in the meantime,
// or is already gone.
func (k *Keeper) DeleteIfUnchanged(ctx context.Context, id string, seq int64) (bool, error) {
	res, err := k.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ? AND seq = ?`, id, seq)
	if err != nil {
		return false, &models.StorageError{Op: "delete record", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &models.StorageError{Op: "delete record", Err: err}
	}
	return n > 0, nil
}

// RecoverInFlight resets records left syncing by an interrupted process.
func (k *Keeper) RecoverInFlight(ctx context.Context) (int64, error) {
	res, err := k.db.ExecContext(ctx, `UPDATE sync_queue SET status = 'pending' WHERE status = 'syncing'`)
	if err != nil {
		return 0, &models.StorageError{Op: "recover in-flight", Err: err}
	}
	return res.RowsAffected()
}

// PruneSynced deletes synced records created before the cutoff.
func (k *Keeper) PruneSynced(ctx context.Context, before time.Time) (int64, error) {
	res, err := k.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status = 'synced' AND created_at < ?`, formatTime(before))
	if err != nil {
		return 0, &models.StorageError{Op: "prune synced", Err: err}
	}
	return res.RowsAffected()
}

// CountByStatus returns the number of queue records per status.
func (k *Keeper) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := k.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, &models.StorageError{Op: "count queue", Err: err}
	}
	defer rows.Close()

	counts := map[models.Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, &models.StorageError{Op: "count queue", Err: err}
		}
		counts[models.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, &models.StorageError{Op: "count queue", Err: err}
	}
	return counts, nil
}

func (k *Keeper) queryRecords(ctx context.Context, op, query string, args ...any) ([]models.MutationRecord, error) {
	rows, err := k.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &models.StorageError{Op: op, Err: err}
	}
	defer rows.Close()

	var records []models.MutationRecord
	for rows.Next() {
		var (
			rec       models.MutationRecord
			action    string
			status    string
			createdAt string
			payload   sql.NullString
			result    sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Seq, &action, &rec.EntityType, &rec.EntityID, &payload,
			&createdAt, &status, &rec.LastError, &rec.Attempts, &result); err != nil {
			return nil, &models.StorageError{Op: op, Err: err}
		}

		rec.Action = models.Action(action)
		rec.Status = models.Status(status)
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, &models.StorageError{Op: op, Err: err}
		}
		if rec.Payload, err = k.decodeSnapshot(payload); err != nil {
			return nil, &models.StorageError{Op: op, Err: err}
		}
		if rec.Result, err = k.decodeSnapshot(result); err != nil {
			return nil, &models.StorageError{Op: op, Err: err}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.StorageError{Op: op, Err: err}
	}
	return records, nil
}
