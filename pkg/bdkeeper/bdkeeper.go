// Package bdkeeper is the durable local store of the sync engine: the
// mutation queue, captured conflicts, the product mirror and the last-sync
// watermark, all kept in one SQLite database.
package bdkeeper

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/wurt83ow/possync/pkg/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its dialect and base FS in package globals.
var migrateMu sync.Mutex

// Sealer protects snapshot columns at rest. *encription.Enc implements it.
type Sealer interface {
	Encrypt(data string) (string, error)
	Decrypt(encryptedText string) (string, error)
}

type Keeper struct {
	db     *sql.DB
	sealer Sealer
	now    func() time.Time
}

type Option func(*Keeper)

// WithSealer encrypts every stored snapshot with s.
func WithSealer(s Sealer) Option {
	return func(k *Keeper) { k.sealer = s }
}

// WithClock overrides the time source used for createdAt stamps.
func WithClock(now func() time.Time) Option {
	return func(k *Keeper) { k.now = now }
}

// Open creates or opens the database at path and applies migrations.
// Use ":memory:" for a throwaway store.
func Open(path string, opts ...Option) (*Keeper, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, &models.StorageError{Op: "open", Err: err}
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &models.StorageError{Op: "open", Err: err}
	}
	// one writer; an in-memory database also lives only on its first connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, &models.StorageError{Op: "open", Err: fmt.Errorf("%s: %w", pragma, err)}
		}
	}

	k, err := NewKeeper(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return k, nil
}

// NewKeeper wraps an existing connection and brings its schema up to date.
func NewKeeper(db *sql.DB, opts ...Option) (*Keeper, error) {
	k := &Keeper{db: db, now: time.Now}
	for _, o := range opts {
		o(k)
	}
	if err := migrate(db); err != nil {
		return nil, &models.StorageError{Op: "migrate", Err: err}
	}
	return k, nil
}

func migrate(db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

func (k *Keeper) Close() error {
	if k.db == nil {
		return nil
	}
	return k.db.Close()
}

// withTx runs fn in a transaction, committing only if fn succeeds.
func (k *Keeper) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return &models.StorageError{Op: op, Err: err}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &models.StorageError{Op: op, Err: err}
	}
	return nil
}

func (k *Keeper) encodeSnapshot(s models.Snapshot) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode snapshot: %w", err)
	}
	out := string(raw)
	if k.sealer != nil {
		if out, err = k.sealer.Encrypt(out); err != nil {
			return sql.NullString{}, fmt.Errorf("seal snapshot: %w", err)
		}
	}
	return sql.NullString{String: out, Valid: true}, nil
}

func (k *Keeper) decodeSnapshot(v sql.NullString) (models.Snapshot, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	raw := v.String
	if k.sealer != nil {
		var err error
		if raw, err = k.sealer.Decrypt(raw); err != nil {
			return nil, fmt.Errorf("open snapshot: %w", err)
		}
	}
	var s models.Snapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
