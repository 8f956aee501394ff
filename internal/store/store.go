// Package store persists takes, the upload queue and the take lifecycle log
// in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cowcowlabs/cowcow/internal/config"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database shared by the recording path and the
// upload workers.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time

	// mu serializes queue mutations so a task has a single writer.
	mu     sync.Mutex
	notify chan struct{}
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		log:    log.With(slog.String("component", "store")),
		clock:  time.Now,
		notify: make(chan struct{}, 1),
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			s.log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		s.log.Warn("event prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS takes (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL DEFAULT '',
    language_tag TEXT NOT NULL,
    prompt TEXT,
    rms REAL NOT NULL,
    clipping_pct REAL NOT NULL,
    vad_ratio REAL NOT NULL,
    snr_db REAL NOT NULL,
    audio_path TEXT NOT NULL,
    duration_seconds REAL NOT NULL,
    stop_reason TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    qc_rejections TEXT NOT NULL DEFAULT '',
    reward BLOB,
    created_at INTEGER NOT NULL,
    uploaded_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_takes_created ON takes(created_at);
CREATE TABLE IF NOT EXISTS upload_queue (
    take_id TEXT PRIMARY KEY,
    priority INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_attempt INTEGER,
    error_message TEXT,
    acked_offset INTEGER NOT NULL DEFAULT 0,
    lease_owner TEXT,
    lease_expires_at INTEGER NOT NULL DEFAULT 0,
    not_before INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY(take_id) REFERENCES takes(id)
);
CREATE INDEX IF NOT EXISTS idx_queue_order ON upload_queue(status, priority DESC, created_at ASC);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    take_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(take_id) REFERENCES takes(id)
);
CREATE INDEX IF NOT EXISTS idx_events_take_created ON events(take_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Notify fires after a task becomes available for upload.
func (s *Store) Notify() <-chan struct{} {
	return s.notify
}

func (s *Store) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Store) now() int64 {
	return s.clock().UTC().UnixNano()
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
