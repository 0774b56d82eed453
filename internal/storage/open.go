package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"

	logx "stashd/pkg/logx"
)

// Config configures the database.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
	// OpenTimeout bounds the initial connection retries. 0 means 10s.
	OpenTimeout time.Duration
}

// DB is the shared handle all repositories are built from.
type DB struct {
	db  *sqlx.DB
	log logx.Logger
	now func() time.Time
}

// Open connects to the SQLite file at cfg.Path, retrying the first ping with
// exponential backoff. It does not migrate; call Migrate.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 10 * time.Second
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxElapsedTime = openTimeout
	err = backoff.RetryNotify(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(eb, ctx), func(err error, d time.Duration) {
		log.Warn("database not ready", logx.Err(err), logx.Duration("retry_in", d))
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Warn("pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	log.Info("database opened", logx.String("path", cfg.Path))
	return &DB{db: db, log: log, now: time.Now}, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ping is used by the health endpoint.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// SetNow overrides the clock used for created/updated timestamps.
func (d *DB) SetNow(now func() time.Time) {
	d.now = now
}

func (d *DB) Schedules() *Schedules         { return &Schedules{db: d.db} }
func (d *DB) Entries() *Entries             { return &Entries{db: d.db, now: d.now} }
func (d *DB) Users() *Users                 { return &Users{db: d.db} }
func (d *DB) Reminders() *Reminders         { return &Reminders{db: d.db} }
func (d *DB) Audit() *Audit                 { return &Audit{db: d.db, now: d.now} }
func (d *DB) Notifications() *Notifications { return &Notifications{db: d.db, now: d.now} }
func (d *DB) Resources() *Resources         { return &Resources{db: d.db, now: d.now} }
func (d *DB) Refs() *Refs                   { return &Refs{db: d.db} }

// Digest joins the user and entry queries the unread digest needs.
func (d *DB) Digest() *Digest { return &Digest{Users: d.Users(), Entries: d.Entries()} }

// inTx runs fn in a short transaction. No transaction spans a worker sleep.
func inTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
