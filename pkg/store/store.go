// Package store persists alerts, acknowledgments and history in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	// CGO-free SQLite driver.
	_ "modernc.org/sqlite"
)

func newID() string {
	return uuid.NewString()
}

// Sentinel errors surfaced to callers.
var (
	// ErrNotFound means the referenced alert id is unknown.
	ErrNotFound = errors.New("alert not found")

	// ErrInvalidTransition means the requested status change is not allowed
	// by the lifecycle state machine. Nothing is mutated.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateEvent means an alert with the same Zabbix event id already
	// exists.
	ErrDuplicateEvent = errors.New("duplicate zabbix event id")
)

// Store wraps the SQLite database holding the alert model.
type Store struct {
	path string
	db   *sql.DB
}

// New creates a store for the database at path. Call Open before use.
func New(path string) *Store {
	return &Store{path: path}
}

// Open initializes the database connection and bootstraps the schema.
func (s *Store) Open() error {
	ctx := context.Background()

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	// SQLite is single-writer; a single connection serializes the
	// read-modify-write transactions the lifecycle depends on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("create schema: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not open")
	}
	return s.db.PingContext(ctx)
}

const schema = `
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		zabbix_event_id TEXT UNIQUE NOT NULL,
		zabbix_problem_id TEXT,
		host TEXT NOT NULL,
		name TEXT NOT NULL,
		severity INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'new',
		triggered_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		last_updated_at INTEGER NOT NULL,
		resolved_at INTEGER,
		raw_data TEXT
	);

	CREATE TABLE IF NOT EXISTS acknowledgments (
		id TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL,
		operator_name TEXT NOT NULL,
		reason TEXT,
		acknowledged_at INTEGER NOT NULL,
		synced_to_zabbix INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (alert_id) REFERENCES alerts(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS alert_history (
		id TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL,
		from_status TEXT,
		to_status TEXT NOT NULL,
		changed_at INTEGER NOT NULL,
		changed_by TEXT,
		reason TEXT,
		FOREIGN KEY (alert_id) REFERENCES alerts(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_event_id ON alerts(zabbix_event_id);
	CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
	CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts(severity);
	CREATE INDEX IF NOT EXISTS idx_alerts_host ON alerts(host);
	CREATE INDEX IF NOT EXISTS idx_acks_alert ON acknowledgments(alert_id);
	CREATE INDEX IF NOT EXISTS idx_acks_synced ON acknowledgments(synced_to_zabbix);
	CREATE INDEX IF NOT EXISTS idx_history_alert ON alert_history(alert_id);
	CREATE INDEX IF NOT EXISTS idx_history_changed ON alert_history(changed_at);
`

// Timestamps are stored as unix nanoseconds so range comparisons stay
// driver-independent.

func timeToNS(t time.Time) int64 {
	return t.UnixNano()
}

func nsToTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func nullTimeToNS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nsToNullTime(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := nsToTime(ns.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
