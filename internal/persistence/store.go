// Package persistence is the SQLite reference implementation of the fleet task store.
// It also owns the schema of the outbox and notification tables that share its database.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/go-fleet/internal/outbox"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "fleet-v1-2026-10-16-core"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	busyRetries = 5
)

// Store is safe for concurrent use. All writes go through a single connection.
type Store struct {
	db *sql.DB

	mu        sync.RWMutex
	retention Retention
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fleet", "fleet.db")
}

// Open opens (creating if needed) the database at path and applies migrations.
// Transactions begin IMMEDIATE so a compare-and-swap or outbox claim holds the
// write lock from its first read.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy matches on the message text so callers need not import the driver.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	// Errors that crossed a string boundary (fmt.Errorf with %v) keep only the text.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		tasksSchema,
		`CREATE INDEX IF NOT EXISTS idx_fleet_tasks_status ON fleet_tasks(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_tasks_operator ON fleet_tasks(operator_id, status);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_fleet_tasks_context_hash ON fleet_tasks(context_hash) WHERE context_hash IS NOT NULL;`,
		`CREATE TRIGGER IF NOT EXISTS trg_fleet_tasks_updated_at
			AFTER UPDATE ON fleet_tasks
			FOR EACH ROW WHEN NEW.updated_at = OLD.updated_at
			BEGIN
				UPDATE fleet_tasks SET updated_at = strftime('%Y-%m-%d %H:%M:%f', 'now') WHERE id = NEW.id;
			END;`,
		notificationsSchema,
		`CREATE INDEX IF NOT EXISTS idx_fleet_notifications_task ON fleet_notifications(task_id, id);`,
		outbox.Schema,
		outcomesSchema,
		`CREATE INDEX IF NOT EXISTS idx_fleet_agent_outcomes_identity ON fleet_agent_outcomes(identity_id, id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

const tasksSchema = `
CREATE TABLE IF NOT EXISTS fleet_tasks (
	id TEXT PRIMARY KEY,
	version INTEGER NOT NULL DEFAULT 0 CHECK (version >= 0),
	status TEXT NOT NULL CHECK (status IN (
		'proposed', 'spawning', 'running', 'pr_created', 'reviewing',
		'merged', 'failed', 'abandoned', 'cancelled'
	)),
	operator_id TEXT NOT NULL CHECK (length(operator_id) > 0),
	agent_type TEXT NOT NULL CHECK (agent_type IN ('claude_code', 'codex', 'local')),
	model TEXT NOT NULL CHECK (length(model) > 0),
	task_type TEXT NOT NULL CHECK (task_type IN ('bug_fix', 'feature', 'refactor', 'review', 'docs')),
	description TEXT NOT NULL CHECK (length(description) > 0),
	branch TEXT NOT NULL CHECK (length(branch) > 0),
	tier TEXT NOT NULL CHECK (tier IN ('observer', 'participant', 'builder', 'architect')),
	worktree_path TEXT,
	process_ref TEXT,
	pr_number INTEGER,
	ci_status TEXT CHECK (ci_status IS NULL OR ci_status IN ('pending', 'success', 'failure')),
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	review_status TEXT,
	failure_context TEXT,
	context_hash TEXT,
	agent_identity_id TEXT,
	spawned_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	CHECK (retry_count >= 0 AND retry_count <= max_retries)
);
`

const notificationsSchema = `
CREATE TABLE IF NOT EXISTS fleet_notifications (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES fleet_tasks(id) ON DELETE CASCADE,
	channel TEXT NOT NULL CHECK (channel IN ('log', 'telegram', 'webhook')),
	event_type TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	delivered_at DATETIME,
	error TEXT,
	created_at DATETIME NOT NULL
);
`

const outcomesSchema = `
CREATE TABLE IF NOT EXISTS fleet_agent_outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identity_id TEXT NOT NULL CHECK (length(identity_id) > 0),
	task_id TEXT NOT NULL,
	outcome TEXT NOT NULL CHECK (length(outcome) > 0),
	recorded_at DATETIME NOT NULL,
	UNIQUE (identity_id, task_id, outcome)
);
`

// Backup writes a consistent copy of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}
