// Package outbox implements the transactional outbox: events are inserted in the same
// transaction as the state change they describe and delivered later by a poller.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DBTX is satisfied by *sql.Tx and *sql.DB. Callers pass their open transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Entry is one durable outbox row.
type Entry struct {
	ID          string         `json:"id"`
	EventType   string         `json:"event_type"`
	Payload     map[string]any `json:"payload"`
	DedupKey    string         `json:"dedup_key,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	RetryCount  int            `json:"retry_count"`
	Error       string         `json:"error,omitempty"`
}

// Schema creates the outbox table. It is applied by the persistence migrations.
const Schema = `
CREATE TABLE IF NOT EXISTS fleet_outbox (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	dedup_key TEXT UNIQUE,
	created_at DATETIME NOT NULL,
	processed_at DATETIME,
	retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
	error TEXT,
	claimed_until INTEGER,
	claim_token TEXT
);
CREATE INDEX IF NOT EXISTS idx_fleet_outbox_pending
	ON fleet_outbox(processed_at, retry_count, created_at);
`

// Insert queues an event inside the caller's transaction, so the row exists iff that
// transaction commits. With a dedupKey a conflicting insert is a no-op and the id of the
// existing row is returned.
func Insert(ctx context.Context, tx DBTX, eventType string, payload map[string]any, dedupKey string) (string, error) {
	if strings.TrimSpace(eventType) == "" {
		return "", fmt.Errorf("outbox insert: event type required")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("outbox insert: marshal payload: %w", err)
	}

	id := uuid.NewString()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO fleet_outbox (id, event_type, payload_json, dedup_key, created_at, retry_count)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, 0)
		ON CONFLICT(dedup_key) DO NOTHING;
	`, id, eventType, string(raw), dedupKey, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("outbox insert: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("outbox insert rows affected: %w", err)
	}
	if affected == 1 {
		return id, nil
	}

	var existing string
	if err := tx.QueryRowContext(ctx, `
		SELECT id FROM fleet_outbox WHERE dedup_key = ?;
	`, dedupKey).Scan(&existing); err != nil {
		return "", fmt.Errorf("outbox insert: lookup dedup key %q: %w", dedupKey, err)
	}
	return existing, nil
}

// Get loads a single entry by id.
func Get(ctx context.Context, db DBTX, id string) (*Entry, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, event_type, payload_json, COALESCE(dedup_key, ''), created_at, processed_at, retry_count, COALESCE(error, '')
		FROM fleet_outbox
		WHERE id = ?;
	`, id)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outbox entry %s: %w", id, err)
	}
	return e, err
}

func scanEntry(scanFn func(dest ...any) error) (*Entry, error) {
	var (
		e         Entry
		raw       string
		processed sql.NullTime
	)
	if err := scanFn(&e.ID, &e.EventType, &raw, &e.DedupKey, &e.CreatedAt, &processed, &e.RetryCount, &e.Error); err != nil {
		return nil, err
	}
	if processed.Valid {
		t := processed.Time
		e.ProcessedAt = &t
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode outbox payload %s: %w", e.ID, err)
		}
	}
	return &e, nil
}
