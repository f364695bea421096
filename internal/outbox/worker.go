package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-fleet/internal/fleet"
	fleetotel "github.com/basket/go-fleet/internal/otel"
	"github.com/basket/go-fleet/internal/telemetry"
)

const (
	defaultBatchSize    = 50
	defaultMaxRetries   = 5
	defaultPollInterval = 5 * time.Second
	defaultClaimTTL     = 30 * time.Second
	maxErrorLen         = 2000
)

// ErrPublisherDisconnected is returned by SubjectDelivery while the external bus is down.
var ErrPublisherDisconnected = errors.New("external bus not connected")

// DeliverFunc delivers one entry. It runs outside any transaction and may be invoked
// more than once for the same entry, so it must be idempotent.
type DeliverFunc func(ctx context.Context, e Entry) error

// Config tunes the worker. Zero values take defaults.
type Config struct {
	BatchSize    int
	MaxRetries   int
	PollInterval time.Duration
	// ClaimTTL bounds how long a claimed row is hidden from other workers.
	ClaimTTL time.Duration
	Logger   *slog.Logger
	Metrics  *fleetotel.Metrics
}

// Worker polls the outbox table and hands unprocessed entries to a DeliverFunc.
type Worker struct {
	db      *sql.DB
	deliver DeliverFunc
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	cron *cronlib.Cron
}

// NewWorker creates a worker over db. The outbox table must already exist.
func NewWorker(db *sql.DB, deliver DeliverFunc, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = defaultClaimTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		db:      db,
		deliver: deliver,
		cfg:     cfg,
		logger:  logger.With("component", "outbox"),
		now:     time.Now,
	}
}

// Start arms the poll timer. Calling Start on a running worker is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return
	}
	c := cronlib.New(cronlib.WithChain(
		cronlib.Recover(telemetry.CronLogger(w.logger)),
		cronlib.SkipIfStillRunning(telemetry.CronLogger(w.logger)),
	))
	c.Schedule(cronlib.Every(w.cfg.PollInterval), cronlib.FuncJob(func() {
		if _, err := w.ProcessBatch(ctx); err != nil {
			w.logger.Error("outbox poll failed", "error", err)
		}
	}))
	c.Start()
	w.cron = c
	w.logger.Info("outbox worker started", "interval", w.cfg.PollInterval, "batch_size", w.cfg.BatchSize)
}

// Stop halts future polls. The returned context is done once an in-flight batch
// finishes; a stopped worker returns an already-done context.
func (w *Worker) Stop() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	done := w.cron.Stop()
	w.cron = nil
	w.logger.Info("outbox worker stopped")
	return done
}

// ProcessBatch claims up to BatchSize pending entries, delivers each one, and records
// the outcome. It returns the number delivered successfully.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	entries, err := w.claim(ctx)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, e := range entries {
		if derr := w.safeDeliver(ctx, e); derr != nil {
			w.logger.Warn("outbox delivery failed",
				"entry_id", e.ID,
				"event_type", e.EventType,
				"retry_count", e.RetryCount+1,
				"error", derr,
			)
			if err := w.markFailed(ctx, e.ID, derr); err != nil {
				w.logger.Error("outbox mark failed", "entry_id", e.ID, "error", err)
			}
			w.cfg.Metrics.RecordOutbox(ctx, e.EventType, false)
			continue
		}
		if err := w.markProcessed(ctx, e.ID); err != nil {
			w.logger.Error("outbox mark processed", "entry_id", e.ID, "error", err)
			continue
		}
		w.cfg.Metrics.RecordOutbox(ctx, e.EventType, true)
		delivered++
	}
	if len(entries) > 0 {
		w.logger.Debug("outbox batch processed", "claimed", len(entries), "delivered", delivered)
	}
	return delivered, nil
}

// safeDeliver turns a delivery panic into an error so the entry is counted as a
// failed attempt and the rest of the batch still runs.
func (w *Worker) safeDeliver(ctx context.Context, e Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panic: %v", r)
		}
	}()
	return w.deliver(ctx, e)
}

// claim runs the short claim transaction and commits before any delivery.
// Rows under another worker's unexpired claim are skipped rather than waited on.
func (w *Worker) claim(ctx context.Context) ([]Entry, error) {
	now := w.now().UTC()
	token := uuid.NewString()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin outbox claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE fleet_outbox
		SET claimed_until = ?, claim_token = ?
		WHERE id IN (
			SELECT id FROM fleet_outbox
			WHERE processed_at IS NULL
				AND retry_count < ?
				AND (claimed_until IS NULL OR claimed_until < ?)
			ORDER BY created_at ASC, rowid ASC
			LIMIT ?
		);
	`, now.Add(w.cfg.ClaimTTL).UnixMilli(), token, w.cfg.MaxRetries, now.UnixMilli(), w.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_type, payload_json, COALESCE(dedup_key, ''), created_at, processed_at, retry_count, COALESCE(error, '')
		FROM fleet_outbox
		WHERE claim_token = ?
		ORDER BY created_at ASC, rowid ASC;
	`, token)
	if err != nil {
		return nil, fmt.Errorf("load claimed outbox entries: %w", err)
	}
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimed outbox entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate claimed outbox entries: %w", err)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit outbox claim tx: %w", err)
	}
	return entries, nil
}

func (w *Worker) markProcessed(ctx context.Context, id string) error {
	_, err := w.db.ExecContext(ctx, `
		UPDATE fleet_outbox
		SET processed_at = ?, claimed_until = NULL, claim_token = NULL, error = NULL
		WHERE id = ?;
	`, w.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark outbox entry processed: %w", err)
	}
	return nil
}

func (w *Worker) markFailed(ctx context.Context, id string, cause error) error {
	msg := truncateError(cause.Error())
	_, err := w.db.ExecContext(ctx, `
		UPDATE fleet_outbox
		SET retry_count = retry_count + 1, error = ?, claimed_until = NULL, claim_token = NULL
		WHERE id = ?;
	`, msg, id)
	if err != nil {
		return fmt.Errorf("mark outbox entry failed: %w", err)
	}
	return nil
}

// truncateError caps msg at maxErrorLen bytes without splitting a UTF-8 sequence.
func truncateError(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// Publisher is the slice of an external bus client the delivery adapter needs.
type Publisher interface {
	IsConnected() bool
	Publish(ctx context.Context, subject string, data []byte) error
}

// SubjectDelivery publishes each entry's payload on "{prefix}.{event type lowercased}".
// A disconnected publisher fails the delivery so the entry is retried later.
func SubjectDelivery(pub Publisher, prefix string) DeliverFunc {
	return func(ctx context.Context, e Entry) error {
		if pub == nil || !pub.IsConnected() {
			return ErrPublisherDisconnected
		}
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode outbox payload: %w", err)
		}
		return pub.Publish(ctx, fleet.SubjectFor(prefix, fleet.EventType(e.EventType)), data)
	}
}
