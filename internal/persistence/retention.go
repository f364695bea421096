package persistence

import (
	"context"
	"fmt"
	"time"
)

// Retention windows in days. Zero keeps rows forever.
type Retention struct {
	OutboxDays       int `yaml:"outbox_days"`
	NotificationDays int `yaml:"notification_days"`
}

type RetentionResult struct {
	PurgedOutbox        int64 `json:"purged_outbox"`
	PurgedNotifications int64 `json:"purged_notifications"`
}

// SetRetention replaces the windows used by PruneExpired.
func (s *Store) SetRetention(r Retention) {
	s.mu.Lock()
	s.retention = r
	s.mu.Unlock()
}

// PruneExpired deletes delivered outbox rows and notifications older than the
// configured windows. Undelivered and dead-lettered outbox rows are kept.
func (s *Store) PruneExpired(ctx context.Context) error {
	s.mu.RLock()
	r := s.retention
	s.mu.RUnlock()
	_, err := s.RunRetention(ctx, r)
	return err
}

// RunRetention is idempotent: each category is a single DELETE with its own cutoff.
func (s *Store) RunRetention(ctx context.Context, r Retention) (RetentionResult, error) {
	var result RetentionResult

	if r.OutboxDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -r.OutboxDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM fleet_outbox WHERE processed_at IS NOT NULL AND processed_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge fleet_outbox: %w", err)
		}
		result.PurgedOutbox, _ = res.RowsAffected()
	}

	if r.NotificationDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -r.NotificationDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM fleet_notifications WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge fleet_notifications: %w", err)
		}
		result.PurgedNotifications, _ = res.RowsAffected()
	}

	return result, nil
}

// OutboxStats counts pending and dead-lettered outbox rows.
func (s *Store) OutboxStats(ctx context.Context, maxRetries int) (pending, dead int, err error) {
	if err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN processed_at IS NULL AND retry_count < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed_at IS NULL AND retry_count >= ? THEN 1 ELSE 0 END), 0)
		FROM fleet_outbox;
	`, maxRetries, maxRetries).Scan(&pending, &dead); err != nil {
		return 0, 0, fmt.Errorf("outbox stats: %w", err)
	}
	return pending, dead, nil
}
