package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Notification channels accepted by the fleet_notifications table.
const (
	ChannelLog      = "log"
	ChannelTelegram = "telegram"
	ChannelWebhook  = "webhook"
)

// Notification is one row of fleet_notifications.
type Notification struct {
	ID          int64          `json:"id"`
	TaskID      string         `json:"task_id"`
	Channel     string         `json:"channel"`
	EventType   string         `json:"event_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// RecordNotification inserts a notification row for an existing task.
func (s *Store) RecordNotification(ctx context.Context, n Notification) (int64, error) {
	raw, err := json.Marshal(n.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode notification payload: %w", err)
	}
	if n.Payload == nil {
		raw = []byte("{}")
	}
	var id int64
	err = retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO fleet_notifications (task_id, channel, event_type, payload_json, delivered_at, error, created_at)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?);
		`, n.TaskID, n.Channel, n.EventType, string(raw), timeArg(n.DeliveredAt), n.Error, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ListNotifications returns a task's notifications, oldest first.
func (s *Store) ListNotifications(ctx context.Context, taskID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, channel, event_type, payload_json, delivered_at, COALESCE(error, ''), created_at
		FROM fleet_notifications
		WHERE task_id = ?
		ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var (
			n         Notification
			raw       string
			delivered sql.NullTime
		)
		if err := rows.Scan(&n.ID, &n.TaskID, &n.Channel, &n.EventType, &raw, &delivered, &n.Error, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if delivered.Valid {
			ts := delivered.Time
			n.DeliveredAt = &ts
		}
		if err := json.Unmarshal([]byte(raw), &n.Payload); err != nil {
			return nil, fmt.Errorf("decode notification payload: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
