package persistence

import (
	"context"
	"fmt"
	"time"
)

// AgentOutcome is one recorded result for an agent identity.
type AgentOutcome struct {
	IdentityID string    `json:"identity_id"`
	TaskID     string    `json:"task_id"`
	Outcome    string    `json:"outcome"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RecordOutcome appends an outcome to an identity's history. Recording the same
// (identity, task, outcome) twice is a no-op. Rows outlive their task.
func (s *Store) RecordOutcome(ctx context.Context, identityID, taskID, outcome string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO fleet_agent_outcomes (identity_id, task_id, outcome, recorded_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(identity_id, task_id, outcome) DO NOTHING;
		`, identityID, taskID, outcome, time.Now().UTC()); err != nil {
			return fmt.Errorf("insert agent outcome: %w", err)
		}
		return nil
	})
}

// OutcomeCounts tallies an identity's outcomes by kind.
func (s *Store) OutcomeCounts(ctx context.Context, identityID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*) FROM fleet_agent_outcomes
		WHERE identity_id = ?
		GROUP BY outcome;
	`, identityID)
	if err != nil {
		return nil, fmt.Errorf("count agent outcomes: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan agent outcome: %w", err)
		}
		out[outcome] = n
	}
	return out, rows.Err()
}
