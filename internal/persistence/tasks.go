package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-fleet/internal/fleet"
	"github.com/basket/go-fleet/internal/outbox"
)

const taskColumns = `
	id, version, status, operator_id, agent_type, model, task_type, description, branch, tier,
	COALESCE(worktree_path, ''), COALESCE(process_ref, ''), COALESCE(pr_number, 0), COALESCE(ci_status, ''),
	retry_count, max_retries, COALESCE(review_status, ''), COALESCE(failure_context, ''),
	COALESCE(context_hash, ''), COALESCE(agent_identity_id, ''), spawned_at, created_at, updated_at`

// queryer is the read side shared by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowsQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// LiveCounts is the number of tasks per tier that hold or are about to hold an
// agent: the live statuses plus proposed.
type LiveCounts map[fleet.Tier]int

// Total sums the counts across tiers.
func (c LiveCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// AdmitFunc inspects live counts inside the insert transaction. A non-nil error
// aborts the insert and is returned unchanged.
type AdmitFunc func(counts LiveCounts) error

// InsertTask inserts a proposed task at version 0. admit, when non-nil, runs in the
// same transaction so the capacity check and the insert are atomic.
func (s *Store) InsertTask(ctx context.Context, in fleet.NewTask, tier fleet.Tier, admit AdmitFunc) (*fleet.Task, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	if _, err := fleet.ParseTier(string(tier)); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	maxRetries := in.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	var task *fleet.Task
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if admit != nil {
			counts, err := liveCountsTx(ctx, tx)
			if err != nil {
				return err
			}
			if err := admit(counts); err != nil {
				return err
			}
		}

		id := uuid.NewString()
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fleet_tasks (
				id, version, status, operator_id, agent_type, model, task_type, description, branch, tier,
				retry_count, max_retries, context_hash, agent_identity_id, created_at, updated_at
			) VALUES (?, 0, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?);
		`, id, fleet.StatusProposed, in.OperatorID, in.AgentType, in.Model, in.TaskType, in.Description,
			in.Branch, tier, maxRetries, in.ContextHash, in.AgentIdentityID, now, now); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit insert tx: %w", err)
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func liveCountsTx(ctx context.Context, q rowsQueryer) (LiveCounts, error) {
	counted := append([]fleet.TaskStatus{fleet.StatusProposed}, fleet.LiveStatuses...)
	rows, err := q.QueryContext(ctx, `
		SELECT tier, COUNT(1) FROM fleet_tasks
		WHERE status IN (`+placeholders(len(counted))+`)
		GROUP BY tier;
	`, statusArgs(counted)...)
	if err != nil {
		return nil, fmt.Errorf("count live tasks: %w", err)
	}
	defer rows.Close()
	counts := LiveCounts{}
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, fmt.Errorf("scan live count: %w", err)
		}
		counts[fleet.Tier(tier)] = n
	}
	return counts, rows.Err()
}

// LiveCounts returns the current per-tier counts used for admission.
func (s *Store) LiveCounts(ctx context.Context) (LiveCounts, error) {
	return liveCountsTx(ctx, s.db)
}

func (s *Store) Get(ctx context.Context, id string) (*fleet.Task, error) {
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, q queryer, id string) (*fleet.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM fleet_tasks WHERE id = ?;`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// FindByContextHash returns the task created with the given idempotency token.
func (s *Store) FindByContextHash(ctx context.Context, hash string) (*fleet.Task, error) {
	if hash == "" {
		return nil, fleet.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM fleet_tasks WHERE context_hash = ?;`, hash)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleet.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find task by context hash: %w", err)
	}
	return t, nil
}

// Transition is the compare-and-swap: the update applies only when the stored version
// equals expectedVersion and the edge is allowed. Patch outbox messages are enqueued
// in the same transaction.
func (s *Store) Transition(ctx context.Context, id string, expectedVersion int, to fleet.TaskStatus, patch fleet.TaskPatch) (*fleet.Task, error) {
	failureJSON, err := encodeDoc(patch.FailureContext)
	if err != nil {
		return nil, fmt.Errorf("encode failure context: %w", err)
	}
	reviewJSON, err := encodeDoc(patch.ReviewStatus)
	if err != nil {
		return nil, fmt.Errorf("encode review status: %w", err)
	}

	var task *fleet.Task
	err = retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current fleet.TaskStatus
		var version int
		if err := tx.QueryRowContext(ctx, `
			SELECT status, version FROM fleet_tasks WHERE id = ?;
		`, id).Scan(&current, &version); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", id, fleet.ErrNotFound)
			}
			return fmt.Errorf("select task for transition: %w", err)
		}
		if version != expectedVersion {
			return &fleet.VersionConflictError{TaskID: id, Expected: expectedVersion, Actual: version}
		}
		if !fleet.CanApply(current, to) {
			return fleet.IllegalTransition(current, to)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE fleet_tasks
			SET status = ?,
				version = version + 1,
				worktree_path = CASE WHEN ? THEN ? ELSE worktree_path END,
				process_ref = CASE WHEN ? THEN ? ELSE process_ref END,
				spawned_at = CASE WHEN ? THEN ? ELSE spawned_at END,
				pr_number = CASE WHEN ? THEN ? ELSE pr_number END,
				ci_status = CASE WHEN ? THEN ? ELSE ci_status END,
				failure_context = CASE WHEN ? THEN ? ELSE failure_context END,
				review_status = CASE WHEN ? THEN ? ELSE review_status END,
				updated_at = ?
			WHERE id = ? AND version = ?;
		`,
			to,
			patch.WorktreePath != nil, deref(patch.WorktreePath),
			patch.ProcessRef != nil, deref(patch.ProcessRef),
			patch.SpawnedAt != nil, timeArg(patch.SpawnedAt),
			patch.PRNumber != nil, intArg(patch.PRNumber),
			patch.CIStatus != nil, nullIfEmpty(deref(patch.CIStatus)),
			patch.FailureContext != nil, failureJSON,
			patch.ReviewStatus != nil, reviewJSON,
			time.Now().UTC(),
			id, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update task transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return &fleet.VersionConflictError{TaskID: id, Expected: expectedVersion, Actual: -1}
		}

		for _, msg := range patch.Outbox {
			if _, err := outbox.Insert(ctx, tx, string(msg.EventType), msg.Payload, msg.DedupKey); err != nil {
				return err
			}
		}

		t, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListLive returns tasks in a live status, oldest first.
func (s *Store) ListLive(ctx context.Context) ([]fleet.Task, error) {
	return s.Query(ctx, fleet.TaskFilter{Statuses: fleet.LiveStatuses})
}

func (s *Store) Query(ctx context.Context, filter fleet.TaskFilter) ([]fleet.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		args = append(args, statusArgs(filter.Statuses)...)
	}
	if filter.OperatorID != "" {
		where = append(where, "operator_id = ?")
		args = append(args, filter.OperatorID)
	}
	if filter.ContextHash != "" {
		where = append(where, "context_hash = ?")
		args = append(args, filter.ContextHash)
	}
	q := `SELECT ` + taskColumns + ` FROM fleet_tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, rowid ASC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []fleet.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// Delete removes a task in a terminal status. Notifications cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status fleet.TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM fleet_tasks WHERE id = ?;`, id).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", id, fleet.ErrNotFound)
			}
			return fmt.Errorf("select task for delete: %w", err)
		}
		if !status.IsDeletable() {
			return fmt.Errorf("delete task %s in status %s: %w", id, status, fleet.ErrNotDeletable)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM fleet_tasks WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return tx.Commit()
	})
}

// StatusCounts returns the number of tasks per status.
func (s *Store) StatusCounts(ctx context.Context) (map[fleet.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM fleet_tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[fleet.TaskStatus]int)
	for rows.Next() {
		var st fleet.TaskStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

func scanTask(scanFn func(dest ...any) error) (*fleet.Task, error) {
	var (
		t            fleet.Task
		review       string
		failure      string
		spawnedAt    sql.NullTime
		tier, status string
	)
	if err := scanFn(
		&t.ID, &t.Version, &status, &t.OperatorID, &t.AgentType, &t.Model, &t.TaskType, &t.Description, &t.Branch, &tier,
		&t.WorktreePath, &t.ProcessRef, &t.PRNumber, &t.CIStatus,
		&t.RetryCount, &t.MaxRetries, &review, &failure,
		&t.ContextHash, &t.AgentIdentityID, &spawnedAt, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = fleet.TaskStatus(status)
	t.Tier = fleet.Tier(tier)
	if spawnedAt.Valid {
		ts := spawnedAt.Time
		t.SpawnedAt = &ts
	}
	var err error
	if t.ReviewStatus, err = decodeDoc(review); err != nil {
		return nil, fmt.Errorf("decode review status of %s: %w", t.ID, err)
	}
	if t.FailureContext, err = decodeDoc(failure); err != nil {
		return nil, fmt.Errorf("decode failure context of %s: %w", t.ID, err)
	}
	return &t, nil
}

func encodeDoc(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeDoc(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []fleet.TaskStatus) []any {
	out := make([]any, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func intArg(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}
