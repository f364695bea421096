package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-fleet/internal/fleet"
	"github.com/basket/go-fleet/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "fleet.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func newTaskInput(desc string) fleet.NewTask {
	return fleet.NewTask{
		OperatorID:  "op-1",
		AgentType:   fleet.AgentClaudeCode,
		Model:       "sonnet",
		TaskType:    "bug_fix",
		Description: desc,
		Branch:      "fleet/" + strings.ReplaceAll(desc, " ", "-"),
	}
}

func insertTask(t *testing.T, store *persistence.Store, desc string) *fleet.Task {
	t.Helper()
	task, err := store.InsertTask(context.Background(), newTaskInput(desc), fleet.TierBuilder, nil)
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "fleet_tasks", "fleet_notifications", "fleet_outbox", "fleet_agent_outcomes"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_ReopenKeepsLedger(t *testing.T) {
	store, dbPath := openTestStore(t)
	insertTask(t, store, "survive reopen")
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	tasks, err := reopened.Query(context.Background(), fleet.TaskFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task after reopen, got %d", len(tasks))
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=1;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fleet.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');
	`); err != nil {
		t.Fatalf("seed future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_InsertTaskStartsProposedAtVersionZero(t *testing.T) {
	store, _ := openTestStore(t)
	task := insertTask(t, store, "add retries")

	if task.Status != fleet.StatusProposed || task.Version != 0 {
		t.Fatalf("expected proposed@0, got %s@%d", task.Status, task.Version)
	}
	if task.Tier != fleet.TierBuilder {
		t.Fatalf("expected tier builder, got %q", task.Tier)
	}
	if task.MaxRetries != 3 {
		t.Fatalf("expected default max_retries 3, got %d", task.MaxRetries)
	}
	if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps, got %+v", task)
	}
}

func TestStore_InsertTaskRejectsInvalidInput(t *testing.T) {
	store, _ := openTestStore(t)
	in := newTaskInput("bad agent")
	in.AgentType = "shell"
	if _, err := store.InsertTask(context.Background(), in, fleet.TierBuilder, nil); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := store.InsertTask(context.Background(), newTaskInput("bad tier"), fleet.Tier("root"), nil); err == nil {
		t.Fatal("expected tier error")
	}
}

func TestStore_InsertTaskAdmitFuncAborts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	insertTask(t, store, "first")

	denied := errors.New("denied")
	var seen persistence.LiveCounts
	_, err := store.InsertTask(ctx, newTaskInput("second"), fleet.TierBuilder, func(c persistence.LiveCounts) error {
		seen = c
		return denied
	})
	if !errors.Is(err, denied) {
		t.Fatalf("expected admit error, got %v", err)
	}
	// The earlier proposed task already counts against capacity.
	if seen[fleet.TierBuilder] != 1 || seen.Total() != 1 {
		t.Fatalf("expected 1 counted task, got %v", seen)
	}
	tasks, _ := store.Query(ctx, fleet.TaskFilter{})
	if len(tasks) != 1 {
		t.Fatalf("denied insert must not persist, got %d tasks", len(tasks))
	}
}

func TestStore_TransitionBumpsVersionByOne(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, store, "cas bump")

	next, err := store.Transition(ctx, task.ID, 0, fleet.StatusSpawning, fleet.TaskPatch{})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if next.Version != 1 || next.Status != fleet.StatusSpawning {
		t.Fatalf("expected spawning@1, got %s@%d", next.Status, next.Version)
	}

	worktree := "/tmp/wt/cas-bump"
	ref := "fleet-cas-bump"
	spawned := time.Now().UTC().Truncate(time.Second)
	running, err := store.Transition(ctx, task.ID, 1, fleet.StatusRunning, fleet.TaskPatch{
		WorktreePath: &worktree,
		ProcessRef:   &ref,
		SpawnedAt:    &spawned,
	})
	if err != nil {
		t.Fatalf("transition to running: %v", err)
	}
	if running.Version != 2 {
		t.Fatalf("expected version 2, got %d", running.Version)
	}
	if running.WorktreePath != worktree || running.ProcessRef != ref {
		t.Fatalf("patch not applied: %+v", running)
	}
	if running.SpawnedAt == nil || !running.SpawnedAt.Equal(spawned) {
		t.Fatalf("expected spawned_at %v, got %v", spawned, running.SpawnedAt)
	}
}

func TestStore_TransitionRejectsStaleVersion(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, store, "stale version")
	if _, err := store.Transition(ctx, task.ID, 0, fleet.StatusSpawning, fleet.TaskPatch{}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	_, err := store.Transition(ctx, task.ID, 0, fleet.StatusCancelled, fleet.TaskPatch{
		FailureContext: map[string]any{"reason": "should not land"},
	})
	var vc *fleet.VersionConflictError
	if !errors.As(err, &vc) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	if vc.Expected != 0 || vc.Actual != 1 {
		t.Fatalf("unexpected conflict detail: %+v", vc)
	}

	stored, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != fleet.StatusSpawning || stored.Version != 1 || stored.FailureContext != nil {
		t.Fatalf("stale transition mutated record: %+v", stored)
	}
}

func TestStore_TransitionRejectsIllegalEdge(t *testing.T) {
	store, _ := openTestStore(t)
	task := insertTask(t, store, "illegal edge")
	_, err := store.Transition(context.Background(), task.ID, 0, fleet.StatusMerged, fleet.TaskPatch{})
	if !errors.Is(err, fleet.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestStore_TransitionUnknownTask(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.Transition(context.Background(), "missing", 0, fleet.StatusSpawning, fleet.TaskPatch{})
	if !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_TransitionEnqueuesOutboxAtomically(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, store, "outbox atomic")

	msg := fleet.NewEvent(fleet.EventAgentFailed, task.ID, task.OperatorID, nil).OutboxMessage(task.ID + ":failed")
	if _, err := store.Transition(ctx, task.ID, 0, fleet.StatusSpawning, fleet.TaskPatch{Outbox: []fleet.OutboxMessage{msg}}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	// Stale version: neither the transition nor its outbox row may land.
	other := fleet.NewEvent(fleet.EventAgentCancelled, task.ID, task.OperatorID, nil).OutboxMessage(task.ID + ":cancelled")
	if _, err := store.Transition(ctx, task.ID, 0, fleet.StatusCancelled, fleet.TaskPatch{Outbox: []fleet.OutboxMessage{other}}); err == nil {
		t.Fatal("expected version conflict")
	}

	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM fleet_outbox;`).Scan(&n); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 outbox row, got %d", n)
	}
}

func TestStore_ConcurrentTransitionsOneWins(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, store, "race")

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Transition(ctx, task.ID, 0, fleet.StatusSpawning, fleet.TaskPatch{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, fleet.ErrVersionConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestStore_ListLiveAndQuery(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	a := insertTask(t, store, "live a")
	insertTask(t, store, "still proposed")
	if _, err := store.Transition(ctx, a.ID, 0, fleet.StatusSpawning, fleet.TaskPatch{}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	live, err := store.ListLive(ctx)
	if err != nil {
		t.Fatalf("list live: %v", err)
	}
	if len(live) != 1 || live[0].ID != a.ID {
		t.Fatalf("expected only %s live, got %+v", a.ID, live)
	}

	all, err := store.Query(ctx, fleet.TaskFilter{OperatorID: "op-1", Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 1 || all[0].ID != a.ID {
		t.Fatalf("expected oldest task first with limit 1, got %+v", all)
	}

	counts, err := store.LiveCounts(ctx)
	if err != nil {
		t.Fatalf("live counts: %v", err)
	}
	if counts[fleet.TierBuilder] != 2 {
		t.Fatalf("expected spawning and proposed builder tasks counted, got %v", counts)
	}
}

func TestStore_FindByContextHash(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	in := newTaskInput("hashed")
	in.ContextHash = "abc123"
	created, err := store.InsertTask(ctx, in, fleet.TierBuilder, nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	found, err := store.FindByContextHash(ctx, "abc123")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.ID != created.ID {
		t.Fatalf("expected %s, got %s", created.ID, found.ID)
	}
	if _, err := store.FindByContextHash(ctx, "nope"); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// The context hash is unique.
	if _, err := store.InsertTask(ctx, in, fleet.TierBuilder, nil); err == nil {
		t.Fatal("expected duplicate context hash to be rejected")
	}
}

func TestStore_DeleteOnlyTerminal(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, store, "delete me")

	if err := store.Delete(ctx, task.ID); !errors.Is(err, fleet.ErrNotDeletable) {
		t.Fatalf("expected ErrNotDeletable for proposed task, got %v", err)
	}
	if _, err := store.RecordNotification(ctx, persistence.Notification{
		TaskID: task.ID, Channel: persistence.ChannelLog, EventType: "AGENT_CANCELLED",
	}); err != nil {
		t.Fatalf("record notification: %v", err)
	}
	if _, err := store.Transition(ctx, task.ID, 0, fleet.StatusCancelled, fleet.TaskPatch{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := store.Delete(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, task.ID); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("expected deleted task to be gone, got %v", err)
	}
	notes, err := store.ListNotifications(ctx, task.ID)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 0 {
		t.Fatalf("expected notifications to cascade, got %d", len(notes))
	}
}

func TestStore_NotificationChannelConstrained(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, store, "notify")

	if _, err := store.RecordNotification(ctx, persistence.Notification{
		TaskID: task.ID, Channel: "carrier-pigeon", EventType: "AGENT_FAILED",
	}); err == nil {
		t.Fatal("expected channel CHECK constraint to reject unknown channel")
	}
	if _, err := store.RecordNotification(ctx, persistence.Notification{
		TaskID: task.ID, Channel: persistence.ChannelTelegram, EventType: "AGENT_FAILED",
		Payload: map[string]any{"reason": "agent_died"},
	}); err != nil {
		t.Fatalf("record notification: %v", err)
	}
	notes, err := store.ListNotifications(ctx, task.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(notes) != 1 || notes[0].Payload["reason"] != "agent_died" {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
}

func TestStore_RunRetentionKeepsRecentRows(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, store, "retention")
	if _, err := store.RecordNotification(ctx, persistence.Notification{
		TaskID: task.ID, Channel: persistence.ChannelLog, EventType: "AGENT_SPAWNED",
	}); err != nil {
		t.Fatalf("record notification: %v", err)
	}

	result, err := store.RunRetention(ctx, persistence.Retention{})
	if err != nil {
		t.Fatalf("retention (keep forever): %v", err)
	}
	if result.PurgedNotifications != 0 || result.PurgedOutbox != 0 {
		t.Fatalf("expected nothing purged, got %+v", result)
	}

	store.SetRetention(persistence.Retention{OutboxDays: 1, NotificationDays: 1})
	if err := store.PruneExpired(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	notes, _ := store.ListNotifications(ctx, task.ID)
	if len(notes) != 1 {
		t.Fatalf("recent notification should survive pruning, got %d", len(notes))
	}
}

func TestStore_Backup(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	insertTask(t, store, "backed up")

	backupPath := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, backupPath); err != nil {
		t.Fatalf("backup: %v", err)
	}
	backup, err := persistence.Open(backupPath)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer backup.Close()
	tasks, err := backup.Query(ctx, fleet.TaskFilter{})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("expected 1 task in backup, got %d (%v)", len(tasks), err)
	}
	if err := store.Backup(ctx, backupPath); err == nil {
		t.Fatal("expected error backing up to existing file")
	}
}

func TestStore_SameStatusPatchOnLiveTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, store, "ci refresh")
	if _, err := store.Transition(ctx, task.ID, 0, fleet.StatusProposed, fleet.TaskPatch{}); !errors.Is(err, fleet.ErrIllegalTransition) {
		t.Fatalf("proposed self-update should be illegal, got %v", err)
	}
	if _, err := store.Transition(ctx, task.ID, 0, fleet.StatusSpawning, fleet.TaskPatch{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	ci := "pending"
	patched, err := store.Transition(ctx, task.ID, 1, fleet.StatusSpawning, fleet.TaskPatch{CIStatus: &ci})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if patched.Version != 2 || patched.CIStatus != "pending" || patched.Status != fleet.StatusSpawning {
		t.Fatalf("unexpected patched task: %+v", patched)
	}
}

func TestStore_RecordOutcomeIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	for _, outcome := range []string{"agent_died", "agent_died", "timeout"} {
		if err := store.RecordOutcome(ctx, "ident-1", "task-1", outcome); err != nil {
			t.Fatalf("record outcome: %v", err)
		}
	}
	if err := store.RecordOutcome(ctx, "ident-1", "task-2", "timeout"); err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	counts, err := store.OutcomeCounts(ctx, "ident-1")
	if err != nil {
		t.Fatalf("outcome counts: %v", err)
	}
	if counts["agent_died"] != 1 || counts["timeout"] != 2 {
		t.Fatalf("unexpected counts: %v", counts)
	}
	if err := store.RecordOutcome(ctx, "", "task-3", "timeout"); err == nil {
		t.Fatal("expected empty identity to be rejected")
	}
}
