package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/go-fleet/internal/fleet"
	"github.com/basket/go-fleet/internal/persistence"
)

const drillTasks = 40

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "fleet-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "fleet.db")
	backupPath := filepath.Join(baseDir, "backup.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	for i := 0; i < drillTasks; i++ {
		task, err := store.InsertTask(ctx, fleet.NewTask{
			OperatorID:  "drill",
			AgentType:   fleet.AgentClaudeCode,
			Model:       "sonnet",
			TaskType:    "bug_fix",
			Description: fmt.Sprintf("backup drill %d", i),
			Branch:      fmt.Sprintf("fleet/drill-%d", i),
			MaxRetries:  3,
		}, fleet.TierArchitect, nil)
		if err != nil {
			fmt.Printf("insert_task_error=%v\n", err)
			os.Exit(1)
		}
		if _, err := store.Transition(ctx, task.ID, task.Version, fleet.StatusSpawning, fleet.TaskPatch{}); err != nil {
			fmt.Printf("transition_error=%v\n", err)
			os.Exit(1)
		}
		if _, err := store.Transition(ctx, task.ID, task.Version+1, fleet.StatusFailed, fleet.TaskPatch{
			FailureContext: map[string]any{"reason": "drill"},
			Outbox: []fleet.OutboxMessage{{
				EventType: fleet.EventAgentFailed,
				Payload:   map[string]any{"taskId": task.ID},
				DedupKey:  task.ID + ":" + string(fleet.EventAgentFailed),
			}},
		}); err != nil {
			fmt.Printf("transition_error=%v\n", err)
			os.Exit(1)
		}
	}

	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restoreStore, err := persistence.Open(backupPath)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restoreStore.Close()
	restoreEnd := time.Now().UTC()

	counts, err := restoreStore.StatusCounts(ctx)
	if err != nil {
		fmt.Printf("count_tasks_error=%v\n", err)
		os.Exit(1)
	}
	pending, _, err := restoreStore.OutboxStats(ctx, 5)
	if err != nil {
		fmt.Printf("count_outbox_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_failed_tasks=%d\n", counts[fleet.StatusFailed])
	fmt.Printf("restored_pending_outbox=%d\n", pending)

	if counts[fleet.StatusFailed] != drillTasks || pending != drillTasks {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
