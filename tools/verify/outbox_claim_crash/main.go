// Command outbox_claim_crash checks that an outbox entry claimed by a worker that
// dies mid-delivery is picked up again once its claim lease expires.
//
//	outbox_claim_crash -mode prepare -db f.db
//	outbox_claim_crash -mode claim-hang -db f.db &   # kill -9 once CLAIMED is printed
//	outbox_claim_crash -mode recover -db f.db
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/go-fleet/internal/outbox"
	"github.com/basket/go-fleet/internal/persistence"
)

const (
	dedupKey = "drill:AGENT_FAILED"
	claimTTL = 2 * time.Second
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-hang|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		id, err := outbox.Insert(ctx, store.DB(), "AGENT_FAILED", map[string]any{"taskId": "drill"}, dedupKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "insert outbox entry: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_OUTBOX_ID=%s\n", id)
	case "claim-hang":
		worker := outbox.NewWorker(store.DB(), func(_ context.Context, e outbox.Entry) error {
			fmt.Printf("CLAIMED_OUTBOX_ID=%s\n", e.ID)
			for {
				time.Sleep(time.Second)
			}
		}, outbox.Config{ClaimTTL: claimTTL})
		if _, err := worker.ProcessBatch(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "process batch: %v\n", err)
			os.Exit(1)
		}
	case "recover":
		time.Sleep(claimTTL + 500*time.Millisecond)
		delivered := 0
		worker := outbox.NewWorker(store.DB(), func(context.Context, outbox.Entry) error {
			delivered++
			return nil
		}, outbox.Config{ClaimTTL: claimTTL})
		if _, err := worker.ProcessBatch(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "process batch: %v\n", err)
			os.Exit(1)
		}
		pending, dead, err := store.OutboxStats(ctx, 5)
		if err != nil {
			fmt.Fprintf(os.Stderr, "outbox stats: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("DELIVERED=%d PENDING=%d DEAD=%d\n", delivered, pending, dead)
		if delivered == 1 && pending == 0 {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: claimed entry was not redelivered after lease expiry")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
