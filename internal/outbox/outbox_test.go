package outbox_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/basket/go-fleet/internal/outbox"
	"github.com/basket/go-fleet/internal/persistence"
)

func openTestDB(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insert(t *testing.T, store *persistence.Store, eventType, dedup string) string {
	t.Helper()
	ctx := context.Background()
	tx, err := store.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	id, err := outbox.Insert(ctx, tx, eventType, map[string]any{"taskId": "task-1"}, dedup)
	if err != nil {
		_ = tx.Rollback()
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return id
}

func TestInsert_DedupKeyReturnsSameID(t *testing.T) {
	store := openTestDB(t)
	first := insert(t, store, "AGENT_SPAWNED", "task-1:AGENT_SPAWNED")
	second := insert(t, store, "AGENT_SPAWNED", "task-1:AGENT_SPAWNED")
	if first != second {
		t.Fatalf("expected same id for duplicate dedup key, got %s and %s", first, second)
	}
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM fleet_outbox;`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}

	// Without a dedup key every insert is a new row.
	a := insert(t, store, "AGENT_FAILED", "")
	b := insert(t, store, "AGENT_FAILED", "")
	if a == b {
		t.Fatal("expected distinct ids without a dedup key")
	}
}

func TestInsert_RolledBackTransactionLeavesNoRow(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	tx, err := store.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	id, err := outbox.Insert(ctx, tx, "AGENT_SPAWNED", nil, "")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = tx.Rollback()
	if _, err := outbox.Get(ctx, store.DB(), id); err == nil {
		t.Fatal("expected rolled-back entry to be absent")
	}
}

func TestProcessBatch_DeliversAndMarksProcessed(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	id := insert(t, store, "AGENT_SPAWNED", "")

	var got []outbox.Entry
	w := outbox.NewWorker(store.DB(), func(_ context.Context, e outbox.Entry) error {
		got = append(got, e)
		return nil
	}, outbox.Config{})

	n, err := w.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 1 || len(got) != 1 || got[0].ID != id {
		t.Fatalf("expected entry %s delivered once, got n=%d %+v", id, n, got)
	}
	if got[0].Payload["taskId"] != "task-1" {
		t.Fatalf("payload not decoded: %+v", got[0].Payload)
	}
	e, err := outbox.Get(ctx, store.DB(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.ProcessedAt == nil {
		t.Fatal("expected processed_at to be set")
	}

	n, err = w.ProcessBatch(ctx)
	if err != nil || n != 0 {
		t.Fatalf("processed entry must not be redelivered: n=%d err=%v", n, err)
	}
}

func TestProcessBatch_FailingDeliveryDeadLettersAtMaxRetries(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	id := insert(t, store, "AGENT_FAILED", "")

	attempts := 0
	w := outbox.NewWorker(store.DB(), func(context.Context, outbox.Entry) error {
		attempts++
		return errors.New("bus down")
	}, outbox.Config{MaxRetries: 3})

	for i := 1; i <= 3; i++ {
		if _, err := w.ProcessBatch(ctx); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
		e, err := outbox.Get(ctx, store.DB(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if e.RetryCount != i {
			t.Fatalf("after batch %d expected retry_count %d, got %d", i, i, e.RetryCount)
		}
		if e.Error != "bus down" {
			t.Fatalf("expected stored error, got %q", e.Error)
		}
	}
	// retry_count == MaxRetries: excluded from all future batches.
	for i := 0; i < 2; i++ {
		if _, err := w.ProcessBatch(ctx); err != nil {
			t.Fatalf("batch: %v", err)
		}
	}
	if attempts != 3 {
		t.Fatalf("expected exactly 3 delivery attempts, got %d", attempts)
	}
	pending, dead, err := store.OutboxStats(ctx, 3)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if pending != 0 || dead != 1 {
		t.Fatalf("expected 0 pending / 1 dead, got %d / %d", pending, dead)
	}
}

func TestProcessBatch_PanickingDeliveryCountsAsFailure(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	first := insert(t, store, "AGENT_FAILED", "")
	second := insert(t, store, "AGENT_SPAWNED", "")

	var calls []string
	w := outbox.NewWorker(store.DB(), func(_ context.Context, e outbox.Entry) error {
		calls = append(calls, e.ID)
		if e.ID == first {
			panic("boom")
		}
		return nil
	}, outbox.Config{})

	n, err := w.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 1 || len(calls) != 2 {
		t.Fatalf("expected sibling delivered after panic, n=%d calls=%v", n, calls)
	}
	e, err := outbox.Get(ctx, store.DB(), first)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.RetryCount != 1 || e.ProcessedAt != nil || !strings.Contains(e.Error, "boom") {
		t.Fatalf("expected panicking entry recorded as failed attempt, got %+v", e)
	}
	s, err := outbox.Get(ctx, store.DB(), second)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.ProcessedAt == nil {
		t.Fatal("expected second entry processed")
	}

	// The failed entry's claim is released, so it is retried immediately.
	calls = nil
	if _, err := w.ProcessBatch(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(calls) != 1 || calls[0] != first {
		t.Fatalf("expected retry of %s, got %v", first, calls)
	}
}

func TestProcessBatch_LongErrorKeepsValidUTF8(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	id := insert(t, store, "AGENT_FAILED", "")

	// "é" is two bytes; an odd prefix puts a rune across the 2000-byte cut.
	msg := "x" + strings.Repeat("é", 1500)
	w := outbox.NewWorker(store.DB(), func(context.Context, outbox.Entry) error {
		return errors.New(msg)
	}, outbox.Config{})
	if _, err := w.ProcessBatch(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	e, err := outbox.Get(ctx, store.DB(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !utf8.ValidString(e.Error) {
		t.Fatal("stored error is not valid UTF-8")
	}
	if len(e.Error) > 2000 || !strings.HasPrefix(msg, e.Error) {
		t.Fatalf("expected a prefix of at most 2000 bytes, got %d bytes", len(e.Error))
	}
}

func TestProcessBatch_OldestFirstAndBatchSize(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, insert(t, store, "AGENT_SPAWNED", ""))
	}

	var order []string
	w := outbox.NewWorker(store.DB(), func(_ context.Context, e outbox.Entry) error {
		order = append(order, e.ID)
		return nil
	}, outbox.Config{BatchSize: 2})

	for {
		n, err := w.ProcessBatch(ctx)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if n == 0 {
			break
		}
		if n > 2 {
			t.Fatalf("batch exceeded BatchSize: %d", n)
		}
	}
	if len(order) != len(ids) {
		t.Fatalf("expected %d deliveries, got %d", len(ids), len(order))
	}
	for i := range ids {
		if order[i] != ids[i] {
			t.Fatalf("delivery %d = %s, want %s", i, order[i], ids[i])
		}
	}
}

func TestProcessBatch_ConcurrentWorkersClaimDisjointEntries(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		insert(t, store, "AGENT_SPAWNED", "")
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	deliver := func(_ context.Context, e outbox.Entry) error {
		mu.Lock()
		seen[e.ID]++
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		w := outbox.NewWorker(store.DB(), deliver, outbox.Config{BatchSize: 3})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n, err := w.ProcessBatch(ctx)
				if err != nil {
					t.Errorf("process: %v", err)
					return
				}
				if n == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(seen) != 20 {
		t.Fatalf("expected 20 distinct deliveries, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("entry %s delivered %d times", id, n)
		}
	}
}

func TestWorker_StartStopIdempotent(t *testing.T) {
	store := openTestDB(t)
	insert(t, store, "AGENT_SPAWNED", "")

	delivered := make(chan string, 1)
	w := outbox.NewWorker(store.DB(), func(_ context.Context, e outbox.Entry) error {
		select {
		case delivered <- e.ID:
		default:
		}
		return nil
	}, outbox.Config{PollInterval: time.Second})

	ctx := context.Background()
	w.Start(ctx)
	w.Start(ctx)

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for poll delivery")
	}

	<-w.Stop().Done()
	<-w.Stop().Done()
}

type stubPublisher struct {
	connected bool
	subject   string
	data      []byte
}

func (s *stubPublisher) IsConnected() bool { return s.connected }

func (s *stubPublisher) Publish(_ context.Context, subject string, data []byte) error {
	s.subject = subject
	s.data = data
	return nil
}

func TestSubjectDelivery(t *testing.T) {
	pub := &stubPublisher{}
	deliver := outbox.SubjectDelivery(pub, "dixie.fleet")
	e := outbox.Entry{ID: "e1", EventType: "AGENT_FAILED", Payload: map[string]any{"taskId": "t1"}}

	if err := deliver(context.Background(), e); !errors.Is(err, outbox.ErrPublisherDisconnected) {
		t.Fatalf("expected ErrPublisherDisconnected, got %v", err)
	}
	pub.connected = true
	if err := deliver(context.Background(), e); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if pub.subject != "dixie.fleet.agent_failed" {
		t.Fatalf("unexpected subject %q", pub.subject)
	}
	if string(pub.data) != `{"taskId":"t1"}` {
		t.Fatalf("unexpected payload %s", pub.data)
	}
}
