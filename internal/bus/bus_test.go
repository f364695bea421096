package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/basket/go-fleet/internal/fleet"
)

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	err       error
	subjects  []string
	payloads  [][]byte
}

func (f *fakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return f.err
}

func spawned() fleet.Event {
	return fleet.NewEvent(fleet.EventAgentSpawned, "task-1", "op-1", map[string]any{"branch": "fleet/x"})
}

func TestBus_TypedBeforeWildcardInRegistrationOrder(t *testing.T) {
	b := New(Config{})
	var order []string
	record := func(name string) Handler {
		return func(context.Context, fleet.Event) error {
			order = append(order, name)
			return nil
		}
	}
	// Register a wildcard first to prove ordering is by kind, not registration time.
	b.On(Wildcard, record("w1"))
	b.On(fleet.EventAgentSpawned, record("h1"))
	b.On(Wildcard, record("w2"))
	b.On(fleet.EventAgentSpawned, record("h2"))
	b.On(fleet.EventAgentFailed, record("other"))

	if errs := b.Emit(context.Background(), spawned()); len(errs) != 0 {
		t.Fatalf("unexpected handler errors: %v", errs)
	}
	got := strings.Join(order, ",")
	if got != "h1,h2,w1,w2" {
		t.Fatalf("handler order = %s, want h1,h2,w1,w2", got)
	}
}

func TestBus_HandlerFailureIsolated(t *testing.T) {
	b := New(Config{})
	calls := 0
	b.On(fleet.EventAgentSpawned, func(context.Context, fleet.Event) error {
		return errors.New("typed boom")
	})
	b.On(fleet.EventAgentSpawned, func(context.Context, fleet.Event) error {
		calls++
		return nil
	})
	b.On(Wildcard, func(context.Context, fleet.Event) error {
		panic("wildcard boom")
	})
	b.On(Wildcard, func(context.Context, fleet.Event) error {
		calls++
		return nil
	})

	errs := b.Emit(context.Background(), spawned())
	if calls != 2 {
		t.Fatalf("expected both healthy handlers to run, got %d calls", calls)
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 handler errors, got %v", errs)
	}
	if errs[0].Kind != KindHandler || errs[0].EventType != fleet.EventAgentSpawned {
		t.Fatalf("unexpected first error: %+v", errs[0])
	}
	if errs[1].Kind != KindWildcard || !strings.Contains(errs[1].Err.Error(), "panic") {
		t.Fatalf("unexpected second error: %+v", errs[1])
	}
}

func TestBus_OffRemovesOnlyThatHandler(t *testing.T) {
	b := New(Config{})
	calls := 0
	h := func(context.Context, fleet.Event) error { calls++; return nil }
	s1 := b.On(fleet.EventAgentSpawned, h)
	b.On(fleet.EventAgentSpawned, h)
	w := b.On(Wildcard, h)

	b.Off(s1)
	b.Off(s1)
	b.Off(w)
	if n := b.HandlerCount(fleet.EventAgentSpawned); n != 1 {
		t.Fatalf("expected 1 typed handler, got %d", n)
	}
	if n := b.HandlerCount(Wildcard); n != 0 {
		t.Fatalf("expected 0 wildcard handlers, got %d", n)
	}
	b.Emit(context.Background(), spawned())
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}

	b.RemoveAllHandlers()
	if b.HandlerCount(fleet.EventAgentSpawned) != 0 {
		t.Fatal("expected no handlers after RemoveAllHandlers")
	}
}

func TestBus_PublishesWhenConnected(t *testing.T) {
	pub := &fakePublisher{connected: true}
	b := New(Config{Publisher: pub, SubjectPrefix: "dixie.fleet"})

	b.Emit(context.Background(), spawned())

	if len(pub.subjects) != 1 || pub.subjects[0] != "dixie.fleet.agent_spawned" {
		t.Fatalf("unexpected subjects: %v", pub.subjects)
	}
	var wire map[string]any
	if err := json.Unmarshal(pub.payloads[0], &wire); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if wire["type"] != "AGENT_SPAWNED" || wire["taskId"] != "task-1" {
		t.Fatalf("unexpected wire payload: %v", wire)
	}
}

func TestBus_DisconnectedOrFailingPublisherIsSilent(t *testing.T) {
	pub := &fakePublisher{connected: false}
	b := New(Config{Publisher: pub, SubjectPrefix: "dixie.fleet"})
	called := false
	b.On(fleet.EventAgentSpawned, func(context.Context, fleet.Event) error { called = true; return nil })

	if errs := b.Emit(context.Background(), spawned()); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if !called || len(pub.subjects) != 0 {
		t.Fatalf("disconnected publisher must be skipped (called=%v, published=%v)", called, pub.subjects)
	}

	pub.connected = true
	pub.err = errors.New("broken pipe")
	if errs := b.Emit(context.Background(), spawned()); len(errs) != 0 {
		t.Fatalf("publish failure must not surface as handler error: %v", errs)
	}
}
