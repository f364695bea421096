// Package bus fans fleet events out to in-process handlers and, when a connected
// external client is configured, to the external message bus.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/basket/go-fleet/internal/fleet"
	fleetotel "github.com/basket/go-fleet/internal/otel"
)

// Wildcard subscribes a handler to every event type.
const Wildcard fleet.EventType = "*"

// Error kinds reported by Emit.
const (
	KindHandler  = "handler_error"
	KindWildcard = "wildcard_error"
)

// Handler processes one event. Returned errors and panics are isolated per handler.
type Handler func(ctx context.Context, ev fleet.Event) error

// HandlerError describes one failed handler invocation.
type HandlerError struct {
	Kind      string
	EventType fleet.EventType
	Err       error
}

func (e HandlerError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Kind, e.EventType, e.Err)
}

func (e HandlerError) Unwrap() error { return e.Err }

// Publisher is the slice of an external bus client the event bus needs.
type Publisher interface {
	IsConnected() bool
	Publish(ctx context.Context, subject string, data []byte) error
}

// Subscription identifies a registered handler for Off.
type Subscription struct {
	id        uint64
	eventType fleet.EventType
}

type entry struct {
	id uint64
	h  Handler
}

type Config struct {
	// Publisher is optional. A nil or disconnected publisher is skipped silently.
	Publisher     Publisher
	SubjectPrefix string
	Logger        *slog.Logger
	Metrics       *fleetotel.Metrics
}

// Bus is safe for concurrent use. Handlers run synchronously on the emitting goroutine.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   uint64
	typed    map[fleet.EventType][]entry
	wildcard []entry
}

func New(cfg Config) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		cfg:    cfg,
		logger: logger.With("component", "bus"),
		typed:  make(map[fleet.EventType][]entry),
	}
}

// On registers h for eventType, or for every event when eventType is Wildcard.
func (b *Bus) On(eventType fleet.EventType, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	e := entry{id: b.nextID, h: h}
	if eventType == Wildcard {
		b.wildcard = append(b.wildcard, e)
	} else {
		b.typed[eventType] = append(b.typed[eventType], e)
	}
	return &Subscription{id: e.id, eventType: eventType}
}

// Off removes a subscription. Removing twice is a no-op.
func (b *Bus) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.eventType == Wildcard {
		b.wildcard = without(b.wildcard, sub.id)
		return
	}
	rest := without(b.typed[sub.eventType], sub.id)
	if len(rest) == 0 {
		delete(b.typed, sub.eventType)
		return
	}
	b.typed[sub.eventType] = rest
}

func without(list []entry, id uint64) []entry {
	out := list[:0:0]
	for _, e := range list {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

// HandlerCount returns the handlers registered for eventType. Wildcard counts
// wildcard handlers only.
func (b *Bus) HandlerCount(eventType fleet.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if eventType == Wildcard {
		return len(b.wildcard)
	}
	return len(b.typed[eventType])
}

func (b *Bus) RemoveAllHandlers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.typed = make(map[fleet.EventType][]entry)
	b.wildcard = nil
}

// Emit runs type-specific handlers, then wildcard handlers, each in registration
// order, then publishes externally. It never returns an error for the emit itself;
// failed handlers are reported in the returned slice.
func (b *Bus) Emit(ctx context.Context, ev fleet.Event) []HandlerError {
	b.mu.RLock()
	typed := append([]entry(nil), b.typed[ev.Type]...)
	wildcard := append([]entry(nil), b.wildcard...)
	b.mu.RUnlock()

	var errs []HandlerError
	for _, e := range typed {
		if err := b.invoke(ctx, e.h, ev); err != nil {
			errs = append(errs, b.report(ctx, KindHandler, ev, err))
		}
	}
	for _, e := range wildcard {
		if err := b.invoke(ctx, e.h, ev); err != nil {
			errs = append(errs, b.report(ctx, KindWildcard, ev, err))
		}
	}
	b.publish(ctx, ev)
	return errs
}

func (b *Bus) invoke(ctx context.Context, h Handler, ev fleet.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			b.logger.Debug("bus handler panic stack", "event_type", ev.Type, "stack", string(debug.Stack()))
		}
	}()
	return h(ctx, ev)
}

func (b *Bus) report(ctx context.Context, kind string, ev fleet.Event, err error) HandlerError {
	b.logger.Error("bus handler failed", "kind", kind, "event_type", ev.Type, "task_id", ev.TaskID, "error", err)
	b.cfg.Metrics.RecordHandlerError(ctx, string(ev.Type), kind)
	return HandlerError{Kind: kind, EventType: ev.Type, Err: err}
}

func (b *Bus) publish(ctx context.Context, ev fleet.Event) {
	pub := b.cfg.Publisher
	if pub == nil || !pub.IsConnected() {
		return
	}
	data, err := ev.JSON()
	if err != nil {
		b.logger.Error("bus encode event", "event_type", ev.Type, "error", err)
		return
	}
	subject := ev.Subject(b.cfg.SubjectPrefix)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("publish panic: %v", r)
			}
		}()
		err = pub.Publish(ctx, subject, data)
	}()
	if err != nil {
		b.logger.Warn("external bus publish failed", "subject", subject, "event_type", ev.Type, "error", err)
	}
}
