// Package notify records task events in fleet_notifications and forwards the
// ones an operator should see to Telegram.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/fleet"
	"github.com/basket/go-fleet/internal/persistence"
	"github.com/basket/go-fleet/internal/telemetry"
)

const (
	defaultQueueSize = 64
	sendTimeout      = 15 * time.Second
)

// Alerted lists the event types sent to chat.
var Alerted = []fleet.EventType{
	fleet.EventAgentFailed,
	fleet.EventSpawnDenied,
	fleet.EventFleetCapacityWarning,
	fleet.EventFleetCapacityRestored,
}

// Recorder is satisfied by *persistence.Store.
type Recorder interface {
	RecordNotification(ctx context.Context, n persistence.Notification) (int64, error)
}

// Sender delivers one chat message.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

type Config struct {
	Store   Recorder
	Sender  Sender
	ChatIDs []int64
	// QueueSize bounds pending chat messages; extra alerts are dropped and logged.
	QueueSize int
	Logger    *slog.Logger
}

type alert struct {
	ev   fleet.Event
	text string
}

// Notifier is a bus subscriber. Recording happens inline; chat delivery runs on
// a background goroutine so a slow chat API never holds up Emit.
type Notifier struct {
	cfg    Config
	logger *slog.Logger
	queue  chan alert

	mu   sync.Mutex
	subs []*bus.Subscription
	wg   sync.WaitGroup
	stop context.CancelFunc
}

func New(cfg Config) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:    cfg,
		logger: telemetry.Component(logger, "notify"),
		queue:  make(chan alert, cfg.QueueSize),
	}
}

// Attach subscribes to every event and starts the chat sender.
func (n *Notifier) Attach(ctx context.Context, b *bus.Bus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop != nil {
		return
	}
	ctx, n.stop = context.WithCancel(ctx)
	n.subs = append(n.subs, b.On(bus.Wildcard, n.Handle))
	if n.cfg.Sender != nil && len(n.cfg.ChatIDs) > 0 {
		n.wg.Add(1)
		go n.run(ctx)
	}
}

// Detach unsubscribes and waits for queued messages already being sent.
func (n *Notifier) Detach(b *bus.Bus) {
	n.mu.Lock()
	for _, s := range n.subs {
		b.Off(s)
	}
	n.subs = nil
	stop := n.stop
	n.stop = nil
	n.mu.Unlock()
	if stop != nil {
		stop()
	}
	n.wg.Wait()
}

// Handle records task-scoped events and queues alerts.
func (n *Notifier) Handle(ctx context.Context, ev fleet.Event) error {
	var recordErr error
	if ev.TaskID != "" && n.cfg.Store != nil {
		now := time.Now().UTC()
		if _, err := n.cfg.Store.RecordNotification(ctx, persistence.Notification{
			TaskID:      ev.TaskID,
			Channel:     persistence.ChannelLog,
			EventType:   string(ev.Type),
			Payload:     ev.Payload(),
			DeliveredAt: &now,
		}); err != nil {
			recordErr = fmt.Errorf("record notification: %w", err)
		}
	}
	if n.alerted(ev.Type) && n.cfg.Sender != nil && len(n.cfg.ChatIDs) > 0 {
		select {
		case n.queue <- alert{ev: ev, text: Format(ev)}:
		default:
			n.logger.Warn("notification queue full, dropping alert", "event_type", ev.Type, "task_id", ev.TaskID)
		}
	}
	return recordErr
}

func (n *Notifier) alerted(t fleet.EventType) bool {
	for _, a := range Alerted {
		if a == t {
			return true
		}
	}
	return false
}

func (n *Notifier) run(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-n.queue:
			n.send(ctx, a)
		}
	}
}

func (n *Notifier) send(ctx context.Context, a alert) {
	var failures []string
	for _, chatID := range n.cfg.ChatIDs {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := n.cfg.Sender.Send(sctx, chatID, a.text)
		cancel()
		if err != nil {
			n.logger.Error("telegram send failed", "chat_id", chatID, "event_type", a.ev.Type, "error", err)
			failures = append(failures, err.Error())
		}
	}
	if a.ev.TaskID == "" || n.cfg.Store == nil {
		return
	}
	row := persistence.Notification{
		TaskID:    a.ev.TaskID,
		Channel:   persistence.ChannelTelegram,
		EventType: string(a.ev.Type),
		Payload:   map[string]any{"text": a.text},
		Error:     strings.Join(failures, "; "),
	}
	if len(failures) == 0 {
		now := time.Now().UTC()
		row.DeliveredAt = &now
	}
	if _, err := n.cfg.Store.RecordNotification(context.WithoutCancel(ctx), row); err != nil {
		n.logger.Debug("record telegram notification failed", "task_id", a.ev.TaskID, "error", err)
	}
}

// Format renders an event as a short MarkdownV2 message.
func Format(ev fleet.Event) string {
	var b strings.Builder
	switch ev.Type {
	case fleet.EventAgentFailed:
		b.WriteString("🚨 *Agent failed*")
	case fleet.EventSpawnDenied:
		b.WriteString("⛔ *Spawn denied*")
	case fleet.EventFleetCapacityWarning:
		b.WriteString("⚠️ *Fleet capacity high*")
	case fleet.EventFleetCapacityRestored:
		b.WriteString("✅ *Fleet capacity restored*")
	default:
		b.WriteString("*" + escapeMarkdownV2(string(ev.Type)) + "*")
	}
	if ev.TaskID != "" {
		b.WriteString("\ntask: " + escapeMarkdownV2(ev.TaskID))
	}
	if ev.OperatorID != "" {
		b.WriteString("\noperator: " + escapeMarkdownV2(ev.OperatorID))
	}
	for _, key := range []string{"reason", "ageMinutes", "tier", "agentType", "active", "capacity"} {
		if v, ok := ev.Metadata[key]; ok {
			b.WriteString("\n" + escapeMarkdownV2(key) + ": " + escapeMarkdownV2(fmt.Sprint(v)))
		}
	}
	return b.String()
}

// escapeMarkdownV2 escapes _ * [ ] ( ) ~ ` > # + - = | { } . ! for Telegram.
func escapeMarkdownV2(s string) string {
	const special = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
