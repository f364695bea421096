// Package admission decides whether a spawn request fits the fleet's capacity
// and inserts the proposed task in the same transaction as the check.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/fleet"
	"github.com/basket/go-fleet/internal/persistence"
	"github.com/basket/go-fleet/internal/telemetry"
)

// ErrCapacityExceeded matches fleet.ErrAdmissionDenied.
var ErrCapacityExceeded = fmt.Errorf("capacity exceeded: %w", fleet.ErrAdmissionDenied)

const defaultWarnRatio = 0.8

// DefaultTierLimits caps concurrent tasks per tier. Observers may not spawn.
var DefaultTierLimits = map[fleet.Tier]int{
	fleet.TierObserver:    0,
	fleet.TierParticipant: 1,
	fleet.TierBuilder:     3,
	fleet.TierArchitect:   5,
}

// Store is satisfied by *persistence.Store.
type Store interface {
	InsertTask(ctx context.Context, in fleet.NewTask, tier fleet.Tier, admit persistence.AdmitFunc) (*fleet.Task, error)
	LiveCounts(ctx context.Context) (persistence.LiveCounts, error)
}

type Emitter interface {
	Emit(ctx context.Context, ev fleet.Event) []bus.HandlerError
}

type Config struct {
	Store Store
	Bus   Emitter
	// TierLimits defaults to DefaultTierLimits; missing tiers are denied.
	TierLimits map[fleet.Tier]int
	// GlobalLimit defaults to the sum of TierLimits.
	GlobalLimit int
	// WarnRatio of GlobalLimit triggers FLEET_CAPACITY_WARNING. Defaults to 0.8.
	WarnRatio float64
	Logger    *slog.Logger
}

type Governor struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	warned bool
}

func New(cfg Config) *Governor {
	if len(cfg.TierLimits) == 0 {
		cfg.TierLimits = DefaultTierLimits
	}
	if cfg.GlobalLimit <= 0 {
		for _, n := range cfg.TierLimits {
			cfg.GlobalLimit += n
		}
	}
	if cfg.WarnRatio <= 0 || cfg.WarnRatio > 1 {
		cfg.WarnRatio = defaultWarnRatio
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{cfg: cfg, logger: telemetry.Component(logger, "admission")}
}

// AdmitAndInsert inserts input as a proposed task when tier and the fleet both
// have room. Denials wrap ErrCapacityExceeded.
func (g *Governor) AdmitAndInsert(ctx context.Context, input fleet.NewTask, tier fleet.Tier) (*fleet.Task, error) {
	var after int
	task, err := g.cfg.Store.InsertTask(ctx, input, tier, func(counts persistence.LiveCounts) error {
		if err := g.check(counts, tier); err != nil {
			return err
		}
		after = counts.Total() + 1
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			telemetry.FromContext(ctx, g.logger).Info("spawn denied",
				"operator_id", input.OperatorID,
				"tier", tier,
				"reason", err.Error(),
			)
		}
		return nil, err
	}
	g.observe(ctx, after)
	return task, nil
}

func (g *Governor) check(counts persistence.LiveCounts, tier fleet.Tier) error {
	limit, ok := g.cfg.TierLimits[tier]
	if !ok || limit <= 0 {
		return fmt.Errorf("%w: tier %s may not spawn agents", ErrCapacityExceeded, tier)
	}
	if n := counts[tier]; n >= limit {
		return fmt.Errorf("%w: tier %s at %d/%d", ErrCapacityExceeded, tier, n, limit)
	}
	if total := counts.Total(); total >= g.cfg.GlobalLimit {
		return fmt.Errorf("%w: fleet at %d/%d", ErrCapacityExceeded, total, g.cfg.GlobalLimit)
	}
	return nil
}

// Refresh re-reads the counts and emits FLEET_CAPACITY_RESTORED once usage drops
// back under the warning threshold.
func (g *Governor) Refresh(ctx context.Context) error {
	counts, err := g.cfg.Store.LiveCounts(ctx)
	if err != nil {
		return fmt.Errorf("refresh capacity: %w", err)
	}
	g.observe(ctx, counts.Total())
	return nil
}

// Attach refreshes capacity whenever a task leaves the fleet.
func (g *Governor) Attach(b *bus.Bus) []*bus.Subscription {
	refresh := func(ctx context.Context, _ fleet.Event) error {
		return g.Refresh(ctx)
	}
	var subs []*bus.Subscription
	for _, t := range []fleet.EventType{fleet.EventAgentFailed, fleet.EventAgentCompleted, fleet.EventAgentCancelled} {
		subs = append(subs, b.On(t, refresh))
	}
	return subs
}

func (g *Governor) observe(ctx context.Context, total int) {
	threshold := g.cfg.WarnRatio * float64(g.cfg.GlobalLimit)
	high := float64(total) >= threshold

	g.mu.Lock()
	changed := high != g.warned
	g.warned = high
	g.mu.Unlock()
	if !changed {
		return
	}

	meta := map[string]any{"active": total, "capacity": g.cfg.GlobalLimit}
	eventType := fleet.EventFleetCapacityRestored
	if high {
		eventType = fleet.EventFleetCapacityWarning
		g.logger.Warn("fleet capacity high", "active", total, "capacity", g.cfg.GlobalLimit)
	} else {
		g.logger.Info("fleet capacity restored", "active", total, "capacity", g.cfg.GlobalLimit)
	}
	if g.cfg.Bus != nil {
		g.cfg.Bus.Emit(ctx, fleet.NewEvent(eventType, "", "", meta))
	}
}
