package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-fleet/internal/admission"
	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/extbus"
	"github.com/basket/go-fleet/internal/fleet"
	"github.com/basket/go-fleet/internal/lifecycle"
	"github.com/basket/go-fleet/internal/monitor"
	"github.com/basket/go-fleet/internal/notify"
	fleetotel "github.com/basket/go-fleet/internal/otel"
	"github.com/basket/go-fleet/internal/outbox"
	"github.com/basket/go-fleet/internal/persistence"
	"github.com/basket/go-fleet/internal/saga"
	"github.com/basket/go-fleet/internal/scm"
)

// runtime is the wired set of fleet components shared by the daemon and the
// one-shot subcommands.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger

	provider *fleetotel.Provider
	metrics  *fleetotel.Metrics
	store    *persistence.Store
	ext      *extbus.Client
	bus      *bus.Bus
	governor *admission.Governor
	notifier *notify.Notifier
	agents   lifecycle.Manager
	monitor  *monitor.Monitor
	saga     *saga.Orchestrator
}

type runtimeOptions struct {
	// externalBus connects the websocket publisher when a bus URL is configured.
	externalBus bool
	// agents builds the lifecycle manager, monitor and saga.
	agents bool
}

func newRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, opts runtimeOptions) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = rt.close()
		}
	}()

	rt.provider, err = fleetotel.Init(ctx, cfg.Telemetry, fleetotel.AttrMode.String(cfg.Lifecycle.Mode))
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	rt.metrics, err = fleetotel.NewMetrics(rt.provider.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	rt.store, err = persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.store.SetRetention(cfg.Retention)

	busCfg := bus.Config{SubjectPrefix: cfg.Bus.SubjectPrefix, Logger: logger, Metrics: rt.metrics}
	if opts.externalBus && cfg.Bus.URL != "" {
		rt.ext = extbus.New(cfg.Bus.URL, extbus.Options{Token: cfg.Bus.Token, Logger: logger})
		rt.ext.Start()
		busCfg.Publisher = rt.ext
	}
	rt.bus = bus.New(busCfg)

	rt.governor = admission.New(admission.Config{
		Store:       rt.store,
		Bus:         rt.bus,
		TierLimits:  cfg.TierLimits(),
		GlobalLimit: cfg.Admission.GlobalLimit,
		WarnRatio:   cfg.Admission.WarnRatio,
		Logger:      logger,
	})
	rt.governor.Attach(rt.bus)

	notifyCfg := notify.Config{Store: rt.store, Logger: logger}
	if tg := cfg.Notify.Telegram; tg.Enabled {
		sender, err := notify.NewTelegramSender(tg.Token)
		if err != nil {
			// Chat alerts are optional; notification rows are still recorded.
			logger.Warn("telegram disabled", "error", err)
		} else {
			notifyCfg.Sender = sender
			notifyCfg.ChatIDs = tg.ChatIDs
		}
	}
	rt.notifier = notify.New(notifyCfg)
	rt.notifier.Attach(ctx, rt.bus)

	if !opts.agents {
		return rt, nil
	}

	mode := fleet.AgentMode(cfg.Lifecycle.Mode)
	rt.agents, err = lifecycle.New(ctx, mode, lifecycle.Config{
		RepoDir:       cfg.Lifecycle.RepoDir,
		WorktreeDir:   cfg.Lifecycle.WorktreeDir,
		BaseRef:       cfg.Lifecycle.BaseRef,
		AgentCommands: cfg.Lifecycle.AgentCommands,
		InsightsDir:   cfg.Lifecycle.InsightsDir,
		Image:         cfg.Lifecycle.Image,
		Env:           cfg.Lifecycle.Env,
		MemoryMB:      cfg.Lifecycle.MemoryMB,
		NetworkMode:   cfg.Lifecycle.NetworkMode,
		Runner:        scm.ExecRunner{Dir: cfg.Lifecycle.RepoDir},
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init lifecycle: %w", err)
	}

	rt.monitor = monitor.New(monitor.Config{
		Store:     rt.store,
		Lifecycle: rt.agents,
		SCM: scm.New(scm.Config{
			Runner:  scm.ExecRunner{Dir: cfg.Lifecycle.RepoDir},
			Binary:  cfg.SCM.Binary,
			Timeout: time.Duration(cfg.SCM.TimeoutSeconds) * time.Second,
			Logger:  logger,
			Tracer:  rt.provider.Tracer,
		}),
		Bus:            rt.bus,
		Identity:       rt.store,
		Insights:       rt.agents,
		Pruner:         rt.store,
		Mode:           mode,
		Interval:       cfg.Monitor.Interval(),
		StallThreshold: cfg.Monitor.StallThreshold(),
		Timeout:        cfg.Monitor.Timeout(),
		CycleDeadline:  cfg.Monitor.CycleDeadline(),
		Logger:         logger,
		Metrics:        rt.metrics,
		Tracer:         rt.provider.Tracer,
	})

	rt.saga = saga.NewOrchestrator(saga.Config{
		Store:     rt.store,
		Governor:  rt.governor,
		Lifecycle: rt.agents,
		Bus:       rt.bus,
		Logger:    logger,
		Metrics:   rt.metrics,
		Tracer:    rt.provider.Tracer,
	})
	return rt, nil
}

// delivery picks the outbox delivery target. Without an external bus, entries are
// logged and marked processed.
func (rt *runtime) delivery() outbox.DeliverFunc {
	if rt.ext != nil {
		return outbox.SubjectDelivery(rt.ext, rt.cfg.Bus.SubjectPrefix)
	}
	logger := rt.logger.With("component", "outbox")
	return func(_ context.Context, e outbox.Entry) error {
		logger.Info("outbox entry delivered to log", "outbox_id", e.ID, "event_type", e.EventType)
		return nil
	}
}

func (rt *runtime) outboxWorker() *outbox.Worker {
	return outbox.NewWorker(rt.store.DB(), rt.delivery(), outbox.Config{
		BatchSize:    rt.cfg.Outbox.BatchSize,
		MaxRetries:   rt.cfg.Outbox.MaxRetries,
		PollInterval: time.Duration(rt.cfg.Outbox.PollIntervalSeconds) * time.Second,
		ClaimTTL:     time.Duration(rt.cfg.Outbox.ClaimTTLSeconds) * time.Second,
		Logger:       rt.logger,
		Metrics:      rt.metrics,
	})
}

// applyReload pushes hot-reloadable settings into running components.
func (rt *runtime) applyReload(next config.Config) {
	if rt.monitor != nil {
		rt.monitor.SetThresholds(next.Monitor.StallThreshold(), next.Monitor.Timeout())
	}
	rt.store.SetRetention(next.Retention)
	if next.Monitor.IntervalSeconds != rt.cfg.Monitor.IntervalSeconds ||
		next.DBPath != rt.cfg.DBPath ||
		next.Lifecycle.Mode != rt.cfg.Lifecycle.Mode ||
		next.Bus.URL != rt.cfg.Bus.URL {
		rt.logger.Warn("config change requires restart to take full effect", "fingerprint", next.Fingerprint())
	}
	rt.cfg.Monitor.StallThresholdSeconds = next.Monitor.StallThresholdSeconds
	rt.cfg.Monitor.TimeoutMinutes = next.Monitor.TimeoutMinutes
	rt.cfg.Retention = next.Retention
}

func (rt *runtime) close() error {
	var errs []error
	if rt.bus != nil {
		if rt.notifier != nil {
			rt.notifier.Detach(rt.bus)
		}
		rt.bus.RemoveAllHandlers()
	}
	if rt.agents != nil {
		errs = append(errs, rt.agents.Close())
	}
	if rt.ext != nil {
		errs = append(errs, rt.ext.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if rt.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, rt.provider.Shutdown(ctx))
		cancel()
	}
	return errors.Join(errs...)
}
