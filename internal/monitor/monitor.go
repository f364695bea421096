// Package monitor watches live fleet tasks. Reconcile runs once at startup and
// diffs the store against the lifecycle manager; RunCycle runs on a timer and
// checks liveness, PR and CI progress, stalls, and timeouts.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/fleet"
	fleetotel "github.com/basket/go-fleet/internal/otel"
	"github.com/basket/go-fleet/internal/scm"
	"github.com/basket/go-fleet/internal/shared"
	"github.com/basket/go-fleet/internal/telemetry"
)

// Failure reasons written to failureContext.reason.
const (
	ReasonAgentDied = "agent_died"
	ReasonTimeout   = "timeout"
	ReasonOrphaned  = "orphaned_on_reconcile"
)

const (
	defaultInterval = 30 * time.Second
	defaultStall    = 1800 * time.Second
	defaultTimeout  = 120 * time.Minute
	harvestTimeout  = 30 * time.Second
)

// SourceControl is satisfied by *scm.Client.
type SourceControl interface {
	GetPRForBranch(ctx context.Context, branch string) *scm.PullRequest
	GetCIStatus(ctx context.Context, prNumber int) *string
	GetLastCommitTimestamp(ctx context.Context, branch string) *time.Time
}

type Emitter interface {
	Emit(ctx context.Context, ev fleet.Event) []bus.HandlerError
}

// IdentityRecorder tracks how tasks run by an agent identity ended.
type IdentityRecorder interface {
	RecordOutcome(ctx context.Context, identityID, taskID, outcome string) error
}

// InsightHarvester collects whatever a live agent has produced so far.
type InsightHarvester interface {
	Harvest(ctx context.Context, task fleet.Task) error
}

// Pruner removes expired rows at the end of a cycle.
type Pruner interface {
	PruneExpired(ctx context.Context) error
}

type Config struct {
	Store     fleet.TaskStore
	Lifecycle fleet.LifecycleManager
	SCM       SourceControl
	Bus       Emitter
	Identity  IdentityRecorder
	Insights  InsightHarvester
	Pruner    Pruner
	Mode      fleet.AgentMode

	Interval       time.Duration
	StallThreshold time.Duration
	Timeout        time.Duration
	// CycleDeadline defaults to Interval. Exceeding it only logs.
	CycleDeadline time.Duration

	Logger  *slog.Logger
	Metrics *fleetotel.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

type ReconcileResult struct {
	Orphaned     []string `json:"orphaned"`
	Failed       []string `json:"failed"`
	Untracked    []string `json:"untracked"`
	ErrorTaskIDs []string `json:"errorTaskIds"`
}

type CycleResult struct {
	Checked      int
	Transitioned int
	Stalled      int
	ErrorTaskIDs []string
	Skipped      bool
	Duration     time.Duration
}

type Health struct {
	Running     bool  `json:"running"`
	LastCycleMs int64 `json:"lastCycleMs"`
	CycleCount  int64 `json:"cycleCount"`
	Errors      int64 `json:"errors"`
}

type Monitor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	inCycle atomic.Bool

	mu            sync.Mutex
	cron          *cronlib.Cron
	starting      bool
	stopRequested bool
	stall         time.Duration
	timeout       time.Duration
	lastCycleMs   int64
	cycleCount    int64
	errors        int64
}

func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = defaultStall
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CycleDeadline <= 0 {
		cfg.CycleDeadline = cfg.Interval
	}
	if cfg.Mode == "" {
		cfg.Mode = fleet.ModeLocal
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		cfg:     cfg,
		logger:  telemetry.Component(logger, "monitor"),
		now:     now,
		stall:   cfg.StallThreshold,
		timeout: cfg.Timeout,
	}
}

// Start reconciles once, then arms the cycle timer. Calling Start twice is a no-op,
// and a Stop issued while the startup reconcile runs keeps the timer disarmed.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cron != nil || m.starting {
		m.mu.Unlock()
		return
	}
	m.starting = true
	m.stopRequested = false
	m.mu.Unlock()

	m.Reconcile(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.starting = false
	if m.stopRequested {
		m.stopRequested = false
		m.logger.Info("monitor stopped during startup reconcile")
		return
	}
	c := cronlib.New(cronlib.WithChain(cronlib.Recover(telemetry.CronLogger(m.logger))))
	c.Schedule(cronlib.Every(m.cfg.Interval), cronlib.FuncJob(func() {
		m.RunCycle(ctx)
	}))
	c.Start()
	m.cron = c
	m.logger.Info("monitor started", "interval", m.cfg.Interval)
}

// Stop halts future cycles. A cycle already in flight runs to completion; the
// returned context is done when it has.
func (m *Monitor) Stop() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron == nil {
		if m.starting {
			m.stopRequested = true
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	done := m.cron.Stop()
	m.cron = nil
	m.logger.Info("monitor stopped")
	return done
}

func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Health{
		Running:     m.cron != nil,
		LastCycleMs: m.lastCycleMs,
		CycleCount:  m.cycleCount,
		Errors:      m.errors,
	}
}

// SetThresholds replaces the stall and timeout thresholds for later cycles.
// Non-positive values leave the current setting.
func (m *Monitor) SetThresholds(stall, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stall > 0 {
		m.stall = stall
	}
	if timeout > 0 {
		m.timeout = timeout
	}
	m.logger.Info("monitor thresholds updated", "stall", m.stall, "timeout", m.timeout)
}

func (m *Monitor) thresholds() (time.Duration, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stall, m.timeout
}

// Reconcile diffs live records against running agents. Spawning and running
// records without a process are failed; later-stage records without one are only
// logged, and processes without a record are logged and left alone. Any internal
// failure yields a zero result.
func (m *Monitor) Reconcile(ctx context.Context) (res ReconcileResult) {
	ctx = shared.EnsureTraceID(ctx)
	ctx, span := fleetotel.StartSpan(ctx, m.cfg.Tracer, "monitor.reconcile")
	defer span.End()
	log := telemetry.FromContext(ctx, m.logger)

	defer func() {
		if r := recover(); r != nil {
			log.Error("reconcile panicked, continuing degraded", "panic", fmt.Sprint(r))
			res = ReconcileResult{}
		}
	}()

	tasks, err := m.cfg.Store.ListLive(ctx)
	if err != nil {
		log.Error("reconcile: list live tasks failed, continuing degraded", "error", err)
		return ReconcileResult{}
	}
	handles, err := m.cfg.Lifecycle.ListActive(ctx)
	if err != nil {
		log.Error("reconcile: list active agents failed, continuing degraded", "error", err)
		return ReconcileResult{}
	}

	byTask := make(map[string]bool, len(handles))
	byRef := make(map[string]bool, len(handles))
	for _, h := range handles {
		byTask[h.TaskID] = true
		if h.ProcessRef != "" {
			byRef[h.ProcessRef] = true
		}
	}
	knownTasks := make(map[string]bool, len(tasks))
	knownRefs := make(map[string]bool, len(tasks))

	for i := range tasks {
		task := &tasks[i]
		knownTasks[task.ID] = true
		if task.ProcessRef != "" {
			knownRefs[task.ProcessRef] = true
		}
		if byTask[task.ID] || (task.ProcessRef != "" && byRef[task.ProcessRef]) {
			continue
		}
		res.Orphaned = append(res.Orphaned, task.ID)

		switch task.Status {
		case fleet.StatusSpawning, fleet.StatusRunning:
			if _, err := m.fail(ctx, task, ReasonOrphaned, nil); err != nil {
				log.Error("reconcile: fail orphaned task", "task_id", task.ID, "error", err)
				res.ErrorTaskIDs = append(res.ErrorTaskIDs, task.ID)
				continue
			}
			res.Failed = append(res.Failed, task.ID)
			log.Warn("orphaned task failed", "task_id", task.ID, "status", task.Status)
		default:
			log.Info("task has no agent process", "task_id", task.ID, "status", task.Status)
		}
	}

	for _, h := range handles {
		if knownTasks[h.TaskID] || (h.ProcessRef != "" && knownRefs[h.ProcessRef]) {
			continue
		}
		ref := h.ProcessRef
		if ref == "" {
			ref = h.TaskID
		}
		res.Untracked = append(res.Untracked, ref)
		log.Warn("untracked agent process", "process_ref", h.ProcessRef, "task_id", h.TaskID, "mode", h.Mode)
	}

	m.cfg.Metrics.RecordReconciled(ctx, len(res.Failed))
	log.Info("reconcile complete",
		"live", len(tasks),
		"active", len(handles),
		"orphaned", len(res.Orphaned),
		"failed", len(res.Failed),
		"untracked", len(res.Untracked),
	)
	return res
}

// RunCycle checks every live task once. A cycle that starts while another is in
// flight is skipped and not counted.
func (m *Monitor) RunCycle(ctx context.Context) CycleResult {
	if !m.inCycle.CompareAndSwap(false, true) {
		m.logger.Warn("monitor tick skipped, previous cycle still running")
		m.cfg.Metrics.RecordSkippedCycle(ctx)
		return CycleResult{Skipped: true}
	}
	defer m.inCycle.Store(false)

	started := m.now()
	ctx = shared.EnsureTraceID(ctx)
	ctx, span := fleetotel.StartSpan(ctx, m.cfg.Tracer, "monitor.cycle")
	defer span.End()
	log := telemetry.FromContext(ctx, m.logger)

	var res CycleResult
	cycleErrors := 0
	tasks, err := m.cfg.Store.ListLive(ctx)
	if err != nil {
		log.Error("monitor: list live tasks failed", "error", err)
		cycleErrors++
	}
	stall, timeout := m.thresholds()

	for i := range tasks {
		task := tasks[i]
		res.Checked++
		out, err := m.checkTask(ctx, &task, stall, timeout)
		res.Transitioned += out.transitioned
		if out.stalled {
			res.Stalled++
		}
		if err != nil {
			log.Error("monitor: task check failed", "task_id", task.ID, "error", err)
			res.ErrorTaskIDs = append(res.ErrorTaskIDs, task.ID)
		}
	}

	m.prune(ctx, log)

	res.Duration = m.now().Sub(started)
	if res.Duration > m.cfg.CycleDeadline {
		log.Warn("monitor cycle exceeded deadline", "duration_ms", res.Duration.Milliseconds(), "deadline", m.cfg.CycleDeadline)
	}
	m.mu.Lock()
	m.lastCycleMs = res.Duration.Milliseconds()
	m.cycleCount++
	m.errors += int64(cycleErrors + len(res.ErrorTaskIDs))
	m.mu.Unlock()

	m.cfg.Metrics.RecordCycle(ctx, res.Duration, res.Transitioned)
	log.Debug("monitor cycle complete",
		"checked", res.Checked,
		"transitioned", res.Transitioned,
		"stalled", res.Stalled,
		"errors", len(res.ErrorTaskIDs),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res
}

type taskOutcome struct {
	transitioned int
	stalled      bool
}

func (m *Monitor) checkTask(ctx context.Context, task *fleet.Task, stall, timeout time.Duration) (out taskOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ctx = shared.WithTaskID(ctx, task.ID)
	log := telemetry.FromContext(ctx, m.logger)

	if failing(task.Status) && task.ProcessRef != "" {
		alive, lerr := m.cfg.Lifecycle.IsAlive(ctx, fleet.HandleFor(task, m.cfg.Mode))
		switch {
		case lerr != nil:
			log.Warn("liveness check failed", "error", lerr)
		case !alive:
			if _, err := m.fail(ctx, task, ReasonAgentDied, nil); err != nil {
				return out, err
			}
			out.transitioned++
			log.Warn("agent died", "status", task.Status)
			return out, nil
		}
	}

	if task.Status == fleet.StatusRunning && !task.HasPR() && m.cfg.SCM != nil {
		if pr := m.cfg.SCM.GetPRForBranch(ctx, task.Branch); pr != nil && pr.Number > 0 {
			updated, err := m.cfg.Store.Transition(ctx, task.ID, task.Version, fleet.StatusPRCreated, fleet.TaskPatch{PRNumber: &pr.Number})
			if err != nil {
				return out, fmt.Errorf("link pr %d: %w", pr.Number, err)
			}
			*task = *updated
			out.transitioned++
			log.Info("pull request detected", "pr", pr.Number, "url", pr.URL)
		}
	}

	if task.HasPR() && m.cfg.SCM != nil {
		if ci := m.cfg.SCM.GetCIStatus(ctx, task.PRNumber); ci != nil && *ci != task.CIStatus {
			updated, err := m.cfg.Store.Transition(ctx, task.ID, task.Version, task.Status, fleet.TaskPatch{CIStatus: ci})
			if err != nil {
				return out, fmt.Errorf("refresh ci status: %w", err)
			}
			log.Info("ci status changed", "from", task.CIStatus, "to", *ci)
			*task = *updated
		}
	}

	if task.Status == fleet.StatusRunning && m.cfg.SCM != nil {
		if last := m.cfg.SCM.GetLastCommitTimestamp(ctx, task.Branch); last != nil {
			if idle := m.now().Sub(*last); idle > stall {
				out.stalled = true
				log.Warn("agent stalled", "idle_sec", int64(idle.Seconds()), "threshold_sec", int64(stall.Seconds()))
			}
		}
	}

	if failing(task.Status) {
		since := task.CreatedAt
		if task.SpawnedAt != nil {
			since = *task.SpawnedAt
		}
		if age := m.now().Sub(since); age > timeout {
			ageMinutes := int(age.Minutes())
			if _, err := m.fail(ctx, task, ReasonTimeout, map[string]any{"ageMinutes": ageMinutes}); err != nil {
				return out, err
			}
			out.transitioned++
			log.Warn("agent timed out", "age_minutes", ageMinutes)
			if task.ProcessRef != "" {
				if kerr := m.cfg.Lifecycle.Kill(context.WithoutCancel(ctx), fleet.HandleFor(task, m.cfg.Mode)); kerr != nil {
					log.Warn("kill timed-out agent failed", "error", kerr)
				}
			}
			return out, nil
		}
	}

	m.harvest(ctx, log, *task)
	return out, nil
}

// failing reports whether the monitor may fail a task in status s for death or timeout.
func failing(s fleet.TaskStatus) bool {
	return s == fleet.StatusSpawning || s == fleet.StatusRunning
}

// fail moves task to failed with the given reason, queues AGENT_FAILED in the
// same transaction, and emits it on the bus.
func (m *Monitor) fail(ctx context.Context, task *fleet.Task, reason string, extra map[string]any) (*fleet.Task, error) {
	failure := map[string]any{"reason": reason}
	maps.Copy(failure, extra)
	ev := fleet.NewEvent(fleet.EventAgentFailed, task.ID, task.OperatorID, failure)
	updated, err := m.cfg.Store.Transition(ctx, task.ID, task.Version, fleet.StatusFailed, fleet.TaskPatch{
		FailureContext: failure,
		Outbox:         []fleet.OutboxMessage{ev.OutboxMessage(task.ID + ":" + string(fleet.EventAgentFailed))},
	})
	if err != nil {
		return nil, fmt.Errorf("fail task (%s): %w", reason, err)
	}
	if m.cfg.Bus != nil {
		m.cfg.Bus.Emit(ctx, ev)
	}
	m.recordOutcome(ctx, updated, reason)
	return updated, nil
}

func (m *Monitor) recordOutcome(ctx context.Context, task *fleet.Task, outcome string) {
	if m.cfg.Identity == nil || task.AgentIdentityID == "" {
		return
	}
	if err := m.cfg.Identity.RecordOutcome(ctx, task.AgentIdentityID, task.ID, outcome); err != nil {
		m.logger.Debug("record identity outcome failed", "task_id", task.ID, "error", err)
	}
}

// harvest runs in the background; its result never reaches the cycle.
func (m *Monitor) harvest(ctx context.Context, log *slog.Logger, task fleet.Task) {
	if m.cfg.Insights == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), harvestTimeout)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				log.Debug("insight harvest panicked", "panic", fmt.Sprint(r))
			}
		}()
		if err := m.cfg.Insights.Harvest(hctx, task); err != nil {
			log.Debug("insight harvest failed", "error", err)
		}
	}()
}

func (m *Monitor) prune(ctx context.Context, log *slog.Logger) {
	if m.cfg.Pruner == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Debug("prune panicked", "panic", fmt.Sprint(r))
		}
	}()
	if err := m.cfg.Pruner.PruneExpired(ctx); err != nil {
		log.Debug("prune failed", "error", err)
	}
}
