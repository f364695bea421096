package saga

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/fleet"
	fleetotel "github.com/basket/go-fleet/internal/otel"
	"github.com/basket/go-fleet/internal/shared"
	"github.com/basket/go-fleet/internal/telemetry"
)

// Spawn step names.
const (
	StepAdmitAndInsert     = "admit_and_insert"
	StepTransitionSpawning = "transition_spawning"
	StepSpawnAgent         = "spawn_agent"
	StepTransitionRunning  = "transition_running"
)

// ReasonSpawnFailed is the failureContext reason written by spawn compensation.
const ReasonSpawnFailed = "spawn_failed"

// Store is the task store plus the idempotency lookup.
type Store interface {
	fleet.TaskStore
	// FindByContextHash returns fleet.ErrNotFound when no task carries hash.
	FindByContextHash(ctx context.Context, hash string) (*fleet.Task, error)
}

// Emitter is satisfied by *bus.Bus.
type Emitter interface {
	Emit(ctx context.Context, ev fleet.Event) []bus.HandlerError
}

type Config struct {
	Store     Store
	Governor  fleet.AdmissionGovernor
	Lifecycle fleet.LifecycleManager
	Bus       Emitter
	Logger    *slog.Logger
	Metrics   *fleetotel.Metrics
	Tracer    trace.Tracer
	// Now defaults to time.Now.
	Now func() time.Time
}

// SpawnResult is the outcome of ExecuteSpawn. Failures are reported here, never panicked.
type SpawnResult struct {
	Success            bool
	TaskID             string
	FailedStep         string
	Error              error
	CompensationErrors []StepError
	// Deduplicated is set when the idempotency token matched an existing task.
	Deduplicated bool
}

// Orchestrator drives admission, the spawning transition, the agent spawn and the
// running transition as one saga.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewOrchestrator(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{cfg: cfg, logger: telemetry.Component(logger, "saga"), now: now}
}

// IdempotencyToken is sha256(description|operatorID|YYYY-MM-DD) in hex, with the
// date taken in UTC. Identical requests on the same day share a token.
func IdempotencyToken(description, operatorID string, now time.Time) string {
	sum := sha256.Sum256([]byte(description + "|" + operatorID + "|" + now.UTC().Format("2006-01-02")))
	return hex.EncodeToString(sum[:])
}

// ExecuteSpawn admits req at tier and brings an agent up for it. An empty
// idempotencyToken is derived from the request.
func (o *Orchestrator) ExecuteSpawn(ctx context.Context, req fleet.NewTask, tier fleet.Tier, prompt, idempotencyToken string) SpawnResult {
	started := o.now()
	ctx = shared.WithOperatorID(shared.EnsureTraceID(ctx), req.OperatorID)
	ctx, span := fleetotel.StartSpan(ctx, o.cfg.Tracer, "saga.spawn",
		fleetotel.AttrOperatorID.String(req.OperatorID),
		fleetotel.AttrAgentType.String(req.AgentType),
		fleetotel.AttrTier.String(string(tier)),
	)
	defer span.End()
	log := telemetry.FromContext(ctx, o.logger)

	if idempotencyToken == "" {
		idempotencyToken = IdempotencyToken(req.Description, req.OperatorID, started)
	}
	existing, err := o.cfg.Store.FindByContextHash(ctx, idempotencyToken)
	switch {
	case err == nil:
		log.Info("spawn request deduplicated", "task_id", existing.ID, "status", existing.Status)
		span.SetAttributes(fleetotel.AttrTaskID.String(existing.ID))
		return SpawnResult{Success: true, TaskID: existing.ID, Deduplicated: true}
	case !errors.Is(err, fleet.ErrNotFound):
		// The unique context_hash index still rejects a duplicate insert.
		log.Warn("idempotency lookup failed, continuing", "error", err)
	}
	req.ContextHash = idempotencyToken

	run := &spawnRun{o: o, req: req, tier: tier, prompt: prompt, log: log}
	res := Run(ctx, log, run.steps())

	out := SpawnResult{
		Success:            res.Err == nil,
		FailedStep:         res.FailedStep,
		Error:              res.Err,
		CompensationErrors: res.CompensationErrors,
	}
	if run.task != nil {
		out.TaskID = run.task.ID
		span.SetAttributes(fleetotel.AttrTaskID.String(run.task.ID))
	}
	o.cfg.Metrics.RecordSaga(ctx, out.Success, out.FailedStep, o.now().Sub(started))

	if !out.Success {
		span.SetStatus(codes.Error, res.Err.Error())
		log.Error("spawn saga failed",
			"task_id", out.TaskID,
			"step", out.FailedStep,
			"error", out.Error,
			"compensation_errors", len(out.CompensationErrors),
		)
		return out
	}

	o.emit(ctx, fleet.NewEvent(fleet.EventAgentSpawned, out.TaskID, req.OperatorID, map[string]any{
		"agentType": req.AgentType,
		"branch":    req.Branch,
		"tier":      string(tier),
	}))
	log.Info("agent spawned", "task_id", out.TaskID, "duration_ms", o.now().Sub(started).Milliseconds())
	return out
}

func (o *Orchestrator) emit(ctx context.Context, ev fleet.Event) {
	if o.cfg.Bus == nil {
		return
	}
	o.cfg.Bus.Emit(ctx, ev)
}

// spawnRun holds the state the four steps share during one execution.
type spawnRun struct {
	o      *Orchestrator
	req    fleet.NewTask
	tier   fleet.Tier
	prompt string
	log    *slog.Logger

	task   *fleet.Task
	handle *fleet.AgentHandle
}

func (r *spawnRun) steps() []Step {
	return []Step{
		{Name: StepAdmitAndInsert, Execute: r.admit, Compensate: r.discard},
		{Name: StepTransitionSpawning, Execute: r.toSpawning, Compensate: r.fail},
		{Name: StepSpawnAgent, Execute: r.spawn, Compensate: r.teardown},
		{Name: StepTransitionRunning, Execute: r.toRunning, Compensate: r.fail},
	}
}

func (r *spawnRun) admit(ctx context.Context) error {
	task, err := r.o.cfg.Governor.AdmitAndInsert(ctx, r.req, r.tier)
	if err != nil {
		if errors.Is(err, fleet.ErrAdmissionDenied) {
			r.o.emit(ctx, fleet.NewEvent(fleet.EventSpawnDenied, "", r.req.OperatorID, map[string]any{
				"agentType": r.req.AgentType,
				"tier":      string(r.tier),
				"reason":    err.Error(),
			}))
		}
		return err
	}
	r.task = task
	return nil
}

// discard forces the admitted record into a terminal status and deletes it.
func (r *spawnRun) discard(ctx context.Context) error {
	cur, err := r.o.cfg.Store.Get(ctx, r.task.ID)
	if err != nil {
		if errors.Is(err, fleet.ErrNotFound) {
			return nil
		}
		return err
	}
	if !cur.Status.IsDeletable() {
		target := fleet.StatusCancelled
		if !fleet.CanTransition(cur.Status, target) {
			target = fleet.StatusAbandoned
		}
		if cur, err = r.o.cfg.Store.Transition(ctx, cur.ID, cur.Version, target, fleet.TaskPatch{}); err != nil {
			return fmt.Errorf("force terminal: %w", err)
		}
	}
	return r.o.cfg.Store.Delete(ctx, cur.ID)
}

func (r *spawnRun) toSpawning(ctx context.Context) error {
	task, err := r.o.cfg.Store.Transition(ctx, r.task.ID, r.task.Version, fleet.StatusSpawning, fleet.TaskPatch{})
	if err != nil {
		return err
	}
	r.task = task
	return nil
}

func (r *spawnRun) spawn(ctx context.Context) error {
	h, err := r.o.cfg.Lifecycle.Spawn(ctx, r.task.ID, r.task.Branch, r.task.AgentType, r.prompt)
	if err != nil {
		return err
	}
	r.handle = h
	return nil
}

func (r *spawnRun) teardown(ctx context.Context) error {
	killErr := r.o.cfg.Lifecycle.Kill(ctx, r.handle)
	cleanupErr := r.o.cfg.Lifecycle.Cleanup(ctx, r.handle)
	return errors.Join(killErr, cleanupErr)
}

func (r *spawnRun) toRunning(ctx context.Context) error {
	spawnedAt := r.handle.SpawnedAt
	if spawnedAt.IsZero() {
		spawnedAt = r.o.now().UTC()
	}
	ev := fleet.NewEvent(fleet.EventAgentSpawned, r.task.ID, r.task.OperatorID, map[string]any{
		"agentType": r.task.AgentType,
		"branch":    r.task.Branch,
		"tier":      string(r.tier),
	})
	task, err := r.o.cfg.Store.Transition(ctx, r.task.ID, r.task.Version, fleet.StatusRunning, fleet.TaskPatch{
		WorktreePath: &r.handle.WorktreePath,
		ProcessRef:   &r.handle.ProcessRef,
		SpawnedAt:    &spawnedAt,
		Outbox:       []fleet.OutboxMessage{ev.OutboxMessage(r.task.ID + ":" + string(fleet.EventAgentSpawned))},
	})
	if err != nil {
		return err
	}
	r.task = task
	return nil
}

// fail moves the task to failed with reason spawn_failed. It re-reads the record
// so it works whichever step left it last.
func (r *spawnRun) fail(ctx context.Context) error {
	cur, err := r.o.cfg.Store.Get(ctx, r.task.ID)
	if err != nil {
		return err
	}
	if cur.Status == fleet.StatusFailed {
		return nil
	}
	failure := map[string]any{"reason": ReasonSpawnFailed}
	ev := fleet.NewEvent(fleet.EventAgentFailed, cur.ID, cur.OperatorID, failure)
	task, err := r.o.cfg.Store.Transition(ctx, cur.ID, cur.Version, fleet.StatusFailed, fleet.TaskPatch{
		FailureContext: failure,
		Outbox:         []fleet.OutboxMessage{ev.OutboxMessage(cur.ID + ":" + string(fleet.EventAgentFailed))},
	})
	if err != nil {
		return err
	}
	r.task = task
	r.o.emit(ctx, ev)
	return nil
}
