// Package fleet defines the task record, status machine, lifecycle events, and the
// collaborator contracts shared by the orchestration core.
package fleet

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Agent types a task may be assigned to.
const (
	AgentClaudeCode = "claude_code"
	AgentCodex      = "codex"
	AgentLocal      = "local"
)

// AgentTypes lists the accepted agent_type values.
var AgentTypes = []string{AgentClaudeCode, AgentCodex, AgentLocal}

// TaskTypes lists the accepted task_type values.
var TaskTypes = []string{"bug_fix", "feature", "refactor", "review", "docs"}

// Task is the unit of orchestration. It is mutated only through TaskStore.Transition.
type Task struct {
	ID              string         `json:"id"`
	Version         int            `json:"version"`
	Status          TaskStatus     `json:"status"`
	OperatorID      string         `json:"operator_id"`
	AgentType       string         `json:"agent_type"`
	Model           string         `json:"model"`
	TaskType        string         `json:"task_type"`
	Description     string         `json:"description"`
	Branch          string         `json:"branch"`
	WorktreePath    string         `json:"worktree_path,omitempty"`
	ProcessRef      string         `json:"process_ref,omitempty"`
	PRNumber        int            `json:"pr_number,omitempty"`
	CIStatus        string         `json:"ci_status,omitempty"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	FailureContext  map[string]any `json:"failure_context,omitempty"`
	ReviewStatus    map[string]any `json:"review_status,omitempty"`
	ContextHash     string         `json:"context_hash,omitempty"`
	AgentIdentityID string         `json:"agent_identity_id,omitempty"`
	Tier            Tier           `json:"tier"`
	SpawnedAt       *time.Time     `json:"spawned_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// HasPR reports whether a pull request has been linked to the task.
func (t *Task) HasPR() bool {
	return t.PRNumber > 0
}

// FailureReason returns failureContext.reason, or "" when unset.
func (t *Task) FailureReason() string {
	if t.FailureContext == nil {
		return ""
	}
	reason, _ := t.FailureContext["reason"].(string)
	return reason
}

// TaskPatch lists the optional field updates applied with a transition.
// Nil fields are left unchanged.
type TaskPatch struct {
	WorktreePath   *string
	ProcessRef     *string
	SpawnedAt      *time.Time
	PRNumber       *int
	CIStatus       *string
	FailureContext map[string]any
	ReviewStatus   map[string]any

	// Outbox messages are enqueued in the same transaction as the transition.
	Outbox []OutboxMessage
}

// OutboxMessage is an event queued for durable delivery alongside a state change.
type OutboxMessage struct {
	EventType EventType
	Payload   map[string]any
	DedupKey  string
}

// TaskFilter selects tasks for TaskStore.Query. Zero fields match everything.
type TaskFilter struct {
	Statuses    []TaskStatus
	OperatorID  string
	ContextHash string
	Limit       int
}

// NewTask is the admission input persisted as a proposed task at version 0.
type NewTask struct {
	OperatorID      string
	AgentType       string
	Model           string
	TaskType        string
	Description     string
	Branch          string
	ContextHash     string
	AgentIdentityID string
	MaxRetries      int
}

// Validate checks the fields the store constrains.
func (n NewTask) Validate() error {
	switch {
	case strings.TrimSpace(n.OperatorID) == "":
		return fmt.Errorf("operator id required")
	case strings.TrimSpace(n.Description) == "":
		return fmt.Errorf("description required")
	case strings.TrimSpace(n.Branch) == "":
		return fmt.Errorf("branch required")
	case strings.TrimSpace(n.Model) == "":
		return fmt.Errorf("model required")
	case !slices.Contains(AgentTypes, n.AgentType):
		return fmt.Errorf("unknown agent type %q", n.AgentType)
	case !slices.Contains(TaskTypes, n.TaskType):
		return fmt.Errorf("unknown task type %q", n.TaskType)
	case n.MaxRetries < 0:
		return fmt.Errorf("max retries must be >= 0")
	}
	return nil
}

// AgentMode selects how an agent process is hosted.
type AgentMode string

const (
	ModeLocal     AgentMode = "local"
	ModeContainer AgentMode = "container"
)

// AgentHandle identifies a live agent process. It is owned by the lifecycle manager.
type AgentHandle struct {
	TaskID       string    `json:"task_id"`
	Branch       string    `json:"branch"`
	WorktreePath string    `json:"worktree_path"`
	ProcessRef   string    `json:"process_ref"`
	Mode         AgentMode `json:"mode"`
	SpawnedAt    time.Time `json:"spawned_at"`
}

// TaskStore persists task records with compare-and-swap transitions.
type TaskStore interface {
	Get(ctx context.Context, id string) (*Task, error)
	// Transition applies to/patch only when the stored version equals expectedVersion.
	// A stale version yields a *VersionConflictError and leaves the record unchanged.
	// to may equal the current status of a live task to apply a patch alone.
	Transition(ctx context.Context, id string, expectedVersion int, to TaskStatus, patch TaskPatch) (*Task, error)
	ListLive(ctx context.Context) ([]Task, error)
	Query(ctx context.Context, filter TaskFilter) ([]Task, error)
	Delete(ctx context.Context, id string) error
}

// LifecycleManager creates and tears down agent processes or containers.
type LifecycleManager interface {
	Spawn(ctx context.Context, taskID, branch, agentType, prompt string) (*AgentHandle, error)
	IsAlive(ctx context.Context, handle *AgentHandle) (bool, error)
	Kill(ctx context.Context, handle *AgentHandle) error
	Cleanup(ctx context.Context, handle *AgentHandle) error
	ListActive(ctx context.Context) ([]AgentHandle, error)
}

// AdmissionGovernor performs capacity checks and atomically inserts a proposed task.
type AdmissionGovernor interface {
	AdmitAndInsert(ctx context.Context, input NewTask, tier Tier) (*Task, error)
}

// Tier is the operator's capability tier, used for capacity accounting.
type Tier string

const (
	TierObserver    Tier = "observer"
	TierParticipant Tier = "participant"
	TierBuilder     Tier = "builder"
	TierArchitect   Tier = "architect"
)

// Tiers lists the tiers from least to most privileged.
var Tiers = []Tier{TierObserver, TierParticipant, TierBuilder, TierArchitect}

// ParseTier maps a tier name to a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Tiers, t) {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// HandleFor rebuilds the agent handle a task record points at.
func HandleFor(t *Task, mode AgentMode) *AgentHandle {
	h := &AgentHandle{
		TaskID:       t.ID,
		Branch:       t.Branch,
		WorktreePath: t.WorktreePath,
		ProcessRef:   t.ProcessRef,
		Mode:         mode,
	}
	if t.SpawnedAt != nil {
		h.SpawnedAt = *t.SpawnedAt
	}
	return h
}
