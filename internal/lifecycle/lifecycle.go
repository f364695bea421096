// Package lifecycle hosts agent processes. Local mode runs each agent in a tmux
// session over its own git worktree; container mode runs it in a docker
// container with the worktree mounted. Both satisfy fleet.LifecycleManager.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-fleet/internal/fleet"
	"github.com/basket/go-fleet/internal/scm"
)

// Names and labels given to agent sessions and containers.
const (
	SessionPrefix = "fleet-"
	LabelTaskID   = "fleet.task_id"
	LabelBranch   = "fleet.branch"
)

// DefaultAgentCommands are shell lines run inside the worktree. $FLEET_PROMPT_FILE
// holds the prompt.
var DefaultAgentCommands = map[string]string{
	fleet.AgentClaudeCode: `claude --dangerously-skip-permissions -p "$(cat "$FLEET_PROMPT_FILE")"`,
	fleet.AgentCodex:      `codex exec --full-auto "$(cat "$FLEET_PROMPT_FILE")"`,
	fleet.AgentLocal:      `${FLEET_LOCAL_AGENT:-aider} --yes --message-file "$FLEET_PROMPT_FILE"`,
}

type Config struct {
	// RepoDir is the repository agents branch from.
	RepoDir string
	// WorktreeDir holds one worktree per task. Defaults to <RepoDir>/.fleet/worktrees.
	WorktreeDir string
	// BaseRef is the ref new branches start from. Defaults to HEAD.
	BaseRef string
	// AgentCommands overrides DefaultAgentCommands per agent type.
	AgentCommands map[string]string
	// InsightsDir receives harvested agent output. Harvesting is off when empty.
	InsightsDir string

	// Container mode only.
	Image       string
	Env         []string
	MemoryMB    int64
	NetworkMode string

	Runner scm.Runner
	Logger *slog.Logger
}

func (c *Config) normalize() {
	if c.WorktreeDir == "" {
		c.WorktreeDir = filepath.Join(c.RepoDir, ".fleet", "worktrees")
	}
	if c.BaseRef == "" {
		c.BaseRef = "HEAD"
	}
	if c.Runner == nil {
		c.Runner = scm.ExecRunner{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) command(agentType string) (string, error) {
	if cmd, ok := c.AgentCommands[agentType]; ok && strings.TrimSpace(cmd) != "" {
		return cmd, nil
	}
	if cmd, ok := DefaultAgentCommands[agentType]; ok {
		return cmd, nil
	}
	return "", fmt.Errorf("no command for agent type %q", agentType)
}

// New builds the manager for mode.
func New(ctx context.Context, mode fleet.AgentMode, cfg Config) (Manager, error) {
	switch mode {
	case fleet.ModeLocal, "":
		return NewLocal(cfg)
	case fleet.ModeContainer:
		return NewContainer(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown lifecycle mode %q", mode)
	}
}

// Manager is a lifecycle manager that can also snapshot agent output.
type Manager interface {
	fleet.LifecycleManager
	Harvest(ctx context.Context, task fleet.Task) error
	Close() error
}

func sessionName(taskID string) string {
	return SessionPrefix + taskID
}

// writeInsight stores the latest output snapshot for a task.
func writeInsight(dir, taskID string, output []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create insights dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, taskID+".log"), output, 0o644)
}
