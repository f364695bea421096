package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/GianlucaP106/gotmux/gotmux"

	"github.com/basket/go-fleet/internal/fleet"
	"github.com/basket/go-fleet/internal/telemetry"
)

const harvestLines = "-200"

var errNoSession = errors.New("tmux session not found")

// Sessions is the slice of tmux the local manager needs.
type Sessions interface {
	NewSession(name, dir, command string) error
	ListSessions() ([]string, error)
	KillSession(name string) error
}

// gotmuxSessions drives tmux through gotmux.
type gotmuxSessions struct {
	tmux *gotmux.Tmux
}

func newGotmuxSessions() (*gotmuxSessions, error) {
	t, err := gotmux.DefaultTmux()
	if err != nil {
		return nil, fmt.Errorf("tmux client: %w", err)
	}
	return &gotmuxSessions{tmux: t}, nil
}

// gotmux wraps ShellCommand in single quotes; closing and reopening them at each
// space keeps a multi-word command as separate words.
func escapeShellCommand(cmd string) string {
	return strings.ReplaceAll(cmd, " ", "' '")
}

func (g *gotmuxSessions) NewSession(name, dir, command string) error {
	_, err := g.tmux.NewSession(&gotmux.SessionOptions{
		Name:           name,
		StartDirectory: dir,
		ShellCommand:   escapeShellCommand(command),
	})
	return err
}

func (g *gotmuxSessions) ListSessions() ([]string, error) {
	sessions, err := g.tmux.ListSessions()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(sessions))
	for _, s := range sessions {
		names = append(names, s.Name)
	}
	return names, nil
}

func (g *gotmuxSessions) KillSession(name string) error {
	sessions, err := g.tmux.ListSessions()
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.Name == name {
			return s.Kill()
		}
	}
	return errNoSession
}

// Local runs each agent in a tmux session named fleet-<taskID>.
type Local struct {
	cfg      Config
	sessions Sessions
	trees    worktrees
	logger   *slog.Logger
	now      func() time.Time
}

// NewLocal connects to the local tmux server.
func NewLocal(cfg Config) (*Local, error) {
	s, err := newGotmuxSessions()
	if err != nil {
		return nil, err
	}
	return NewLocalWithSessions(cfg, s), nil
}

func NewLocalWithSessions(cfg Config, sessions Sessions) *Local {
	cfg.normalize()
	return &Local{
		cfg:      cfg,
		sessions: sessions,
		trees:    worktrees{runner: cfg.Runner, repoDir: cfg.RepoDir, root: cfg.WorktreeDir, baseRef: cfg.BaseRef},
		logger:   telemetry.Component(cfg.Logger, "lifecycle"),
		now:      time.Now,
	}
}

func (l *Local) Spawn(ctx context.Context, taskID, branch, agentType, prompt string) (*fleet.AgentHandle, error) {
	command, err := l.cfg.command(agentType)
	if err != nil {
		return nil, err
	}
	path, err := l.trees.add(ctx, taskID, branch)
	if err != nil {
		return nil, err
	}
	script, err := writeLauncher(path, path, taskID, branch, prompt, command)
	if err != nil {
		_ = l.trees.remove(ctx, path)
		return nil, err
	}
	name := sessionName(taskID)
	if err := l.sessions.NewSession(name, path, "sh "+script); err != nil {
		_ = l.trees.remove(ctx, path)
		return nil, fmt.Errorf("start tmux session %s: %w", name, err)
	}
	l.logger.Info("agent session started", "task_id", taskID, "session", name, "agent_type", agentType)
	return &fleet.AgentHandle{
		TaskID:       taskID,
		Branch:       branch,
		WorktreePath: path,
		ProcessRef:   name,
		Mode:         fleet.ModeLocal,
		SpawnedAt:    l.now().UTC(),
	}, nil
}

func (l *Local) IsAlive(_ context.Context, h *fleet.AgentHandle) (bool, error) {
	names, err := l.sessions.ListSessions()
	if err != nil {
		return false, fmt.Errorf("list tmux sessions: %w", err)
	}
	for _, n := range names {
		if n == h.ProcessRef {
			return true, nil
		}
	}
	return false, nil
}

// Kill ends the session. A session that is already gone is not an error.
func (l *Local) Kill(_ context.Context, h *fleet.AgentHandle) error {
	if h == nil || h.ProcessRef == "" {
		return nil
	}
	if err := l.sessions.KillSession(h.ProcessRef); err != nil && !errors.Is(err, errNoSession) {
		return fmt.Errorf("kill tmux session %s: %w", h.ProcessRef, err)
	}
	return nil
}

// Cleanup removes the worktree. The branch is kept for the pull request.
func (l *Local) Cleanup(ctx context.Context, h *fleet.AgentHandle) error {
	if h == nil {
		return nil
	}
	return l.trees.remove(ctx, h.WorktreePath)
}

func (l *Local) ListActive(_ context.Context) ([]fleet.AgentHandle, error) {
	names, err := l.sessions.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("list tmux sessions: %w", err)
	}
	var out []fleet.AgentHandle
	for _, n := range names {
		taskID, ok := strings.CutPrefix(n, SessionPrefix)
		if !ok || taskID == "" {
			continue
		}
		out = append(out, fleet.AgentHandle{
			TaskID:       taskID,
			WorktreePath: l.trees.path(taskID),
			ProcessRef:   n,
			Mode:         fleet.ModeLocal,
		})
	}
	return out, nil
}

// Harvest snapshots the tail of the agent's pane into InsightsDir.
func (l *Local) Harvest(ctx context.Context, task fleet.Task) error {
	if l.cfg.InsightsDir == "" || task.ProcessRef == "" {
		return nil
	}
	out, _, err := l.cfg.Runner.Run(ctx, "tmux", "capture-pane", "-p", "-t", task.ProcessRef, "-S", harvestLines)
	if err != nil {
		return fmt.Errorf("capture pane %s: %w", task.ProcessRef, err)
	}
	return writeInsight(l.cfg.InsightsDir, task.ID, out)
}

func (l *Local) Close() error { return nil }
