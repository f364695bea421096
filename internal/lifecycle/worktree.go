package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-fleet/internal/scm"
)

const launcherScript = `#!/bin/sh
export FLEET_TASK_ID=%q
export FLEET_BRANCH=%q
export FLEET_PROMPT_FILE=%q
cd %q || exit 1
%s
`

// worktrees creates and removes per-task git worktrees with argument arrays.
type worktrees struct {
	runner  scm.Runner
	repoDir string
	root    string
	baseRef string
}

func (w worktrees) path(taskID string) string {
	return filepath.Join(w.root, taskID)
}

// add creates a worktree for branch, starting it from baseRef unless the branch
// already exists.
func (w worktrees) add(ctx context.Context, taskID, branch string) (string, error) {
	path := w.path(taskID)
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return "", fmt.Errorf("create worktree root: %w", err)
	}
	if err := w.git(ctx, "worktree", "add", "-b", branch, path, w.baseRef); err != nil {
		if existing := w.git(ctx, "worktree", "add", path, branch); existing != nil {
			return "", fmt.Errorf("git worktree add %s: %w", branch, err)
		}
	}
	return path, nil
}

func (w worktrees) remove(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := w.git(ctx, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("git worktree remove: %w", err)
	}
	return nil
}

func (w worktrees) git(ctx context.Context, args ...string) error {
	_, stderr, err := w.runner.Run(ctx, "git", append([]string{"-C", w.repoDir}, args...)...)
	if err != nil {
		if msg := strings.TrimSpace(string(stderr)); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// writeLauncher writes the prompt and a launcher script into the worktree and
// returns the script path. workDir is the worktree as the agent will see it.
func writeLauncher(worktree, workDir, taskID, branch, prompt, command string) (string, error) {
	dir := filepath.Join(worktree, ".fleet")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create launcher dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "prompt.md"), []byte(prompt), 0o600); err != nil {
		return "", fmt.Errorf("write prompt: %w", err)
	}
	script := filepath.Join(dir, "run.sh")
	body := fmt.Sprintf(launcherScript, taskID, branch, filepath.Join(workDir, ".fleet", "prompt.md"), workDir, command)
	if err := os.WriteFile(script, []byte(body), 0o700); err != nil {
		return "", fmt.Errorf("write launcher: %w", err)
	}
	return script, nil
}
