// Package scm queries the source-control host through the gh CLI. Every call
// passes an argument array; nothing is interpolated into a shell string.
package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	fleetotel "github.com/basket/go-fleet/internal/otel"
)

// CI states reported by GetCIStatus.
const (
	CIPending = "pending"
	CISuccess = "success"
	CIFailure = "failure"
)

const defaultTimeout = 30 * time.Second

// Runner executes a command and returns its stdout and stderr.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec in Dir.
type ExecRunner struct {
	Dir string
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

type Config struct {
	Runner Runner
	// Binary defaults to "gh".
	Binary  string
	Timeout time.Duration
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// Client answers PR, CI and commit questions for branches. Lookups return nil on
// any failure.
type Client struct {
	runner  Runner
	binary  string
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

func New(cfg Config) *Client {
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.Binary == "" {
		cfg.Binary = "gh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{runner: cfg.Runner, binary: cfg.Binary, timeout: cfg.Timeout, logger: logger.With("component", "scm"), tracer: cfg.Tracer}
}

// GetPRForBranch returns the most recent PR whose head is branch, in any state.
func (c *Client) GetPRForBranch(ctx context.Context, branch string) *PullRequest {
	out, ok := c.gh(ctx, "pr", "list", "--head", branch, "--state", "all", "--json", "number,url,state", "--limit", "1")
	if !ok {
		return nil
	}
	var prs []PullRequest
	if err := json.Unmarshal(out, &prs); err != nil {
		c.logger.Debug("gh pr list: malformed output", "branch", branch, "error", err)
		return nil
	}
	if len(prs) == 0 || prs[0].Number <= 0 {
		return nil
	}
	return &prs[0]
}

type rollupEntry struct {
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	State      string `json:"state"`
}

// GetCIStatus reduces the PR's status check rollup to pending, success or failure.
func (c *Client) GetCIStatus(ctx context.Context, prNumber int) *string {
	if prNumber <= 0 {
		return nil
	}
	out, ok := c.gh(ctx, "pr", "view", strconv.Itoa(prNumber), "--json", "statusCheckRollup")
	if !ok {
		return nil
	}
	var resp struct {
		StatusCheckRollup []rollupEntry `json:"statusCheckRollup"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		c.logger.Debug("gh pr view: malformed output", "pr", prNumber, "error", err)
		return nil
	}
	status := reduceRollup(resp.StatusCheckRollup)
	return &status
}

func reduceRollup(entries []rollupEntry) string {
	pending := len(entries) == 0
	for _, e := range entries {
		switch strings.ToUpper(e.Conclusion) {
		case "FAILURE", "CANCELLED", "TIMED_OUT", "ACTION_REQUIRED", "STARTUP_FAILURE":
			return CIFailure
		}
		switch strings.ToUpper(e.State) {
		case "FAILURE", "ERROR":
			return CIFailure
		case "PENDING", "EXPECTED":
			pending = true
		}
		if e.Status != "" && !strings.EqualFold(e.Status, "COMPLETED") {
			pending = true
		}
	}
	if pending {
		return CIPending
	}
	return CISuccess
}

// GetLastCommitTimestamp returns the committer date of the branch head.
func (c *Client) GetLastCommitTimestamp(ctx context.Context, branch string) *time.Time {
	out, ok := c.gh(ctx, "api", "repos/{owner}/{repo}/commits/"+escapeRef(branch))
	if !ok {
		return nil
	}
	var resp struct {
		Commit struct {
			Committer struct {
				Date string `json:"date"`
			} `json:"committer"`
		} `json:"commit"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		c.logger.Debug("gh api commits: malformed output", "branch", branch, "error", err)
		return nil
	}
	ts, err := time.Parse(time.RFC3339, resp.Commit.Committer.Date)
	if err != nil {
		return nil
	}
	return &ts
}

// escapeRef escapes each segment of a ref for use in an API path. Slashes are
// kept as separators; characters such as '#' and '%' are percent-encoded.
func escapeRef(ref string) string {
	parts := strings.Split(ref, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (c *Client) gh(ctx context.Context, args ...string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	command := strings.Join(args[:min(2, len(args))], " ")
	ctx, span := fleetotel.StartClientSpan(ctx, c.tracer, "scm.gh", fleetotel.AttrCommand.String(command))
	defer span.End()
	stdout, stderr, err := c.runner.Run(ctx, c.binary, args...)
	if err == nil {
		return stdout, true
	}
	span.RecordError(err)
	msg := strings.TrimSpace(string(stderr))
	if isRateLimited(msg) {
		c.logger.Warn("gh rate limited", "command", command, "stderr", msg)
	} else {
		c.logger.Debug("gh command failed", "args", args, "error", err, "stderr", msg)
	}
	return nil, false
}

func isRateLimited(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "abuse detection")
}

// String renders a PR for logs.
func (p PullRequest) String() string {
	return fmt.Sprintf("#%d (%s)", p.Number, strings.ToLower(p.State))
}
