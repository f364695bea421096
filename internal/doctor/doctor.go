// Package doctor runs preflight checks for the tools and services fleetd drives.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/fleet"
	"github.com/basket/go-fleet/internal/persistence"
	"github.com/basket/go-fleet/internal/scm"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Doctor holds the collaborators the checks use. Runner defaults to scm.ExecRunner.
type Doctor struct {
	Runner scm.Runner
	// Dial defaults to a net.Dialer with the context deadline.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Run executes all diagnostic checks.
func (d Doctor) Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	if d.Runner == nil {
		d.Runner = scm.ExecRunner{}
	}
	diag := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		d.checkRepository,
		d.checkAgentHost,
		d.checkSourceControl,
		d.checkBus,
	}
	for _, check := range checks {
		diag.Results = append(diag.Results, check(ctx, cfg))
	}
	return diag
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, using defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.StatusCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	pending, dead, err := store.OutboxStats(ctx, cfg.Outbox.MaxRetries)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	res := CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema valid, %d tasks", total),
		Detail:  fmt.Sprintf("outbox pending=%d dead=%d", pending, dead),
	}
	if dead > 0 {
		res.Status = StatusWarn
		res.Message = fmt.Sprintf("%d dead-lettered outbox entries", dead)
	}
	return res
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func (d Doctor) checkRepository(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Repository", Status: StatusSkip, Message: "Config missing"}
	}
	out, stderr, err := d.Runner.Run(ctx, "git", "-C", cfg.Lifecycle.RepoDir, "rev-parse", "--show-toplevel")
	if err != nil {
		return CheckResult{
			Name:    "Repository",
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not a git repository", cfg.Lifecycle.RepoDir),
			Detail:  strings.TrimSpace(string(stderr)),
		}
	}
	return CheckResult{Name: "Repository", Status: StatusPass, Message: strings.TrimSpace(string(out))}
}

// checkAgentHost checks tmux in local mode and the docker daemon in container mode.
func (d Doctor) checkAgentHost(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent Host", Status: StatusSkip, Message: "Config missing"}
	}
	switch fleet.AgentMode(cfg.Lifecycle.Mode) {
	case fleet.ModeContainer:
		out, stderr, err := d.Runner.Run(ctx, "docker", "version", "--format", "{{.Server.Version}}")
		if err != nil {
			return CheckResult{Name: "Agent Host", Status: StatusFail, Message: "docker daemon unreachable", Detail: strings.TrimSpace(string(stderr))}
		}
		if _, _, err := d.Runner.Run(ctx, "docker", "image", "inspect", cfg.Lifecycle.Image); err != nil {
			return CheckResult{Name: "Agent Host", Status: StatusWarn, Message: fmt.Sprintf("image %s not present locally", cfg.Lifecycle.Image)}
		}
		return CheckResult{Name: "Agent Host", Status: StatusPass, Message: "docker " + strings.TrimSpace(string(out))}
	default:
		out, stderr, err := d.Runner.Run(ctx, "tmux", "-V")
		if err != nil {
			return CheckResult{Name: "Agent Host", Status: StatusFail, Message: "tmux missing", Detail: strings.TrimSpace(string(stderr))}
		}
		return CheckResult{Name: "Agent Host", Status: StatusPass, Message: strings.TrimSpace(string(out))}
	}
}

func (d Doctor) checkSourceControl(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Source Control", Status: StatusSkip, Message: "Config missing"}
	}
	_, stderr, err := d.Runner.Run(ctx, cfg.SCM.Binary, "auth", "status")
	if err != nil {
		// PR and CI tracking degrade to no-ops without gh; agents still run.
		return CheckResult{
			Name:    "Source Control",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s not authenticated, PR and CI tracking disabled", cfg.SCM.Binary),
			Detail:  strings.TrimSpace(string(stderr)),
		}
	}
	return CheckResult{Name: "Source Control", Status: StatusPass, Message: fmt.Sprintf("%s authenticated", cfg.SCM.Binary)}
}

func (d Doctor) checkBus(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Event Bus", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Bus.URL == "" {
		return CheckResult{Name: "Event Bus", Status: StatusSkip, Message: "No external bus configured; outbox entries are logged"}
	}
	u, err := url.Parse(cfg.Bus.URL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Event Bus", Status: StatusFail, Message: fmt.Sprintf("invalid bus url %q", cfg.Bus.URL)}
	}
	addr := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" || u.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	dial := d.Dial
	if dial == nil {
		var dialer net.Dialer
		dial = dialer.DialContext
	}
	conn, err := dial(dialCtx, "tcp", addr)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Event Bus",
			Status:  StatusFail,
			Message: fmt.Sprintf("connect %s failed: %v", addr, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	_ = conn.Close()
	return CheckResult{
		Name:    "Event Bus",
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (%dms)", addr, latency.Milliseconds()),
	}
}
