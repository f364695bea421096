package doctor

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-fleet/internal/config"
)

type fakeRunner struct {
	fail map[string]bool
	out  map[string]string
}

func (f fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	key := strings.TrimSpace(name + " " + strings.Join(args, " "))
	for prefix := range f.fail {
		if strings.HasPrefix(key, prefix) {
			return nil, []byte(prefix + ": not found"), errors.New("exit status 1")
		}
	}
	for prefix, out := range f.out {
		if strings.HasPrefix(key, prefix) {
			return []byte(out), nil, nil
		}
	}
	return nil, nil, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(filepath.Join(t.TempDir(), "fleet"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func find(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("check %q not run", name)
	return CheckResult{}
}

func TestRun_LocalModeHealthy(t *testing.T) {
	cfg := testConfig(t)
	doc := Doctor{Runner: fakeRunner{out: map[string]string{
		"git":     "/src/repo\n",
		"tmux -V": "tmux 3.4\n",
	}}}

	diag := doc.Run(context.Background(), cfg, "test")
	if diag.Failed() {
		t.Fatalf("expected no failures, got %+v", diag.Results)
	}
	if got := find(t, diag, "Agent Host"); got.Message != "tmux 3.4" {
		t.Fatalf("unexpected agent host result: %+v", got)
	}
	if got := find(t, diag, "Config"); got.Status != StatusWarn {
		t.Fatalf("missing config.yaml should warn, got %+v", got)
	}
	if got := find(t, diag, "Database"); got.Status != StatusPass {
		t.Fatalf("expected database pass, got %+v", got)
	}
	if got := find(t, diag, "Event Bus"); got.Status != StatusSkip {
		t.Fatalf("expected bus skipped without url, got %+v", got)
	}
}

func TestRun_MissingToolsReported(t *testing.T) {
	cfg := testConfig(t)
	doc := Doctor{Runner: fakeRunner{fail: map[string]bool{"tmux": true, "gh": true, "git": true}}}

	diag := doc.Run(context.Background(), cfg, "test")
	if !diag.Failed() {
		t.Fatal("expected failures")
	}
	if got := find(t, diag, "Agent Host"); got.Status != StatusFail || got.Detail == "" {
		t.Fatalf("expected tmux failure with detail, got %+v", got)
	}
	if got := find(t, diag, "Source Control"); got.Status != StatusWarn {
		t.Fatalf("gh missing should only warn, got %+v", got)
	}
	if got := find(t, diag, "Repository"); got.Status != StatusFail {
		t.Fatalf("expected repository failure, got %+v", got)
	}
}

func TestCheckAgentHost_ContainerMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lifecycle.Mode = "container"
	cfg.Lifecycle.Image = "fleet/agent:latest"

	doc := Doctor{Runner: fakeRunner{
		out:  map[string]string{"docker version": "28.5.2\n"},
		fail: map[string]bool{"docker image inspect": true},
	}}
	got := doc.checkAgentHost(context.Background(), cfg)
	if got.Status != StatusWarn || !strings.Contains(got.Message, "fleet/agent:latest") {
		t.Fatalf("expected missing image warning, got %+v", got)
	}
}

func TestCheckBus_DialsHostPort(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.URL = "wss://bus.example.com/ws"

	var dialed string
	doc := Doctor{Dial: func(_ context.Context, _, addr string) (net.Conn, error) {
		dialed = addr
		return nil, errors.New("connection refused")
	}}
	got := doc.checkBus(context.Background(), cfg)
	if got.Status != StatusFail || dialed != "bus.example.com:443" {
		t.Fatalf("expected failed dial to bus.example.com:443, got %+v (dialed %q)", got, dialed)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	cfg.Bus.URL = "ws://" + ln.Addr().String() + "/ws"
	if got := (Doctor{}).checkBus(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected reachable bus, got %+v", got)
	}
}

func TestChecks_NilConfigSkipped(t *testing.T) {
	doc := Doctor{Runner: fakeRunner{}}
	if got := checkDatabase(context.Background(), nil); got.Status != StatusSkip {
		t.Fatalf("expected SKIP for nil config, got %s", got.Status)
	}
	if got := doc.checkBus(context.Background(), nil); got.Status != StatusSkip {
		t.Fatalf("expected SKIP for nil config, got %s", got.Status)
	}
}
