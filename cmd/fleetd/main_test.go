package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/fleet"
	"github.com/basket/go-fleet/internal/saga"
)

const validRequest = `{
	"operatorId": "op-1",
	"agentType": "claude_code",
	"model": "sonnet",
	"taskType": "bug_fix",
	"description": "fix the flaky login test",
	"branch": "fleet/fix-login",
	"tier": "architect",
	"maxRetries": 2
}`

func TestParseSpawnRequest_Valid(t *testing.T) {
	req, err := parseSpawnRequest([]byte(validRequest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Tier != "architect" {
		t.Fatalf("expected architect tier, got %q", req.Tier)
	}
	task := req.newTask()
	if task.MaxRetries != 2 || task.AgentType != fleet.AgentClaudeCode || task.Branch != "fleet/fix-login" {
		t.Fatalf("unexpected task input: %+v", task)
	}
	if err := task.Validate(); err != nil {
		t.Fatalf("task input should validate: %v", err)
	}
}

func TestParseSpawnRequest_DefaultsMaxRetries(t *testing.T) {
	raw := strings.Replace(validRequest, `"maxRetries": 2`, `"prompt": "go"`, 1)
	req, err := parseSpawnRequest([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := req.newTask().MaxRetries; got != 3 {
		t.Fatalf("expected default max retries 3, got %d", got)
	}
}

func TestParseSpawnRequest_Rejects(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
	}{
		{name: "unknown agent type", from: `"claude_code"`, to: `"gpt"`},
		{name: "unknown task type", from: `"bug_fix"`, to: `"chore"`},
		{name: "empty description", from: `"fix the flaky login test"`, to: `""`},
		{name: "branch with spaces", from: `"fleet/fix-login"`, to: `"fix login"`},
		{name: "negative retries", from: `"maxRetries": 2`, to: `"maxRetries": -1`},
		{name: "unknown field", from: `"model": "sonnet"`, to: `"model": "sonnet", "priority": 1`},
		{name: "missing operator", from: `"operatorId": "op-1",`, to: ``},
		{name: "not json", from: `{`, to: `[`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := strings.Replace(validRequest, tt.from, tt.to, 1)
			if _, err := parseSpawnRequest([]byte(raw)); err == nil {
				t.Fatalf("expected %s to be rejected", tt.name)
			}
		})
	}
}

func TestSpawnOutputFrom(t *testing.T) {
	out := spawnOutputFrom(saga.SpawnResult{
		TaskID:     "task-1",
		FailedStep: saga.StepSpawnAgent,
		Error:      errors.New("tmux missing"),
		CompensationErrors: []saga.StepError{
			{Step: saga.StepTransitionSpawning, Err: errors.New("conflict")},
		},
	})
	if out.Success || out.Error != "tmux missing" || len(out.CompensationErrors) != 1 {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestHealthURL(t *testing.T) {
	tests := map[string]string{
		"127.0.0.1:18790":        "http://127.0.0.1:18790/healthz",
		"http://fleet.local:80/": "http://fleet.local:80/healthz",
		" [::1]:9000 ":           "http://[::1]:9000/healthz",
	}
	for in, want := range tests {
		if got := healthURL(in); got != want {
			t.Fatalf("healthURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHealthHandler_DegradedWithoutMonitor(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fleet")
	t.Setenv("FLEET_HOME", home)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt, err := newRuntime(context.Background(), cfg, logger, runtimeOptions{})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer rt.close()

	srv := httptest.NewServer(healthHandler(rt))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a running monitor, got %d", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" || body.Fingerprint != cfg.Fingerprint() {
		t.Fatalf("unexpected health body: %+v", body)
	}

	body2, err := fetchHealth(context.Background(), srv.URL)
	if err == nil || body2 == nil {
		t.Fatalf("expected degraded daemon to return body and error, got %v", err)
	}
}
