package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/fleet"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromFleetHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fleet")
	writeConfig(t, home, "monitor:\n  interval_seconds: 10\n  timeout_minutes: 45\nadmission:\n  tier_limits:\n    builder: 7\n")
	t.Setenv("FLEET_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %q, got %q", home, cfg.HomeDir)
	}
	if cfg.Monitor.IntervalSeconds != 10 || cfg.Monitor.TimeoutMinutes != 45 {
		t.Fatalf("unexpected monitor config: %+v", cfg.Monitor)
	}
	if cfg.Monitor.CycleDeadlineSeconds != 10 {
		t.Fatalf("expected cycle deadline to follow interval, got %d", cfg.Monitor.CycleDeadlineSeconds)
	}
	if got := cfg.TierLimits()[fleet.TierBuilder]; got != 7 {
		t.Fatalf("expected builder limit 7, got %d", got)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fleet")
	t.Setenv("FLEET_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Monitor.IntervalSeconds != 30 {
		t.Fatalf("expected interval 30, got %d", cfg.Monitor.IntervalSeconds)
	}
	if cfg.Monitor.StallThresholdSeconds != 1800 {
		t.Fatalf("expected stall threshold 1800, got %d", cfg.Monitor.StallThresholdSeconds)
	}
	if cfg.Monitor.TimeoutMinutes != 120 {
		t.Fatalf("expected timeout 120, got %d", cfg.Monitor.TimeoutMinutes)
	}
	if cfg.Outbox.BatchSize != 50 || cfg.Outbox.MaxRetries != 5 {
		t.Fatalf("unexpected outbox defaults: %+v", cfg.Outbox)
	}
	if cfg.Bus.SubjectPrefix != "dixie.fleet" {
		t.Fatalf("unexpected subject prefix %q", cfg.Bus.SubjectPrefix)
	}
	if cfg.Lifecycle.Mode != "local" {
		t.Fatalf("expected local mode, got %q", cfg.Lifecycle.Mode)
	}
	if cfg.DBPath != filepath.Join(home, "fleet.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.TierLimits() != nil {
		t.Fatalf("expected no tier limit overrides")
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("expected home to be created: %v", err)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fleet")
	writeConfig(t, home, "monitor:\n  interval_seconds: 10\nbus:\n  url: ws://file:4222\n")
	t.Setenv("FLEET_HOME", home)
	t.Setenv("FLEET_MONITOR_INTERVAL_SECONDS", "5")
	t.Setenv("FLEET_BUS_URL", "ws://env:4222")
	t.Setenv("FLEET_TIMEOUT_MINUTES", "not-a-number")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Monitor.IntervalSeconds != 5 {
		t.Fatalf("expected env interval 5, got %d", cfg.Monitor.IntervalSeconds)
	}
	if cfg.Bus.URL != "ws://env:4222" {
		t.Fatalf("expected env bus url, got %q", cfg.Bus.URL)
	}
	if cfg.Monitor.TimeoutMinutes != 120 {
		t.Fatalf("malformed env value should be ignored, got %d", cfg.Monitor.TimeoutMinutes)
	}
}

func TestLoad_TelegramEnabledByTokenAndChats(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fleet")
	writeConfig(t, home, "notify:\n  telegram:\n    chat_ids: [12345]\n")
	t.Setenv("FLEET_HOME", home)
	t.Setenv("TELEGRAM_TOKEN", "bot-token")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Notify.Telegram.Enabled || cfg.Notify.Telegram.Token != "bot-token" {
		t.Fatalf("expected telegram enabled, got %+v", cfg.Notify.Telegram)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown mode", "lifecycle:\n  mode: vm\n", "lifecycle.mode"},
		{"container without image", "lifecycle:\n  mode: container\n", "lifecycle.image"},
		{"unknown tier", "admission:\n  tier_limits:\n    overlord: 2\n", "tier_limits"},
		{"negative limit", "admission:\n  tier_limits:\n    builder: -1\n", "builder"},
		{"warn ratio", "admission:\n  warn_ratio: 1.5\n", "warn_ratio"},
		{"bad yaml", "monitor: [\n", "parse config.yaml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			home := filepath.Join(t.TempDir(), "fleet")
			writeConfig(t, home, tc.body)
			_, err := config.LoadFrom(home)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSetTierLimit_PreservesOtherSettings(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fleet")
	writeConfig(t, home, "log_level: debug\nadmission:\n  global_limit: 9\n")

	if err := config.SetTierLimit(home, fleet.TierArchitect, 2); err != nil {
		t.Fatalf("set tier limit: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Admission.GlobalLimit != 9 {
		t.Fatalf("other settings lost: %+v", cfg)
	}
	if got := cfg.TierLimits()[fleet.TierArchitect]; got != 2 {
		t.Fatalf("expected architect limit 2, got %d", got)
	}
	if err := config.SetTierLimit(home, fleet.Tier("overlord"), 1); err == nil {
		t.Fatalf("expected unknown tier to be rejected")
	}
}

func TestFingerprint_ChangesWithBehaviour(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fleet")
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint not stable")
	}
	b.Monitor.TimeoutMinutes = 5
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprint should change with monitor timeout")
	}
}
