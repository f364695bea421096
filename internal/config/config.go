// Package config loads fleetd settings from $FLEET_HOME/config.yaml, applying
// defaults first and FLEET_* environment overrides last.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-fleet/internal/fleet"
	fleetotel "github.com/basket/go-fleet/internal/otel"
	"github.com/basket/go-fleet/internal/persistence"
)

type MonitorConfig struct {
	IntervalSeconds       int `yaml:"interval_seconds"`
	StallThresholdSeconds int `yaml:"stall_threshold_seconds"`
	TimeoutMinutes        int `yaml:"timeout_minutes"`
	// CycleDeadlineSeconds defaults to the interval.
	CycleDeadlineSeconds int `yaml:"cycle_deadline_seconds"`
}

func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

func (m MonitorConfig) StallThreshold() time.Duration {
	return time.Duration(m.StallThresholdSeconds) * time.Second
}

func (m MonitorConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMinutes) * time.Minute
}

func (m MonitorConfig) CycleDeadline() time.Duration {
	return time.Duration(m.CycleDeadlineSeconds) * time.Second
}

type OutboxConfig struct {
	BatchSize           int `yaml:"batch_size"`
	MaxRetries          int `yaml:"max_retries"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	ClaimTTLSeconds     int `yaml:"claim_ttl_seconds"`
}

// BusConfig points at the external event bus. An empty URL keeps events in-process.
type BusConfig struct {
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LifecycleConfig struct {
	// Mode is "local" (tmux) or "container" (docker).
	Mode          string            `yaml:"mode"`
	RepoDir       string            `yaml:"repo_dir"`
	WorktreeDir   string            `yaml:"worktree_dir"`
	BaseRef       string            `yaml:"base_ref"`
	AgentCommands map[string]string `yaml:"agent_commands"`
	Image         string            `yaml:"image"`
	Env           []string          `yaml:"env"`
	MemoryMB      int64             `yaml:"memory_mb"`
	NetworkMode   string            `yaml:"network_mode"`
	// InsightsDir defaults to <home>/insights. "off" disables harvesting.
	InsightsDir string `yaml:"insights_dir"`
}

type AdmissionConfig struct {
	TierLimits  map[string]int `yaml:"tier_limits"`
	GlobalLimit int            `yaml:"global_limit"`
	WarnRatio   float64        `yaml:"warn_ratio"`
}

type SCMConfig struct {
	Binary         string `yaml:"binary"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
	Enabled bool    `yaml:"enabled"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	// HealthAddr serves /healthz for "fleetd status". Empty disables it.
	HealthAddr string `yaml:"health_addr"`
	// DBPath defaults to <home>/fleet.db.
	DBPath string `yaml:"db_path"`

	Monitor   MonitorConfig         `yaml:"monitor"`
	Outbox    OutboxConfig          `yaml:"outbox"`
	Bus       BusConfig             `yaml:"bus"`
	Lifecycle LifecycleConfig       `yaml:"lifecycle"`
	Admission AdmissionConfig       `yaml:"admission"`
	SCM       SCMConfig             `yaml:"scm"`
	Telemetry fleetotel.Config      `yaml:"telemetry"`
	Notify    NotifyConfig          `yaml:"notify"`
	Retention persistence.Retention `yaml:"retention"`
}

// TierLimits converts the configured limits, dropping unknown tier names.
func (c Config) TierLimits() map[fleet.Tier]int {
	if len(c.Admission.TierLimits) == 0 {
		return nil
	}
	out := make(map[fleet.Tier]int, len(c.Admission.TierLimits))
	for name, n := range c.Admission.TierLimits {
		if tier, err := fleet.ParseTier(name); err == nil {
			out[tier] = n
		}
	}
	return out
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint is a stable hash of the settings that change daemon behaviour.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|monitor=%+v|outbox=%+v|bus=%s/%s|mode=%s|limits=%v/%d",
		c.DBPath, c.LogLevel, c.Monitor, c.Outbox, c.Bus.URL, c.Bus.SubjectPrefix,
		c.Lifecycle.Mode, c.Admission.TierLimits, c.Admission.GlobalLimit)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:   "info",
		HealthAddr: "127.0.0.1:18790",
		Monitor: MonitorConfig{
			IntervalSeconds:       30,
			StallThresholdSeconds: 1800,
			TimeoutMinutes:        120,
		},
		Outbox: OutboxConfig{
			BatchSize:           50,
			MaxRetries:          5,
			PollIntervalSeconds: 5,
			ClaimTTLSeconds:     30,
		},
		Bus:       BusConfig{SubjectPrefix: "dixie.fleet"},
		Lifecycle: LifecycleConfig{Mode: string(fleet.ModeLocal), BaseRef: "HEAD"},
		Admission: AdmissionConfig{WarnRatio: 0.8},
		SCM:       SCMConfig{Binary: "gh", TimeoutSeconds: 30},
		Retention: persistence.Retention{OutboxDays: 30, NotificationDays: 90},
	}
}

func HomeDir() string {
	if override := os.Getenv("FLEET_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fleet")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads homeDir/config.yaml. A missing file yields the defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create fleet home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "fleet.db")
	}
	if cfg.Monitor.IntervalSeconds <= 0 {
		cfg.Monitor.IntervalSeconds = def.Monitor.IntervalSeconds
	}
	if cfg.Monitor.StallThresholdSeconds <= 0 {
		cfg.Monitor.StallThresholdSeconds = def.Monitor.StallThresholdSeconds
	}
	if cfg.Monitor.TimeoutMinutes <= 0 {
		cfg.Monitor.TimeoutMinutes = def.Monitor.TimeoutMinutes
	}
	if cfg.Monitor.CycleDeadlineSeconds <= 0 {
		cfg.Monitor.CycleDeadlineSeconds = cfg.Monitor.IntervalSeconds
	}
	if cfg.Outbox.BatchSize <= 0 {
		cfg.Outbox.BatchSize = def.Outbox.BatchSize
	}
	if cfg.Outbox.MaxRetries <= 0 {
		cfg.Outbox.MaxRetries = def.Outbox.MaxRetries
	}
	if cfg.Outbox.PollIntervalSeconds <= 0 {
		cfg.Outbox.PollIntervalSeconds = def.Outbox.PollIntervalSeconds
	}
	if cfg.Outbox.ClaimTTLSeconds <= 0 {
		cfg.Outbox.ClaimTTLSeconds = def.Outbox.ClaimTTLSeconds
	}
	cfg.Lifecycle.Mode = strings.ToLower(strings.TrimSpace(cfg.Lifecycle.Mode))
	if cfg.Lifecycle.Mode == "" {
		cfg.Lifecycle.Mode = string(fleet.ModeLocal)
	}
	if cfg.Lifecycle.RepoDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Lifecycle.RepoDir = wd
		}
	}
	switch cfg.Lifecycle.InsightsDir {
	case "":
		cfg.Lifecycle.InsightsDir = filepath.Join(cfg.HomeDir, "insights")
	case "off":
		cfg.Lifecycle.InsightsDir = ""
	}
	if cfg.SCM.Binary == "" {
		cfg.SCM.Binary = def.SCM.Binary
	}
	if cfg.SCM.TimeoutSeconds <= 0 {
		cfg.SCM.TimeoutSeconds = def.SCM.TimeoutSeconds
	}
	if cfg.Notify.Telegram.Token != "" && len(cfg.Notify.Telegram.ChatIDs) > 0 {
		cfg.Notify.Telegram.Enabled = true
	}
}

func validate(cfg Config) error {
	switch fleet.AgentMode(cfg.Lifecycle.Mode) {
	case fleet.ModeLocal:
	case fleet.ModeContainer:
		if cfg.Lifecycle.Image == "" {
			return fmt.Errorf("lifecycle.image is required in container mode")
		}
	default:
		return fmt.Errorf("lifecycle.mode must be local or container, got %q", cfg.Lifecycle.Mode)
	}
	for name, n := range cfg.Admission.TierLimits {
		if _, err := fleet.ParseTier(name); err != nil {
			return fmt.Errorf("admission.tier_limits: %w", err)
		}
		if n < 0 {
			return fmt.Errorf("admission.tier_limits.%s must be >= 0", name)
		}
	}
	if r := cfg.Admission.WarnRatio; r < 0 || r > 1 {
		return fmt.Errorf("admission.warn_ratio must be within [0,1], got %v", r)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FLEET_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw, ok := os.LookupEnv("FLEET_HEALTH_ADDR"); ok {
		cfg.HealthAddr = raw
	}
	if raw := os.Getenv("FLEET_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	envInt("FLEET_MONITOR_INTERVAL_SECONDS", &cfg.Monitor.IntervalSeconds)
	envInt("FLEET_STALL_THRESHOLD_SECONDS", &cfg.Monitor.StallThresholdSeconds)
	envInt("FLEET_TIMEOUT_MINUTES", &cfg.Monitor.TimeoutMinutes)
	envInt("FLEET_OUTBOX_BATCH_SIZE", &cfg.Outbox.BatchSize)
	envInt("FLEET_OUTBOX_MAX_RETRIES", &cfg.Outbox.MaxRetries)
	if raw := os.Getenv("FLEET_BUS_URL"); raw != "" {
		cfg.Bus.URL = raw
	}
	if raw := os.Getenv("FLEET_BUS_TOKEN"); raw != "" {
		cfg.Bus.Token = raw
	}
	if raw := os.Getenv("FLEET_SUBJECT_PREFIX"); raw != "" {
		cfg.Bus.SubjectPrefix = raw
	}
	if raw := os.Getenv("FLEET_MODE"); raw != "" {
		cfg.Lifecycle.Mode = raw
	}
	if raw := os.Getenv("FLEET_REPO_DIR"); raw != "" {
		cfg.Lifecycle.RepoDir = raw
	}
	if raw := os.Getenv("FLEET_AGENT_IMAGE"); raw != "" {
		cfg.Lifecycle.Image = raw
	}
	if raw := os.Getenv("FLEET_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = raw
		if cfg.Telemetry.Exporter == "" {
			cfg.Telemetry.Exporter = "otlp-http"
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
	}
}

func envInt(key string, dst *int) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*dst = v
	}
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetTierLimit updates admission.tier_limits.<tier> in config.yaml, preserving
// other settings.
func SetTierLimit(homeDir string, tier fleet.Tier, limit int) error {
	if _, err := fleet.ParseTier(string(tier)); err != nil {
		return err
	}
	if limit < 0 {
		return fmt.Errorf("limit must be >= 0")
	}
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	admission, _ := raw["admission"].(map[string]interface{})
	if admission == nil {
		admission = make(map[string]interface{})
	}
	limits, _ := admission["tier_limits"].(map[string]interface{})
	if limits == nil {
		limits = make(map[string]interface{})
	}
	limits[string(tier)] = limit
	admission["tier_limits"] = limits
	raw["admission"] = admission
	return saveRawConfig(path, raw)
}
