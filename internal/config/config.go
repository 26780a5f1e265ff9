// Package config loads the daemon configuration: defaults, then
// config.yaml under the agora home directory, then AGORA_* environment
// overrides, then normalization.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quorumlabs/agora/internal/inference"
	"github.com/quorumlabs/agora/internal/otel"
)

// ForumConfig holds the forum platform connection settings.
type ForumConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// InferenceConfig tunes the inference gateway.
type InferenceConfig struct {
	BudgetDailyCap         int `yaml:"budget_daily_cap"`
	MaxTries               int `yaml:"max_tries"`
	MaxWaitSeconds         int `yaml:"max_wait_seconds"`
	BreakerThreshold       int `yaml:"breaker_threshold"`
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds"`
	TimeoutSeconds         int `yaml:"timeout_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	Streams         int    `yaml:"streams"`
	AgentsPerCycle  int    `yaml:"agents_per_cycle"`
	Cycles          int    `yaml:"cycles"` // 0 = run until stopped
	IntervalSeconds int    `yaml:"interval_seconds"`
	DryRun          bool   `yaml:"dry_run"`
	DisablePush     bool   `yaml:"disable_push"`
	LogLevel        string `yaml:"log_level"`

	MinGapSeconds     int `yaml:"min_gap_seconds"`
	CacheTTLSeconds   int `yaml:"cache_ttl_seconds"`
	DormantAfterHours int `yaml:"dormant_after_hours"`
	DeltaActorCap     int `yaml:"delta_actor_cap"`

	RetentionPokesHours         int `yaml:"retention_pokes_hours"`
	RetentionFlagsHours         int `yaml:"retention_flags_hours"`
	RetentionNotificationsHours int `yaml:"retention_notifications_hours"`

	Forum     ForumConfig               `yaml:"forum"`
	Backends  []inference.BackendConfig `yaml:"backends"`
	Inference InferenceConfig           `yaml:"inference"`
	Telemetry otel.Config               `yaml:"telemetry"`
}

// LedgerDir is where the ledger documents live.
func (c Config) LedgerDir() string { return filepath.Join(c.HomeDir, "ledger") }

// InboxDir is where submitters drop pending delta files.
func (c Config) InboxDir() string { return filepath.Join(c.HomeDir, "inbox") }

// IndexPath is the sqlite file backing the forum ref index and KV store.
func (c Config) IndexPath() string { return filepath.Join(c.HomeDir, "index.db") }

// MinGap returns the pacer gap as a duration.
func (c Config) MinGap() time.Duration { return time.Duration(c.MinGapSeconds) * time.Second }

// Interval returns the inter-cycle sleep as a duration.
func (c Config) Interval() time.Duration { return time.Duration(c.IntervalSeconds) * time.Second }

func defaultConfig() Config {
	return Config{
		Streams:         3,
		AgentsPerCycle:  9,
		IntervalSeconds: 300,
		LogLevel:        "info",

		MinGapSeconds:     20,
		CacheTTLSeconds:   300,
		DormantAfterHours: 72,
		DeltaActorCap:     10,

		RetentionPokesHours:         168,
		RetentionFlagsHours:         720,
		RetentionNotificationsHours: 168,

		Inference: InferenceConfig{
			BudgetDailyCap:         200,
			MaxTries:               4,
			MaxWaitSeconds:         30,
			BreakerThreshold:       3,
			BreakerCooldownSeconds: 300,
			TimeoutSeconds:         60,
		},
	}
}

// HomeDir resolves the agora home directory, honoring AGORA_HOME.
func HomeDir() string {
	if override := os.Getenv("AGORA_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agora")
}

// Load reads defaults, config.yaml, and env overrides, in that order.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agora home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
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
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Streams <= 0 {
		cfg.Streams = 3
	}
	if cfg.AgentsPerCycle <= 0 {
		cfg.AgentsPerCycle = 9
	}
	if cfg.Cycles < 0 {
		cfg.Cycles = 0
	}
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = 300
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MinGapSeconds <= 0 {
		cfg.MinGapSeconds = 20
	}
	if cfg.CacheTTLSeconds <= 0 {
		cfg.CacheTTLSeconds = 300
	}
	if cfg.DormantAfterHours <= 0 {
		cfg.DormantAfterHours = 72
	}
	if cfg.DeltaActorCap <= 0 {
		cfg.DeltaActorCap = 10
	}
	if cfg.Inference.MaxTries <= 0 {
		cfg.Inference.MaxTries = 4
	}
	if cfg.Inference.BreakerThreshold <= 0 {
		cfg.Inference.BreakerThreshold = 3
	}
	if cfg.Inference.BreakerCooldownSeconds <= 0 {
		cfg.Inference.BreakerCooldownSeconds = 300
	}
	if cfg.Inference.TimeoutSeconds <= 0 {
		cfg.Inference.TimeoutSeconds = 60
	}
	cfg.Forum.BaseURL = strings.TrimSuffix(cfg.Forum.BaseURL, "/")
}

func applyEnvOverrides(cfg *Config) {
	intVars := []struct {
		name string
		dst  *int
	}{
		{"AGORA_STREAMS", &cfg.Streams},
		{"AGORA_AGENTS_PER_CYCLE", &cfg.AgentsPerCycle},
		{"AGORA_CYCLES", &cfg.Cycles},
		{"AGORA_INTERVAL_SECONDS", &cfg.IntervalSeconds},
		{"AGORA_MIN_GAP_SECONDS", &cfg.MinGapSeconds},
		{"AGORA_CACHE_TTL_SECONDS", &cfg.CacheTTLSeconds},
		{"AGORA_DELTA_ACTOR_CAP", &cfg.DeltaActorCap},
		{"AGORA_BUDGET_DAILY_CAP", &cfg.Inference.BudgetDailyCap},
	}
	for _, v := range intVars {
		if raw := os.Getenv(v.name); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				*v.dst = n
			}
		}
	}
	if raw := os.Getenv("AGORA_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGORA_DRY_RUN"); raw != "" {
		cfg.DryRun = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("AGORA_FORUM_BASE_URL"); raw != "" {
		cfg.Forum.BaseURL = raw
	}
	if raw := os.Getenv("AGORA_FORUM_TOKEN"); raw != "" {
		cfg.Forum.Token = raw
	}
}

// Retention maps the configured hours to durations.
func (c Config) Retention() (pokes, flags, notifications time.Duration) {
	return time.Duration(c.RetentionPokesHours) * time.Hour,
		time.Duration(c.RetentionFlagsHours) * time.Hour,
		time.Duration(c.RetentionNotificationsHours) * time.Hour
}
