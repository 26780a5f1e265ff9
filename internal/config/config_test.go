package config

import (
	"os"
	"path/filepath"
	"testing"
)

func withHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("AGORA_HOME", home)
	return home
}

func TestLoad_Defaults(t *testing.T) {
	withHome(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Streams != 3 || cfg.AgentsPerCycle != 9 {
		t.Errorf("streams=%d agents=%d", cfg.Streams, cfg.AgentsPerCycle)
	}
	if cfg.MinGapSeconds != 20 {
		t.Errorf("min_gap = %d, want 20", cfg.MinGapSeconds)
	}
	if cfg.Inference.BreakerThreshold != 3 || cfg.Inference.BreakerCooldownSeconds != 300 {
		t.Errorf("inference = %+v", cfg.Inference)
	}
	if cfg.DeltaActorCap != 10 {
		t.Errorf("delta_actor_cap = %d, want 10", cfg.DeltaActorCap)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	home := withHome(t)
	yaml := `
streams: 5
min_gap_seconds: 45
forum:
  base_url: https://forum.example/api/
  token: secret
backends:
  - name: primary
    base_url: https://llm.example/v1
    model: small-chat
    api_key_env: PRIMARY_KEY
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Streams != 5 || cfg.MinGapSeconds != 45 {
		t.Errorf("streams=%d min_gap=%d", cfg.Streams, cfg.MinGapSeconds)
	}
	if cfg.Forum.BaseURL != "https://forum.example/api" {
		t.Errorf("base_url = %q, want trailing slash trimmed", cfg.Forum.BaseURL)
	}
	if len(cfg.Backends) != 1 || cfg.Backends[0].Name != "primary" {
		t.Errorf("backends = %+v", cfg.Backends)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	home := withHome(t)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("streams: 5\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AGORA_STREAMS", "2")
	t.Setenv("AGORA_DRY_RUN", "true")
	t.Setenv("AGORA_FORUM_TOKEN", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Streams != 2 {
		t.Errorf("streams = %d, env must win", cfg.Streams)
	}
	if !cfg.DryRun {
		t.Error("AGORA_DRY_RUN not applied")
	}
	if cfg.Forum.Token != "from-env" {
		t.Errorf("token = %q", cfg.Forum.Token)
	}
}

func TestLoad_ForumCredentialsFromEnv(t *testing.T) {
	// These are the variable names the binary's usage text and startup
	// error point users at; they must reach the forum section.
	withHome(t)
	t.Setenv("AGORA_FORUM_TOKEN", "tok-123")
	t.Setenv("AGORA_FORUM_BASE_URL", "https://forum.example/api/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Forum.Token != "tok-123" {
		t.Errorf("token = %q, want tok-123", cfg.Forum.Token)
	}
	if cfg.Forum.BaseURL != "https://forum.example/api" {
		t.Errorf("base_url = %q, want trailing slash trimmed", cfg.Forum.BaseURL)
	}
}

func TestNormalize_ClampsBadValues(t *testing.T) {
	cfg := Config{Streams: -1, Cycles: -3, MinGapSeconds: 0}
	normalize(&cfg)
	if cfg.Streams != 3 || cfg.Cycles != 0 || cfg.MinGapSeconds != 20 {
		t.Errorf("normalized = %+v", cfg)
	}
}

func TestPaths(t *testing.T) {
	cfg := Config{HomeDir: "/data/agora"}
	if cfg.LedgerDir() != "/data/agora/ledger" {
		t.Errorf("LedgerDir = %q", cfg.LedgerDir())
	}
	if cfg.InboxDir() != "/data/agora/inbox" {
		t.Errorf("InboxDir = %q", cfg.InboxDir())
	}
	if cfg.IndexPath() != "/data/agora/index.db" {
		t.Errorf("IndexPath = %q", cfg.IndexPath())
	}
}
