package config

import (
	"testing"
	"time"
)

type mapEnv map[string]string

func (m mapEnv) Getenv(key string) string { return m[key] }

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.Port)
	}
	if cfg.GinMode != "release" {
		t.Fatalf("expected default gin mode release, got %q", cfg.GinMode)
	}
}

func TestLoadConfigFromEnv_MissingSecret(t *testing.T) {
	_, err := LoadConfigFromEnv(mapEnv{})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfigFromEnv_PortOverride(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x", "PORT": "1234"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 1234 {
		t.Fatalf("expected port 1234, got %d", cfg.Port)
	}
}

func TestLoadConfigFromEnv_SyncSettings(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.ActivityTimeout != 10*time.Minute || !cfg.MetricsEnabled || cfg.FeedDBPath != "" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	cfg, err = LoadConfigFromEnv(mapEnv{
		"MASTER_SECRET":            "x",
		"ACTIVITY_TIMEOUT_SECONDS": "30",
		"METRICS_ENABLED":          "false",
		"FEED_DB_PATH":             "/tmp/feed.db",
		"MACHINES_STATE_FILE":      "/tmp/machines.json",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.ActivityTimeout != 30*time.Second {
		t.Fatalf("expected 30s activity timeout, got %v", cfg.ActivityTimeout)
	}
	if cfg.MetricsEnabled {
		t.Fatalf("expected metrics disabled")
	}
	if cfg.FeedDBPath != "/tmp/feed.db" || cfg.MachinesStateFile != "/tmp/machines.json" {
		t.Fatalf("unexpected paths: %+v", cfg)
	}
}

func TestLoadConfigFromEnv_InvalidActivityTimeout(t *testing.T) {
	for _, raw := range []string{"0", "-5", "soon"} {
		if _, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x", "ACTIVITY_TIMEOUT_SECONDS": raw}); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
	if _, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x", "METRICS_ENABLED": "maybe"}); err == nil {
		t.Fatalf("expected error for METRICS_ENABLED")
	}
}
