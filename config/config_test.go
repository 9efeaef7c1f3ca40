package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fmbridge.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Worker.MaxRestarts != defaultMaxRestarts {
		t.Errorf("max restarts %d, want %d", cfg.Worker.MaxRestarts, defaultMaxRestarts)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "auto" {
		t.Errorf("logging defaults %+v", cfg.Logging)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := writeConfig(t, `
[worker]
path = "/opt/fm/fmworker"
idle_timeout_seconds = 60

[logging]
level = "debug"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Worker.Path != "/opt/fm/fmworker" {
		t.Errorf("path %q", cfg.Worker.Path)
	}
	if cfg.Worker.IdleTimeoutSeconds != 60 {
		t.Errorf("idle %d, want 60", cfg.Worker.IdleTimeoutSeconds)
	}
	// Untouched keys keep their defaults.
	if cfg.Worker.CallTimeoutMS != defaultCallTimeoutMS {
		t.Errorf("call timeout %d, want default", cfg.Worker.CallTimeoutMS)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateCatchesBadValues(t *testing.T) {
	cases := []struct {
		mutate func(*Config)
		want   string
	}{
		{func(c *Config) { c.Worker.CallTimeoutMS = 0 }, "call_timeout_ms"},
		{func(c *Config) { c.Worker.MaxRestarts = -1 }, "max_restarts"},
		{func(c *Config) { c.Worker.BackoffMaxMS = 10; c.Worker.BackoffInitialMS = 100 }, "backoff_max_ms"},
		{func(c *Config) { c.Limits.RatePerSecond = -1 }, "rate_per_second"},
		{func(c *Config) { c.Limits.Burst = 0 }, "burst"},
		{func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("want error mentioning %q, got %v", tc.want, err)
		}
	}
}

func TestClientConfigTranslatesDurations(t *testing.T) {
	cfg := Default()
	cfg.Worker.Path = "/usr/local/bin/fmworker"
	cfg.Worker.BackoffInitialMS = 250
	cfg.Worker.IdleTimeoutSeconds = 90

	cc := cfg.ClientConfig()
	if cc.WorkerPath != cfg.Worker.Path {
		t.Errorf("worker path %q", cc.WorkerPath)
	}
	if cc.Lifecycle.BackoffInitial != 250*time.Millisecond {
		t.Errorf("backoff initial %v", cc.Lifecycle.BackoffInitial)
	}
	if cc.Lifecycle.IdleTimeout != 90*time.Second {
		t.Errorf("idle timeout %v", cc.Lifecycle.IdleTimeout)
	}
	if len(cc.Lifecycle.TransportOptions) != 2 {
		t.Errorf("expected call and progress timeout options, got %d", len(cc.Lifecycle.TransportOptions))
	}
}
