package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	t.Parallel()

	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	body := `
state_root: ` + dir + `
log_level: debug
sessions:
  max_concurrent: 3
  deadline: 10m
  kill_grace: 2s
store:
  zstd_level: 4
  quota_bytes: 1048576
tracing:
  exporter: otlp
  endpoint: localhost:4318
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sessions.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", cfg.Sessions.MaxConcurrent)
	}
	if cfg.Sessions.Deadline != 10*time.Minute {
		t.Errorf("Deadline = %v, want 10m", cfg.Sessions.Deadline)
	}
	if cfg.Sessions.KillGrace != 2*time.Second {
		t.Errorf("KillGrace = %v, want 2s", cfg.Sessions.KillGrace)
	}
	if cfg.Store.ZstdLevel != 4 || cfg.Store.QuotaBytes != 1<<20 {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Tracing.Exporter != "otlp" {
		t.Errorf("Tracing.Exporter = %q, want otlp", cfg.Tracing.Exporter)
	}
	// Untouched keys keep defaults.
	if cfg.Sessions.QueueCapacity != DefaultQueueCapacity {
		t.Errorf("QueueCapacity = %d, want default %d", cfg.Sessions.QueueCapacity, DefaultQueueCapacity)
	}
}

func TestLoadEnvAliases(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("WARDEN_STATE_ROOT", dir)
	t.Setenv("WARDEN_MAX_SESSIONS", "5")
	t.Setenv("WARDEN_DISK_QUOTA", "2097152")
	t.Setenv("WARDEN_BINARY_PATH", "/opt/bin/agent")
	t.Setenv("WARDEN_GC_DISABLE", "true")

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err == nil {
		t.Fatalf("Load() with explicit missing file should fail")
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StateRoot != dir {
		t.Errorf("StateRoot = %q, want %q", cfg.StateRoot, dir)
	}
	if cfg.Sessions.MaxConcurrent != 5 {
		t.Errorf("MaxConcurrent = %d, want 5", cfg.Sessions.MaxConcurrent)
	}
	if cfg.Store.QuotaBytes != 2<<20 {
		t.Errorf("QuotaBytes = %d, want 2MiB", cfg.Store.QuotaBytes)
	}
	if cfg.Locator.Override != "/opt/bin/agent" {
		t.Errorf("Override = %q", cfg.Locator.Override)
	}
	if !cfg.Store.GCDisable || cfg.GCEnabled() {
		t.Errorf("GCDisable = %v, GCEnabled() = %v", cfg.Store.GCDisable, cfg.GCEnabled())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty state root", func(c *Config) { c.StateRoot = "" }},
		{"zero sessions", func(c *Config) { c.Sessions.MaxConcurrent = 0 }},
		{"zero queue", func(c *Config) { c.Sessions.QueueCapacity = 0 }},
		{"tiny line cap", func(c *Config) { c.Sessions.MaxLineBytes = 16 }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad zstd", func(c *Config) { c.Store.ZstdLevel = 9 }},
		{"negative quota", func(c *Config) { c.Store.QuotaBytes = -1 }},
		{"bad exporter", func(c *Config) { c.Tracing.Exporter = "statsd" }},
		{"no binary", func(c *Config) { c.Locator.BinaryName = ""; c.Locator.Override = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() accepted %s", tc.name)
			}
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	t.Parallel()

	cfg := Config{StateRoot: "/var/lib/warden"}
	if got := cfg.ContentStoreDir(); got != "/var/lib/warden/content-store" {
		t.Errorf("ContentStoreDir() = %q", got)
	}
	if got := cfg.LogFile(); got != "/var/lib/warden/logs/warden.log" {
		t.Errorf("LogFile() = %q", got)
	}
	if got := cfg.WorktreesDir(); got != "/var/lib/warden/worktrees" {
		t.Errorf("WorktreesDir() = %q", got)
	}
}
