// Package config holds the single typed configuration record for the server.
// Precedence: flags > environment > file > defaults. Every tunable the core
// honors is enumerated here; components receive the sub-struct they need.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultBinaryName      = "claude"
	DefaultProbeTimeout    = 5 * time.Second
	DefaultLocatorTTL      = time.Hour
	DefaultMaxSessions     = 8
	DefaultSessionDeadline = 30 * time.Minute
	DefaultIdleTimeout     = 2 * time.Minute
	DefaultQueueCapacity   = 256
	DefaultMaxLineBytes    = 1 << 20
	DefaultStderrRingBytes = 64 << 10
	DefaultKillGrace       = 5 * time.Second
	DefaultZombieTimeout   = 10 * time.Second
	DefaultZstdLevel       = 2
	DefaultGCInterval      = time.Hour
	DefaultTempGrace       = time.Hour
	DefaultWriteTimeout    = 10 * time.Second
)

// Config is the root configuration record.
type Config struct {
	StateRoot string `json:"state_root" yaml:"state_root" mapstructure:"state_root"`
	LogLevel  string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`

	Sessions   SessionsConfig   `json:"sessions" yaml:"sessions" mapstructure:"sessions"`
	Locator    LocatorConfig    `json:"locator" yaml:"locator" mapstructure:"locator"`
	Store      StoreConfig      `json:"store" yaml:"store" mapstructure:"store"`
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint" mapstructure:"checkpoint"`
	Ops        OpsConfig        `json:"ops" yaml:"ops" mapstructure:"ops"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing" mapstructure:"tracing"`
}

// SessionsConfig bounds the supervisor.
type SessionsConfig struct {
	MaxConcurrent   int               `json:"max_concurrent" yaml:"max_concurrent" mapstructure:"max_concurrent"`
	Deadline        time.Duration     `json:"deadline" yaml:"deadline" mapstructure:"deadline"`
	IdleTimeout     time.Duration     `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`
	QueueCapacity   int               `json:"queue_capacity" yaml:"queue_capacity" mapstructure:"queue_capacity"`
	MaxLineBytes    int               `json:"max_line_bytes" yaml:"max_line_bytes" mapstructure:"max_line_bytes"`
	StderrRingBytes int               `json:"stderr_ring_bytes" yaml:"stderr_ring_bytes" mapstructure:"stderr_ring_bytes"`
	KillGrace       time.Duration     `json:"kill_grace" yaml:"kill_grace" mapstructure:"kill_grace"`
	ZombieTimeout   time.Duration     `json:"zombie_timeout" yaml:"zombie_timeout" mapstructure:"zombie_timeout"`
	WriteTimeout    time.Duration     `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
	ExtraArgs       []string          `json:"extra_args" yaml:"extra_args" mapstructure:"extra_args"`
	Env             map[string]string `json:"env" yaml:"env" mapstructure:"env"`
}

// LocatorConfig steers executable discovery.
type LocatorConfig struct {
	BinaryName      string        `json:"binary_name" yaml:"binary_name" mapstructure:"binary_name"`
	Override        string        `json:"override" yaml:"override" mapstructure:"override"`
	MinVersion      string        `json:"min_version" yaml:"min_version" mapstructure:"min_version"`
	ProbeTimeout    time.Duration `json:"probe_timeout" yaml:"probe_timeout" mapstructure:"probe_timeout"`
	TTL             time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	ManagerGlobs    []string      `json:"manager_globs" yaml:"manager_globs" mapstructure:"manager_globs"`
	InstallPrefixes []string      `json:"install_prefixes" yaml:"install_prefixes" mapstructure:"install_prefixes"`
}

// StoreConfig bounds the content store.
type StoreConfig struct {
	QuotaBytes   int64         `json:"quota_bytes" yaml:"quota_bytes" mapstructure:"quota_bytes"`
	ZstdLevel    int           `json:"zstd_level" yaml:"zstd_level" mapstructure:"zstd_level"`
	VerifyOnRead bool          `json:"verify_on_read" yaml:"verify_on_read" mapstructure:"verify_on_read"`
	GCDisable    bool          `json:"gc_disable" yaml:"gc_disable" mapstructure:"gc_disable"`
	GCInterval   time.Duration `json:"gc_interval" yaml:"gc_interval" mapstructure:"gc_interval"`
	TempGrace    time.Duration `json:"temp_grace" yaml:"temp_grace" mapstructure:"temp_grace"`
}

// CheckpointConfig steers the tree walker.
type CheckpointConfig struct {
	Ignore []string `json:"ignore" yaml:"ignore" mapstructure:"ignore"`
}

// OpsConfig enables the read-only HTTP surface. Empty ListenAddr disables it.
type OpsConfig struct {
	ListenAddr   string   `json:"listen_addr" yaml:"listen_addr" mapstructure:"listen_addr"`
	AllowOrigins []string `json:"allow_origins" yaml:"allow_origins" mapstructure:"allow_origins"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter    string  `json:"exporter" yaml:"exporter" mapstructure:"exporter"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" mapstructure:"sample_ratio"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		StateRoot: DefaultStateRoot(),
		LogLevel:  "info",
		Sessions: SessionsConfig{
			MaxConcurrent:   DefaultMaxSessions,
			Deadline:        DefaultSessionDeadline,
			IdleTimeout:     DefaultIdleTimeout,
			QueueCapacity:   DefaultQueueCapacity,
			MaxLineBytes:    DefaultMaxLineBytes,
			StderrRingBytes: DefaultStderrRingBytes,
			KillGrace:       DefaultKillGrace,
			ZombieTimeout:   DefaultZombieTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			Env:             map[string]string{},
		},
		Locator: LocatorConfig{
			BinaryName:   DefaultBinaryName,
			ProbeTimeout: DefaultProbeTimeout,
			TTL:          DefaultLocatorTTL,
			ManagerGlobs: []string{
				"~/.nvm/versions/node/*/bin",
				"~/.volta/bin",
				"~/.asdf/shims",
				"~/.local/share/mise/shims",
			},
			InstallPrefixes: []string{
				"/usr/local/bin",
				"/opt/homebrew/bin",
				"/usr/bin",
			},
		},
		Store: StoreConfig{
			ZstdLevel:  DefaultZstdLevel,
			GCInterval: DefaultGCInterval,
			TempGrace:  DefaultTempGrace,
		},
		Checkpoint: CheckpointConfig{
			Ignore: []string{".git", "node_modules"},
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			SampleRatio: 1.0,
		},
	}
}

// DefaultStateRoot is ~/.warden, falling back to the system temp directory
// when the home directory cannot be determined.
func DefaultStateRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "warden")
	}
	return filepath.Join(home, ".warden")
}

// Derived state-root paths. Layout:
//
//	<state-root>/content-store/aa/<sha256>.zst
//	<state-root>/content-store/refcounts.db
//	<state-root>/checkpoints/<id>.json, refs/<name>
//	<state-root>/registry/processes.db, binaries.db
//	<state-root>/logs/warden.log
//	<state-root>/worktrees/<session-id>/

func (c Config) ContentStoreDir() string { return filepath.Join(c.StateRoot, "content-store") }
func (c Config) CheckpointsDir() string  { return filepath.Join(c.StateRoot, "checkpoints") }
func (c Config) RegistryDir() string     { return filepath.Join(c.StateRoot, "registry") }
func (c Config) LogsDir() string         { return filepath.Join(c.StateRoot, "logs") }
func (c Config) LogFile() string         { return filepath.Join(c.LogsDir(), "warden.log") }
func (c Config) WorktreesDir() string    { return filepath.Join(c.StateRoot, "worktrees") }

// GCEnabled reports whether the periodic sweep should run.
func (c Config) GCEnabled() bool {
	return !c.Store.GCDisable && c.Store.GCInterval > 0
}

// Validate rejects configurations the server cannot run with. Failures here
// exit the process with code 2.
func (c Config) Validate() error {
	if c.StateRoot == "" {
		return fmt.Errorf("state_root must not be empty")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Sessions.MaxConcurrent <= 0 {
		return fmt.Errorf("sessions.max_concurrent = %d, must be positive", c.Sessions.MaxConcurrent)
	}
	if c.Sessions.QueueCapacity <= 0 {
		return fmt.Errorf("sessions.queue_capacity = %d, must be positive", c.Sessions.QueueCapacity)
	}
	if c.Sessions.MaxLineBytes < 1024 {
		return fmt.Errorf("sessions.max_line_bytes = %d, must be at least 1024", c.Sessions.MaxLineBytes)
	}
	if c.Sessions.KillGrace <= 0 {
		return fmt.Errorf("sessions.kill_grace must be positive")
	}
	if c.Sessions.ZombieTimeout <= 0 {
		return fmt.Errorf("sessions.zombie_timeout must be positive")
	}
	if c.Locator.BinaryName == "" && c.Locator.Override == "" {
		return fmt.Errorf("locator.binary_name and locator.override are both empty")
	}
	if c.Store.QuotaBytes < 0 {
		return fmt.Errorf("store.quota_bytes = %d, must not be negative", c.Store.QuotaBytes)
	}
	if c.Store.ZstdLevel < 1 || c.Store.ZstdLevel > 4 {
		return fmt.Errorf("store.zstd_level = %d, must be 1..4 (fastest..best)", c.Store.ZstdLevel)
	}
	switch c.Tracing.Exporter {
	case "", "none", "otlp", "jaeger", "zipkin":
	default:
		return fmt.Errorf("tracing.exporter = %q, must be none|otlp|jaeger|zipkin", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio = %v, must be in [0,1]", c.Tracing.SampleRatio)
	}
	return nil
}

// ParseLogLevel validates a log level string. The concrete mapping lives in
// internal/logging; config only rejects unknown names.
func ParseLogLevel(s string) (string, error) {
	switch s {
	case "", "debug", "info", "warn", "warning", "error":
		return s, nil
	default:
		return "", fmt.Errorf("log_level = %q, must be debug|info|warn|error", s)
	}
}
