package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Environment variables honored without the dotted-key convention. These are
// the documented operator knobs; everything else is reachable as
// WARDEN_<SECTION>_<KEY>.
var envAliases = map[string]string{
	"state_root":              "WARDEN_STATE_ROOT",
	"log_level":               "WARDEN_LOG_LEVEL",
	"store.quota_bytes":       "WARDEN_DISK_QUOTA",
	"store.gc_disable":        "WARDEN_GC_DISABLE",
	"locator.override":        "WARDEN_BINARY_PATH",
	"sessions.max_concurrent": "WARDEN_MAX_SESSIONS",
}

// Load builds the effective configuration. When path is empty the loader
// searches for warden.yaml in the working directory and $HOME/.warden/; a
// missing file is not an error, defaults plus environment apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("warden")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.warden")
	}

	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	cfg := Default()
	registerDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// registerDefaults seeds viper so AutomaticEnv resolves keys that appear in
// neither the file nor the explicit binds.
func registerDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("state_root", cfg.StateRoot)
	v.SetDefault("log_level", cfg.LogLevel)

	v.SetDefault("sessions.max_concurrent", cfg.Sessions.MaxConcurrent)
	v.SetDefault("sessions.deadline", cfg.Sessions.Deadline)
	v.SetDefault("sessions.idle_timeout", cfg.Sessions.IdleTimeout)
	v.SetDefault("sessions.queue_capacity", cfg.Sessions.QueueCapacity)
	v.SetDefault("sessions.max_line_bytes", cfg.Sessions.MaxLineBytes)
	v.SetDefault("sessions.stderr_ring_bytes", cfg.Sessions.StderrRingBytes)
	v.SetDefault("sessions.kill_grace", cfg.Sessions.KillGrace)
	v.SetDefault("sessions.zombie_timeout", cfg.Sessions.ZombieTimeout)
	v.SetDefault("sessions.write_timeout", cfg.Sessions.WriteTimeout)
	v.SetDefault("sessions.extra_args", cfg.Sessions.ExtraArgs)
	v.SetDefault("sessions.env", cfg.Sessions.Env)

	v.SetDefault("locator.binary_name", cfg.Locator.BinaryName)
	v.SetDefault("locator.override", cfg.Locator.Override)
	v.SetDefault("locator.min_version", cfg.Locator.MinVersion)
	v.SetDefault("locator.probe_timeout", cfg.Locator.ProbeTimeout)
	v.SetDefault("locator.ttl", cfg.Locator.TTL)
	v.SetDefault("locator.manager_globs", cfg.Locator.ManagerGlobs)
	v.SetDefault("locator.install_prefixes", cfg.Locator.InstallPrefixes)

	v.SetDefault("store.quota_bytes", cfg.Store.QuotaBytes)
	v.SetDefault("store.zstd_level", cfg.Store.ZstdLevel)
	v.SetDefault("store.verify_on_read", cfg.Store.VerifyOnRead)
	v.SetDefault("store.gc_disable", cfg.Store.GCDisable)
	v.SetDefault("store.gc_interval", cfg.Store.GCInterval)
	v.SetDefault("store.temp_grace", cfg.Store.TempGrace)

	v.SetDefault("checkpoint.ignore", cfg.Checkpoint.Ignore)

	v.SetDefault("ops.listen_addr", cfg.Ops.ListenAddr)
	v.SetDefault("ops.allow_origins", cfg.Ops.AllowOrigins)

	v.SetDefault("tracing.exporter", cfg.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)
}
