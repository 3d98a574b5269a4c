package config

import (
	"runtime"
	"strings"
	"time"

	"github.com/gonzalop/ftpd/server"
)

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":2121"
	}
	applyLimitsDefaults(&cfg.Limits)
	applyTimeoutsDefaults(&cfg.Timeouts)
	applyReactorsDefaults(&cfg.Reactors)
	applyAnonymousDefaults(&cfg.Anonymous)
	for i := range cfg.Users {
		if cfg.Users[i].Perm == "" {
			cfg.Users[i].Perm = server.ReadPerms + server.WritePerms
		}
	}
	applyMetricsDefaults(&cfg.Metrics)
	applyLoggingDefaults(&cfg.Logging)
}

func applyLimitsDefaults(cfg *LimitsConfig) {
	if cfg.MaxLoginAttempts == 0 {
		cfg.MaxLoginAttempts = 3
	}
	if cfg.MaxCommandLength == 0 {
		cfg.MaxCommandLength = server.DefaultMaxCommandLength
	}
}

func applyTimeoutsDefaults(cfg *TimeoutsConfig) {
	if cfg.Idle == 0 {
		cfg.Idle = 5 * time.Minute
	}
	if cfg.Passive == 0 {
		cfg.Passive = 30 * time.Second
	}
	if cfg.Active == 0 {
		cfg.Active = 10 * time.Second
	}
	if cfg.DataStall == 0 {
		cfg.DataStall = 5 * time.Minute
	}
	if cfg.Shutdown == 0 {
		cfg.Shutdown = 30 * time.Second
	}
}

func applyReactorsDefaults(cfg *ReactorsConfig) {
	if cfg.Distribution == "" {
		cfg.Distribution = server.DistributeShared.String()
	}
	cfg.Distribution = strings.ToLower(cfg.Distribution)
	if cfg.Count == 0 {
		cfg.Count = runtime.NumCPU()
	}
}

func applyAnonymousDefaults(cfg *AnonymousConfig) {
	if cfg.Perm == "" {
		cfg.Perm = server.ReadPerms
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:9121"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

// DefaultConfig returns the configuration written by "ftpd init": a single
// read-only anonymous area under /srv/ftp.
func DefaultConfig() *Config {
	cfg := &Config{
		Welcome: "FTP server ready",
		Anonymous: AnonymousConfig{
			Enabled: true,
			Home:    "/srv/ftp",
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
