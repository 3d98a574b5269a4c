// Package config loads the ftpd configuration file.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (FTPD_*, e.g. FTPD_LIMITS_MAX_CONNECTIONS=50)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the ftpd server configuration.
type Config struct {
	// Listen is the control connection address.
	Listen string `mapstructure:"listen" validate:"required,hostname_port" yaml:"listen"`

	// Welcome is the 220 banner.
	Welcome string `mapstructure:"welcome" yaml:"welcome"`

	// ReadOnly masks every write permission.
	ReadOnly bool `mapstructure:"read_only" yaml:"read_only"`

	// DisabledCommands answer 502. "@legacy", "@active", "@write" and
	// "@site" name whole groups.
	DisabledCommands []string `mapstructure:"disabled_commands" yaml:"disabled_commands,omitempty"`

	Passive   PassiveConfig   `mapstructure:"passive" yaml:"passive"`
	Limits    LimitsConfig    `mapstructure:"limits" yaml:"limits"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts" yaml:"timeouts"`
	TLS       TLSConfig       `mapstructure:"tls" yaml:"tls"`
	Reactors  ReactorsConfig  `mapstructure:"reactors" yaml:"reactors"`
	Anonymous AnonymousConfig `mapstructure:"anonymous" yaml:"anonymous"`
	Users     []UserConfig    `mapstructure:"users" validate:"dive" yaml:"users"`
	Privacy   PrivacyConfig   `mapstructure:"privacy" yaml:"privacy"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// PassiveConfig controls PASV/EPSV listeners.
type PassiveConfig struct {
	// PortMin and PortMax bound the passive ports. Both zero lets the
	// operating system choose.
	PortMin int `mapstructure:"port_min" validate:"omitempty,min=1024,max=65535" yaml:"port_min"`
	PortMax int `mapstructure:"port_max" validate:"omitempty,gtefield=PortMin,max=65535" yaml:"port_max"`

	// PublicHost is advertised in 227 replies, for servers behind NAT.
	PublicHost string `mapstructure:"public_host" yaml:"public_host,omitempty"`
}

// LimitsConfig holds admission, login and bandwidth limits. Zero means
// unlimited.
type LimitsConfig struct {
	MaxConnections      int `mapstructure:"max_connections" validate:"gte=0" yaml:"max_connections"`
	MaxConnectionsPerIP int `mapstructure:"max_connections_per_ip" validate:"gte=0" yaml:"max_connections_per_ip"`
	MaxLoginAttempts    int `mapstructure:"max_login_attempts" validate:"gt=0" yaml:"max_login_attempts"`
	// MaxCommandLength bounds a control line in bytes.
	MaxCommandLength int `mapstructure:"max_command_length" validate:"gte=512" yaml:"max_command_length"`

	// Bandwidth limits in bytes per second, e.g. "10Mi".
	BandwidthGlobal     ByteSize `mapstructure:"bandwidth_global" validate:"gte=0" yaml:"bandwidth_global"`
	BandwidthPerSession ByteSize `mapstructure:"bandwidth_per_session" validate:"gte=0" yaml:"bandwidth_per_session"`
}

// TimeoutsConfig holds every duration setting.
type TimeoutsConfig struct {
	Idle            time.Duration `mapstructure:"idle" validate:"gte=0"`
	Passive         time.Duration `mapstructure:"passive" validate:"gt=0"`
	Active          time.Duration `mapstructure:"active" validate:"gt=0"`
	DataStall       time.Duration `mapstructure:"data_stall" validate:"gte=0"`
	AuthFailedDelay time.Duration `mapstructure:"auth_failed_delay" validate:"gte=0"`
	Shutdown        time.Duration `mapstructure:"shutdown" validate:"gt=0"`
}

// MarshalYAML writes durations as "30s" rather than nanoseconds.
func (t TimeoutsConfig) MarshalYAML() (any, error) {
	return map[string]string{
		"idle":              t.Idle.String(),
		"passive":           t.Passive.String(),
		"active":            t.Active.String(),
		"data_stall":        t.DataStall.String(),
		"auth_failed_delay": t.AuthFailedDelay.String(),
		"shutdown":          t.Shutdown.String(),
	}, nil
}

// TLSConfig enables explicit FTPS when both files are set.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file" validate:"omitempty,file" yaml:"cert_file,omitempty"`
	KeyFile  string `mapstructure:"key_file" validate:"omitempty,file" yaml:"key_file,omitempty"`
}

// Enabled reports whether FTPS is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// ReactorsConfig chooses how sessions are spread over reactors.
type ReactorsConfig struct {
	// Distribution is shared, round-robin or per-connection.
	Distribution string `mapstructure:"distribution" validate:"oneof=shared round-robin per-connection" yaml:"distribution"`

	// Count is the pool size for round-robin. Defaults to the number of CPUs.
	Count int `mapstructure:"count" validate:"gte=0" yaml:"count"`
}

// AnonymousConfig enables anonymous logins.
type AnonymousConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Home    string `mapstructure:"home" validate:"omitempty,dir" yaml:"home,omitempty"`
	Perm    string `mapstructure:"perm" validate:"omitempty,perm" yaml:"perm,omitempty"`
}

// UserConfig is one account.
type UserConfig struct {
	Name     string `mapstructure:"name" validate:"required" yaml:"name"`
	Password string `mapstructure:"password" validate:"required" yaml:"password"`
	Home     string `mapstructure:"home" validate:"required,dir" yaml:"home"`
	// Perm uses the letters elr (read) and adfmwMT (write).
	Perm string `mapstructure:"perm" validate:"perm" yaml:"perm"`
}

// PrivacyConfig controls what reaches the logs.
type PrivacyConfig struct {
	RedactIPs bool `mapstructure:"redact_ips" yaml:"redact_ips"`
	// TransferLog is an xferlog file path; empty disables it.
	TransferLog string `mapstructure:"transfer_log" yaml:"transfer_log,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" validate:"omitempty,hostname_port" yaml:"listen"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR.
	Level string `mapstructure:"level" validate:"oneof=DEBUG INFO WARN ERROR" yaml:"level"`
	// Format is text or json.
	Format string `mapstructure:"format" validate:"oneof=text json" yaml:"format"`
	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// Load reads configPath (or the default location when empty), applies
// environment overrides and defaults, and validates the result. A missing
// file yields the defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML, readable only by its owner since it holds
// passwords.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("FTPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only sees keys viper already knows about.
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(ConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// envKeys lists the scalar settings that may come from the environment
// alone.
var envKeys = []string{
	"listen", "welcome", "read_only",
	"passive.port_min", "passive.port_max", "passive.public_host",
	"limits.max_connections", "limits.max_connections_per_ip", "limits.max_login_attempts", "limits.max_command_length",
	"limits.bandwidth_global", "limits.bandwidth_per_session",
	"timeouts.idle", "timeouts.passive", "timeouts.active", "timeouts.data_stall",
	"timeouts.auth_failed_delay", "timeouts.shutdown",
	"tls.cert_file", "tls.key_file",
	"reactors.distribution", "reactors.count",
	"anonymous.enabled", "anonymous.home", "anonymous.perm",
	"privacy.redact_ips", "privacy.transfer_log",
	"metrics.enabled", "metrics.listen",
	"logging.level", "logging.format", "logging.output",
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// byteSizeDecodeHook accepts "10Mi" as well as plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return ParseByteSize(v)
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case uint64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook accepts "30s"; raw integers are nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// ConfigDir returns $XDG_CONFIG_HOME/ftpd, ~/.config/ftpd, or "." when
// neither can be found.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ftpd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "ftpd")
}

// DefaultConfigPath returns the file Load reads when given no path.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
