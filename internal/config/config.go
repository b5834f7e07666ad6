package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/relaypoint/relaypoint/internal/core"
)

// Config represents the complete application configuration. Values are
// layered: built-in defaults, then the config file, then RELAYPOINT_* env
// variables, then command flags.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Limiter  LimiterConfig  `mapstructure:"limiter"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Telegram TelegramConfig `mapstructure:"telegram"`

	// RateLimits overrides built-in policies per platform.
	RateLimits map[string]RateLimitOverride `mapstructure:"rate_limits"`

	// Platforms configures REST bridges keyed by platform name.
	Platforms map[string]PlatformConfig `mapstructure:"platforms"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects and configures the limiter state backend.
// Driver is one of memory, libsql or redis.
type StoreConfig struct {
	Driver    string      `mapstructure:"driver"`
	Path      string      `mapstructure:"path"`
	URL       string      `mapstructure:"url"`
	AuthToken string      `mapstructure:"auth_token"`
	Redis     RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the redis state backend.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled"`

	// Port is a dedicated metrics listener. Zero serves metrics only on the
	// main HTTP port.
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// RetryConfig tunes the retry orchestrator.
type RetryConfig struct {
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// LimiterConfig holds limiter settings shared by every platform.
type LimiterConfig struct {
	// Timezone decides when daily counters roll over (IANA name).
	Timezone     string        `mapstructure:"timezone"`
	SafetyMargin float64       `mapstructure:"safety_margin"`
	ErrorTTL     time.Duration `mapstructure:"error_ttl"`
	// PurgeInterval controls how often SQL and memory backends drop expired
	// rows. Zero disables the janitor.
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// AdminConfig guards the mutating HTTP routes. When Token is set, admin
// requests must carry it in X-Admin-Token, and POST /admin/signal is enabled.
type AdminConfig struct {
	Token             string  `mapstructure:"token"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// TelegramConfig configures the Bot API adapter.
type TelegramConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIURL  string        `mapstructure:"api_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PlatformConfig configures one REST bridge.
type PlatformConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RateLimitOverride replaces fields of a built-in policy. Zero values keep
// the built-in value; a negative DailyLimit removes the cap.
type RateLimitOverride struct {
	RequestsPerWindow int           `mapstructure:"requests_per_window"`
	Window            time.Duration `mapstructure:"window"`
	MinDelay          time.Duration `mapstructure:"min_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	DailyLimit        int           `mapstructure:"daily_limit"`
}

// Apply merges the override into policy.
func (o RateLimitOverride) Apply(policy core.RateLimitConfig) core.RateLimitConfig {
	if o.RequestsPerWindow > 0 {
		policy.RequestsPerWindow = o.RequestsPerWindow
	}
	if o.Window > 0 {
		policy.Window = o.Window
	}
	if o.MinDelay > 0 {
		policy.MinDelay = o.MinDelay
	}
	if o.MaxDelay > 0 {
		policy.MaxDelay = o.MaxDelay
	}
	switch {
	case o.DailyLimit > 0:
		policy = policy.WithDailyLimit(o.DailyLimit)
	case o.DailyLimit < 0:
		policy = policy.WithDailyLimit(0)
	}
	return policy
}

// PolicyFor returns the effective policy for a platform.
func (c *Config) PolicyFor(platform core.Platform) core.RateLimitConfig {
	policy := core.PolicyFor(platform)
	if c == nil {
		return policy
	}
	for _, names := range [][]string{mapKeys(c.RateLimits), mapKeys(c.Platforms)} {
		for _, name := range names {
			if err := core.ParsePlatform(name).Validate(); err != nil {
				return fmt.Errorf("platform %q: %w", name, err)
			}
		}
	}
	for name, override := range c.RateLimits {
		if core.ParsePlatform(name) == platform {
			policy = override.Apply(policy)
		}
	}
	return policy
}

// Location resolves the limiter timezone.
func (c *Config) Location() (*time.Location, error) {
	if c == nil || strings.TrimSpace(c.Limiter.Timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(strings.TrimSpace(c.Limiter.Timezone))
	if err != nil {
		return nil, fmt.Errorf("invalid limiter timezone %q: %w", c.Limiter.Timezone, err)
	}
	return loc, nil
}

// Validate checks cross-field constraints that decoding cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", "memory", "libsql", "redis":
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if c.Limiter.SafetyMargin < 0 || c.Limiter.SafetyMargin > 1 {
		return fmt.Errorf("limiter.safety_margin must be within [0, 1]")
	}
	for name, override := range c.RateLimits {
		if override.MinDelay > 0 && override.MaxDelay > 0 && override.MinDelay > override.MaxDelay {
			return fmt.Errorf("rate_limits.%s: min_delay exceeds max_delay", name)
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
