package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/relaypoint/internal/core"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		t.Setenv("XDG_DATA_HOME", t.TempDir())
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())

		v := NewViper("")
		_, err := ReadConfigFile(v)
		require.NoError(t, err)

		cfg, err := Load(ctx, v)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "libsql", cfg.Store.Driver)
		assert.NotEmpty(t, cfg.Store.Path)
		assert.Equal(t, "relaypoint:", cfg.Store.Redis.KeyPrefix)

		assert.Equal(t, time.Second, cfg.Retry.BaseBackoff)
		assert.Equal(t, time.Minute, cfg.Retry.MaxBackoff)

		assert.Equal(t, "UTC", cfg.Limiter.Timezone)
		assert.Equal(t, 1.0, cfg.Limiter.SafetyMargin)
		assert.Equal(t, time.Hour, cfg.Limiter.ErrorTTL)

		assert.False(t, cfg.Telegram.Enabled)
		assert.Equal(t, 10*time.Second, cfg.Telegram.Timeout)

		assert.Same(t, cfg, GetConfig())
	})

	t.Run("EnvironmentOverrides", func(t *testing.T) {
		t.Setenv("RELAYPOINT_SERVER_PORT", "9191")
		t.Setenv("RELAYPOINT_STORE_DRIVER", "memory")
		t.Setenv("RELAYPOINT_RETRY_BASE_BACKOFF", "250ms")
		t.Setenv("RELAYPOINT_LIMITER_TIMEZONE", "Europe/Berlin")

		cfg, err := Load(ctx, NewViper(""))
		require.NoError(t, err)

		assert.Equal(t, 9191, cfg.Server.Port)
		assert.Equal(t, "memory", cfg.Store.Driver)
		assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseBackoff)

		loc, err := cfg.Location()
		require.NoError(t, err)
		assert.Equal(t, "Europe/Berlin", loc.String())
	})

	t.Run("ConfigFile", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		content := `
store:
  driver: redis
  redis:
    addr: 10.0.0.5:6379
rate_limits:
  linkedin:
    daily_limit: 12
    min_delay: 1s
  x:
    requests_per_window: 10
    window: 1m
  discord:
    daily_limit: -1
platforms:
  discord:
    enabled: true
    base_url: http://bridge.local/discord
    timeout: 5s
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		v := NewViper(path)
		used, err := ReadConfigFile(v)
		require.NoError(t, err)
		assert.Equal(t, path, used)

		cfg, err := Load(ctx, v)
		require.NoError(t, err)

		assert.Equal(t, "redis", cfg.Store.Driver)
		assert.Equal(t, "10.0.0.5:6379", cfg.Store.Redis.Addr)

		linkedin := cfg.PolicyFor(core.PlatformLinkedIn)
		require.NotNil(t, linkedin.DailyLimit)
		assert.Equal(t, 12, *linkedin.DailyLimit)
		assert.Equal(t, time.Second, linkedin.MinDelay)
		assert.Equal(t, 5*time.Second, linkedin.MaxDelay)

		twitter := cfg.PolicyFor(core.PlatformTwitter)
		assert.Equal(t, 10, twitter.RequestsPerWindow)
		assert.Equal(t, time.Minute, twitter.Window)

		assert.Nil(t, cfg.PolicyFor(core.PlatformDiscord).DailyLimit)

		bridge, ok := cfg.Platforms["discord"]
		require.True(t, ok)
		assert.True(t, bridge.Enabled)
		assert.Equal(t, 5*time.Second, bridge.Timeout)
	})

	t.Run("ExplicitMissingFile", func(t *testing.T) {
		v := NewViper(filepath.Join(t.TempDir(), "missing.yaml"))
		_, err := ReadConfigFile(v)
		require.Error(t, err)
	})

	t.Run("InvalidDriver", func(t *testing.T) {
		t.Setenv("RELAYPOINT_STORE_DRIVER", "mongo")

		_, err := Load(ctx, NewViper(""))
		require.Error(t, err)
	})

	t.Run("InvalidTimezone", func(t *testing.T) {
		t.Setenv("RELAYPOINT_LIMITER_TIMEZONE", "Mars/Olympus")

		_, err := Load(ctx, NewViper(""))
		require.Error(t, err)
	})
}

func TestRateLimitOverrideApply(t *testing.T) {
	base := core.RateLimitConfig{RequestsPerWindow: 5, Window: time.Second}.WithDailyLimit(10)

	same := RateLimitOverride{}.Apply(base)
	require.Equal(t, 5, same.RequestsPerWindow)
	require.Equal(t, 10, *same.DailyLimit)

	uncapped := RateLimitOverride{DailyLimit: -1}.Apply(base)
	require.Nil(t, uncapped.DailyLimit)
	require.NotNil(t, base.DailyLimit)
}

func TestValidateRejectsUnkeyablePlatformNames(t *testing.T) {
	cfg := &Config{
		Store:      StoreConfig{Driver: "memory"},
		RateLimits: map[string]RateLimitOverride{"discord:errors": {RequestsPerWindow: 1}},
	}
	require.Error(t, cfg.Validate())

	cfg.RateLimits = map[string]RateLimitOverride{"X": {RequestsPerWindow: 1}}
	cfg.Platforms = map[string]PlatformConfig{"matrix bridge": {Enabled: true}}
	require.Error(t, cfg.Validate())

	cfg.Platforms = map[string]PlatformConfig{"matrix": {Enabled: true}}
	require.NoError(t, cfg.Validate())
}
