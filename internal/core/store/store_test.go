package store

import (
	"testing"

	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/stretchr/testify/require"
)

func TestBuildLibsqlDSN(t *testing.T) {
	t.Run("URLUsesRawValue", func(t *testing.T) {
		cfg := config.StoreConfig{
			URL:       "libsql://example.turso.io",
			AuthToken: "token123",
		}

		dsn, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, "libsql://example.turso.io?authToken=token123", dsn)
	})

	t.Run("URLWithExistingQuery", func(t *testing.T) {
		cfg := config.StoreConfig{
			URL:       "libsql://example.turso.io?foo=bar",
			AuthToken: "token123",
		}

		dsn, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, "libsql://example.turso.io?authToken=token123&foo=bar", dsn)
	})

	t.Run("PathWithFilePrefix", func(t *testing.T) {
		cfg := config.StoreConfig{Path: "file:./relaypoint.db"}

		dsn, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, "file:./relaypoint.db", dsn)
	})

	t.Run("PathMissing", func(t *testing.T) {
		cfg := config.StoreConfig{}

		_, err := buildLibsqlDSN(cfg)
		require.Error(t, err)
	})

	t.Run("MemoryPath", func(t *testing.T) {
		cfg := config.StoreConfig{Path: ":memory:"}

		dsn, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, ":memory:", dsn)
	})
}

func TestParseKey(t *testing.T) {
	platform, action, account, ok := ParseKey("discord:send:guild:1234")
	require.True(t, ok)
	require.Equal(t, "discord", string(platform))
	require.Equal(t, "send", action)
	require.Equal(t, "guild:1234", account)

	_, _, _, ok = ParseKey("discord:send")
	require.False(t, ok)

	require.True(t, IsErrorKey("discord:errors:acc1"))
	require.False(t, IsErrorKey("discord:fetch:acc1"))
}

func TestLimiterQuery(t *testing.T) {
	require.Error(t, LimiterQuery{}.Validate())
	require.NoError(t, LimiterQuery{All: true}.Validate())

	q := LimiterQuery{Platform: "x", AccountID: "acc1"}
	require.True(t, q.Matches("twitter:send:acc1"))
	require.True(t, q.Matches("twitter:errors:acc1"))
	require.False(t, q.Matches("twitter:send:acc2"))
	require.False(t, q.Matches("discord:send:acc1"))

	require.True(t, LimiterQuery{Prefix: "gmail:fetch"}.Matches("gmail:fetch:me"))
	require.False(t, LimiterQuery{Prefix: "gmail:fetch"}.Matches("gmail:send:me"))
}
