package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Relays.URLs)
	assert.True(t, cfg.Relays.AutoReconnect)
	assert.Equal(t, 500, cfg.Feed.CacheCapacity)
	assert.False(t, cfg.Archive.Enabled)
	assert.Less(t, cfg.Relays.PingTimeout, cfg.Relays.PingInterval)
}

func TestLoadRejectsBadRelayURL(t *testing.T) {
	path := writeConfig(t, `
relays:
  URLS:
    - https://not-a-websocket.test
`)
	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws://")
}

func TestLoadRejectsInvertedPingTimings(t *testing.T) {
	path := writeConfig(t, `
relays:
  PING_INTERVAL: 5s
  PING_TIMEOUT: 10s
`)
	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping timeout")
}

func TestLoadRejectsArchiveWithoutURL(t *testing.T) {
	path := writeConfig(t, `
archive:
  ENABLED: true
`)
	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive")
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
feed:
  CACHE_CAPACITY: 50
  DEFAULT_LIMIT: 10
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Feed.CacheCapacity)
	assert.Equal(t, 10, cfg.Feed.DefaultLimit)
}
