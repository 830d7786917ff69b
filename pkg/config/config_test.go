package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 3*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 50, cfg.Capacity)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_url: https://api.example.com/api/v1
ws_url: wss://api.example.com/ws
page_size: 10
reconnect_delay: 5s
refresh_schedule: "@every 5m"
`), 0o600))

	t.Setenv("FEED_PAGE_SIZE", "25")
	t.Setenv("FEED_TOKEN", "tok")
	t.Setenv("RELAY_CONTROL_TOKEN", "ctl")
	t.Setenv("FEED_REFRESH_SCHEDULE", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/api/v1", cfg.APIURL)
	assert.Equal(t, "wss://api.example.com/ws", cfg.WSURL)
	assert.Equal(t, 25, cfg.PageSize)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, "", cfg.RefreshSchedule, "an explicitly empty schedule disables refresh")
	assert.Equal(t, "tok", cfg.Token)
	assert.Equal(t, "ctl", cfg.ControlToken)
}

func TestLoadMissingFileIsFine(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "bad ws url", mutate: func(c *Config) { c.WSURL = "ftp://x" }, errMsg: "ws_url"},
		{name: "page size", mutate: func(c *Config) { c.PageSize = 500 }, errMsg: "page_size"},
		{name: "backfill pages", mutate: func(c *Config) { c.BackfillPages = 0 }, errMsg: "backfill_pages"},
		{name: "redis session without redis", mutate: func(c *Config) { c.SessionBackend = SessionRedis }, errMsg: "REDIS_ENABLED"},
		{name: "unknown backend", mutate: func(c *Config) { c.SessionBackend = "disk" }, errMsg: "unknown session_backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
