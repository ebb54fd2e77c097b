package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadJSONWithDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
		"engine": {"base_url": "http://127.0.0.1:3001"},
		"dispatch": {"per_message_delay": "5s", "batch_size": 10, "inter_batch_delay": "30s"}
	}`)

	cfg, err := NewManager(path).Load()
	require.NoError(t, err)
	require.Equal(t, ":3000", cfg.Server.Addr)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "*/5 * * * *", cfg.Sessions.ReapSchedule)

	d, err := cfg.Dispatch.PerMessageDelayD()
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, d)
	d, err = cfg.Dispatch.InterBatchDelayD()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, d)
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
server:
  addr: ":8080"
engine:
  base_url: http://127.0.0.1:3001
  poll_interval: 1s
sessions:
  auto_reinit: true
  idle_ttl: 1h
`)

	cfg, err := NewManager(path).Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.True(t, cfg.Sessions.AutoReinit)

	ttl, err := cfg.Sessions.IdleTTLD()
	require.NoError(t, err)
	require.Equal(t, time.Hour, ttl)

	pi, err := cfg.Engine.PollIntervalD()
	require.NoError(t, err)
	require.Equal(t, time.Second, pi)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"nope": true}`)
	_, err := NewManager(path).Load()
	require.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"dispatch": {"per_message_delay": "soon"}}`)
	_, err := NewManager(path).Load()
	require.Error(t, err)
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", " 10s ")
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, d)

	d, err = ParseDurationField("x", "")
	require.NoError(t, err)
	require.Zero(t, d)

	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)
}
