package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MINDLOOP_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8686", cfg.ServerURL)
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mindloop.yaml")
	data := []byte("server_url: http://mind.internal:9000\nagent_id: a-42\nlog_level: debug\npoll_interval: 1s\n")
	require.NoError(t, os.WriteFile(path, data, 0644))
	t.Setenv("MINDLOOP_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://mind.internal:9000", cfg.ServerURL)
	assert.Equal(t, "a-42", cfg.AgentID)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, time.Second, cfg.PollInterval)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mindloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: http://from-file\n"), 0644))
	t.Setenv("MINDLOOP_CONFIG", path)
	t.Setenv("MINDLOOP_SERVER_URL", "http://from-env")
	t.Setenv("MINDLOOP_POLL_INTERVAL", "500ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://from-env", cfg.ServerURL)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mindloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: [broken\n"), 0644))
	t.Setenv("MINDLOOP_CONFIG", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestNewLoggerWithWriters(t *testing.T) {
	var text, jsonOut bytes.Buffer
	logger := NewLoggerWithWriters(&text, &jsonOut, slog.LevelInfo)

	logger.Info("session attached", "session_id", "s-1")

	assert.Contains(t, text.String(), "session attached")
	assert.Contains(t, jsonOut.String(), `"session_id":"s-1"`)
}
