package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/vscope-host/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "vscope-host", cfg.App.Name)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, 20, cfg.Polling.StatePollingHz)
	assert.Equal(t, 10, cfg.Polling.FramePollingHz)
	assert.Equal(t, 100, cfg.Polling.FrameTimeoutMs)
	assert.Equal(t, 1, cfg.Polling.CrcRetryAttempts)
	assert.Equal(t, 5, cfg.Polling.DisconnectAfterTimeouts)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enable)
	assert.Equal(t, "data/snapshots.db", cfg.Storage.Path)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	content := []byte(`
app:
  name: bench-host
serial:
  baudRate: 57600
  timeout: 250ms
polling:
  statePollingHz: 5
  disconnectAfterTimeouts: 9
logging:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bench-host", cfg.App.Name)
	assert.Equal(t, 57600, cfg.Serial.BaudRate)
	assert.Equal(t, 250*time.Millisecond, cfg.Serial.Timeout)
	assert.Equal(t, 5, cfg.Polling.StatePollingHz)
	assert.Equal(t, 9, cfg.Polling.DisconnectAfterTimeouts)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// 未覆盖的键保持默认
	assert.Equal(t, 10, cfg.Polling.FramePollingHz)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("VSCOPE_POLLING_STATEPOLLINGHZ", "42")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Polling.StatePollingHz)
}

func TestEnvConfigFileFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app:\n  name: env-host\n"), 0o644))

	t.Setenv("VSCOPE_CONFIG", path)
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-host", cfg.App.Name)
}

func TestWriteExampleRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "example.yaml")
	require.NoError(t, config.WriteExample(path))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "vscope-host", cfg.App.Name)
	assert.Equal(t, 20, cfg.Polling.StatePollingHz)
	assert.Equal(t, "data/snapshots.db", cfg.Storage.Path)
}
