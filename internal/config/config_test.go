package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Monitor.StartAttempts)
	assert.Equal(t, 2*time.Second, cfg.Monitor.RetryInterval)
	assert.Equal(t, 30*time.Second, cfg.Monitor.StartTimeout)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Monitor, cfg.Monitor)
}

func TestLoadOverridesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
socket_path: /tmp/bm.sock
discovery:
  mode: pluggable
  command: /usr/bin/serial-discovery
monitor:
  start_timeout: 5s
  flush_interval: 10ms
board_ids:
  - vid: "0x1234"
    pid: "0x0001"
    fqbn: vendor:arch:board
    name: Custom
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/bm.sock", cfg.SocketPath)
	assert.Equal(t, DiscoveryPluggable, cfg.Discovery.Mode)
	assert.Equal(t, 5*time.Second, cfg.Monitor.StartTimeout)
	assert.Equal(t, 10*time.Millisecond, cfg.Monitor.FlushInterval)
	assert.Equal(t, 10, cfg.Monitor.StartAttempts)
	require.Len(t, cfg.BoardIDs, 1)
	assert.Equal(t, "vendor:arch:board", cfg.BoardIDs[0].FQBN)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BOARDMON_MONITOR_START_ATTEMPTS", "3")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Monitor.StartAttempts)
}

func TestValidateRejectsBadTimings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Monitor.FlushInterval = 0
	cfg.Discovery.Mode = DiscoveryPluggable
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "monitor.flush_interval must be positive")
	assert.Contains(t, err.Error(), "discovery.command is required")
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.SocketPath = "/tmp/other.sock"
	cfg.Monitor.PauseTimeout = 750 * time.Millisecond
	require.NoError(t, Write(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.sock", loaded.SocketPath)
	assert.Equal(t, 750*time.Millisecond, loaded.Monitor.PauseTimeout)
	assert.Equal(t, cfg.BoardIDs, loaded.BoardIDs)
}
