package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeValidConfig(t *testing.T, path string) {
	t.Helper()
	content := []byte(`server:
  http_port: 9191
observability:
  log_level: info
`)
	require.NoError(t, os.WriteFile(path, content, 0600))
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "memoryd")
	require.NoError(t, os.MkdirAll(configDir, 0700))
	configPath := filepath.Join(configDir, "config.yaml")
	writeValidConfig(t, configPath)

	w, err := NewWatcher(configPath)
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	w.OnReload = func(cfg *Config) { reloaded <- cfg }
	w.OnError = func(err error) { t.Logf("watcher error: %v", err) }

	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(configPath, []byte(`server:
  http_port: 9292
observability:
  log_level: debug
`), 0600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9292, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Observability.LogLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

func TestWatcher_InvalidEditKeepsRunningWithoutReload(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "memoryd")
	require.NoError(t, os.MkdirAll(configDir, 0700))
	configPath := filepath.Join(configDir, "config.yaml")
	writeValidConfig(t, configPath)

	w, err := NewWatcher(configPath)
	require.NoError(t, err)

	errs := make(chan error, 1)
	w.OnReload = func(cfg *Config) { t.Fatal("must not reload on invalid config") }
	w.OnError = func(err error) { errs <- err }

	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(configPath, []byte(`hybrid:
  backend: cloud
`), 0644))

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}
}

func TestWatcher_StartTwiceFails(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()
	configDir := filepath.Join(home, ".config", "memoryd")
	require.NoError(t, os.MkdirAll(configDir, 0700))
	configPath := filepath.Join(configDir, "config.yaml")
	writeValidConfig(t, configPath)

	w, err := NewWatcher(configPath)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	assert.Error(t, w.Start())
}
