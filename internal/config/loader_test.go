package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestHome(t *testing.T) (string, func()) {
	t.Helper()
	tmpHome := t.TempDir()
	originalHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpHome)
	cleanup := func() {
		if originalHome != "" {
			os.Setenv("HOME", originalHome)
		} else {
			os.Unsetenv("HOME")
		}
	}
	return tmpHome, cleanup
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "memoryd")
	require.NoError(t, os.MkdirAll(configDir, 0700))

	configPath := filepath.Join(configDir, "config.yaml")
	yamlContent := `server:
  http_port: 9191

observability:
  enable_telemetry: true
  service_name: memoryd-test
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0600))

	cfg, err := LoadWithFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "memoryd-test", cfg.Observability.ServiceName)
	assert.True(t, cfg.Observability.EnableTelemetry)
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "memoryd")
	require.NoError(t, os.MkdirAll(configDir, 0700))

	configPath := filepath.Join(configDir, "config.yaml")
	yamlContent := `server:
  http_port: 9090
  shutdown_timeout: 10s

observability:
  enable_telemetry: false
  service_name: yaml-service
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0600))

	os.Setenv("SERVER_HTTP_PORT", "7777")
	os.Setenv("OBSERVABILITY_SERVICE_NAME", "env-service")
	defer os.Unsetenv("SERVER_HTTP_PORT")
	defer os.Unsetenv("OBSERVABILITY_SERVICE_NAME")

	cfg, err := LoadWithFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "env-service", cfg.Observability.ServiceName)
}

func TestLoadWithFile_HybridOverrides(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "memoryd")
	require.NoError(t, os.MkdirAll(configDir, 0700))
	configPath := filepath.Join(configDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("{}\n"), 0600))

	os.Setenv("HYBRID_BATCH_SIZE", "50")
	os.Setenv("HYBRID_QUEUE_SIZE", "1000")
	defer os.Unsetenv("HYBRID_BATCH_SIZE")
	defer os.Unsetenv("HYBRID_QUEUE_SIZE")

	cfg, err := LoadWithFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Hybrid.BatchSize)
	assert.Equal(t, 1000, cfg.Hybrid.QueueSize)
}

func TestLoadWithFile_DefaultsAppliedWhenMissingFile(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configPath := filepath.Join(home, ".config", "memoryd", "config.yaml")

	cfg, err := LoadWithFile(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, BackendLocal, cfg.Hybrid.Backend)
	assert.Equal(t, 2000, cfg.Hybrid.QueueSize)
	assert.Equal(t, 100, cfg.Hybrid.BatchSize)
	assert.Equal(t, 5, cfg.Hybrid.MaxAttempts)
	assert.Equal(t, 384, cfg.LocalStore.EmbeddingDim)
}

func TestLoadWithFile_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidYAML := `server:
  http_port: not-a-number
  invalid syntax here
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0600))

	_, err := LoadWithFile(configPath)
	assert.Error(t, err)
}

func TestLoadWithFile_Validation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `server:
  http_port: 99999

observability:
  service_name: test
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0600))

	_, err := LoadWithFile(configPath)
	assert.Error(t, err)
}

func TestLoadWithFile_PathTraversal(t *testing.T) {
	_, cleanup := setupTestHome(t)
	defer cleanup()

	_, err := LoadWithFile("../../../../etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be in ~/.config/memoryd/ or /etc/memoryd/")
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}

	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "memoryd")
	require.NoError(t, os.MkdirAll(configDir, 0700))
	configPath := filepath.Join(configDir, "config.yaml")

	yamlContent := "server:\n  http_port: 9090\n"
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	_, err := LoadWithFile(configPath)
	require.Error(t, err)
	assert.True(t,
		bytes.Contains([]byte(err.Error()), []byte("insecure")) ||
			bytes.Contains([]byte(err.Error()), []byte("permissions")))
}

func TestLoadWithFile_SecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}

	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "memoryd")
	require.NoError(t, os.MkdirAll(configDir, 0700))
	configPath := filepath.Join(configDir, "config.yaml")

	yamlContent := "server:\n  http_port: 9090\n"
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0600))

	cfg, err := LoadWithFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadWithFile_FileTooLarge(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "memoryd")
	require.NoError(t, os.MkdirAll(configDir, 0700))
	configPath := filepath.Join(configDir, "config.yaml")

	largeContent := bytes.Repeat([]byte("# comment line\n"), 150000)
	require.NoError(t, os.WriteFile(configPath, largeContent, 0600))

	_, err := LoadWithFile(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}
