// Package config provides configuration loading for memoryd.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (HYBRID_BATCH_SIZE, SERVER_HTTP_PORT, etc.)
//  2. YAML config file (~/.config/memoryd/config.yaml)
//  3. Hardcoded defaults
//
// The configPath parameter specifies the YAML file to load. If empty, uses
// the default path: ~/.config/memoryd/config.yaml
//
// # Security considerations
//
// File permissions: the config file MUST have 0600 or 0400 permissions.
// Files with weaker permissions (e.g. 0644 world-readable) are rejected.
//
// Path validation: only configuration files in allowed directories can be
// loaded:
//   - ~/.config/memoryd/ (user config directory)
//   - /etc/memoryd/ (system-wide config directory)
//
// File size limit: configuration files larger than 1MB are rejected.
//
// # Environment variable mapping
//
// Environment variables use underscore separator and are uppercased. The
// transformer splits on the first underscore to map SECTION_FIELD_NAME to
// section.field_name, e.g.:
//
//	HYBRID_BATCH_SIZE -> hybrid.batch_size
//	SERVER_HTTP_PORT -> server.http_port
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "memoryd", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}

		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		section := parts[0]
		fieldName := parts[1]
		return section + "." + fieldName
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	cfg.Production = loadProductionConfig()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// EnsureConfigDir creates the memoryd config directory if it doesn't exist.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "memoryd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "memoryd"),
		"/etc/memoryd",
	}

	allowed := false
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			allowed = true
			break
		}
	}

	if !allowed {
		return fmt.Errorf("config file must be in ~/.config/memoryd/ or /etc/memoryd/")
	}

	return nil
}

// validateConfigFileProperties checks file permissions and size.
// Takes FileInfo from an already-opened file descriptor to avoid TOCTOU race.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "memoryd"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}

	if cfg.LocalStore.Path == "" {
		cfg.LocalStore.Path = "~/.config/memoryd/memory.db"
	}
	if cfg.LocalStore.Pragmas == "" {
		cfg.LocalStore.Pragmas = "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=15000&_cache_size=-2000"
	}
	if cfg.LocalStore.EmbeddingDim == 0 {
		cfg.LocalStore.EmbeddingDim = 384
	}
	if cfg.LocalStore.EmbeddingCacheSize == 0 {
		cfg.LocalStore.EmbeddingCacheSize = 1000
	}

	if cfg.CloudStore.RequestTimeout == 0 {
		cfg.CloudStore.RequestTimeout = 30 * time.Second
	}
	if cfg.CloudStore.MaxContentChars == 0 {
		cfg.CloudStore.MaxContentChars = 5000
	}
	if cfg.CloudStore.MaxMetadataBytes == 0 {
		cfg.CloudStore.MaxMetadataBytes = 10 * 1024
	}
	if cfg.CloudStore.RequestsPerSecond == 0 {
		cfg.CloudStore.RequestsPerSecond = 20
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}

	if cfg.Hybrid.Backend == "" {
		cfg.Hybrid.Backend = BackendLocal
	}
	if cfg.Hybrid.BatchSize == 0 {
		cfg.Hybrid.BatchSize = 100
	}
	if cfg.Hybrid.QueueSize == 0 {
		cfg.Hybrid.QueueSize = 2000
	}
	if cfg.Hybrid.DriftCheckInterval == 0 {
		cfg.Hybrid.DriftCheckInterval = time.Hour
	}
	if cfg.Hybrid.DriftBatchSize == 0 {
		cfg.Hybrid.DriftBatchSize = 100
	}
	if cfg.Hybrid.MaxAttempts == 0 {
		cfg.Hybrid.MaxAttempts = 5
	}
	if cfg.Hybrid.BatchLinger == 0 {
		cfg.Hybrid.BatchLinger = 500 * time.Millisecond
	}
	if cfg.Hybrid.EnqueueBlock == 0 {
		cfg.Hybrid.EnqueueBlock = 5 * time.Second
	}
	if cfg.Hybrid.DrainTimeout == 0 {
		cfg.Hybrid.DrainTimeout = 30 * time.Second
	}
	if cfg.Hybrid.PauseBacklogCap == 0 {
		cfg.Hybrid.PauseBacklogCap = 50000
	}
	if cfg.Hybrid.DeadLetterPath == "" {
		cfg.Hybrid.DeadLetterPath = "~/.config/memoryd/dead-letter"
	}

	if cfg.Consolidation.Schedule == nil {
		cfg.Consolidation.Schedule = map[string]string{
			"daily":     "0 3 * * *",
			"weekly":    "0 4 * * 0",
			"monthly":   "0 5 1 * *",
			"quarterly": "0 6 1 1,4,7,10 *",
			"yearly":    "0 7 1 1 *",
		}
	}
	if cfg.Consolidation.MinConnectionsForBoost == 0 {
		cfg.Consolidation.MinConnectionsForBoost = 5
	}
	if cfg.Consolidation.QualityBoostFactor == 0 {
		cfg.Consolidation.QualityBoostFactor = 1.2
	}
	if cfg.Consolidation.AssociationSimilarityMax == 0 {
		cfg.Consolidation.AssociationSimilarityMax = 0.95
	}
	if cfg.Consolidation.AssociationSimilarityMin == 0 {
		cfg.Consolidation.AssociationSimilarityMin = 0.75
	}
	if cfg.Consolidation.ForgetInactiveDays == 0 {
		cfg.Consolidation.ForgetInactiveDays = 365
	}
	if cfg.Consolidation.DecayHalfLifeDays == nil {
		cfg.Consolidation.DecayHalfLifeDays = map[string]float64{
			"high":   180,
			"medium": 90,
			"low":    30,
		}
	}
	if cfg.Consolidation.BatchPerRun == 0 {
		cfg.Consolidation.BatchPerRun = 500
	}

	if cfg.Quality.BoostWeight == 0 {
		cfg.Quality.BoostWeight = 0.2
	}

	if cfg.Retention.HighMinDays == 0 {
		cfg.Retention.HighMinDays = 365
	}
	if cfg.Retention.MediumMinDays == 0 {
		cfg.Retention.MediumMinDays = 180
	}
	if cfg.Retention.LowMinDays == 0 {
		cfg.Retention.LowMinDays = 30
	}
}

// loadProductionConfig loads production configuration from environment variables.
func loadProductionConfig() ProductionConfig {
	prodMode := os.Getenv("MEMORYD_PRODUCTION_MODE") == "1"
	localMode := os.Getenv("MEMORYD_LOCAL_MODE") == "1"

	return ProductionConfig{
		Enabled:               prodMode,
		LocalModeAcknowledged: localMode,
		RequireAuthentication: prodMode && !localMode,
		RequireTLS:            prodMode && !localMode,
	}
}
