// Package config provides configuration loading for memoryd.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables, with hardcoded defaults as the final fallback.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Config holds the complete memoryd configuration.
type Config struct {
	Production    ProductionConfig
	Server        ServerConfig
	Observability ObservabilityConfig
	LocalStore    LocalStoreConfig
	CloudStore    CloudStoreConfig
	Embeddings    EmbeddingsConfig
	Hybrid        HybridConfig
	Consolidation ConsolidationConfig
	Quality       QualityConfig
	Retention     RetentionConfig
}

// StorageBackend selects which backend wiring the service uses.
type StorageBackend string

const (
	BackendLocal  StorageBackend = "local"
	BackendCloud  StorageBackend = "cloud"
	BackendHybrid StorageBackend = "hybrid"
)

// ServerConfig holds the ambient health/metrics HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry and logging configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
}

// LocalStoreConfig configures the SQLite-backed LocalStore.
type LocalStoreConfig struct {
	// Path to the single-file SQLite database.
	Path string `koanf:"path"`

	// Pragmas is the per-connection pragma string. Must include
	// busy_timeout and cache_size. Default:
	// "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=15000&_cache_size=-2000".
	Pragmas string `koanf:"pragmas"`

	// EmbeddingDim is the fixed embedding dimension. Default 384.
	EmbeddingDim int `koanf:"embedding_dim"`

	// EmbeddingCacheSize bounds the LRU cache of content->embedding.
	EmbeddingCacheSize int `koanf:"embedding_cache_size"`
}

// CloudStoreConfig configures the remote SQL + vector index API.
type CloudStoreConfig struct {
	BaseURL          string        `koanf:"base_url"`
	// VectorIndexURL, when set, points CloudStore at a Qdrant gRPC
	// endpoint ("host:port") that mirrors writes alongside the REST API.
	VectorIndexURL    string        `koanf:"vector_index_url"`
	VectorCollection  string        `koanf:"vector_collection"`
	BearerToken      Secret        `koanf:"bearer_token"`
	RequestTimeout   time.Duration `koanf:"request_timeout"`
	MaxContentChars  int           `koanf:"max_content_chars"`
	MaxMetadataBytes int           `koanf:"max_metadata_bytes"`
	RequestsPerSecond float64      `koanf:"requests_per_second"`
}

// EmbeddingsConfig configures the pluggable Embedder.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"` // "fastembed" (default) or "http"
	Model    string `koanf:"model"`
	CacheDir string `koanf:"cache_dir"`
	BaseURL  string `koanf:"base_url"` // for provider=http
}

// HybridConfig configures HybridStore and the sync engine.
type HybridConfig struct {
	Backend            StorageBackend `koanf:"backend"`
	BatchSize          int            `koanf:"batch_size"`
	QueueSize          int            `koanf:"queue_size"`
	SyncOnStartup      bool           `koanf:"sync_on_startup"`
	DriftCheckInterval time.Duration  `koanf:"drift_check_interval"`
	DriftBatchSize     int            `koanf:"drift_batch_size"`
	MaxAttempts        int            `koanf:"max_attempts"`
	BatchLinger        time.Duration  `koanf:"batch_linger"`
	EnqueueBlock       time.Duration  `koanf:"enqueue_block"`
	DrainTimeout       time.Duration  `koanf:"drain_timeout"`
	PauseBacklogCap    int            `koanf:"pause_backlog_cap"`
	DeadLetterPath     string         `koanf:"dead_letter_path"`
}

// ConsolidationConfig configures the consolidation pipeline.
type ConsolidationConfig struct {
	Enabled                  bool               `koanf:"enabled"`
	Schedule                 map[string]string  `koanf:"schedule"` // horizon -> cron spec
	MinConnectionsForBoost   int                `koanf:"min_connections_for_boost"`
	QualityBoostFactor       float64            `koanf:"quality_boost_factor"`
	AssociationSimilarityMin float64            `koanf:"association_similarity_min"`
	AssociationSimilarityMax float64            `koanf:"association_similarity_max"`
	ForgetInactiveDays       int                `koanf:"forget_inactive_days"`
	DecayHalfLifeDays        map[string]float64 `koanf:"decay_half_life_days"` // tier -> half-life
	BatchPerRun              int                `koanf:"batch_per_run"`
}

// QualityConfig configures quality-boosted search.
type QualityConfig struct {
	BoostEnabled bool    `koanf:"boost_enabled"`
	BoostWeight  float64 `koanf:"boost_weight"`
}

// RetentionConfig configures retention tiers.
type RetentionConfig struct {
	HighMinDays   int `koanf:"high_min_days"`
	MediumMinDays int `koanf:"medium_min_days"`
	LowMinDays    int `koanf:"low_min_days"`
}

// ProductionConfig holds production deployment gating.
type ProductionConfig struct {
	// Enabled indicates whether production mode is active.
	// Set via MEMORYD_PRODUCTION_MODE=1 environment variable.
	Enabled bool `koanf:"enabled"`

	// LocalModeAcknowledged allows development features in production mode.
	// Set via MEMORYD_LOCAL_MODE=1 environment variable.
	LocalModeAcknowledged bool `koanf:"local_mode_acknowledged"`

	// RequireAuthentication enforces bearer-token auth on CloudStore calls.
	RequireAuthentication bool `koanf:"require_authentication"`

	// AuthenticationConfigured indicates if auth is properly set up.
	AuthenticationConfigured bool `koanf:"authentication_configured"`

	// RequireTLS enforces TLS for CloudStore and OTEL endpoints.
	RequireTLS bool `koanf:"require_tls"`
}

// IsProduction returns true if running in production mode.
func (c *ProductionConfig) IsProduction() bool { return c.Enabled }

// IsLocal returns true if local mode has been explicitly acknowledged.
func (c *ProductionConfig) IsLocal() bool { return c.LocalModeAcknowledged }

// Validate checks production configuration for security issues.
func (c *ProductionConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RequireAuthentication && !c.AuthenticationConfigured {
		return fmt.Errorf("SECURITY: require_authentication enabled but authentication not configured")
	}
	return nil
}

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	switch c.Hybrid.Backend {
	case BackendLocal, BackendCloud, BackendHybrid:
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Hybrid.Backend)
	}

	if c.LocalStore.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding_dim must be positive, got %d", c.LocalStore.EmbeddingDim)
	}
	if err := validatePath(c.LocalStore.Path); err != nil {
		return fmt.Errorf("invalid local_store.path: %w", err)
	}

	if c.Hybrid.Backend != BackendLocal {
		if c.CloudStore.BaseURL == "" {
			return fmt.Errorf("cloud_store.base_url is required for backend %q", c.Hybrid.Backend)
		}
		if err := validateURL(c.CloudStore.BaseURL); err != nil {
			return fmt.Errorf("cloud_store.base_url: %w", err)
		}
		if c.CloudStore.VectorIndexURL != "" {
			if err := validateURL(c.CloudStore.VectorIndexURL); err != nil {
				return fmt.Errorf("cloud_store.vector_index_url: %w", err)
			}
		}
	}

	if c.Hybrid.QueueSize <= 0 {
		return fmt.Errorf("hybrid.queue_size must be positive")
	}
	if c.Hybrid.BatchSize <= 0 || c.Hybrid.BatchSize > c.Hybrid.QueueSize {
		return fmt.Errorf("hybrid.batch_size must be in (0, queue_size]")
	}
	if c.Hybrid.MaxAttempts <= 0 {
		return fmt.Errorf("hybrid.max_attempts must be positive")
	}

	if c.Embeddings.CacheDir != "" {
		if err := validatePath(c.Embeddings.CacheDir); err != nil {
			return fmt.Errorf("invalid embeddings.cache_dir: %w", err)
		}
	}
	if c.Embeddings.Provider == "http" && c.Embeddings.BaseURL != "" {
		if err := validateURL(c.Embeddings.BaseURL); err != nil {
			return fmt.Errorf("invalid embeddings.base_url: %w", err)
		}
	}

	if c.Quality.BoostWeight < 0 || c.Quality.BoostWeight > 1 {
		return fmt.Errorf("quality.boost_weight must be in [0,1]")
	}

	if c.Consolidation.AssociationSimilarityMin > c.Consolidation.AssociationSimilarityMax {
		return fmt.Errorf("consolidation.association_similarity_min must be <= max")
	}
	if c.Consolidation.QualityBoostFactor < 1.0 {
		return fmt.Errorf("consolidation.quality_boost_factor must be >= 1.0")
	}

	if c.Retention.HighMinDays < c.Retention.MediumMinDays || c.Retention.MediumMinDays < c.Retention.LowMinDays {
		return fmt.Errorf("retention tiers must satisfy high_min_days >= medium_min_days >= low_min_days")
	}

	if err := c.Production.Validate(); err != nil {
		return fmt.Errorf("production config validation failed: %w", err)
	}

	return nil
}

// validateHostname checks if a hostname is safe (no command injection attempts).
// Uses positive validation with net.ParseIP for IP addresses and regexp for hostnames.
func validateHostname(host string) error {
	if host == "" {
		return nil
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
	if !hostnameRegex.MatchString(host) {
		return fmt.Errorf("invalid hostname format: %s", host)
	}
	invalidChars := []string{";", "\n", "\r", "$", "`", "|", "&", "<", ">", "(", ")"}
	for _, char := range invalidChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("invalid hostname: contains forbidden character %q", char)
		}
	}
	return nil
}

// validatePath checks if a path is safe (no path traversal).
func validatePath(path string) error {
	if path == "" {
		return nil
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path contains traversal sequence: %s", path)
	}
	if filepath.IsAbs(path) {
		clean := filepath.Clean(path)
		origDepth := strings.Count(path, string(filepath.Separator))
		cleanDepth := strings.Count(clean, string(filepath.Separator))
		if cleanDepth < origDepth-1 {
			return fmt.Errorf("path traversal detected: %s (resolves to %s)", path, clean)
		}
	}
	return nil
}

// validateURL checks if a URL uses allowed schemes (http/https only).
func validateURL(urlStr string) error {
	if !strings.HasPrefix(urlStr, "http://") && !strings.HasPrefix(urlStr, "https://") {
		return fmt.Errorf("URL must use http:// or https:// scheme, got: %s", urlStr)
	}
	return nil
}
