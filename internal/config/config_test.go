package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:        ServerConfig{Port: 9090, ShutdownTimeout: 10 * time.Second},
			Observability: ObservabilityConfig{EnableTelemetry: true, ServiceName: "memoryd"},
			LocalStore:    LocalStoreConfig{Path: "/tmp/memory.db", EmbeddingDim: 384},
			Hybrid: HybridConfig{
				Backend:     BackendLocal,
				BatchSize:   100,
				QueueSize:   2000,
				MaxAttempts: 5,
			},
			Quality: QualityConfig{BoostWeight: 0.2},
			Consolidation: ConsolidationConfig{
				AssociationSimilarityMin: 0.75,
				AssociationSimilarityMax: 0.95,
				QualityBoostFactor:       1.2,
			},
			Retention: RetentionConfig{HighMinDays: 365, MediumMinDays: 180, LowMinDays: 30},
		}
	}

	t.Run("valid config", func(t *testing.T) {
		require.NoError(t, valid().Validate())
	})

	t.Run("invalid port", func(t *testing.T) {
		cfg := valid()
		cfg.Server.Port = 70000
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero shutdown timeout", func(t *testing.T) {
		cfg := valid()
		cfg.Server.ShutdownTimeout = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("telemetry enabled without service name", func(t *testing.T) {
		cfg := valid()
		cfg.Observability.ServiceName = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("unsupported backend", func(t *testing.T) {
		cfg := valid()
		cfg.Hybrid.Backend = "quantum"
		assert.Error(t, cfg.Validate())
	})

	t.Run("hybrid backend requires cloud base url", func(t *testing.T) {
		cfg := valid()
		cfg.Hybrid.Backend = BackendHybrid
		cfg.CloudStore.BaseURL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("hybrid backend with valid cloud url", func(t *testing.T) {
		cfg := valid()
		cfg.Hybrid.Backend = BackendHybrid
		cfg.CloudStore.BaseURL = "https://cloud.example.com"
		require.NoError(t, cfg.Validate())
	})

	t.Run("batch size exceeds queue size", func(t *testing.T) {
		cfg := valid()
		cfg.Hybrid.BatchSize = 5000
		assert.Error(t, cfg.Validate())
	})

	t.Run("quality boost weight out of range", func(t *testing.T) {
		cfg := valid()
		cfg.Quality.BoostWeight = 1.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("association similarity min above max", func(t *testing.T) {
		cfg := valid()
		cfg.Consolidation.AssociationSimilarityMin = 0.99
		cfg.Consolidation.AssociationSimilarityMax = 0.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("retention tiers out of order", func(t *testing.T) {
		cfg := valid()
		cfg.Retention.HighMinDays = 10
		cfg.Retention.MediumMinDays = 180
		assert.Error(t, cfg.Validate())
	})
}

func TestProductionConfig_Validate(t *testing.T) {
	t.Run("disabled skips checks", func(t *testing.T) {
		pc := ProductionConfig{Enabled: false}
		require.NoError(t, pc.Validate())
	})

	t.Run("requires auth configured", func(t *testing.T) {
		pc := ProductionConfig{Enabled: true, RequireAuthentication: true, AuthenticationConfigured: false}
		assert.Error(t, pc.Validate())
	})

	t.Run("auth satisfied", func(t *testing.T) {
		pc := ProductionConfig{Enabled: true, RequireAuthentication: true, AuthenticationConfigured: true}
		require.NoError(t, pc.Validate())
	})
}
