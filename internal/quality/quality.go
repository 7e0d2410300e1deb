// Package quality implements the quality-boosted search ranking and
// retention-tier classification. Quality scores themselves are
// written into memory metadata by the consolidation pipeline; this
// package only reads and applies them.
package quality

import (
	"time"

	"github.com/memoryd/engine/internal/memoryrecord"
)

// DefaultBoostWeight is the default blend weight w in the boosted score
// formula (1-w)*similarity + w*quality.
const DefaultBoostWeight = 0.3

// Tier classifies a memory's retention duration.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// RetentionConfig holds the score thresholds and retention windows per
// tier, sourced from configuration rather than hardcoded.
type RetentionConfig struct {
	HighMinScore   float64
	HighDays       int
	MediumMinScore float64
	MediumDays     int
	LowDays        int
}

// DefaultRetentionConfig matches the tiers named in configuration: high
// (>=0.7, 365d), medium ([0.5,0.7), 180d), low (<0.5, 30d).
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		HighMinScore:   0.7,
		HighDays:       365,
		MediumMinScore: 0.5,
		MediumDays:     180,
		LowDays:        30,
	}
}

// Score extracts the quality_score metadata field, defaulting to 0 when
// absent (a memory with no recorded score is never boosted).
func Score(m memoryrecord.Metadata) float64 {
	if m == nil {
		return 0
	}
	v, ok := m[memoryrecord.MetaQualityScore]
	if !ok {
		return 0
	}
	switch f := v.(type) {
	case float64:
		return f
	case float32:
		return float64(f)
	case int:
		return float64(f)
	default:
		return 0
	}
}

// BoostedScore blends a similarity score with a memory's quality score.
// System-generated memories (association, compressed_cluster) are excluded
// from boosting and pass through unscaled, since they carry no independent
// quality signal.
func BoostedScore(similarity float32, meta memoryrecord.Metadata, weight float64) float32 {
	if meta.IsSystemGenerated() {
		return similarity
	}
	if weight <= 0 {
		return similarity
	}
	q := Score(meta)
	return float32((1-weight)*float64(similarity) + weight*q)
}

// ClassifyTier maps a quality score to a retention tier.
func ClassifyTier(score float64, cfg RetentionConfig) Tier {
	switch {
	case score >= cfg.HighMinScore:
		return TierHigh
	case score >= cfg.MediumMinScore:
		return TierMedium
	default:
		return TierLow
	}
}

// RetentionWindow returns how long a memory at the given tier should be
// retained before it becomes eligible for forgetting.
func RetentionWindow(tier Tier, cfg RetentionConfig) time.Duration {
	switch tier {
	case TierHigh:
		return time.Duration(cfg.HighDays) * 24 * time.Hour
	case TierMedium:
		return time.Duration(cfg.MediumDays) * 24 * time.Hour
	default:
		return time.Duration(cfg.LowDays) * 24 * time.Hour
	}
}

// IsExpired reports whether a memory created at createdAt has outlived its
// tier's retention window as of now.
func IsExpired(createdAt time.Time, score float64, cfg RetentionConfig, now time.Time) bool {
	tier := ClassifyTier(score, cfg)
	return now.Sub(createdAt) > RetentionWindow(tier, cfg)
}
