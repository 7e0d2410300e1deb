package quality

import (
	"testing"
	"time"

	"github.com/memoryd/engine/internal/memoryrecord"
	"github.com/stretchr/testify/assert"
)

func TestScore_DefaultsToZeroWhenAbsent(t *testing.T) {
	assert.Equal(t, float64(0), Score(nil))
	assert.Equal(t, float64(0), Score(memoryrecord.Metadata{}))
}

func TestScore_ReadsFloatTypes(t *testing.T) {
	assert.Equal(t, 0.75, Score(memoryrecord.Metadata{memoryrecord.MetaQualityScore: 0.75}))
	assert.Equal(t, 0.5, Score(memoryrecord.Metadata{memoryrecord.MetaQualityScore: float32(0.5)}))
}

func TestBoostedScore_BlendsWeighted(t *testing.T) {
	meta := memoryrecord.Metadata{memoryrecord.MetaQualityScore: 1.0}
	got := BoostedScore(0.5, meta, 0.3)
	assert.InDelta(t, 0.65, got, 1e-6)
}

func TestBoostedScore_SkipsSystemGenerated(t *testing.T) {
	meta := memoryrecord.Metadata{
		memoryrecord.MetaType:         memoryrecord.TypeAssociation,
		memoryrecord.MetaQualityScore: 1.0,
	}
	got := BoostedScore(0.5, meta, 0.3)
	assert.Equal(t, float32(0.5), got)
}

func TestBoostedScore_ZeroWeightPassesThrough(t *testing.T) {
	meta := memoryrecord.Metadata{memoryrecord.MetaQualityScore: 0.9}
	assert.Equal(t, float32(0.4), BoostedScore(0.4, meta, 0))
}

func TestClassifyTier(t *testing.T) {
	cfg := DefaultRetentionConfig()
	assert.Equal(t, TierHigh, ClassifyTier(0.9, cfg))
	assert.Equal(t, TierHigh, ClassifyTier(0.7, cfg))
	assert.Equal(t, TierMedium, ClassifyTier(0.6, cfg))
	assert.Equal(t, TierLow, ClassifyTier(0.1, cfg))
}

func TestRetentionWindow(t *testing.T) {
	cfg := DefaultRetentionConfig()
	assert.Equal(t, 365*24*time.Hour, RetentionWindow(TierHigh, cfg))
	assert.Equal(t, 180*24*time.Hour, RetentionWindow(TierMedium, cfg))
	assert.Equal(t, 30*24*time.Hour, RetentionWindow(TierLow, cfg))
}

func TestIsExpired(t *testing.T) {
	cfg := DefaultRetentionConfig()
	now := time.Now()
	createdAt := now.Add(-40 * 24 * time.Hour)

	assert.True(t, IsExpired(createdAt, 0.1, cfg, now))  // low tier, 30d window
	assert.False(t, IsExpired(createdAt, 0.9, cfg, now)) // high tier, 365d window
}
