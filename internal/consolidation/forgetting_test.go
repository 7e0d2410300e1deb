package consolidation

import (
	"context"
	"testing"
	"time"

	"github.com/memoryd/engine/internal/memoryrecord"
	"github.com/memoryd/engine/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunForgetting_ArchivesInactiveLowQuality(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ForgettingInactiveDays = 90
	p, local, _ := newTestPipeline(t, cfg)
	ctx := context.Background()

	m := mustMemory(t, "stale low quality memory", nil)
	m.Metadata = memoryrecord.Metadata{memoryrecord.MetaQualityScore: 0.1}
	_, _, err := local.Store(ctx, m)
	require.NoError(t, err)

	m.CreatedAt = time.Now().UTC().Add(-400 * 24 * time.Hour)
	m.UpdatedAt = time.Now().UTC().Add(-120 * 24 * time.Hour)

	count, err := p.runForgetting(ctx, []memoryrecord.Memory{*m})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := local.Get(ctx, m.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, true, got.Metadata[MetaArchived])
	assert.Contains(t, got.Tags, ArchivedTag)

	_, err = local.SearchTimeRange(ctx, m.CreatedAt.Add(-time.Hour), time.Now().UTC())
	require.NoError(t, err)

	results, err := local.SearchByTags(ctx, []string{"archived"}, storage.TagMatchOr, storage.Filters{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, m.ContentHash, results[0].ContentHash)
}

func TestRunForgetting_SkipsRecentlyActive(t *testing.T) {
	p, local, _ := newTestPipeline(t, DefaultConfig())
	ctx := context.Background()

	m := mustMemory(t, "fresh low quality memory", nil)
	m.Metadata = memoryrecord.Metadata{memoryrecord.MetaQualityScore: 0.1}
	_, _, err := local.Store(ctx, m)
	require.NoError(t, err)

	got, err := local.Get(ctx, m.ContentHash)
	require.NoError(t, err)

	count, err := p.runForgetting(ctx, []memoryrecord.Memory{*got})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRunForgetting_SkipsAlreadyArchived(t *testing.T) {
	p, local, _ := newTestPipeline(t, DefaultConfig())
	ctx := context.Background()

	m := mustMemory(t, "already archived memory", nil)
	m.Metadata = memoryrecord.Metadata{memoryrecord.MetaQualityScore: 0.1, MetaArchived: true}
	_, _, err := local.Store(ctx, m)
	require.NoError(t, err)

	stale := *m
	stale.CreatedAt = time.Now().UTC().Add(-400 * 24 * time.Hour)
	stale.UpdatedAt = time.Now().UTC().Add(-120 * 24 * time.Hour)

	count, err := p.runForgetting(ctx, []memoryrecord.Memory{stale})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
