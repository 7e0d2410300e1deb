package consolidation

import (
	"context"
	"time"

	"github.com/memoryd/engine/internal/localstore"
	"github.com/memoryd/engine/internal/memoryrecord"
	"github.com/memoryd/engine/internal/quality"
	"go.uber.org/zap"
)

// MetaArchived marks a memory as moved to the archive namespace: content is
// preserved, but default search excludes it. Distinct from deletion.
const MetaArchived = "archived"

// MetaArchivedAt records when a memory was archived, for audit.
const MetaArchivedAt = "archived_at"

// ArchivedTag is added alongside MetaArchived so LocalStore's search paths
// can exclude archived memories by tag filter rather than by scanning
// metadata on every row.
const ArchivedTag = "archived"

// runForgetting archives memories that have both outlived their quality
// tier's retention window and sat untouched for at least
// ForgettingInactiveDays. Archival never deletes content; it sets a
// metadata flag and the "archived" tag, both of which default search
// excludes.
func (p *Pipeline) runForgetting(ctx context.Context, candidates []memoryrecord.Memory) (int, error) {
	inactiveDays := p.cfg.ForgettingInactiveDays
	if inactiveDays <= 0 {
		inactiveDays = 90
	}
	inactiveWindow := time.Duration(inactiveDays) * 24 * time.Hour
	cfg := quality.DefaultRetentionConfig()
	now := time.Now().UTC()

	var patches []localstore.MetadataPatch
	for _, m := range candidates {
		if m.Metadata.IsSystemGenerated() {
			continue
		}
		if archived, ok := m.Metadata[MetaArchived].(bool); ok && archived {
			continue
		}
		if now.Sub(m.UpdatedAt) < inactiveWindow {
			continue
		}

		score := quality.Score(m.Metadata)
		if !quality.IsExpired(m.CreatedAt, score, cfg, now) {
			continue
		}

		patches = append(patches, localstore.MetadataPatch{
			Hash: m.ContentHash,
			Patch: memoryrecord.Metadata{
				MetaArchived:   true,
				MetaArchivedAt: float64(now.Unix()),
			},
		})
	}

	if len(patches) == 0 {
		return 0, nil
	}

	count, err := p.updateBatch(ctx, patches)
	if err != nil {
		return count, err
	}
	for _, patch := range patches {
		if _, terr := p.addTag(ctx, patch.Hash, ArchivedTag); terr != nil {
			p.logger.Warn("consolidation: failed to tag archived memory", zap.String("hash", patch.Hash), zap.Error(terr))
		}
	}
	return count, nil
}
