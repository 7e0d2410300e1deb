package consolidation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/memoryd/engine/internal/localstore"
	"github.com/memoryd/engine/internal/memoryrecord"
	"github.com/memoryd/engine/internal/quality"
)

// runDecay applies exponential-decay scoring to every candidate's
// quality_score, then boosts well-connected memories. Both effects are
// collected into a single batch update rather than one write per memory.
// System-generated memories (association, compressed_cluster) carry no
// independent quality signal and are left untouched, per the quality
// subsystem's scoring exclusion.
func (p *Pipeline) runDecay(ctx context.Context, candidates []memoryrecord.Memory) (decayed, boosted int, err error) {
	halfLife := p.cfg.DecayHalfLifeDays
	if halfLife <= 0 {
		halfLife = 30
	}
	minConn := p.cfg.MinConnectionsForBoost
	if minConn <= 0 {
		minConn = 5
	}
	boostFactor := p.cfg.QualityBoostFactor
	if boostFactor <= 0 {
		boostFactor = 1.2
	}

	now := time.Now().UTC()
	var patches []localstore.MetadataPatch

	for _, m := range candidates {
		if m.Metadata.IsSystemGenerated() {
			continue
		}

		current := quality.Score(m.Metadata)
		ageDays := now.Sub(m.UpdatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		decayedScore := current * math.Pow(0.5, ageDays/halfLife)

		patch := memoryrecord.Metadata{memoryrecord.MetaQualityScore: decayedScore}

		degree, derr := p.graph.Degree(ctx, m.ContentHash)
		if derr != nil {
			return decayed, boosted, fmt.Errorf("measuring graph degree for %s: %w", m.ContentHash, derr)
		}
		if degree >= minConn {
			boostedScore := decayedScore * boostFactor
			if boostedScore > 1.0 {
				boostedScore = 1.0
			}
			patch[memoryrecord.MetaOriginalQualityBeforeBoost] = decayedScore
			patch[memoryrecord.MetaQualityScore] = boostedScore
			patch[memoryrecord.MetaQualityBoostApplied] = true
			patch[memoryrecord.MetaQualityBoostFactor] = boostFactor
			patch[memoryrecord.MetaQualityBoostReason] = fmt.Sprintf("connected to %d other memories", degree)
			boosted++
		}

		patches = append(patches, localstore.MetadataPatch{Hash: m.ContentHash, Patch: patch})
		decayed++
	}

	if len(patches) > 0 {
		if _, err := p.updateBatch(ctx, patches); err != nil {
			return decayed, boosted, err
		}
	}
	return decayed, boosted, nil
}
