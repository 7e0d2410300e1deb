package consolidation

import (
	"context"

	"github.com/memoryd/engine/internal/graphstore"
	"github.com/memoryd/engine/internal/memoryrecord"
)

// runAssociationDiscovery finds pairs of candidates whose cosine similarity
// falls in the "creative" band (AssociationMinSimilarity,
// AssociationMaxSimilarity): similar enough to be plausibly related,
// dissimilar enough that they are not near-duplicates already caught by
// clustering. Each discovered pair becomes a symmetric "related" edge.
func (p *Pipeline) runAssociationDiscovery(ctx context.Context, candidates []memoryrecord.Memory) (int, error) {
	lo, hi := p.cfg.AssociationMinSimilarity, p.cfg.AssociationMaxSimilarity
	if lo <= 0 {
		lo = 0.3
	}
	if hi <= 0 {
		hi = 0.7
	}

	found := 0
	for i := 0; i < len(candidates); i++ {
		if len(candidates[i].Embedding) == 0 {
			continue
		}
		for j := i + 1; j < len(candidates); j++ {
			if len(candidates[j].Embedding) == 0 {
				continue
			}
			sim := cosineSimilarity(candidates[i].Embedding, candidates[j].Embedding)
			if sim < lo || sim > hi {
				continue
			}
			source, target := candidates[i].ContentHash, candidates[j].ContentHash
			if target < source {
				source, target = target, source
			}
			edge := graphstore.Edge{
				SourceHash:       source,
				TargetHash:       target,
				RelationshipType: graphstore.RelRelated,
				Similarity:       float32(sim),
				ConnectionTypes:  []string{"consolidation_discovered"},
			}
			if err := p.graph.StoreAssociation(ctx, edge); err != nil {
				return found, err
			}
			if err := p.storeAssociationMemory(ctx, edge); err != nil {
				return found, err
			}
			found++
		}
	}
	return found, nil
}

// storeAssociationMemory persists edge as an ordinary Memory tagged
// type=association, so the association replicates to the cloud like any
// other write and a reset device can rebuild memory_graph from synced
// memories instead of only from memories it discovered itself. Content
// hash dedup is stable across runs because edge's source/target are
// ordered lexicographically before this is called.
func (p *Pipeline) storeAssociationMemory(ctx context.Context, edge graphstore.Edge) error {
	content := "association: " + memoryrecord.ShortHash(edge.SourceHash) + " related-to " + memoryrecord.ShortHash(edge.TargetHash)
	meta := memoryrecord.Metadata{
		memoryrecord.MetaType:        memoryrecord.TypeAssociation,
		graphstore.MetaSourceHash:       edge.SourceHash,
		graphstore.MetaTargetHash:       edge.TargetHash,
		graphstore.MetaRelationshipType: edge.RelationshipType,
		graphstore.MetaSimilarity:       float64(edge.Similarity),
		graphstore.MetaConnectionTypes:  edge.ConnectionTypes,
	}
	m, err := memoryrecord.New(content, []string{"association"}, memoryrecord.TypeAssociation, meta, nil, 0)
	if err != nil {
		return err
	}
	_, _, err = p.storeMemory(ctx, m)
	return err
}
