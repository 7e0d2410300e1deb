package consolidation

import (
	"context"
	"fmt"
	"strings"

	"github.com/memoryd/engine/internal/localstore"
	"github.com/memoryd/engine/internal/memoryrecord"
)

// runCompression writes one summary memory per cluster, tagged
// type=compressed_cluster, and links each original member to it. Originals
// are never deleted; compression only adds a retrieval shortcut over a
// redundant group. The summary gets no embedding of its own here — its
// content is the concatenation of member excerpts, and a later search pass
// re-embeds it the same way any other stored memory without an embedding is
// backfilled, so compression does not need an Embedder dependency.
func (p *Pipeline) runCompression(ctx context.Context, clusters [][]memoryrecord.Memory) (int, error) {
	compressed := 0
	for _, cluster := range clusters {
		summary, err := p.buildClusterSummary(cluster)
		if err != nil {
			return compressed, fmt.Errorf("building summary for cluster: %w", err)
		}

		inserted, hash, err := p.storeMemory(ctx, summary)
		if err != nil {
			return compressed, fmt.Errorf("storing cluster summary: %w", err)
		}
		if !inserted {
			// identical summary content already exists (e.g. a re-run over
			// the same cluster before it rotated out of the candidate set)
			continue
		}

		patches := make([]localstore.MetadataPatch, len(cluster))
		for i, m := range cluster {
			patches[i] = localstore.MetadataPatch{
				Hash: m.ContentHash,
				Patch: memoryrecord.Metadata{
					"compressed_into": hash,
				},
			}
		}
		if _, err := p.updateBatch(ctx, patches); err != nil {
			return compressed, fmt.Errorf("linking cluster members to summary: %w", err)
		}

		compressed++
	}
	return compressed, nil
}

func (p *Pipeline) buildClusterSummary(cluster []memoryrecord.Memory) (*memoryrecord.Memory, error) {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Summary of %d related memories:\n", len(cluster)))

	tagSet := make(map[string]struct{})
	members := make([]string, 0, len(cluster))
	for _, m := range cluster {
		excerpt := m.Content
		if len(excerpt) > 200 {
			excerpt = excerpt[:200] + "..."
		}
		b.WriteString("- ")
		b.WriteString(excerpt)
		b.WriteString("\n")
		members = append(members, m.ContentHash)
		for _, t := range m.Tags {
			tagSet[t] = struct{}{}
		}
	}

	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}

	meta := memoryrecord.Metadata{
		memoryrecord.MetaType: memoryrecord.TypeCompressedCluster,
		"cluster_members":     members,
		"cluster_size":        len(cluster),
	}

	return memoryrecord.New(b.String(), tags, memoryrecord.TypeCompressedCluster, meta, nil, 0)
}
