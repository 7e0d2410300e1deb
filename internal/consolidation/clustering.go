package consolidation

import "github.com/memoryd/engine/internal/memoryrecord"

// runClustering groups candidates into single-linkage clusters: any two
// memories whose cosine similarity meets ClusterSimilarityThreshold join
// the same cluster (a simplified DBSCAN with an implicit minPts of 1 at
// the pair level; ClusterMinSize filters the resulting groups before
// compression considers them). Memories with no embedding, or with fewer
// than ClusterMinSize members in their group, are not reported as
// clusters.
func (p *Pipeline) runClustering(candidates []memoryrecord.Memory) [][]memoryrecord.Memory {
	minSize := p.cfg.ClusterMinSize
	if minSize <= 0 {
		minSize = 3
	}
	threshold := p.cfg.ClusterSimilarityThreshold
	if threshold <= 0 {
		threshold = 0.82
	}

	n := len(candidates)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for i := 0; i < n; i++ {
		if len(candidates[i].Embedding) == 0 {
			continue
		}
		for j := i + 1; j < n; j++ {
			if len(candidates[j].Embedding) == 0 {
				continue
			}
			if cosineSimilarity(candidates[i].Embedding, candidates[j].Embedding) >= threshold {
				union(i, j)
			}
		}
	}

	groups := make(map[int][]memoryrecord.Memory)
	for i := 0; i < n; i++ {
		if len(candidates[i].Embedding) == 0 {
			continue
		}
		root := find(i)
		groups[root] = append(groups[root], candidates[i])
	}

	var clusters [][]memoryrecord.Memory
	for _, g := range groups {
		if len(g) >= minSize {
			clusters = append(clusters, g)
		}
	}
	return clusters
}
