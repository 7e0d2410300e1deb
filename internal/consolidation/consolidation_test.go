package consolidation

import (
	"context"
	"testing"

	"github.com/memoryd/engine/internal/graphstore"
	"github.com/memoryd/engine/internal/localstore"
	"github.com/memoryd/engine/internal/memoryrecord"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, f.dim)
	v[0] = 1
	return v, nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }
func (f *fakeEmbedder) Close() error   { return nil }

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, *localstore.Store, *graphstore.Store) {
	t.Helper()
	local, err := localstore.Open(context.Background(), localstore.Config{Path: ":memory:", EmbeddingDim: 4}, &fakeEmbedder{dim: 4}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	graph := graphstore.New(local.DB())
	p := New(local, graph, nil, nil, cfg, nil)
	return p, local, graph
}

func mustMemory(t *testing.T, content string, vec []float32) *memoryrecord.Memory {
	t.Helper()
	m, err := memoryrecord.New(content, nil, "note", nil, vec, 4)
	require.NoError(t, err)
	return m
}
