package main

import (
	"context"
	"testing"

	"github.com/memoryd/engine/internal/localstore"
	"github.com/memoryd/engine/internal/memoryrecord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deleteTestEmbedder struct{ dim int }

func (f *deleteTestEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}
func (f *deleteTestEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, f.dim)
	v[0] = 1
	return v, nil
}
func (f *deleteTestEmbedder) Dimension() int { return f.dim }
func (f *deleteTestEmbedder) Close() error   { return nil }

func newDeleteTestLocal(t *testing.T) *localstore.Store {
	t.Helper()
	local, err := localstore.Open(context.Background(), localstore.Config{Path: ":memory:", EmbeddingDim: 4}, &deleteTestEmbedder{dim: 4}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })
	return local
}

func TestResolveDeleteHashes_ByContentHashSkipsLookup(t *testing.T) {
	local := newDeleteTestLocal(t)
	hashes, err := resolveDeleteHashes(context.Background(), local, "explicit-hash", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"explicit-hash"}, hashes)
}

func TestResolveDeleteHashes_ByTagResolvesViaLocalStore(t *testing.T) {
	local := newDeleteTestLocal(t)
	ctx := context.Background()

	m, err := memoryrecord.New("tag delete target", []string{"stale"}, "note", nil, []float32{1, 0, 0, 0}, 4)
	require.NoError(t, err)
	_, _, err = local.Store(ctx, m)
	require.NoError(t, err)

	hashes, err := resolveDeleteHashes(ctx, local, "", []string{"stale"})
	require.NoError(t, err)
	assert.Equal(t, []string{m.ContentHash}, hashes)

	// Dry-run resolution must not have deleted the record.
	_, err = local.Get(ctx, m.ContentHash)
	require.NoError(t, err)
}

func TestResolveDeleteHashes_NoMatchingTagReturnsEmpty(t *testing.T) {
	local := newDeleteTestLocal(t)
	hashes, err := resolveDeleteHashes(context.Background(), local, "", []string{"nonexistent"})
	require.NoError(t, err)
	assert.Empty(t, hashes)
}
