package localstore

import (
	"context"
	"testing"
	"time"

	"github.com/memoryd/engine/internal/memoryrecord"
	"github.com/memoryd/engine/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	dim int
	// queryVec is returned for every EmbedQuery call.
	queryVec []float32
}

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
	if f.queryVec != nil {
		return f.queryVec, nil
	}
	v := make([]float32, f.dim)
	v[0] = 1
	return v, nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }
func (f *fakeEmbedder) Close() error   { return nil }

func newTestStore(t *testing.T) (*Store, *fakeEmbedder) {
	t.Helper()
	emb := &fakeEmbedder{dim: 4}
	s, err := Open(context.Background(), Config{Path: ":memory:", EmbeddingDim: 4}, emb, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, emb
}

func mustMemory(t *testing.T, content string, tags []string, vec []float32) *memoryrecord.Memory {
	t.Helper()
	m, err := memoryrecord.New(content, tags, "note", nil, vec, 4)
	require.NoError(t, err)
	return m
}

func TestStore_InsertAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "remember the milk", []string{"errand", "home"}, []float32{1, 0, 0, 0})

	inserted, hash, err := s.Store(ctx, m)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, m.ContentHash, hash)

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "remember the milk", got.Content)
	assert.ElementsMatch(t, []string{"errand", "home"}, got.Tags)
	assert.Equal(t, []float32{1, 0, 0, 0}, got.Embedding)
}

func TestStore_DuplicateContentIsNoop(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "same content", nil, []float32{1, 0, 0, 0})
	inserted1, hash1, err := s.Store(ctx, m)
	require.NoError(t, err)
	assert.True(t, inserted1)

	m2 := mustMemory(t, "same content", nil, []float32{0, 1, 0, 0})
	inserted2, hash2, err := s.Store(ctx, m2)
	require.NoError(t, err)
	assert.False(t, inserted2)
	assert.Equal(t, hash1, hash2)
}

func TestStore_GetMissingReturnsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_SearchSemanticRanksByCosine(t *testing.T) {
	s, emb := newTestStore(t)
	ctx := context.Background()

	close1 := mustMemory(t, "close match", nil, []float32{1, 0, 0, 0})
	far := mustMemory(t, "far match", nil, []float32{0, 1, 0, 0})
	_, _, err := s.Store(ctx, close1)
	require.NoError(t, err)
	_, _, err = s.Store(ctx, far)
	require.NoError(t, err)

	emb.queryVec = []float32{1, 0, 0, 0}
	results, err := s.SearchSemantic(ctx, "query", 10, storage.Filters{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "close match", results[0].Memory.Content)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestStore_SearchSemanticExcludesArchivedByDefault(t *testing.T) {
	s, emb := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "archived match", nil, []float32{1, 0, 0, 0})
	_, hash, err := s.Store(ctx, m)
	require.NoError(t, err)
	_, err = s.AddTag(ctx, hash, "archived")
	require.NoError(t, err)

	emb.queryVec = []float32{1, 0, 0, 0}
	results, err := s.SearchSemantic(ctx, "query", 10, storage.Filters{})
	require.NoError(t, err)
	assert.Empty(t, results)

	included, err := s.SearchSemantic(ctx, "query", 10, storage.Filters{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, included, 1)
}

func TestStore_SearchSemanticClampsK(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	m := mustMemory(t, "one", nil, []float32{1, 0, 0, 0})
	_, _, err := s.Store(ctx, m)
	require.NoError(t, err)

	results, err := s.SearchSemantic(ctx, "q", 500, storage.Filters{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestStore_SearchByTagsAndOr(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a := mustMemory(t, "alpha", []string{"x", "y"}, []float32{1, 0, 0, 0})
	b := mustMemory(t, "beta", []string{"x"}, []float32{1, 0, 0, 0})
	_, _, err := s.Store(ctx, a)
	require.NoError(t, err)
	_, _, err = s.Store(ctx, b)
	require.NoError(t, err)

	and, err := s.SearchByTags(ctx, []string{"x", "y"}, storage.TagMatchAnd, storage.Filters{})
	require.NoError(t, err)
	assert.Len(t, and, 1)
	assert.Equal(t, "alpha", and[0].Content)

	or, err := s.SearchByTags(ctx, []string{"x", "y"}, storage.TagMatchOr, storage.Filters{})
	require.NoError(t, err)
	assert.Len(t, or, 2)
}

func TestStore_SearchByTagsOrdersByCreatedAtThenHash(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	older := mustMemory(t, "older", []string{"tag"}, []float32{1, 0, 0, 0})
	older.CreatedAt = time.Now().Add(-time.Hour)
	older.UpdatedAt = older.CreatedAt
	newer := mustMemory(t, "newer", []string{"tag"}, []float32{1, 0, 0, 0})

	_, _, err := s.Store(ctx, older)
	require.NoError(t, err)
	_, _, err = s.Store(ctx, newer)
	require.NoError(t, err)

	results, err := s.SearchByTags(ctx, []string{"tag"}, storage.TagMatchOr, storage.Filters{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "newer", results[0].Content)
}

func TestStore_SearchTimeRange(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "in range", nil, []float32{1, 0, 0, 0})
	_, _, err := s.Store(ctx, m)
	require.NoError(t, err)

	results, err := s.SearchTimeRange(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, results, 1)

	none, err := s.SearchTimeRange(ctx, time.Now().Add(-48*time.Hour), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_UpdateMetadataMerges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m, err := memoryrecord.New("content", nil, "note", memoryrecord.Metadata{"a": 1}, []float32{1, 0, 0, 0}, 4)
	require.NoError(t, err)
	_, hash, err := s.Store(ctx, m)
	require.NoError(t, err)

	updated, err := s.UpdateMetadata(ctx, hash, memoryrecord.Metadata{"b": 2})
	require.NoError(t, err)
	assert.True(t, updated)

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, float64(1), got.Metadata["a"])
	assert.Equal(t, float64(2), got.Metadata["b"])
}

func TestStore_UpdateMetadataMissingHash(t *testing.T) {
	s, _ := newTestStore(t)
	updated, err := s.UpdateMetadata(context.Background(), "nope", memoryrecord.Metadata{"a": 1})
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestStore_UpdateBatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m1 := mustMemory(t, "one", nil, []float32{1, 0, 0, 0})
	m2 := mustMemory(t, "two", nil, []float32{1, 0, 0, 0})
	_, h1, err := s.Store(ctx, m1)
	require.NoError(t, err)
	_, h2, err := s.Store(ctx, m2)
	require.NoError(t, err)

	count, err := s.UpdateBatch(ctx, []MetadataPatch{
		{Hash: h1, Patch: memoryrecord.Metadata{"quality_score": 0.9}},
		{Hash: h2, Patch: memoryrecord.Metadata{"quality_score": 0.4}},
		{Hash: "missing", Patch: memoryrecord.Metadata{"x": 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestStore_DeleteByHash(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "to delete", nil, []float32{1, 0, 0, 0})
	_, hash, err := s.Store(ctx, m)
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, storage.DeleteFilter{ContentHash: hash})
	require.NoError(t, err)
	assert.Equal(t, []string{hash}, deleted)

	_, err = s.Get(ctx, hash)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_DeleteDryRunDoesNotRemove(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "keep me", []string{"keepable"}, []float32{1, 0, 0, 0})
	_, hash, err := s.Store(ctx, m)
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, storage.DeleteFilter{Tags: []string{"keepable"}, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{hash}, deleted)

	_, err = s.Get(ctx, hash)
	assert.NoError(t, err)
}

func TestStore_DeleteRequiresAFilter(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Delete(context.Background(), storage.DeleteFilter{})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestStore_DeleteByTagsHonorsTagMatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	both := mustMemory(t, "has both tags", []string{"x", "y"}, []float32{1, 0, 0, 0})
	onlyX := mustMemory(t, "has only x", []string{"x"}, []float32{1, 0, 0, 0})
	_, hashBoth, err := s.Store(ctx, both)
	require.NoError(t, err)
	_, hashOnlyX, err := s.Store(ctx, onlyX)
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, storage.DeleteFilter{Tags: []string{"x", "y"}, TagMatch: storage.TagMatchAnd})
	require.NoError(t, err)
	assert.Equal(t, []string{hashBoth}, deleted)

	_, err = s.Get(ctx, hashOnlyX)
	assert.NoError(t, err, "AND-matched delete must not remove a memory carrying only one of the tags")
}

func TestStore_AddTag(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "needs a tag", []string{"existing"}, []float32{1, 0, 0, 0})
	_, hash, err := s.Store(ctx, m)
	require.NoError(t, err)

	updated, err := s.AddTag(ctx, hash, "newtag")
	require.NoError(t, err)
	assert.True(t, updated)

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"existing", "newtag"}, got.Tags)

	results, err := s.SearchByTags(ctx, []string{"newtag"}, storage.TagMatchOr, storage.Filters{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, hash, results[0].ContentHash)

	updatedAgain, err := s.AddTag(ctx, hash, "newtag")
	require.NoError(t, err)
	assert.False(t, updatedAgain, "adding a tag already present is a no-op")
}

func TestStore_AddTagMissingHash(t *testing.T) {
	s, _ := newTestStore(t)
	updated, err := s.AddTag(context.Background(), "nope", "tag")
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestStore_SearchByTagsExcludesArchivedByDefault(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "will be archived", []string{"shared"}, []float32{1, 0, 0, 0})
	_, hash, err := s.Store(ctx, m)
	require.NoError(t, err)
	_, err = s.AddTag(ctx, hash, "archived")
	require.NoError(t, err)

	excluded, err := s.SearchByTags(ctx, []string{"shared"}, storage.TagMatchOr, storage.Filters{})
	require.NoError(t, err)
	assert.Empty(t, excluded)

	included, err := s.SearchByTags(ctx, []string{"shared"}, storage.TagMatchOr, storage.Filters{IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, included, 1)

	byArchivedTag, err := s.SearchByTags(ctx, []string{"archived"}, storage.TagMatchOr, storage.Filters{})
	require.NoError(t, err)
	require.Len(t, byArchivedTag, 1, "requesting the archived tag directly must still return it")
}

func TestStore_SearchTimeRangeExcludesArchived(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, "archived in range", nil, []float32{1, 0, 0, 0})
	_, hash, err := s.Store(ctx, m)
	require.NoError(t, err)
	_, err = s.AddTag(ctx, hash, "archived")
	require.NoError(t, err)

	results, err := s.SearchTimeRange(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_HealthReportsPragmasAndCount(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	m := mustMemory(t, "x", nil, []float32{1, 0, 0, 0})
	_, _, err := s.Store(ctx, m)
	require.NoError(t, err)

	h, err := s.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, int64(1), h.MemoryCount)
}

func TestStore_RepairEmbeddingsFixesZeroVectors(t *testing.T) {
	s, emb := newTestStore(t)
	ctx := context.Background()

	m, err := memoryrecord.New("needs repair", nil, "note", nil, nil, 0)
	require.NoError(t, err)
	_, hash, err := s.Store(ctx, m)
	require.NoError(t, err)

	repaired, err := s.RepairEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, float32(1), got.Embedding[0])
	_ = emb
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, float64(cosineSimilarity([]float32{1, 0}, []float32{1, 0})), 1e-6)
	assert.InDelta(t, 0.0, float64(cosineSimilarity([]float32{1, 0}, []float32{0, 1})), 1e-6)
	assert.Equal(t, float32(0), cosineSimilarity(nil, []float32{1}))
}

func TestEncodeDecodeVector_RoundTrip(t *testing.T) {
	v := []float32{0.5, -1.25, 3.0, 0}
	buf := encodeVector(v)
	out := decodeVector(buf, len(v))
	assert.Equal(t, v, out)
}

func TestDecodeVector_LengthMismatchReturnsNil(t *testing.T) {
	buf := encodeVector([]float32{1, 2, 3})
	assert.Nil(t, decodeVector(buf, 5))
}
