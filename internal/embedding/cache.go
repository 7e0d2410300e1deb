package embedding

import (
	"container/list"
	"context"
	"sync"
)

// CachedEmbedder wraps an Embedder with an LRU cache keyed by content,
// the way LocalStore caches recent embeddings to avoid recomputing them on
// repeat writes and repeat search queries.
type CachedEmbedder struct {
	inner Embedder
	cap   int

	mu    sync.Mutex
	ll    *list.List
	index map[string]*list.Element
}

type cacheEntry struct {
	key   string
	value []float32
}

// NewCachedEmbedder wraps inner with an LRU cache of the given capacity.
// A non-positive capacity disables caching (every call passes through).
func NewCachedEmbedder(inner Embedder, capacity int) *CachedEmbedder {
	return &CachedEmbedder{
		inner: inner,
		cap:   capacity,
		ll:    list.New(),
		index: make(map[string]*list.Element),
	}
}

// Embed returns cached vectors for texts already seen, computing the rest
// in one batched call to the inner Embedder.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	c.mu.Lock()
	for i, t := range texts {
		if v, ok := c.get(t); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	c.mu.Unlock()

	if len(missTexts) == 0 {
		return out, nil
	}

	computed, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for i, v := range computed {
		out[missIdx[i]] = v
		c.put(missTexts[i], v)
	}
	c.mu.Unlock()

	return out, nil
}

// EmbedQuery computes a query embedding, bypassing the cache: queries use a
// different instruction prefix than stored documents and are rarely
// repeated verbatim.
func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.inner.EmbedQuery(ctx, text)
}

// Dimension delegates to the inner Embedder.
func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

// Close releases the inner Embedder.
func (c *CachedEmbedder) Close() error { return c.inner.Close() }

func (c *CachedEmbedder) get(key string) ([]float32, bool) {
	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).value, true
}

func (c *CachedEmbedder) put(key string, value []float32) {
	if c.cap <= 0 {
		return
	}
	if el, ok := c.index[key]; ok {
		el.Value.(*cacheEntry).value = value
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheEntry{key: key, value: value})
	c.index[key] = el
	if c.ll.Len() > c.cap {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Len returns the number of cached entries, for health/stats reporting.
func (c *CachedEmbedder) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

var _ Embedder = (*CachedEmbedder)(nil)
