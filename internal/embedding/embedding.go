// Package embedding provides the pluggable Embedder abstraction: text to
// fixed-dimension unit vectors, with an LRU cache keyed by content.
package embedding

import (
	"context"
	"errors"
)

var (
	// ErrEmptyInput is returned when Embed is called with no texts.
	ErrEmptyInput = errors.New("embedding: input texts must not be empty")
	// ErrEmbeddingFailed wraps a provider-level failure.
	ErrEmbeddingFailed = errors.New("embedding: generation failed")
	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("embedding: invalid configuration")
)

// Embedder turns text into fixed-dimension unit vectors. Implementations
// are treated by the storage layer as an opaque, possibly blocking,
// CPU-bound service; callers should batch where possible rather than
// calling Embed once per text.
type Embedder interface {
	// Embed generates one embedding per input text, in order. All vectors
	// have length Dimension() and are L2-normalized.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single search query. Some
	// providers apply a different instruction prefix for queries than for
	// stored documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the fixed embedding length this Embedder produces.
	Dimension() int

	// Close releases any resources (loaded models, file handles) held by
	// the Embedder.
	Close() error
}
