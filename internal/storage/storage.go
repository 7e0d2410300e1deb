// Package storage defines the capability-set interface shared by
// LocalStore, CloudStore, and HybridStore: store, retrieve, search, and
// delete, plus maintenance operations. Implementations compose rather than
// inherit from this interface — there is no class hierarchy.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/memoryd/engine/internal/memoryrecord"
)

// Error kinds from the error-handling taxonomy. Each concrete package
// (localstore, cloudstore, syncengine, ...) defines its own sentinel
// errors and wraps them so that errors.Is against these kinds works
// across package boundaries for health reporting and retry decisions.
var (
	ErrValidation        = errors.New("storage: validation error")
	ErrNotFound          = errors.New("storage: not found")
	ErrTransient         = errors.New("storage: transient error")
	ErrPayloadTooLarge   = errors.New("storage: payload too large")
	ErrStorageCorruption = errors.New("storage: storage corruption")
	ErrQueueFull         = errors.New("storage: queue full")
	ErrFatal             = errors.New("storage: fatal error")
)

// TagMatch selects how a tag filter combines multiple tags.
type TagMatch string

const (
	TagMatchAnd TagMatch = "AND"
	TagMatchOr  TagMatch = "OR"
)

// SearchMode selects the search strategy.
type SearchMode string

const (
	SearchSemantic SearchMode = "semantic"
	SearchExact    SearchMode = "exact"
	SearchHybrid   SearchMode = "hybrid"
)

// Filters narrows a search or list call. Zero values mean "no filter" for
// that dimension.
type Filters struct {
	Tags       []string
	TagMatch   TagMatch
	MemoryType string
	Since      time.Time
	Until      time.Time

	// IncludeArchived opts into returning memories tagged "archived" by the
	// forgetting phase. Search paths exclude them by default.
	IncludeArchived bool
}

// Scored pairs a Memory with a similarity or blended relevance score.
type Scored struct {
	Memory memoryrecord.Memory
	Score  float32
}

// DeleteFilter composes a deletion request. At least one field must be
// set; the zero value (no filter) is refused by implementations.
type DeleteFilter struct {
	ContentHash string
	Tags        []string
	TagMatch    TagMatch
	Before      time.Time
	After       time.Time
	DryRun      bool
}

// Store is the capability set implemented by LocalStore, CloudStore, and
// HybridStore.
type Store interface {
	// Store persists m, returning inserted=false if content_hash already
	// exists (a no-op, not an error).
	Store(ctx context.Context, m *memoryrecord.Memory) (inserted bool, hash string, err error)

	// Get retrieves a Memory by content hash. Returns ErrNotFound if absent.
	Get(ctx context.Context, hash string) (*memoryrecord.Memory, error)

	// SearchSemantic returns the k nearest memories to query by cosine
	// similarity, optionally narrowed by filters.
	SearchSemantic(ctx context.Context, query string, k int, filters Filters) ([]Scored, error)

	// SearchByTags returns memories matching the tag filter, ordered by
	// created_at descending, ties broken by content_hash.
	SearchByTags(ctx context.Context, tags []string, match TagMatch, filters Filters) ([]memoryrecord.Memory, error)

	// SearchTimeRange returns memories created within [start, end].
	SearchTimeRange(ctx context.Context, start, end time.Time) ([]memoryrecord.Memory, error)

	// UpdateMetadata merges patch into the stored memory's metadata and
	// bumps updated_at. Returns updated=false if hash is unknown.
	UpdateMetadata(ctx context.Context, hash string, patch memoryrecord.Metadata) (updated bool, err error)

	// Delete removes memories matching filter. Returns the hashes deleted
	// (or, if filter.DryRun, the hashes that would be deleted).
	Delete(ctx context.Context, filter DeleteFilter) (hashes []string, err error)

	// Health reports operational status for the health endpoint.
	Health(ctx context.Context) (Health, error)
}

// Health reports backend status for operational health checks.
type Health struct {
	Status           string // "healthy", "degraded", "error"
	Backend          string
	MemoryCount      int64
	QueueDepth       int
	DriftLastRun     time.Time
	DriftNextRun     time.Time
	DeadLetterCount  int64
	ObservedPragmas  map[string]string
}
