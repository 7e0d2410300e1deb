// Package memoryrecord defines the canonical Memory record type: content
// hashing, tag/metadata invariants, and the reserved metadata keys shared
// across the storage backends.
package memoryrecord

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Reserved metadata keys written and read by the quality and consolidation
// subsystems.
const (
	MetaQualityScore                = "quality_score"
	MetaQualityProvider              = "quality_provider"
	MetaAIScores                     = "ai_scores"
	MetaLastConsolidatedAt           = "last_consolidated_at"
	MetaQualityBoostApplied          = "quality_boost_applied"
	MetaQualityBoostFactor           = "quality_boost_factor"
	MetaQualityBoostReason           = "quality_boost_reason"
	MetaOriginalQualityBeforeBoost   = "original_quality_before_boost"
	MetaType                         = "type"
)

// System-generated memory_type/type values excluded from quality scoring.
const (
	TypeAssociation      = "association"
	TypeCompressedCluster = "compressed_cluster"
)

// DefaultMemoryType is used when the caller does not specify one.
const DefaultMemoryType = "note"

// EmbeddingDim is the default fixed embedding dimension. LocalStore
// instances may be configured with a different dimension at construction;
// this constant is only the default used when no config value is present.
const EmbeddingDim = 384

var (
	// ErrEmptyContent is returned when content is empty or all whitespace.
	ErrEmptyContent = errors.New("memoryrecord: content must not be empty")
	// ErrEmptyTag is returned when a supplied tag is empty after trimming.
	ErrEmptyTag = errors.New("memoryrecord: tags must not be empty")
	// ErrInvalidEmbeddingDim is returned when an embedding's length does not
	// match the expected dimension.
	ErrInvalidEmbeddingDim = errors.New("memoryrecord: embedding has wrong dimension")
	// ErrZeroVector is returned when an embedding is all zeros.
	ErrZeroVector = errors.New("memoryrecord: embedding is a zero vector")
)

// Value is a scalar metadata value: string, number, or bool.
type Value interface{}

// Metadata is a mapping of string keys to scalar values.
type Metadata map[string]Value

// Clone returns a shallow copy of m.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge applies patch on top of m, returning a new Metadata. Keys present
// in patch overwrite m; other keys are preserved.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := m.Clone()
	if out == nil {
		out = make(Metadata, len(patch))
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// IsSystemGenerated reports whether metadata marks the owning memory as an
// association or compressed-cluster summary, both excluded from quality
// scoring per the reserved "type" key.
func (m Metadata) IsSystemGenerated() bool {
	t, _ := m[MetaType].(string)
	return t == TypeAssociation || t == TypeCompressedCluster
}

// Memory is the unit of storage: content plus tags, metadata, and a
// fixed-dimension embedding, identified by the SHA-256 hash of its content.
type Memory struct {
	ContentHash string
	Content     string
	Tags        []string
	MemoryType  string
	Metadata    Metadata
	Embedding   []float32
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// New validates content, tags, and embedding, normalizes tags, and
// computes ContentHash. CreatedAt/UpdatedAt are set to now (both equal, per
// the on-insert invariant); callers reconstructing a Memory from storage
// should set the fields directly instead of calling New.
func New(content string, tags []string, memoryType string, meta Metadata, embedding []float32, embeddingDim int) (*Memory, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, ErrEmptyContent
	}

	normTags, err := NormalizeTags(tags)
	if err != nil {
		return nil, err
	}

	if memoryType == "" {
		memoryType = DefaultMemoryType
	}

	if embedding != nil {
		if err := ValidateEmbedding(embedding, embeddingDim); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	return &Memory{
		ContentHash: ContentHash(content),
		Content:     content,
		Tags:        normTags,
		MemoryType:  memoryType,
		Metadata:    meta.Clone(),
		Embedding:   embedding,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// ContentHash returns the lowercase hex SHA-256 digest of normalized
// content. Normalization trims surrounding whitespace; content_hash is a
// pure function of this normalized form so that re-storing semantically
// identical content is a no-op.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first 8 characters of a content hash, used as a
// user-facing short identifier.
func ShortHash(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8]
}

// NormalizeTags trims, drops empties, deduplicates, and returns tags in a
// deterministic (sorted) order. An empty or nil input is legal and returns
// an empty, non-nil slice.
func NormalizeTags(tags []string) ([]string, error) {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		trimmed := strings.TrimSpace(t)
		if trimmed == "" {
			return nil, ErrEmptyTag
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out, nil
}

// ValidateEmbedding checks that v has the expected dimension and is not a
// zero vector.
func ValidateEmbedding(v []float32, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidEmbeddingDim, len(v), dim)
	}
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return ErrZeroVector
	}
	return nil
}

// HasTag reports whether m carries the given tag (case-sensitive exact
// match, per the LocalStore tag-search contract).
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Touch bumps UpdatedAt to now. UpdatedAt must never precede CreatedAt.
func (m *Memory) Touch() {
	now := time.Now().UTC()
	if now.Before(m.CreatedAt) {
		now = m.CreatedAt
	}
	m.UpdatedAt = now
}
