package localstore

import (
	"context"
	"fmt"
	"time"

	"github.com/memoryd/engine/internal/memoryrecord"
	"github.com/memoryd/engine/internal/storage"
)

// SelectForConsolidation returns candidate memories for one consolidation
// pass. When oldestFirst is false (the daily horizon), it selects rows
// touched within recentWindow. When true (weekly and wider horizons), it
// selects rows with the oldest (or absent) last_consolidated_at first, so
// coverage is incremental across runs rather than always hitting the same
// memories. Both modes are bounded by limit.
func (s *Store) SelectForConsolidation(ctx context.Context, recentWindow time.Duration, limit int, oldestFirst bool) ([]memoryrecord.Memory, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}

	var (
		rows interface {
			Next() bool
			Scan(...interface{}) error
			Err() error
			Close() error
		}
		err error
	)
	if oldestFirst {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, content_hash, content, memory_type, created_at, updated_at, metadata_json, tags_json
			FROM memories
			ORDER BY COALESCE(json_extract(metadata_json, '$.`+memoryrecord.MetaLastConsolidatedAt+`'), 0) ASC, id ASC
			LIMIT ?`, limit)
	} else {
		cutoff := time.Now().Add(-recentWindow).Unix()
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, content_hash, content, memory_type, created_at, updated_at, metadata_json, tags_json
			FROM memories
			WHERE updated_at >= ?
			ORDER BY updated_at ASC
			LIMIT ?`, cutoff, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	defer rows.Close()

	var out []memoryrecord.Memory
	for rows.Next() {
		var id int64
		var hash, content, memType, metaJSON, tagsJSON string
		var createdAt, updatedAt int64
		if err := rows.Scan(&id, &hash, &content, &memType, &createdAt, &updatedAt, &metaJSON, &tagsJSON); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrTransient, err)
		}
		m, err := rowToMemory(hash, content, memType, createdAt, updatedAt, metaJSON, tagsJSON)
		if err != nil {
			continue // a corrupt row should not abort the whole consolidation pass
		}
		if vec, _, err := getEmbedding(ctx, s.db, id); err == nil {
			m.Embedding = vec
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
