// Package localstore implements the embedded single-file backend: SQLite
// for memories, tags, and the graph table, with a brute-force cosine
// vector search over embeddings stored as BLOBs (the corpus sizes this
// system targets do not need an ANN index; see SearchSemantic).
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/memoryd/engine/internal/embedding"
	"github.com/memoryd/engine/internal/memoryrecord"
	"github.com/memoryd/engine/internal/storage"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a content hash has no matching row.
	ErrNotFound = errors.New("localstore: not found")
	// ErrZeroVector flags a stored embedding that failed validation.
	ErrZeroVector = errors.New("localstore: zero vector embedding")
	// ErrInvalidFilter is returned for malformed delete/search filters.
	ErrInvalidFilter = errors.New("localstore: invalid filter")
)

// Config configures the LocalStore's SQLite connection.
type Config struct {
	// Path to the single-file database. ":memory:" is accepted for tests.
	Path string
	// Pragmas is the per-connection DSN query string, applied on open.
	// Must include busy_timeout and cache_size.
	Pragmas string
	// EmbeddingDim is the fixed embedding dimension this store enforces.
	EmbeddingDim int
	// EmbeddingCacheSize bounds the LRU cache of content -> embedding.
	EmbeddingCacheSize int
}

func (c Config) dsn() string {
	if c.Path == ":memory:" {
		return "file::memory:?cache=shared"
	}
	pragmas := c.Pragmas
	if pragmas == "" {
		pragmas = "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=15000&_cache_size=-2000"
	}
	return fmt.Sprintf("%s?%s", c.Path, pragmas)
}

// Store is the SQLite-backed implementation of storage.Store.
type Store struct {
	db       *sql.DB
	embedder embedding.Embedder
	cfg      Config
	logger   *zap.Logger

	mu sync.RWMutex // guards in-process invariants not covered by SQL transactions
}

// Open creates (if needed) and opens the database at cfg.Path, applies
// schema migrations, and returns a ready-to-use Store.
func Open(ctx context.Context, cfg Config, embedder embedding.Embedder, logger *zap.Logger) (*Store, error) {
	if cfg.EmbeddingDim <= 0 {
		cfg.EmbeddingDim = memoryrecord.EmbeddingDim
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", storage.ErrFatal, err)
	}
	// WAL concurrency requires each logical connection to be
	// pragma-initialized the same way; cap the pool so we do not fan out
	// connections that skip the DSN pragmas via PRAGMA reset on reuse.
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(2 * time.Hour)

	s := &Store{db: db, embedder: embedder, cfg: cfg, logger: logger}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrating schema: %v", storage.ErrFatal, err)
	}

	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS memories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_hash TEXT UNIQUE NOT NULL,
		content TEXT NOT NULL,
		memory_type TEXT NOT NULL DEFAULT 'note',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		tags_json TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at);
	CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type);

	CREATE TABLE IF NOT EXISTS memory_embeddings (
		memory_id INTEGER PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
		vector BLOB NOT NULL,
		dim INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL
	);
	CREATE TABLE IF NOT EXISTS memory_tags (
		memory_id INTEGER NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		PRIMARY KEY (memory_id, tag_id)
	);
	CREATE INDEX IF NOT EXISTS idx_memory_tags_tag_id ON memory_tags(tag_id);

	CREATE TABLE IF NOT EXISTS memory_graph (
		source_hash TEXT NOT NULL,
		target_hash TEXT NOT NULL,
		relationship_type TEXT NOT NULL,
		similarity REAL NOT NULL,
		connection_types TEXT NOT NULL DEFAULT '[]',
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (source_hash, target_hash, relationship_type)
	);
	CREATE INDEX IF NOT EXISTS idx_memory_graph_source ON memory_graph(source_hash);
	CREATE INDEX IF NOT EXISTS idx_memory_graph_target ON memory_graph(target_hash);

	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection so the graph store, which shares
// this database file's memory_graph table, can run its own queries
// without LocalStore mediating every call.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ObservedPragmas returns the pragma settings currently in effect on a
// fresh connection, so operators can verify configuration after changes.
func (s *Store) ObservedPragmas(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for _, p := range []string{"journal_mode", "synchronous", "busy_timeout", "cache_size"} {
		row := s.db.QueryRowContext(ctx, "PRAGMA "+p)
		var v string
		if err := row.Scan(&v); err != nil {
			return nil, fmt.Errorf("reading pragma %s: %w", p, err)
		}
		out[p] = v
	}
	return out, nil
}

// Store inserts m if content_hash is not already present. Re-storing
// identical content is a no-op that returns the existing hash.
func (s *Store) Store(ctx context.Context, m *memoryrecord.Memory) (bool, string, error) {
	if m == nil {
		return false, "", fmt.Errorf("%w: nil memory", storage.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("%w: begin tx: %v", storage.ErrTransient, err)
	}
	defer tx.Rollback()

	var existingID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM memories WHERE content_hash = ?`, m.ContentHash).Scan(&existingID)
	if err == nil {
		return false, m.ContentHash, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, "", fmt.Errorf("%w: lookup: %v", storage.ErrTransient, err)
	}

	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return false, "", fmt.Errorf("%w: marshal metadata: %v", storage.ErrValidation, err)
	}
	tagsJSON, err := json.Marshal(m.Tags)
	if err != nil {
		return false, "", fmt.Errorf("%w: marshal tags: %v", storage.ErrValidation, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO memories (content_hash, content, memory_type, created_at, updated_at, metadata_json, tags_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ContentHash, m.Content, m.MemoryType, m.CreatedAt.Unix(), m.UpdatedAt.Unix(), string(metaJSON), string(tagsJSON))
	if err != nil {
		return false, "", fmt.Errorf("%w: insert: %v", storage.ErrTransient, err)
	}
	memID, err := res.LastInsertId()
	if err != nil {
		return false, "", fmt.Errorf("%w: last insert id: %v", storage.ErrTransient, err)
	}

	if len(m.Embedding) > 0 {
		if err := memoryrecord.ValidateEmbedding(m.Embedding, s.cfg.EmbeddingDim); err != nil {
			return false, "", fmt.Errorf("%w: %v", storage.ErrValidation, err)
		}
		if err := putEmbedding(ctx, tx, memID, m.Embedding); err != nil {
			return false, "", fmt.Errorf("%w: %v", storage.ErrTransient, err)
		}
	}

	for _, tag := range m.Tags {
		tagID, err := upsertTag(ctx, tx, tag)
		if err != nil {
			return false, "", fmt.Errorf("%w: %v", storage.ErrTransient, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO memory_tags (memory_id, tag_id) VALUES (?, ?)`, memID, tagID); err != nil {
			return false, "", fmt.Errorf("%w: %v", storage.ErrTransient, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("%w: commit: %v", storage.ErrTransient, err)
	}

	return true, m.ContentHash, nil
}

func upsertTag(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tags (name) VALUES (?)`, name); err != nil {
		return 0, err
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM tags WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func putEmbedding(ctx context.Context, tx *sql.Tx, memID int64, v []float32) error {
	blob := encodeVector(v)
	_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO memory_embeddings (memory_id, vector, dim) VALUES (?, ?, ?)`, memID, blob, len(v))
	return err
}

// Get retrieves a Memory by content hash.
func (s *Store) Get(ctx context.Context, hash string) (*memoryrecord.Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, memory_type, created_at, updated_at, metadata_json, tags_json
		FROM memories WHERE content_hash = ?`, hash)

	var id int64
	var content, memType, metaJSON, tagsJSON string
	var createdAt, updatedAt int64
	if err := row.Scan(&id, &content, &memType, &createdAt, &updatedAt, &metaJSON, &tagsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, hash)
		}
		return nil, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}

	m, err := rowToMemory(hash, content, memType, createdAt, updatedAt, metaJSON, tagsJSON)
	if err != nil {
		return nil, err
	}

	vec, dim, err := getEmbedding(ctx, s.db, id)
	if err == nil {
		m.Embedding = vec
		_ = dim
	}

	return m, nil
}

func rowToMemory(hash, content, memType string, createdAt, updatedAt int64, metaJSON, tagsJSON string) (*memoryrecord.Memory, error) {
	var meta memoryrecord.Metadata
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %v", storage.ErrStorageCorruption, err)
	}
	var tags []string
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return nil, fmt.Errorf("%w: decode tags: %v", storage.ErrStorageCorruption, err)
	}
	return &memoryrecord.Memory{
		ContentHash: hash,
		Content:     content,
		Tags:        tags,
		MemoryType:  memType,
		Metadata:    meta,
		CreatedAt:   time.Unix(createdAt, 0).UTC(),
		UpdatedAt:   time.Unix(updatedAt, 0).UTC(),
	}, nil
}

func getEmbedding(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}, memID int64) ([]float32, int, error) {
	var blob []byte
	var dim int
	row := q.QueryRowContext(ctx, `SELECT vector, dim FROM memory_embeddings WHERE memory_id = ?`, memID)
	if err := row.Scan(&blob, &dim); err != nil {
		return nil, 0, err
	}
	return decodeVector(blob, dim), dim, nil
}

// SearchSemantic returns the k nearest memories to query by cosine
// similarity. With corpora in the tens-of-thousands-of-rows range typical
// of a per-user memory store, brute force over the embeddings table is
// fast enough; there is no ANN index to keep consistent with the SQL rows.
func (s *Store) SearchSemantic(ctx context.Context, query string, k int, filters storage.Filters) ([]storage.Scored, error) {
	if k <= 0 {
		return []storage.Scored{}, nil
	}
	if k > 100 {
		k = 100
	}

	qvec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %v", storage.ErrTransient, err)
	}

	rows, err := s.filteredRows(ctx, filters)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type candidate struct {
		m     memoryrecord.Memory
		id    int64
		score float32
	}
	var candidates []candidate
	for rows.Next() {
		var id int64
		var hash, content, memType, metaJSON, tagsJSON string
		var createdAt, updatedAt int64
		if err := rows.Scan(&id, &hash, &content, &memType, &createdAt, &updatedAt, &metaJSON, &tagsJSON); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrTransient, err)
		}
		m, err := rowToMemory(hash, content, memType, createdAt, updatedAt, metaJSON, tagsJSON)
		if err != nil {
			continue // corrupted row; skip rather than fail the whole search
		}
		vec, _, err := getEmbedding(ctx, s.db, id)
		if err != nil || isZeroVector(vec) {
			continue // zero-vector embeddings never appear in search results
		}
		candidates = append(candidates, candidate{m: *m, id: id, score: cosineSimilarity(qvec, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].m.ContentHash < candidates[j].m.ContentHash
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]storage.Scored, len(candidates))
	for i, c := range candidates {
		out[i] = storage.Scored{Memory: c.m, Score: c.score}
	}
	return out, nil
}

// archivedTag mirrors consolidation.ArchivedTag. LocalStore cannot import
// the consolidation package (consolidation already imports localstore), so
// the literal is duplicated here; search paths exclude it by default the
// same way regardless of which package tagged a memory archived.
const archivedTag = "archived"

func (s *Store) filteredRows(ctx context.Context, filters storage.Filters) (*sql.Rows, error) {
	query := `SELECT id, content_hash, content, memory_type, created_at, updated_at, metadata_json, tags_json FROM memories WHERE 1=1`
	var args []interface{}

	if filters.MemoryType != "" {
		query += ` AND memory_type = ?`
		args = append(args, filters.MemoryType)
	}
	if !filters.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filters.Since.Unix())
	}
	if !filters.Until.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, filters.Until.Unix())
	}
	if !filters.IncludeArchived {
		query += ` AND id NOT IN (SELECT mt.memory_id FROM memory_tags mt JOIN tags t ON t.id = mt.tag_id WHERE t.name = ?)`
		args = append(args, archivedTag)
	}

	return s.db.QueryContext(ctx, query, args...)
}

// SearchByTags returns memories matching the tag filter, ordered by
// created_at descending, ties broken by content_hash (ascending, for a
// deterministic order).
func (s *Store) SearchByTags(ctx context.Context, tags []string, match storage.TagMatch, filters storage.Filters) ([]memoryrecord.Memory, error) {
	normTags, err := memoryrecord.NormalizeTags(tags)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	if len(normTags) == 0 {
		return []memoryrecord.Memory{}, nil
	}

	placeholders := make([]string, len(normTags))
	args := make([]interface{}, len(normTags))
	for i, t := range normTags {
		placeholders[i] = "?"
		args[i] = t
	}

	var having string
	if match == storage.TagMatchAnd {
		having = fmt.Sprintf("HAVING COUNT(DISTINCT tags.name) = %d", len(normTags))
	} else {
		having = "HAVING COUNT(DISTINCT tags.name) >= 1"
	}

	requestedArchived := false
	for _, t := range normTags {
		if t == archivedTag {
			requestedArchived = true
			break
		}
	}

	var exclusion string
	if !filters.IncludeArchived && !requestedArchived {
		exclusion = " AND m.id NOT IN (SELECT mt2.memory_id FROM memory_tags mt2 JOIN tags t2 ON t2.id = mt2.tag_id WHERE t2.name = ?)"
		args = append(args, archivedTag)
	}

	query := fmt.Sprintf(`
		SELECT m.id, m.content_hash, m.content, m.memory_type, m.created_at, m.updated_at, m.metadata_json, m.tags_json
		FROM memories m
		JOIN memory_tags mt ON mt.memory_id = m.id
		JOIN tags ON tags.id = mt.tag_id
		WHERE tags.name IN (%s)%s
		GROUP BY m.id
		%s
		ORDER BY m.created_at DESC, m.content_hash ASC`,
		joinPlaceholders(placeholders), exclusion, having)

	rows, err := s.db.QueryContext(ctx, query, args...)
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
			continue
		}
		if len(filters.Tags) > 0 {
			// additional caller-supplied filters compose with the primary tag set
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func joinPlaceholders(ps []string) string {
	out := ps[0]
	for _, p := range ps[1:] {
		out += ", " + p
	}
	return out
}

// SearchTimeRange returns memories with created_at in [start, end]. The
// interface carries no Filters parameter to opt into archived results, so
// unlike SearchSemantic/SearchByTags this exclusion has no override here.
func (s *Store) SearchTimeRange(ctx context.Context, start, end time.Time) ([]memoryrecord.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content_hash, content, memory_type, created_at, updated_at, metadata_json, tags_json
		FROM memories m WHERE created_at >= ? AND created_at <= ?
		AND m.id NOT IN (SELECT mt.memory_id FROM memory_tags mt JOIN tags t ON t.id = mt.tag_id WHERE t.name = ?)
		ORDER BY created_at DESC, content_hash ASC`, start.Unix(), end.Unix(), archivedTag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	defer rows.Close()

	var out []memoryrecord.Memory
	for rows.Next() {
		var hash, content, memType, metaJSON, tagsJSON string
		var createdAt, updatedAt int64
		if err := rows.Scan(&hash, &content, &memType, &createdAt, &updatedAt, &metaJSON, &tagsJSON); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrTransient, err)
		}
		m, err := rowToMemory(hash, content, memType, createdAt, updatedAt, metaJSON, tagsJSON)
		if err != nil {
			continue
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// UpdateMetadata merges patch into stored metadata and bumps updated_at.
func (s *Store) UpdateMetadata(ctx context.Context, hash string, patch memoryrecord.Metadata) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	defer tx.Rollback()

	updated, err := updateMetadataTx(ctx, tx, hash, patch)
	if err != nil {
		return false, err
	}
	if !updated {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	return true, nil
}

func updateMetadataTx(ctx context.Context, tx *sql.Tx, hash string, patch memoryrecord.Metadata) (bool, error) {
	var metaJSON string
	err := tx.QueryRowContext(ctx, `SELECT metadata_json FROM memories WHERE content_hash = ?`, hash).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}

	var meta memoryrecord.Metadata
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrStorageCorruption, err)
	}
	merged := meta.Merge(patch)

	newJSON, err := json.Marshal(merged)
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE memories SET metadata_json = ?, updated_at = ? WHERE content_hash = ?`,
		string(newJSON), time.Now().UTC().Unix(), hash); err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	return true, nil
}

// MetadataPatch pairs a content hash with the patch to merge into it, for
// UpdateBatch.
type MetadataPatch struct {
	Hash  string
	Patch memoryrecord.Metadata
}

// UpdateBatch applies all patches in a single transaction, rolled back on
// any error. This is the path the consolidation pipeline uses to turn
// O(N) per-memory updates into a single round-trip.
func (s *Store) UpdateBatch(ctx context.Context, patches []MetadataPatch) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	defer tx.Rollback()

	count := 0
	for _, p := range patches {
		ok, err := updateMetadataTx(ctx, tx, p.Hash, p.Patch)
		if err != nil {
			return 0, err
		}
		if ok {
			count++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	return count, nil
}

// AddTag appends tag to hash's tag set if not already present, updating
// both the denormalized tags_json column on the memory row and the
// normalized tags/memory_tags tables searches join against. Returns
// updated=false if hash is unknown or already carries tag.
func (s *Store) AddTag(ctx context.Context, hash, tag string) (bool, error) {
	normTags, err := memoryrecord.NormalizeTags([]string{tag})
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	tag = normTags[0]

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	defer tx.Rollback()

	var memID int64
	var tagsJSON string
	err = tx.QueryRowContext(ctx, `SELECT id, tags_json FROM memories WHERE content_hash = ?`, hash).Scan(&memID, &tagsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}

	var tags []string
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrStorageCorruption, err)
	}
	for _, t := range tags {
		if t == tag {
			return false, nil
		}
	}
	tags = append(tags, tag)
	sort.Strings(tags)

	newTagsJSON, err := json.Marshal(tags)
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE memories SET tags_json = ? WHERE id = ?`, string(newTagsJSON), memID); err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}

	tagID, err := upsertTag(ctx, tx, tag)
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO memory_tags (memory_id, tag_id) VALUES (?, ?)`, memID, tagID); err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	return true, nil
}

// Delete removes memories matching filter, honoring DryRun.
func (s *Store) Delete(ctx context.Context, filter storage.DeleteFilter) ([]string, error) {
	if filter.ContentHash == "" && len(filter.Tags) == 0 && filter.Before.IsZero() && filter.After.IsZero() {
		return nil, fmt.Errorf("%w: at least one filter required", ErrInvalidFilter)
	}

	hashes, err := s.matchDeleteFilter(ctx, filter)
	if err != nil {
		return nil, err
	}
	if filter.DryRun || len(hashes) == 0 {
		return hashes, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	defer tx.Rollback()

	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE content_hash = ?`, h); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrTransient, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	return hashes, nil
}

func (s *Store) matchDeleteFilter(ctx context.Context, filter storage.DeleteFilter) ([]string, error) {
	if filter.ContentHash != "" {
		var h string
		err := s.db.QueryRowContext(ctx, `SELECT content_hash FROM memories WHERE content_hash = ?`, filter.ContentHash).Scan(&h)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrTransient, err)
		}
		return []string{h}, nil
	}

	var normTags []string
	if len(filter.Tags) > 0 {
		var err error
		normTags, err = memoryrecord.NormalizeTags(filter.Tags)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrValidation, err)
		}
	}

	var having string
	if len(normTags) > 0 {
		if filter.TagMatch == storage.TagMatchAnd {
			having = fmt.Sprintf("HAVING COUNT(DISTINCT tags.name) = %d", len(normTags))
		} else {
			having = "HAVING COUNT(DISTINCT tags.name) >= 1"
		}
	}

	query := `SELECT m.content_hash FROM memories m`
	var args []interface{}
	var conds []string

	if len(normTags) > 0 {
		placeholders := make([]string, len(normTags))
		for i, t := range normTags {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += ` JOIN memory_tags mt ON mt.memory_id = m.id JOIN tags ON tags.id = mt.tag_id`
		conds = append(conds, fmt.Sprintf("tags.name IN (%s)", joinPlaceholders(placeholders)))
	}
	if !filter.Before.IsZero() {
		conds = append(conds, "m.created_at < ?")
		args = append(args, filter.Before.Unix())
	}
	if !filter.After.IsZero() {
		conds = append(conds, "m.created_at > ?")
		args = append(args, filter.After.Unix())
	}
	if len(conds) > 0 {
		query += " WHERE " + conds[0]
		for _, c := range conds[1:] {
			query += " AND " + c
		}
	}
	if len(normTags) > 0 {
		query += " GROUP BY m.id " + having
	} else {
		query += " GROUP BY m.id"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrTransient, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Count returns the total number of memories, for health reporting.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n)
	return n, err
}

// Health reports LocalStore-only status; HybridStore composes this with
// sync-engine fields to produce the full health surface.
func (s *Store) Health(ctx context.Context) (storage.Health, error) {
	count, err := s.Count(ctx)
	if err != nil {
		return storage.Health{Status: "error"}, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	pragmas, err := s.ObservedPragmas(ctx)
	if err != nil {
		pragmas = nil
	}
	return storage.Health{
		Status:          "healthy",
		Backend:         "local",
		MemoryCount:     count,
		ObservedPragmas: pragmas,
	}, nil
}

// RepairEmbeddings iterates all rows, detects zero-norm or missing
// vectors, and recomputes them via the configured Embedder. It returns the
// number of rows repaired.
func (s *Store) RepairEmbeddings(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content FROM memories`)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}

	type broken struct {
		id      int64
		content string
	}
	var toFix []broken
	for rows.Next() {
		var id int64
		var content string
		if err := rows.Scan(&id, &content); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: %v", storage.ErrTransient, err)
		}
		vec, _, err := getEmbedding(ctx, s.db, id)
		if err != nil || isZeroVector(vec) {
			toFix = append(toFix, broken{id: id, content: content})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}

	if len(toFix) == 0 {
		return 0, nil
	}

	texts := make([]string, len(toFix))
	for i, b := range toFix {
		texts[i] = b.content
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("%w: re-embedding: %v", storage.ErrTransient, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	defer tx.Rollback()

	for i, b := range toFix {
		if err := putEmbedding(ctx, tx, b.id, vecs[i]); err != nil {
			return 0, fmt.Errorf("%w: %v", storage.ErrTransient, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}

	s.logger.Info("repaired zero-vector embeddings", zap.Int("count", len(toFix)))
	return len(toFix), nil
}

func isZeroVector(v []float32) bool {
	if len(v) == 0 {
		return true
	}
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

var _ storage.Store = (*Store)(nil)
