// Package graphstore implements the association graph over memories:
// store_association, find_connected, shortest_path, and subgraph,
// backed by the memory_graph table that lives in the LocalStore database.
package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/memoryd/engine/internal/memoryrecord"
	"github.com/memoryd/engine/internal/storage"
)

// Metadata keys used when an edge is also persisted as an ordinary Memory
// (type=association) so it replicates to the cloud. EdgeFromMetadata is
// the inverse of this encoding, used to rebuild a memory_graph row from a
// synced association memory on a device that never ran the discovery
// pass itself.
const (
	MetaSourceHash       = "source_hash"
	MetaTargetHash       = "target_hash"
	MetaRelationshipType = "relationship_type"
	MetaSimilarity       = "similarity"
	MetaConnectionTypes  = "connection_types"
)

// EdgeFromMetadata reconstructs an Edge from a type=association Memory's
// metadata. Returns ok=false if a required field is missing or the wrong
// type, which happens only for a corrupt or hand-edited record.
func EdgeFromMetadata(meta memoryrecord.Metadata) (Edge, bool) {
	source, _ := meta[MetaSourceHash].(string)
	target, _ := meta[MetaTargetHash].(string)
	relType, _ := meta[MetaRelationshipType].(string)
	if source == "" || target == "" || relType == "" {
		return Edge{}, false
	}

	var similarity float64
	switch v := meta[MetaSimilarity].(type) {
	case float64:
		similarity = v
	case float32:
		similarity = float64(v)
	}

	var connTypes []string
	switch v := meta[MetaConnectionTypes].(type) {
	case []string:
		connTypes = v
	case []interface{}:
		for _, raw := range v {
			if s, ok := raw.(string); ok {
				connTypes = append(connTypes, s)
			}
		}
	}

	return Edge{
		SourceHash:       source,
		TargetHash:       target,
		RelationshipType: relType,
		Similarity:       float32(similarity),
		ConnectionTypes:  connTypes,
	}, true
}

// Relationship types. Symmetric types are stored in both directions when
// written; asymmetric types are stored once and a "both" direction query
// must match either endpoint.
const (
	RelRelated     = "related"
	RelContradicts = "contradicts"
	RelCauses      = "causes"
	RelFixes       = "fixes"
	RelSupports    = "supports"
	RelFollows     = "follows"
)

var symmetricTypes = map[string]bool{
	RelRelated:     true,
	RelContradicts: true,
}

// IsSymmetric reports whether relationship relType is stored in both
// directions.
func IsSymmetric(relType string) bool {
	return symmetricTypes[relType]
}

// Direction selects which edges a traversal follows relative to a node.
type Direction string

const (
	DirOutgoing Direction = "outgoing"
	DirIncoming Direction = "incoming"
	DirBoth     Direction = "both"
)

// ErrInvalidHops is returned when a traversal's hop bound is out of range.
var ErrInvalidHops = errors.New("graphstore: hop bound out of range")

// Edge is a directed association between two memories.
type Edge struct {
	SourceHash       string
	TargetHash       string
	RelationshipType string
	Similarity       float32
	ConnectionTypes  []string
	Metadata         map[string]interface{}
	CreatedAt        time.Time
}

// Connection is a search result: the memory reached, its hop distance,
// and the similarity of the edge that reached it.
type Connection struct {
	Hash       string
	Depth      int
	Similarity float32
	Via        string // relationship type of the edge traversed to reach this node
}

// Store implements the association graph on top of a shared *sql.DB
// (the same database file LocalStore opened, via its DB() accessor).
type Store struct {
	db *sql.DB
}

// New wraps an existing database connection. The memory_graph table is
// created by LocalStore's migration; graphstore only reads and writes it.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// StoreAssociation records an edge. Symmetric relationship types write
// both directions so an undirected query from either endpoint succeeds;
// asymmetric types write a single row.
func (s *Store) StoreAssociation(ctx context.Context, e Edge) error {
	if e.SourceHash == "" || e.TargetHash == "" {
		return fmt.Errorf("%w: source and target hash are required", storage.ErrValidation)
	}
	if e.RelationshipType == "" {
		return fmt.Errorf("%w: relationship_type is required", storage.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	defer tx.Rollback()

	if err := upsertEdge(ctx, tx, e.SourceHash, e.TargetHash, e); err != nil {
		return err
	}
	if IsSymmetric(e.RelationshipType) {
		if err := upsertEdge(ctx, tx, e.TargetHash, e.SourceHash, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	return nil
}

func upsertEdge(ctx context.Context, tx *sql.Tx, source, target string, e Edge) error {
	connTypesJSON, err := json.Marshal(e.ConnectionTypes)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_graph (source_hash, target_hash, relationship_type, similarity, connection_types, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_hash, target_hash, relationship_type)
		DO UPDATE SET similarity = excluded.similarity, connection_types = excluded.connection_types, metadata_json = excluded.metadata_json`,
		source, target, e.RelationshipType, e.Similarity, string(connTypesJSON), string(metaJSON), createdAt.Unix())
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	return nil
}

// FindConnected performs a k-hop breadth-first search from hash, optionally
// restricted to a single relationship type, following direction.
func (s *Store) FindConnected(ctx context.Context, hash string, relationshipType string, direction Direction, maxHops int) ([]Connection, error) {
	if maxHops <= 0 || maxHops > 3 {
		return nil, fmt.Errorf("%w: max_hops must be in [1,3], got %d", ErrInvalidHops, maxHops)
	}
	if direction == "" {
		direction = DirBoth
	}

	type frontierItem struct {
		hash  string
		depth int
	}

	visited := map[string]bool{hash: true}
	frontier := []frontierItem{{hash: hash, depth: 0}}
	var out []Connection

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		if current.depth >= maxHops {
			continue
		}

		edges, err := s.edgesFrom(ctx, current.hash, relationshipType, direction)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			next := e.TargetHash
			if visited[next] {
				continue
			}
			visited[next] = true
			out = append(out, Connection{Hash: next, Depth: current.depth + 1, Similarity: e.Similarity, Via: e.RelationshipType})
			frontier = append(frontier, frontierItem{hash: next, depth: current.depth + 1})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].Similarity > out[j].Similarity
	})
	return out, nil
}

// Degree returns the number of distinct memories connected to hash across
// every relationship type, counting each neighbor once regardless of
// direction. Used by consolidation's association-based quality boost.
func (s *Store) Degree(ctx context.Context, hash string) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_hash FROM memory_graph WHERE source_hash = ?
		UNION
		SELECT source_hash FROM memory_graph WHERE target_hash = ?`, hash, hash)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var neighbor string
		if err := rows.Scan(&neighbor); err != nil {
			return 0, fmt.Errorf("%w: %v", storage.ErrTransient, err)
		}
		if neighbor != hash {
			count++
		}
	}
	return count, rows.Err()
}

// edgesFrom returns the edges reachable from hash in the given direction,
// resolving asymmetric edges so a "both" query matches either endpoint
// even though the row is stored once.
func (s *Store) edgesFrom(ctx context.Context, hash, relationshipType string, direction Direction) ([]Edge, error) {
	var inner string
	args := []interface{}{hash}

	switch direction {
	case DirOutgoing:
		inner = `SELECT source_hash, target_hash, relationship_type, similarity, connection_types, metadata_json, created_at FROM memory_graph WHERE source_hash = ?`
	case DirIncoming:
		inner = `SELECT target_hash AS source_hash, source_hash AS target_hash, relationship_type, similarity, connection_types, metadata_json, created_at FROM memory_graph WHERE target_hash = ?`
	default: // both
		inner = `
			SELECT source_hash, target_hash, relationship_type, similarity, connection_types, metadata_json, created_at FROM memory_graph WHERE source_hash = ?
			UNION ALL
			SELECT target_hash AS source_hash, source_hash AS target_hash, relationship_type, similarity, connection_types, metadata_json, created_at FROM memory_graph WHERE target_hash = ?`
		args = append(args, hash)
	}

	query := fmt.Sprintf("SELECT * FROM (%s)", inner)
	if relationshipType != "" {
		query += " WHERE relationship_type = ?"
		args = append(args, relationshipType)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrTransient, err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		var connTypesJSON, metaJSON string
		var createdAt int64
		if err := rows.Scan(&e.SourceHash, &e.TargetHash, &e.RelationshipType, &e.Similarity, &connTypesJSON, &metaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrTransient, err)
		}
		_ = json.Unmarshal([]byte(connTypesJSON), &e.ConnectionTypes)
		_ = json.Unmarshal([]byte(metaJSON), &e.Metadata)
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// ShortestPath finds the shortest hop path between two hashes, ties broken
// by the highest aggregate similarity along the path.
func (s *Store) ShortestPath(ctx context.Context, fromHash, toHash string, maxHops int) ([]Connection, error) {
	if maxHops <= 0 || maxHops > 5 {
		return nil, fmt.Errorf("%w: max_hops must be in [1,5], got %d", ErrInvalidHops, maxHops)
	}
	if fromHash == toHash {
		return []Connection{{Hash: fromHash, Depth: 0}}, nil
	}

	type queueItem struct {
		hash       string
		path       []Connection
		aggSim     float32
	}

	visited := map[string]float32{fromHash: 0}
	queue := []queueItem{{hash: fromHash, path: nil, aggSim: 0}}
	var best *queueItem

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if len(current.path) >= maxHops {
			continue
		}

		edges, err := s.edgesFrom(ctx, current.hash, "", DirBoth)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			newAgg := current.aggSim + e.Similarity
			newPath := append(append([]Connection{}, current.path...), Connection{
				Hash: e.TargetHash, Depth: len(current.path) + 1, Similarity: e.Similarity, Via: e.RelationshipType,
			})

			if e.TargetHash == toHash {
				if best == nil || len(newPath) < len(best.path) ||
					(len(newPath) == len(best.path) && newAgg > best.aggSim) {
					candidate := queueItem{hash: e.TargetHash, path: newPath, aggSim: newAgg}
					best = &candidate
				}
				continue
			}

			if prevAgg, seen := visited[e.TargetHash]; seen && prevAgg >= newAgg {
				continue
			}
			visited[e.TargetHash] = newAgg
			queue = append(queue, queueItem{hash: e.TargetHash, path: newPath, aggSim: newAgg})
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: no path from %s to %s within %d hops", storage.ErrNotFound, fromHash, toHash, maxHops)
	}
	return best.path, nil
}

// Subgraph returns all edges within radius hops of hash, in both
// directions, for visualization or export.
func (s *Store) Subgraph(ctx context.Context, hash string, radius int) ([]Edge, error) {
	if radius <= 0 || radius > 3 {
		return nil, fmt.Errorf("%w: radius must be in [1,3], got %d", ErrInvalidHops, radius)
	}

	visited := map[string]bool{hash: true}
	frontier := []string{hash}
	var allEdges []Edge
	seenEdge := map[string]bool{}

	for depth := 0; depth < radius && len(frontier) > 0; depth++ {
		var next []string
		for _, h := range frontier {
			edges, err := s.edgesFrom(ctx, h, "", DirBoth)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				key := e.SourceHash + "|" + e.TargetHash + "|" + e.RelationshipType
				if !seenEdge[key] {
					seenEdge[key] = true
					allEdges = append(allEdges, e)
				}
				if !visited[e.TargetHash] {
					visited[e.TargetHash] = true
					next = append(next, e.TargetHash)
				}
			}
		}
		frontier = next
	}

	return allEdges, nil
}
