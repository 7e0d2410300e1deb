// Package hybridstore fronts LocalStore for all reads and synchronous
// writes, and owns a syncengine.Engine for asynchronous cloud replication.
// Callers get local-first latency and read-your-writes consistency; the
// cloud side catches up in the background.
package hybridstore

import (
	"context"
	"errors"
	"time"

	"github.com/memoryd/engine/internal/localstore"
	"github.com/memoryd/engine/internal/memoryrecord"
	"github.com/memoryd/engine/internal/storage"
	"github.com/memoryd/engine/internal/syncengine"
	"go.uber.org/zap"
)

// Store is the C6 hybrid backend: storage.Store backed by LocalStore, with
// mutations additionally queued for cloud replication.
type Store struct {
	local  *localstore.Store
	engine *syncengine.Engine
	logger *zap.Logger
}

// New wires a LocalStore and a running syncengine.Engine into a Store.
// The engine must already have Start called, or be started by the caller
// immediately after New returns; New does not start it itself so the
// caller controls when background work (and any startup sync) begins.
func New(local *localstore.Store, engine *syncengine.Engine, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{local: local, engine: engine, logger: logger}
}

// Store applies the write to LocalStore, then enqueues replication. A
// duplicate content_hash (inserted=false) is a local no-op and nothing is
// enqueued: the cloud already has this content, or will converge on it via
// the next drift pass.
func (s *Store) Store(ctx context.Context, m *memoryrecord.Memory) (bool, string, error) {
	inserted, hash, err := s.local.Store(ctx, m)
	if err != nil || !inserted {
		return inserted, hash, err
	}
	s.enqueue(ctx, syncengine.SyncOp{Type: syncengine.OpCreate, Hash: m.ContentHash, Payload: m})
	return inserted, hash, nil
}

// Get, SearchSemantic, SearchByTags, and SearchTimeRange are read paths:
// hybrid reads are local-only by contract, so these are pure delegations.
func (s *Store) Get(ctx context.Context, hash string) (*memoryrecord.Memory, error) {
	return s.local.Get(ctx, hash)
}

func (s *Store) SearchSemantic(ctx context.Context, query string, k int, filters storage.Filters) ([]storage.Scored, error) {
	return s.local.SearchSemantic(ctx, query, k, filters)
}

func (s *Store) SearchByTags(ctx context.Context, tags []string, match storage.TagMatch, filters storage.Filters) ([]memoryrecord.Memory, error) {
	return s.local.SearchByTags(ctx, tags, match, filters)
}

func (s *Store) SearchTimeRange(ctx context.Context, start, end time.Time) ([]memoryrecord.Memory, error) {
	return s.local.SearchTimeRange(ctx, start, end)
}

// UpdateMetadata patches LocalStore then enqueues the full updated record
// so the cloud side's copy converges rather than carrying a partial patch.
func (s *Store) UpdateMetadata(ctx context.Context, hash string, patch memoryrecord.Metadata) (bool, error) {
	updated, err := s.local.UpdateMetadata(ctx, hash, patch)
	if err != nil || !updated {
		return updated, err
	}
	m, err := s.local.Get(ctx, hash)
	if err != nil {
		s.logger.Warn("hybridstore: updated record vanished before it could be enqueued", zap.String("hash", hash), zap.Error(err))
		return updated, nil
	}
	op := syncengine.SyncOp{Type: syncengine.OpUpdate, Hash: hash, Payload: m, PreserveTimestamps: true}
	s.enqueue(ctx, op)
	return updated, nil
}

// UpdateMetadataBatch patches LocalStore in bulk, then enqueues the full
// updated record for each successfully patched hash. Used by consolidation
// phases (decay, compression, forgetting) so their batch writes reach the
// cloud the same way any other write does, instead of going straight to
// LocalStore and never replicating.
func (s *Store) UpdateMetadataBatch(ctx context.Context, patches []localstore.MetadataPatch) (int, error) {
	count, err := s.local.UpdateBatch(ctx, patches)
	if err != nil {
		return count, err
	}
	for _, patch := range patches {
		m, gerr := s.local.Get(ctx, patch.Hash)
		if gerr != nil {
			s.logger.Warn("hybridstore: patched record vanished before it could be enqueued", zap.String("hash", patch.Hash), zap.Error(gerr))
			continue
		}
		s.enqueue(ctx, syncengine.SyncOp{Type: syncengine.OpUpdate, Hash: patch.Hash, Payload: m, PreserveTimestamps: true})
	}
	return count, nil
}

// AddTag appends tag to hash's tag set in LocalStore, then enqueues the
// updated record so the new tag replicates to the cloud.
func (s *Store) AddTag(ctx context.Context, hash, tag string) (bool, error) {
	updated, err := s.local.AddTag(ctx, hash, tag)
	if err != nil || !updated {
		return updated, err
	}
	m, err := s.local.Get(ctx, hash)
	if err != nil {
		s.logger.Warn("hybridstore: tagged record vanished before it could be enqueued", zap.String("hash", hash), zap.Error(err))
		return updated, nil
	}
	s.enqueue(ctx, syncengine.SyncOp{Type: syncengine.OpUpdate, Hash: hash, Payload: m, PreserveTimestamps: true})
	return updated, nil
}

// Delete removes matching rows from LocalStore, then enqueues a DELETE op
// per hash for cloud replication. This is the normal mutating-call
// contract (local first, async cloud); bulk maintenance deletes that must
// avoid the drift scanner resurrecting a row use the cloud-first order
// directly against LocalStore and CloudStore instead of this path.
func (s *Store) Delete(ctx context.Context, filter storage.DeleteFilter) ([]string, error) {
	hashes, err := s.local.Delete(ctx, filter)
	if err != nil || filter.DryRun {
		return hashes, err
	}
	for _, h := range hashes {
		s.enqueue(ctx, syncengine.SyncOp{Type: syncengine.OpDelete, Hash: h})
	}
	return hashes, nil
}

// Health composes LocalStore's storage health with the engine's queue
// depth, drift schedule, dead-letter counter, and breaker-derived status.
func (s *Store) Health(ctx context.Context) (storage.Health, error) {
	h, err := s.local.Health(ctx)
	if err != nil {
		return h, err
	}
	h.Backend = "hybrid"
	h.QueueDepth = s.engine.QueueDepth()
	h.DriftLastRun = s.engine.DriftLastRun()
	h.DriftNextRun = s.engine.DriftNextRun()
	h.DeadLetterCount = s.engine.DeadLetterCount()

	if h.DeadLetterCount > 0 {
		h.Status = "degraded"
	}
	if s.engine.BreakerState() == "open" {
		h.Status = "degraded"
	}
	return h, nil
}

// PauseSync, ResumeSync, IsPaused, and AwaitSyncIdle expose the engine's
// pause bracket directly: consolidation and maintenance tools bracket
// bulk local work with these so no cloud write races the bulk update.
func (s *Store) PauseSync()         { s.engine.PauseSync() }
func (s *Store) ResumeSync()        { s.engine.ResumeSync() }
func (s *Store) IsPaused() bool     { return s.engine.IsPaused() }
func (s *Store) AwaitSyncIdle(ctx context.Context, timeout time.Duration) error {
	return s.engine.AwaitSyncIdle(ctx, timeout)
}

func (s *Store) enqueue(ctx context.Context, op syncengine.SyncOp) {
	if err := s.engine.Enqueue(ctx, op); err != nil {
		s.logger.Warn("hybridstore: enqueue failed", zap.String("hash", op.Hash), zap.String("op", string(op.Type)), zap.Error(err))
	}
}

var _ storage.Store = (*Store)(nil)

// ErrPauseBacklogFull is re-exported so callers of hybridstore need not
// import syncengine directly to check for this condition.
var ErrPauseBacklogFull = syncengine.ErrPauseBacklogFull

// IsPauseBacklogFull is a convenience check over ErrPauseBacklogFull.
func IsPauseBacklogFull(err error) bool {
	return errors.Is(err, ErrPauseBacklogFull)
}
