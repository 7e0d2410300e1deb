package syncengine

import (
	"context"
	"time"

	"github.com/memoryd/engine/internal/graphstore"
	"github.com/memoryd/engine/internal/memoryrecord"
	"go.uber.org/zap"
)

// runDriftScanner periodically pages through cloud records updated since
// the shared cursor, pulling any that are newer than (or missing from) the
// local copy. It honors the pause state so it never calls the cloud while
// paused, and advances at most DriftBatchSize records per pass.
func (e *Engine) runDriftScanner(ctx context.Context) {
	ticker := time.NewTicker(tickerInterval(e.cfg.DriftCheckInterval))
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.paused.Load() {
				continue
			}
			e.runDriftPass(ctx)
		}
	}
}

func tickerInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}

func (e *Engine) runDriftPass(ctx context.Context) {
	cursor, err := e.getCursor(ctx)
	if err != nil {
		e.logger.Error("syncengine: drift scan failed to load cursor", zap.Error(err))
		return
	}

	page, err := e.cloud.ListUpdatedSince(ctx, cursor, "", e.cfg.DriftBatchSize)
	if err != nil {
		e.logger.Warn("syncengine: drift scan list failed", zap.Error(err))
		return
	}

	pulled := 0
	latest := cursor
	for _, item := range page.Items {
		if e.paused.Load() {
			break
		}
		if item.UpdatedAt.After(latest) {
			latest = item.UpdatedAt
		}

		local, localErr := e.local.Get(ctx, item.ContentHash)
		haveLocal := localErr == nil
		if haveLocal && !item.UpdatedAt.After(local.UpdatedAt) {
			continue // local copy is already current or newer
		}

		remote, err := e.cloud.Get(ctx, item.ContentHash)
		if err != nil {
			e.logger.Warn("syncengine: drift scan failed to pull record", zap.String("hash", item.ContentHash), zap.Error(err))
			continue
		}

		if !haveLocal {
			// content_hash is a pure function of content, so a hash
			// missing locally means the whole record is new here.
			if _, _, err := e.local.Store(ctx, remote); err != nil {
				e.logger.Warn("syncengine: drift scan failed to insert remote record locally", zap.String("hash", item.ContentHash), zap.Error(err))
				continue
			}
		} else {
			// Content is immutable once hashed; only metadata can have
			// diverged, so the remote copy wins there.
			if _, err := e.local.UpdateMetadata(ctx, item.ContentHash, remote.Metadata); err != nil {
				e.logger.Warn("syncengine: drift scan failed to apply remote metadata locally", zap.String("hash", item.ContentHash), zap.Error(err))
				continue
			}
		}
		e.rebuildAssociationEdge(ctx, remote)
		pulled++
	}

	if err := e.setCursor(ctx, latest); err != nil {
		e.logger.Error("syncengine: drift scan failed to persist cursor", zap.Error(err))
	}
	e.driftLastRun.Store(time.Now().Unix())

	if pulled > 0 {
		e.logger.Info("syncengine: drift scan applied remote changes", zap.Int("pulled", pulled))
	}
}

// rebuildAssociationEdge restores a memory_graph row from a synced
// type=association memory. Lets a new or reset device rebuild its graph
// table purely from ordinary synced memories, without ever having run
// association discovery itself.
func (e *Engine) rebuildAssociationEdge(ctx context.Context, m *memoryrecord.Memory) {
	if e.graph == nil {
		return
	}
	if t, _ := m.Metadata[memoryrecord.MetaType].(string); t != memoryrecord.TypeAssociation {
		return
	}
	edge, ok := graphstore.EdgeFromMetadata(m.Metadata)
	if !ok {
		return
	}
	if err := e.graph.StoreAssociation(ctx, edge); err != nil {
		e.logger.Warn("syncengine: drift scan failed to rebuild association edge", zap.String("hash", m.ContentHash), zap.Error(err))
	}
}
