package syncengine

import (
	"context"
	"errors"

	"github.com/memoryd/engine/internal/storage"
)

// isTerminal reports whether err should go straight to the dead-letter log
// without consuming further retry attempts: validation failures and
// oversize payloads will never succeed on retry.
func isTerminal(err error) bool {
	return errors.Is(err, storage.ErrValidation) || errors.Is(err, storage.ErrPayloadTooLarge)
}

func (e *Engine) deliverUpsert(ctx context.Context, op SyncOp) error {
	if op.Payload == nil {
		return nil // nothing to deliver; the local record was deleted before this op ran
	}
	_, _, err := e.cloud.Store(ctx, op.Payload)
	return err
}

func (e *Engine) deliverDelete(ctx context.Context, op SyncOp) error {
	_, err := e.cloud.Delete(ctx, storage.DeleteFilter{ContentHash: op.Hash})
	if errors.Is(err, storage.ErrNotFound) {
		// Already gone remotely; the delete has effectively succeeded.
		return nil
	}
	return err
}
