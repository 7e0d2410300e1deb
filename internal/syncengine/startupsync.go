package syncengine

import (
	"context"
)

// StartupSync pulls every cloud record newer than the shared cursor before
// the engine starts accepting live traffic, so changes made by other
// devices while this one was offline are visible immediately rather than
// waiting for the next drift scan interval. It shares runDriftPass's
// last-writer-wins merge logic and advances the same cursor.
func (e *Engine) StartupSync(ctx context.Context) error {
	e.logger.Info("syncengine: running startup sync")
	for {
		before, err := e.getCursor(ctx)
		if err != nil {
			return err
		}
		e.runDriftPass(ctx)
		after, err := e.getCursor(ctx)
		if err != nil {
			return err
		}
		if !after.After(before) {
			break // caught up: no progress means no more pages
		}
	}
	e.logger.Info("syncengine: startup sync complete")
	return nil
}
