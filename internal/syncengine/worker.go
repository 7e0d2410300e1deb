package syncengine

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// runWorkerLoop pulls up to BatchSize ops off the queue every BatchLinger
// (or as soon as BatchSize is reached), and syncs each to the cloud store.
// A failing op is retried with exponential backoff up to MaxAttempts
// before being dead-lettered.
func (e *Engine) runWorkerLoop(ctx context.Context) {
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if e.paused.Load() {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		batch := e.queue.DequeueBatch(e.cfg.BatchSize, e.cfg.BatchLinger)
		if len(batch) == 0 {
			continue
		}

		for _, op := range batch {
			e.inFlight.Add(1)
			e.syncOne(ctx, op)
			e.inFlight.Add(-1)
		}
	}
}

func (e *Engine) syncOne(ctx context.Context, op SyncOp) {
	if !e.breaker.Allow() {
		e.scheduleRetry(op, nil)
		return
	}

	err := e.deliver(ctx, op)
	if err == nil {
		e.breaker.RecordSuccess()
		return
	}

	e.breaker.RecordFailure()
	e.logger.Warn("syncengine: delivery failed", zap.String("hash", op.Hash), zap.String("op", string(op.Type)), zap.Error(err))

	if isTerminal(err) {
		e.deadLetter(op, err)
		return
	}

	op.Attempts++
	if op.Attempts >= e.cfg.MaxAttempts {
		e.deadLetter(op, err)
		return
	}
	e.scheduleRetry(op, err)
}

func (e *Engine) deliver(ctx context.Context, op SyncOp) error {
	switch op.Type {
	case OpDelete:
		return e.deliverDelete(ctx, op)
	default:
		return e.deliverUpsert(ctx, op)
	}
}

func (e *Engine) scheduleRetry(op SyncOp, cause error) {
	delay := backoffDelay(op.Attempts, e.cfg.BackoffBase, e.cfg.BackoffCap)
	go func() {
		time.Sleep(delay)
		e.queue.Requeue(op)
	}()
}

func (e *Engine) deadLetter(op SyncOp, cause error) {
	if err := e.dead.Record(op, op.Attempts, cause); err != nil {
		e.logger.Error("syncengine: failed to dead-letter op", zap.String("hash", op.Hash), zap.Error(err))
	}
}

func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > cap {
		d = cap
	}
	return d
}
