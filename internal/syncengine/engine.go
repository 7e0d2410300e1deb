// Package syncengine propagates LocalStore writes to CloudStore
// asynchronously: a bounded, coalescing queue; a batching worker loop with
// backoff and dead-lettering; a drift scanner that reconciles divergence
// between the two stores; and startup sync to catch up on changes made by
// other devices while this one was offline.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memoryd/engine/internal/cloudstore"
	"github.com/memoryd/engine/internal/graphstore"
	"github.com/memoryd/engine/internal/localstore"
	"github.com/memoryd/engine/internal/storage"
	"go.uber.org/zap"
)

// ErrPauseBacklogFull is returned when the pause-time staging buffer has
// reached its safety cap. The caller must decide how to handle the write
// (reject it, surface backpressure upstream); the engine never silently
// drops it.
var ErrPauseBacklogFull = errors.New("syncengine: pause backlog full")

// Config tunes the engine's batching, backoff, and capacity behavior.
type Config struct {
	QueueCapacity      int
	BatchSize          int
	BatchLinger        time.Duration
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	EnqueueBlock       time.Duration
	DrainTimeout       time.Duration
	PauseBacklogCap    int
	DriftCheckInterval time.Duration
	DriftBatchSize     int
	DeadLetterPath     string
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:      2000,
		BatchSize:          100,
		BatchLinger:        500 * time.Millisecond,
		MaxAttempts:        5,
		BackoffBase:        time.Second,
		BackoffCap:         60 * time.Second,
		EnqueueBlock:       5 * time.Second,
		DrainTimeout:       30 * time.Second,
		PauseBacklogCap:    50000,
		DriftCheckInterval: time.Hour,
		DriftBatchSize:     100,
	}
}

// Engine is the C7 sync engine: it owns the queue, worker loop, drift
// scanner, and dead-letter log for a LocalStore/CloudStore pair.
type Engine struct {
	cfg     Config
	local   *localstore.Store
	cloud   *cloudstore.Store
	queue   *Queue
	backlog *Queue
	dead    *DeadLetterLog
	breaker *CircuitBreaker
	logger  *zap.Logger
	graph   *graphstore.Store

	paused   atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	wg       sync.WaitGroup

	inFlight atomic.Int32 // ops currently being synced, for await_sync_idle

	driftLastRun atomic.Int64 // unix seconds
}

// New constructs an Engine. Call Start to begin the worker and drift
// scanner loops.
func New(cfg Config, local *localstore.Store, cloud *cloudstore.Store, dead *DeadLetterLog, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		local:   local,
		cloud:   cloud,
		queue:   NewQueue(cfg.QueueCapacity),
		backlog: NewQueue(cfg.PauseBacklogCap),
		dead:    dead,
		breaker: NewCircuitBreaker(5, 5*time.Minute),
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SetGraphStore attaches the graph store the drift scanner rebuilds edges
// into when it pulls a type=association memory from the cloud. Optional:
// a nil graph store (the default) just leaves association memories as
// plain rows, which is correct for a deployment running without the
// graph-backed association feature at all.
func (e *Engine) SetGraphStore(graph *graphstore.Store) {
	e.graph = graph
}

// Start launches the worker loop and drift scanner goroutines.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.runWorkerLoop(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.runDriftScanner(ctx)
	}()
}

// Enqueue queues op for eventual delivery to the cloud. If the engine is
// paused, op is staged in the pause backlog instead of the live queue.
// When the live queue is at capacity, Enqueue blocks for up to
// cfg.EnqueueBlock waiting for room before falling back to a direct
// synchronous write to the cloud store, so a burst never blocks the
// caller indefinitely.
func (e *Engine) Enqueue(ctx context.Context, op SyncOp) error {
	if e.paused.Load() {
		if err := e.backlog.Enqueue(op); err != nil {
			return fmt.Errorf("%w", ErrPauseBacklogFull)
		}
		return nil
	}

	deadline := time.Now().Add(e.cfg.EnqueueBlock)
	for {
		err := e.queue.Enqueue(op)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrQueueFull) {
			return err
		}
		if time.Now().After(deadline) {
			return e.directFallback(ctx, op)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (e *Engine) directFallback(ctx context.Context, op SyncOp) error {
	e.logger.Warn("syncengine: queue full after enqueue-block timeout, writing synchronously", zap.String("hash", op.Hash))
	switch op.Type {
	case OpDelete:
		_, err := e.cloud.Delete(ctx, storage.DeleteFilter{ContentHash: op.Hash})
		return err
	default:
		if op.Payload == nil {
			return fmt.Errorf("%w: direct fallback requires a payload", storage.ErrValidation)
		}
		_, _, err := e.cloud.Store(ctx, op.Payload)
		return err
	}
}

// PauseSync stops the worker loop and drift scanner from making cloud
// calls; writes continue to be accepted into the pause backlog.
func (e *Engine) PauseSync() {
	e.paused.Store(true)
}

// ResumeSync re-enables cloud calls and drains the pause backlog into the
// live queue, oldest first, honoring the same coalescing rules as a
// direct enqueue.
func (e *Engine) ResumeSync() {
	e.paused.Store(false)
	for {
		batch := e.backlog.DequeueBatch(e.cfg.BatchSize, 0)
		if len(batch) == 0 {
			return
		}
		for _, op := range batch {
			if err := e.queue.Enqueue(op); err != nil {
				e.logger.Error("syncengine: dropping backlog op on resume, live queue full", zap.String("hash", op.Hash), zap.Error(err))
			}
		}
	}
}

// IsPaused reports the current pause state.
func (e *Engine) IsPaused() bool {
	return e.paused.Load()
}

// AwaitSyncIdle blocks until the live queue is empty and no operation is
// in flight, or timeout elapses.
func (e *Engine) AwaitSyncIdle(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if e.queue.Len() == 0 && e.inFlight.Load() == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("syncengine: await_sync_idle timed out after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Shutdown stops the worker and drift scanner, then drains whatever
// remains in the live queue to the dead-letter log within drainTimeout so
// it is not lost and can be replayed on the next startup.
func (e *Engine) Shutdown(ctx context.Context) error {
	close(e.stopCh)
	e.wg.Wait()

	deadline := time.Now().Add(e.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		batch := e.queue.DequeueBatch(e.cfg.BatchSize, 0)
		if len(batch) == 0 {
			return nil
		}
		for _, op := range batch {
			if err := e.dead.Record(op, op.Attempts, errors.New("shutdown before delivery")); err != nil {
				e.logger.Error("syncengine: failed to persist op to dead-letter log on shutdown", zap.Error(err))
			}
		}
	}
	return nil
}

// QueueDepth and DeadLetterCount feed the health surface.
func (e *Engine) QueueDepth() int          { return e.queue.Len() }
func (e *Engine) DeadLetterCount() int64   { return e.dead.Count() }
func (e *Engine) BreakerState() string     { return e.breaker.State() }
func (e *Engine) DriftLastRun() time.Time {
	sec := e.driftLastRun.Load()
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
func (e *Engine) DriftNextRun() time.Time {
	last := e.DriftLastRun()
	if last.IsZero() {
		return time.Time{}
	}
	return last.Add(e.cfg.DriftCheckInterval)
}
