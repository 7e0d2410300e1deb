package consolidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs a Pipeline on a cron schedule per horizon. Each horizon's
// entry fires independently; the pipeline itself decides which phases a
// given horizon runs via its phase gate table.
type Scheduler struct {
	pipeline *Pipeline
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
}

// NewScheduler builds a Scheduler that has not yet been started. Schedules
// missing from cfg.Schedules fall back to DefaultConfig's entry for that
// horizon.
func NewScheduler(pipeline *Pipeline, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{pipeline: pipeline, cfg: cfg, logger: logger}
}

// Start registers one cron entry per horizon and begins firing them. It is
// idempotent: calling Start on an already-running Scheduler returns an
// error instead of registering a second set of entries.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("consolidation: scheduler already running")
	}

	defaults := DefaultConfig().Schedules
	c := cron.New()
	horizons := []Horizon{HorizonDaily, HorizonWeekly, HorizonMonthly, HorizonQuarterly, HorizonYearly}
	for _, h := range horizons {
		expr := s.cfg.Schedules[h]
		if expr == "" {
			expr = defaults[h]
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("consolidation: invalid schedule %q for horizon %s: %w", expr, h, err)
		}

		horizon := h
		if _, err := c.AddFunc(expr, func() { s.safeRun(horizon) }); err != nil {
			return fmt.Errorf("consolidation: registering %s schedule: %w", horizon, err)
		}
	}

	c.Start()
	s.cron = c
	s.running = true
	s.logger.Info("consolidation scheduler started", zap.Int("horizons", len(horizons)))
	return nil
}

// Stop halts the cron dispatcher and waits for any in-flight run to return.
// It is a no-op if the scheduler is not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	s.logger.Info("consolidation scheduler stopped")
}

// safeRun wraps a pipeline run with panic recovery so one bad run cannot
// take down the whole cron dispatcher, and logs its own failures since
// nothing else observes a cron-triggered run.
func (s *Scheduler) safeRun(horizon Horizon) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("consolidation run panicked", zap.String("horizon", string(horizon)), zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	res, err := s.pipeline.Run(ctx, horizon)
	if err != nil {
		s.logger.Error("scheduled consolidation run failed", zap.String("horizon", string(horizon)), zap.Error(err))
		return
	}
	s.logger.Info("scheduled consolidation run finished",
		zap.String("horizon", string(horizon)),
		zap.Int("candidates", res.CandidateCount),
		zap.Duration("duration", res.Duration),
	)
}
