package consolidation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/memoryd/engine/internal/graphstore"
	"github.com/memoryd/engine/internal/localstore"
	"github.com/memoryd/engine/internal/memoryrecord"
	"github.com/memoryd/engine/internal/quality"
	"go.uber.org/zap"
)

// Pauser is the sync-pause bracket a Pipeline run holds for its duration,
// satisfied by hybridstore.Store without consolidation needing to import
// it directly.
type Pauser interface {
	PauseSync()
	ResumeSync()
}

// Enqueuer is the cloud-replication surface a Pipeline drives after each
// phase's local writes commit, satisfied by hybridstore.Store without
// consolidation needing to import it directly (mirroring Pauser). Every
// phase that mutates a memory or stores a new one goes through this
// interface instead of writing LocalStore directly, so decay/boost
// scores, cluster summaries, compression links, and archive flags all
// reach the cloud the same way any other write does.
type Enqueuer interface {
	Store(ctx context.Context, m *memoryrecord.Memory) (inserted bool, hash string, err error)
	UpdateMetadataBatch(ctx context.Context, patches []localstore.MetadataPatch) (int, error)
	AddTag(ctx context.Context, hash, tag string) (bool, error)
}

// Pipeline runs consolidation passes against a LocalStore and its
// associated GraphStore, pausing cloud replication for the duration of
// each run.
type Pipeline struct {
	local    *localstore.Store
	graph    *graphstore.Store
	pauser   Pauser
	enqueuer Enqueuer
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Pipeline. pauser may be nil, in which case Run performs
// no pause/resume bracketing (useful for tests exercising phases in
// isolation against a LocalStore with no sync engine attached). enqueuer
// may also be nil for a local-only backend; phase writes then go straight
// to LocalStore with nothing queued for replication, which is correct
// when there is no cloud side to replicate to.
func New(local *localstore.Store, graph *graphstore.Store, pauser Pauser, enqueuer Enqueuer, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{local: local, graph: graph, pauser: pauser, enqueuer: enqueuer, cfg: cfg, logger: logger}
}

// updateBatch routes a phase's metadata patches through the Enqueuer when
// one is attached, so the patched records get queued for cloud
// replication in the same call that commits them locally.
func (p *Pipeline) updateBatch(ctx context.Context, patches []localstore.MetadataPatch) (int, error) {
	if len(patches) == 0 {
		return 0, nil
	}
	if p.enqueuer != nil {
		return p.enqueuer.UpdateMetadataBatch(ctx, patches)
	}
	return p.local.UpdateBatch(ctx, patches)
}

// storeMemory routes a phase's newly-created memory (a cluster summary or
// an association record) through the Enqueuer when one is attached.
func (p *Pipeline) storeMemory(ctx context.Context, m *memoryrecord.Memory) (bool, string, error) {
	if p.enqueuer != nil {
		return p.enqueuer.Store(ctx, m)
	}
	return p.local.Store(ctx, m)
}

// addTag routes a phase's tag addition (forgetting's archive marker)
// through the Enqueuer when one is attached.
func (p *Pipeline) addTag(ctx context.Context, hash, tag string) (bool, error) {
	if p.enqueuer != nil {
		return p.enqueuer.AddTag(ctx, hash, tag)
	}
	return p.local.AddTag(ctx, hash, tag)
}

// Result summarizes one consolidation run for logging and the
// consolidate(action="status") surface.
type Result struct {
	Horizon           Horizon
	CandidateCount    int
	DecayedCount      int
	BoostedCount      int
	ClustersFound     int
	AssociationsFound int
	CompressedCount   int
	ForgottenCount    int
	Duration          time.Duration
}

// Run executes every phase gated in for horizon. It brackets the whole run
// with PauseSync/ResumeSync (released on every exit path, including a
// panic, matching the scoped-acquisition pattern) and flushes all
// per-memory metadata updates through a single batch call per phase rather
// than one write per memory.
func (p *Pipeline) Run(ctx context.Context, horizon Horizon) (Result, error) {
	start := time.Now()
	res := Result{Horizon: horizon}

	if p.pauser != nil {
		p.pauser.PauseSync()
		defer p.pauser.ResumeSync()
	}

	window := p.cfg.DailyWindow
	if window <= 0 {
		window = 48 * time.Hour
	}
	candidates, err := p.local.SelectForConsolidation(ctx, window, p.cfg.PerRunLimit, horizon != HorizonDaily)
	if err != nil {
		return res, fmt.Errorf("consolidation: selecting candidates: %w", err)
	}
	res.CandidateCount = len(candidates)
	if len(candidates) == 0 {
		res.Duration = time.Since(start)
		return res, nil
	}

	var clusters [][]memoryrecord.Memory

	if runsPhase(PhaseDecay, horizon, p.cfg) {
		decayed, boosted, err := p.runDecay(ctx, candidates)
		if err != nil {
			return res, fmt.Errorf("consolidation: decay phase: %w", err)
		}
		res.DecayedCount = decayed
		res.BoostedCount = boosted
	}

	if runsPhase(PhaseClustering, horizon, p.cfg) {
		clusters = p.runClustering(candidates)
		res.ClustersFound = len(clusters)
	}

	if runsPhase(PhaseAssociation, horizon, p.cfg) {
		found, err := p.runAssociationDiscovery(ctx, candidates)
		if err != nil {
			return res, fmt.Errorf("consolidation: association discovery: %w", err)
		}
		res.AssociationsFound = found
	}

	if runsPhase(PhaseCompression, horizon, p.cfg) {
		compressed, err := p.runCompression(ctx, clusters)
		if err != nil {
			return res, fmt.Errorf("consolidation: compression phase: %w", err)
		}
		res.CompressedCount = compressed
	}

	if runsPhase(PhaseForgetting, horizon, p.cfg) {
		forgotten, err := p.runForgetting(ctx, candidates)
		if err != nil {
			return res, fmt.Errorf("consolidation: forgetting phase: %w", err)
		}
		res.ForgottenCount = forgotten
	}

	if err := p.touchConsolidatedAt(ctx, candidates); err != nil {
		p.logger.Warn("consolidation: failed to stamp last_consolidated_at", zap.Error(err))
	}

	res.Duration = time.Since(start)
	p.logger.Info("consolidation run complete",
		zap.String("horizon", string(horizon)),
		zap.Int("candidates", res.CandidateCount),
		zap.Int("decayed", res.DecayedCount),
		zap.Int("boosted", res.BoostedCount),
		zap.Int("clusters", res.ClustersFound),
		zap.Int("associations", res.AssociationsFound),
		zap.Int("compressed", res.CompressedCount),
		zap.Int("forgotten", res.ForgottenCount),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (p *Pipeline) touchConsolidatedAt(ctx context.Context, candidates []memoryrecord.Memory) error {
	now := float64(time.Now().Unix())
	patches := make([]localstore.MetadataPatch, len(candidates))
	for i, m := range candidates {
		patches[i] = localstore.MetadataPatch{
			Hash:  m.ContentHash,
			Patch: memoryrecord.Metadata{memoryrecord.MetaLastConsolidatedAt: now},
		}
	}
	_, err := p.updateBatch(ctx, patches)
	return err
}

// cosineSimilarity mirrors the formula used throughout the storage layer:
// dot(a,b) / (||a|| * ||b||), returning 0 for degenerate input.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
