// Command memoryd runs the memory engine service: LocalStore, optional
// cloud replication through HybridStore and the sync engine, and the
// scheduled consolidation pipeline, fronted by a small operational HTTP
// surface for health checks and Prometheus scraping.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/memoryd/engine/internal/cloudstore"
	"github.com/memoryd/engine/internal/config"
	"github.com/memoryd/engine/internal/consolidation"
	"github.com/memoryd/engine/internal/embedding"
	"github.com/memoryd/engine/internal/graphstore"
	"github.com/memoryd/engine/internal/httpapi"
	"github.com/memoryd/engine/internal/hybridstore"
	"github.com/memoryd/engine/internal/localstore"
	"github.com/memoryd/engine/internal/logging"
	"github.com/memoryd/engine/internal/qdrant"
	"github.com/memoryd/engine/internal/secrets"
	"github.com/memoryd/engine/internal/storage"
	"github.com/memoryd/engine/internal/syncengine"
	"github.com/memoryd/engine/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to ~/.config/memoryd/config.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "memoryd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	otelCfg := telemetry.NewDefaultConfig()
	otelCfg.Enabled = cfg.Observability.EnableTelemetry
	if cfg.Observability.ServiceName != "" {
		otelCfg.ServiceName = cfg.Observability.ServiceName
	}
	if cfg.Observability.OTLPEndpoint != "" {
		otelCfg.Endpoint = cfg.Observability.OTLPEndpoint
	}
	tel, err := telemetry.New(ctx, otelCfg)
	if err != nil {
		return fmt.Errorf("building telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	logCfg := logging.NewDefaultConfig()
	if cfg.Observability.LogFormat != "" {
		logCfg.Format = cfg.Observability.LogFormat
	}
	if lvl, lerr := zapcore.ParseLevel(cfg.Observability.LogLevel); lerr == nil {
		logCfg.Level = lvl
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	zl := logger.Underlying()

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("building embedder: %w", err)
	}
	defer embedder.Close()

	local, err := localstore.Open(ctx, localstore.Config{
		Path:               cfg.LocalStore.Path,
		Pragmas:            cfg.LocalStore.Pragmas,
		EmbeddingDim:       cfg.LocalStore.EmbeddingDim,
		EmbeddingCacheSize: cfg.LocalStore.EmbeddingCacheSize,
	}, embedder, zl)
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}
	defer local.Close()

	graph := graphstore.New(local.DB())

	var store storage.Store = local
	var engine *syncengine.Engine
	var pauser consolidation.Pauser
	var enqueuer consolidation.Enqueuer

	if cfg.Hybrid.Backend != config.BackendLocal {
		vectorIndex, err := buildVectorIndex(cfg.CloudStore.VectorIndexURL, logger)
		if err != nil {
			return fmt.Errorf("building vector index client: %w", err)
		}
		if vectorIndex != nil {
			defer vectorIndex.Close()
		}

		vectorCollection := cfg.CloudStore.VectorCollection
		if vectorCollection == "" {
			vectorCollection = "memories"
		}

		cloud, err := cloudstore.New(cloudstore.Config{
			BaseURL:           cfg.CloudStore.BaseURL,
			BearerToken:       cfg.CloudStore.BearerToken,
			RequestTimeout:    cfg.CloudStore.RequestTimeout,
			MaxContentChars:   cfg.CloudStore.MaxContentChars,
			MaxMetadataBytes:  cfg.CloudStore.MaxMetadataBytes,
			RequestsPerSecond: cfg.CloudStore.RequestsPerSecond,
			VectorIndex:       vectorIndex,
			VectorCollection:  vectorCollection,
		}, zl)
		if err != nil {
			return fmt.Errorf("building cloud store: %w", err)
		}

		scrubber, err := secrets.New(secrets.DefaultConfig())
		if err != nil {
			return fmt.Errorf("building secret scrubber: %w", err)
		}
		dead, err := syncengine.NewDeadLetterLog(cfg.Hybrid.DeadLetterPath, scrubber, zl)
		if err != nil {
			return fmt.Errorf("opening dead-letter log: %w", err)
		}

		engine = syncengine.New(syncengine.Config{
			QueueCapacity:      cfg.Hybrid.QueueSize,
			BatchSize:          cfg.Hybrid.BatchSize,
			BatchLinger:        cfg.Hybrid.BatchLinger,
			MaxAttempts:        cfg.Hybrid.MaxAttempts,
			EnqueueBlock:       cfg.Hybrid.EnqueueBlock,
			DrainTimeout:       cfg.Hybrid.DrainTimeout,
			PauseBacklogCap:    cfg.Hybrid.PauseBacklogCap,
			DriftCheckInterval: cfg.Hybrid.DriftCheckInterval,
			DriftBatchSize:     cfg.Hybrid.DriftBatchSize,
		}, local, cloud, dead, zl)
		engine.SetGraphStore(graph)
		engine.Start(ctx)

		if cfg.Hybrid.SyncOnStartup {
			if err := engine.StartupSync(ctx); err != nil {
				zl.Warn("startup sync failed, continuing with local state", zap.Error(err))
			}
		}

		hybrid := hybridstore.New(local, engine, zl)
		store = hybrid
		pauser = hybrid
		enqueuer = hybrid
	}

	var scheduler *consolidation.Scheduler
	if cfg.Consolidation.Enabled {
		cCfg := consolidation.DefaultConfig()
		for horizon, expr := range cfg.Consolidation.Schedule {
			cCfg.Schedules[consolidation.Horizon(horizon)] = expr
		}
		if cfg.Consolidation.MinConnectionsForBoost > 0 {
			cCfg.MinConnectionsForBoost = cfg.Consolidation.MinConnectionsForBoost
		}
		if cfg.Consolidation.QualityBoostFactor > 0 {
			cCfg.QualityBoostFactor = cfg.Consolidation.QualityBoostFactor
		}
		if cfg.Consolidation.ForgetInactiveDays > 0 {
			cCfg.ForgettingInactiveDays = cfg.Consolidation.ForgetInactiveDays
		}
		if cfg.Consolidation.BatchPerRun > 0 {
			cCfg.PerRunLimit = cfg.Consolidation.BatchPerRun
		}

		pipeline := consolidation.New(local, graph, pauser, enqueuer, cCfg, zl)
		scheduler = consolidation.NewScheduler(pipeline, cCfg, zl)
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("starting consolidation scheduler: %w", err)
		}
	}

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		zl.Warn("config hot-reload disabled", zap.Error(err))
	} else {
		watcher.OnReload = func(next *config.Config) {
			zl.Info("config file changed, reloaded and validated",
				zap.String("log_level", next.Observability.LogLevel),
				zap.String("consolidation_schedule_daily", next.Consolidation.Schedule["daily"]))
		}
		watcher.OnError = func(err error) {
			zl.Warn("config reload failed, continuing with running config", zap.Error(err))
		}
		if err := watcher.Start(); err != nil {
			zl.Warn("config hot-reload disabled", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	httpServer := httpapi.NewServer(store, zl, httpapi.Config{Port: cfg.Server.Port})
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(addr); err != nil {
			serveErrCh <- err
		}
	}()

	zl.Info("memoryd started", zap.String("backend", string(cfg.Hybrid.Backend)), zap.String("addr", addr))

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		zl.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if scheduler != nil {
		scheduler.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http server shutdown error", zap.Error(err))
	}
	if engine != nil {
		if err := engine.Shutdown(shutdownCtx); err != nil {
			zl.Warn("sync engine shutdown error", zap.Error(err))
		}
	}

	zl.Info("memoryd stopped")
	return nil
}

// buildVectorIndex constructs a Qdrant gRPC client when cloud_store.
// vector_index_url is configured, for CloudStore to mirror writes into
// alongside its REST API. Returns a nil Client when the URL is empty,
// which leaves CloudStore's vector mirroring disabled.
func buildVectorIndex(url string, logger *logging.Logger) (qdrant.Client, error) {
	if url == "" {
		return nil, nil
	}
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		return nil, fmt.Errorf("parsing vector_index_url %q: %w", url, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing vector_index_url port %q: %w", portStr, err)
	}
	return qdrant.NewGRPCClient(&qdrant.ClientConfig{Host: host, Port: port}, logger)
}

func buildEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	var base embedding.Embedder
	var err error

	switch cfg.Embeddings.Provider {
	case "http":
		base, err = embedding.NewHTTPProvider(embedding.HTTPConfig{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
			Dim:     cfg.LocalStore.EmbeddingDim,
		})
		if err != nil {
			return nil, err
		}
	default:
		base, err = embedding.NewFastEmbedProvider(embedding.FastEmbedConfig{
			Model:    cfg.Embeddings.Model,
			CacheDir: cfg.Embeddings.CacheDir,
		})
		if err != nil {
			return nil, err
		}
	}

	return embedding.NewCachedEmbedder(base, cfg.LocalStore.EmbeddingCacheSize), nil
}
