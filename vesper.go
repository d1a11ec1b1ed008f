// Package vesper is the public API for embedding the Vesper memory service.
//
// Host processes import this package to run the service in-process instead
// of spawning the MCP subprocess:
//
//	app, err := vesper.New(
//	    vesper.WithVersion(version),
//	    vesper.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: vesper (root) imports
// internal/*, but internal/* never imports vesper (root).
package vesper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"

	"github.com/vesper-ai/vesper/internal/config"
	"github.com/vesper-ai/vesper/internal/conflicts"
	"github.com/vesper-ai/vesper/internal/consolidate"
	"github.com/vesper-ai/vesper/internal/embedding"
	"github.com/vesper-ai/vesper/internal/graph"
	"github.com/vesper-ai/vesper/internal/index"
	"github.com/vesper-ai/vesper/internal/mcp"
	"github.com/vesper-ai/vesper/internal/router"
	"github.com/vesper-ai/vesper/internal/scheduler"
	"github.com/vesper-ai/vesper/internal/service"
	"github.com/vesper-ai/vesper/internal/skills"
	"github.com/vesper-ai/vesper/internal/telemetry"
	"github.com/vesper-ai/vesper/internal/working"
	"github.com/vesper-ai/vesper/migrations"
)

// App is the Vesper service lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        *graph.Store
	tier         *working.Tier
	idx          index.Index
	svc          *service.Service
	mcpSrv       *mcp.Server
	sched        *scheduler.Scheduler
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New wires the memory service: graph store plus migrations, vector index,
// working tier, router, consolidation, and the MCP surface. It starts no
// goroutines; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.graphPath != "" {
		cfg.GraphDBPath = o.graphPath
	}
	if o.workingURL != "" {
		cfg.WorkingTierURL = o.workingURL
	}
	if err := cfg.EnsureDataDirs(); err != nil {
		return nil, err
	}

	logger.Info("vesper starting", "version", version, "data_dir", cfg.DataDir)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := graph.Open(cfg.GraphDBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("graph store: %w", err)
	}
	if err := store.RunMigrations(ctx, migrations.FS); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	embedder := o.embedder
	if embedder == nil {
		embedder = embedding.NewHTTPClient(cfg.EmbeddingURL, cfg.EmbeddingDimensions,
			embedding.WithTimeout(cfg.EmbeddingTimeout),
			embedding.WithRetries(cfg.EmbeddingRetries),
		)
	}

	idx := o.vectorIndex
	if idx == nil {
		qidx, err := index.NewQdrantIndex(index.QdrantConfig{
			URL:        cfg.VectorURL,
			APIKey:     cfg.VectorAPIKey,
			Collection: cfg.VectorCollection,
			Dims:       uint64(cfg.EmbeddingDimensions),
		}, logger)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("vector index: %w", err)
		}
		if err := qidx.EnsureCollection(ctx); err != nil {
			logger.Warn("vector collection not ready, continuing degraded", "error", err)
		}
		idx = qidx
	}

	tier, err := working.New(working.Config{
		URL:      cfg.WorkingTierURL,
		RingSize: cfg.WorkingRingSize,
		TTL:      cfg.WorkingTTL,
	}, embedder, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("working tier: %w", err)
	}

	lib := skills.NewLibrary(store, embedder, cfg.CoOccurThreshold, logger)
	detector := conflicts.NewDetector(store, logger)
	rt := router.New(tier, store, lib, idx, embedder, cfg.DecayBaseDays, logger)
	svc := service.New(tier, store, idx, embedder, rt, lib, detector, logger)

	pipeline := consolidate.New(tier, store, detector, lib, embedder, graph.DecayParams{
		BaseDays:         cfg.DecayBaseDays,
		PruneMinStrength: float64(cfg.PruneMinStrength),
		PruneMinAccess:   cfg.PruneMinAccess,
		PruneMinAge:      cfg.PruneMinAge,
	}, cfg.BackupRetention, logger)
	sched := scheduler.New(pipeline, cfg.ConsolidationHour, 0, time.Local, logger)

	return &App{
		cfg:          cfg,
		store:        store,
		tier:         tier,
		idx:          idx,
		svc:          svc,
		mcpSrv:       mcp.New(svc, version, logger),
		sched:        sched,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Service exposes the façade for in-process callers.
func (a *App) Service() *service.Service { return a.svc }

// Run starts the consolidation schedule and serves MCP over stdio until
// stdin closes or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.sched.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- a.mcpSrv.ServeStdio() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		// Stdin EOF is the host's normal way of stopping a subprocess.
		return err
	}
}

// Shutdown releases every backend connection and flushes telemetry. The
// schedule loop is stopped by cancelling the Run context; Shutdown waits
// for it.
func (a *App) Shutdown(ctx context.Context) error {
	a.sched.Wait()

	var firstErr error
	if err := a.tier.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if closer, ok := a.idx.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.otelShutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	a.logger.Info("vesper stopped")
	return firstErr
}
