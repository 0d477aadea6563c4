// Command kunren runs the API process: retrieval, candidate generation, and
// the HTTP surface. With the in-memory bus it also hosts the verifier and
// aggregator, giving a complete single-process pipeline for development.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kunren/internal/aggregate"
	"github.com/ashita-ai/kunren/internal/bus"
	"github.com/ashita-ai/kunren/internal/config"
	"github.com/ashita-ai/kunren/internal/dpo"
	"github.com/ashita-ai/kunren/internal/generate"
	"github.com/ashita-ai/kunren/internal/judge"
	"github.com/ashita-ai/kunren/internal/model"
	"github.com/ashita-ai/kunren/internal/orchestrator"
	"github.com/ashita-ai/kunren/internal/retrieval"
	"github.com/ashita-ai/kunren/internal/server"
	"github.com/ashita-ai/kunren/internal/sink"
	"github.com/ashita-ai/kunren/internal/storage"
	"github.com/ashita-ai/kunren/internal/telemetry"
	"github.com/ashita-ai/kunren/internal/verify"
	"github.com/ashita-ai/kunren/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := newLogger()
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch os.Getenv("KUNREN_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("kunren starting", "version", version, "port", cfg.Port, "bus", cfg.BusBackend)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Storage and bus. The memory bus needs no Postgres at all; the pgvector
	// retrieval fallback still wants a pool when available.
	var db *storage.DB
	var eventBus bus.Bus
	switch cfg.BusBackend {
	case "postgres":
		db, err = storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close()

		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		eventBus = bus.NewPostgres(db.Pool(), logger, bus.PostgresConfig{
			PollInterval:  cfg.BusPollInterval,
			Lease:         cfg.BusLease,
			MaxDeliveries: cfg.MaxDeliveries,
		})
	case "memory":
		eventBus = bus.NewMemory(logger, cfg.MaxDeliveries)
	}

	// Embedding + retrieval backend. Qdrant when configured, pgvector over the
	// shared pool otherwise.
	embedder := retrieval.NewOllamaEmbedder(cfg.OllamaURL, cfg.EmbeddingModel, cfg.EmbeddingDims)

	var retriever retrieval.Retriever
	var health server.HealthChecker
	if cfg.QdrantURL != "" {
		qdrant, err := retrieval.NewQdrantRetriever(retrieval.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDims), //nolint:gosec // validated positive in config
		}, embedder, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrant.Close() }()

		if err := qdrant.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		retriever = qdrant
		health = qdrant
		logger.Info("retrieval: qdrant", "collection", cfg.QdrantCollection)
	} else {
		if db == nil {
			return fmt.Errorf("retrieval: pgvector fallback requires the postgres bus backend (set QDRANT_URL or DATABASE_URL)")
		}
		pgv := retrieval.NewPgvectorRetriever(db.Pool(), embedder, logger)
		retriever = pgv
		health = pgv
		logger.Info("retrieval: pgvector fallback")
	}
	retriever = retrieval.WithRetries(retriever)

	// Generation and orchestration.
	llm := generate.NewOllamaLLM(cfg.OllamaURL, cfg.GeneratorModel, cfg.GeneratorTimeout)
	genSvc := generate.NewService(llm, cfg.SamplingProfiles, cfg.GeneratorTimeout, logger)

	orch := orchestrator.New(retriever, genSvc, eventBus, orchestrator.Config{
		NumCandidates:    cfg.NumCandidates,
		TopK:             cfg.TopK,
		RetrievalTimeout: cfg.RetrievalTimeout,
		PublishTimeout:   cfg.PublishTimeout,
	}, logger)

	srvCfg := server.Config{
		Asker:        orch,
		Retriever:    health,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	}
	if db != nil {
		srvCfg.DB = db
	}

	g, gctx := errgroup.WithContext(ctx)

	// Single-process dev mode: the memory bus has no other process to talk
	// to, so the verifier and aggregator run right here.
	var sinks []*sink.Writer
	if cfg.BusBackend == "memory" {
		stats := dpo.NewStats()
		srvCfg.DPOStats = stats

		workerSinks, err := startPipeline(gctx, g, eventBus, stats, cfg, logger)
		if err != nil {
			return err
		}
		sinks = workerSinks
		srvCfg.SFTSink = workerSinks[0]
		srvCfg.DPOSink = workerSinks[1]
		logger.Info("single-process mode: verifier and aggregator running in-process")
	}

	srv := server.New(srvCfg)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("kunren shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Drain the in-process pipeline, then flush the sinks.
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("pipeline shutdown error", "error", err)
	}
	for _, w := range sinks {
		if err := w.Close(); err != nil {
			slog.Error("sink close error", "error", err)
		}
	}
	return nil
}

// startPipeline wires the verifier workers, aggregator, and sinks onto the
// given bus. Returns the SFT and DPO writers (in that order) for shutdown.
func startPipeline(ctx context.Context, g *errgroup.Group, eventBus bus.Bus, stats *dpo.Stats, cfg config.Config, logger *slog.Logger) ([]*sink.Writer, error) {
	var primary judge.Judge
	mode := model.JudgeModeLLM
	if cfg.JudgeMode == "heuristic" {
		primary = judge.NewHeuristic()
		mode = model.JudgeModeHeuristic
	} else {
		primary = judge.NewOllamaJudge(cfg.OllamaURL, cfg.JudgeModel, cfg.JudgeTimeout)
	}

	sftSink, err := sink.NewWriter(sink.Config{
		Dir: cfg.TrainingDir, Prefix: "training_data", SyncMode: cfg.SinkSync,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("sft sink: %w", err)
	}
	dpoSink, err := sink.NewWriter(sink.Config{
		Dir: cfg.DPODir, Prefix: "dpo_data", SyncMode: cfg.SinkSync,
	}, logger)
	if err != nil {
		_ = sftSink.Close()
		return nil, fmt.Errorf("dpo sink: %w", err)
	}

	selector := dpo.NewSelector(dpo.Config{
		MinScoreDiff:       cfg.MinScoreDiff,
		MinChosenScore:     cfg.MinChosenScore,
		EnableVerbatimGate: cfg.EnableVerbatimGate,
		EnableHedgingGate:  cfg.EnableHedgingGate,
	}, stats, logger)

	agg, err := aggregate.New(eventBus, selector, sftSink, dpoSink, aggregate.Config{
		BatchTimeout:     cfg.BatchTimeout,
		MaxOpenBatches:   cfg.MaxOpenBatches,
		RetiredCacheSize: cfg.RetiredLRUSize,
	}, logger)
	if err != nil {
		_ = sftSink.Close()
		_ = dpoSink.Close()
		return nil, fmt.Errorf("aggregator: %w", err)
	}

	for i := 0; i < cfg.VerifierWorkers; i++ {
		worker := verify.NewWorker(eventBus, primary, mode, int64(cfg.JudgeConcurrency), logger)
		g.Go(func() error { return worker.Run(ctx) })
	}
	g.Go(func() error { return agg.Run(ctx) })

	return []*sink.Writer{sftSink, dpoSink}, nil
}
