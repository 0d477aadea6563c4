// Command kunren-worker runs the asynchronous half of the pipeline: verifier
// workers, the batch aggregator, and the dataset sinks. Multiple instances
// can run against the same Postgres bus; deliveries are shared per consumer
// group. A small HTTP surface exposes /health and /stats.
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
	"github.com/ashita-ai/kunren/internal/judge"
	"github.com/ashita-ai/kunren/internal/model"
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
	level := slog.LevelInfo
	switch os.Getenv("KUNREN_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.BusBackend != "postgres" {
		return fmt.Errorf("worker requires the postgres bus backend (memory is single-process only)")
	}

	slog.Info("kunren-worker starting",
		"version", version, "verifier_workers", cfg.VerifierWorkers, "judge_mode", cfg.JudgeMode)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName+"-worker", version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	eventBus := bus.NewPostgres(db.Pool(), logger, bus.PostgresConfig{
		PollInterval:  cfg.BusPollInterval,
		Lease:         cfg.BusLease,
		MaxDeliveries: cfg.MaxDeliveries,
	})

	// Judge: LLM rubric by default, heuristic as the primary when configured.
	// The verifier always keeps the heuristic as a fallback either way.
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
		return fmt.Errorf("sft sink: %w", err)
	}
	defer func() { _ = sftSink.Close() }()

	dpoSink, err := sink.NewWriter(sink.Config{
		Dir: cfg.DPODir, Prefix: "dpo_data", SyncMode: cfg.SinkSync,
	}, logger)
	if err != nil {
		return fmt.Errorf("dpo sink: %w", err)
	}
	defer func() { _ = dpoSink.Close() }()

	stats := dpo.NewStats()
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
		return fmt.Errorf("aggregator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.VerifierWorkers; i++ {
		worker := verify.NewWorker(eventBus, primary, mode, int64(cfg.JudgeConcurrency), logger)
		g.Go(func() error { return worker.Run(gctx) })
	}
	g.Go(func() error { return agg.Run(gctx) })

	// Health and stats surface; no ask endpoints in the worker.
	srv := server.New(server.Config{
		DB:           db,
		DPOStats:     stats,
		SFTSink:      sftSink,
		DPOSink:      dpoSink,
		Logger:       logger,
		Port:         cfg.WorkerPort,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	})

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

	slog.Info("kunren-worker shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Subscriptions exit on context cancellation; in-flight handlers finish
	// first, then the deferred sink Closes flush and unlock the partitions.
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
