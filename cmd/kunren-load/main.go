// Command kunren-load loads a passage corpus into the pgvector retrieval
// backend so questions have something to retrieve against. Input is JSONL,
// one passage per line: {"source_id": "...", "content": "..."}.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kunren/internal/config"
	"github.com/ashita-ai/kunren/internal/retrieval"
	"github.com/ashita-ai/kunren/internal/storage"
	"github.com/ashita-ai/kunren/migrations"
)

type passageRecord struct {
	SourceID string `json:"source_id"`
	Content  string `json:"content"`
}

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
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
	var file string
	flag.StringVar(&file, "file", "", "JSONL corpus file, one {source_id, content} object per line")
	flag.Parse()
	if file == "" {
		return fmt.Errorf("usage: kunren-load -file corpus.jsonl")
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	f, err := os.Open(file) //nolint:gosec // operator-supplied path by design of the tool
	if err != nil {
		return fmt.Errorf("open corpus: %w", err)
	}
	defer func() { _ = f.Close() }()

	records, err := readPassages(f)
	if err != nil {
		return fmt.Errorf("parse corpus %s: %w", file, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("corpus %s contains no passages", file)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	embedder := retrieval.NewOllamaEmbedder(cfg.OllamaURL, cfg.EmbeddingModel, cfg.EmbeddingDims)
	store := retrieval.NewPgvectorRetriever(db.Pool(), embedder, logger)

	for i, rec := range records {
		if err := store.AddPassage(ctx, rec.SourceID, rec.Content); err != nil {
			return fmt.Errorf("load passage %d (%s): %w", i+1, rec.SourceID, err)
		}
	}

	logger.Info("corpus loaded", "file", file, "passages", len(records))
	return nil
}

// readPassages parses JSONL passage records. Blank lines are skipped; a
// record without a source_id gets one derived from its line number.
func readPassages(r io.Reader) ([]passageRecord, error) {
	var records []passageRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec passageRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if rec.Content == "" {
			return nil, fmt.Errorf("line %d: content is required", lineNo)
		}
		if rec.SourceID == "" {
			rec.SourceID = fmt.Sprintf("line-%d", lineNo)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}
