package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kunren/internal/model"
)

// PgvectorRetriever retrieves passages from the passages table in Postgres
// using pgvector cosine distance. It is the fallback backend for deployments
// without a Qdrant cluster: one less moving part, same corpus.
type PgvectorRetriever struct {
	pool     *pgxpool.Pool
	embedder Embedder
	logger   *slog.Logger
}

// NewPgvectorRetriever creates a retriever over the passages table.
func NewPgvectorRetriever(pool *pgxpool.Pool, embedder Embedder, logger *slog.Logger) *PgvectorRetriever {
	return &PgvectorRetriever{pool: pool, embedder: embedder, logger: logger}
}

// Retrieve embeds the question and returns the top-k passages by cosine
// similarity. Score is 1 - cosine distance, matching Qdrant's convention.
func (r *PgvectorRetriever) Retrieve(ctx context.Context, question string, k int) ([]model.Passage, error) {
	if k <= 0 {
		k = 5
	}

	embedding, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed question: %w", err)
	}

	vec := pgvector.NewVector(embedding)
	rows, err := r.pool.Query(ctx,
		`SELECT content, source_id, 1 - (embedding <=> $1) AS score
		 FROM passages
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		vec, k,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: pgvector query: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var passages []model.Passage
	for rows.Next() {
		var p model.Passage
		if err := rows.Scan(&p.Text, &p.SourceID, &p.Score); err != nil {
			return nil, fmt.Errorf("retrieval: scan passage: %w", err)
		}
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: pgvector rows: %w", ErrUnavailable, err)
	}
	return passages, nil
}

// AddPassage inserts a passage with its embedding, for corpus loading.
func (r *PgvectorRetriever) AddPassage(ctx context.Context, sourceID, content string) error {
	embedding, err := r.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("retrieval: embed passage: %w", err)
	}
	if _, err := r.pool.Exec(ctx,
		`INSERT INTO passages (source_id, content, embedding) VALUES ($1, $2, $3)`,
		sourceID, content, pgvector.NewVector(embedding),
	); err != nil {
		return fmt.Errorf("retrieval: insert passage: %w", err)
	}
	return nil
}

// Healthy returns nil if the backing pool is reachable.
func (r *PgvectorRetriever) Healthy(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("retrieval: postgres unhealthy: %w", err)
	}
	return nil
}
