// Package retrieval fetches context passages for a question.
//
// Two backends implement Retriever: Qdrant (production) and a pgvector table
// in Postgres (when no Qdrant deployment is configured). Both embed the
// question with the configured embedding provider before searching.
package retrieval

import (
	"context"
	"errors"
	"time"

	"github.com/ashita-ai/kunren/internal/model"
)

// ErrUnavailable marks a transient backend failure. Callers retry these;
// anything else surfaces immediately.
var ErrUnavailable = errors.New("retrieval: backend unavailable")

// Retriever returns up to k passages ordered by descending score.
type Retriever interface {
	Retrieve(ctx context.Context, question string, k int) ([]model.Passage, error)
}

// Embedder turns text into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

const (
	retryAttempts  = 3
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// WithRetries wraps a Retriever with capped exponential backoff on
// ErrUnavailable. The final failure surfaces to the caller.
func WithRetries(r Retriever) Retriever {
	return retrying{inner: r}
}

type retrying struct {
	inner Retriever
}

func (r retrying) Retrieve(ctx context.Context, question string, k int) ([]model.Passage, error) {
	delay := retryBaseDelay
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, retryMaxDelay)
		}
		var passages []model.Passage
		passages, err = r.inner.Retrieve(ctx, question, k)
		if err == nil {
			return passages, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return nil, err
		}
	}
	return nil, err
}
