package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Shared retry budget for transactional conflicts. Bus publishes and corpus
// loads race against FOR UPDATE SKIP LOCKED claimers, so every caller gets
// the same conflict handling.
const (
	DefaultRetryAttempts = 3
	DefaultRetryBase     = 50 * time.Millisecond
)

// isRetriable reports whether err is a transient Postgres conflict: a
// serialization failure or a deadlock between a publisher and a claimer.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return true
	}
	return false
}

// WithRetry executes fn, retrying up to maxRetries times on serialization or
// deadlock errors with jittered exponential backoff. Non-conflict errors
// return immediately; a conflict that survives the budget is wrapped so the
// caller's log shows the exhaustion.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return fmt.Errorf("storage: %d retries exhausted: %w", maxRetries, err)
}
