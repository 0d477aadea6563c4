// Package verify consumes answer.generated events, scores each candidate
// with the configured judge, and publishes verification.completed events.
// Each event is handled in isolation; a semaphore bounds concurrent judge
// calls to protect the backend.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/kunren/internal/bus"
	"github.com/ashita-ai/kunren/internal/ctxutil"
	"github.com/ashita-ai/kunren/internal/judge"
	"github.com/ashita-ai/kunren/internal/model"
)

const (
	judgeAttempts   = 3
	judgeRetryBase  = 500 * time.Millisecond
	defaultParallel = 4
)

// Worker scores candidates. Primary is tried first with retries; fallback
// (the heuristic) scores the event when the primary stays down, so a dead
// judge backend degrades scoring quality instead of stalling the pipeline.
type Worker struct {
	bus      bus.Bus
	primary  judge.Judge
	fallback judge.Judge
	mode     model.JudgeMode // mode of the primary judge
	sem      *semaphore.Weighted
	logger   *slog.Logger
}

// NewWorker creates a verifier. When mode is heuristic the primary judge is
// the heuristic itself and no fallback path exists.
func NewWorker(b bus.Bus, primary judge.Judge, mode model.JudgeMode, concurrency int64, logger *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = defaultParallel
	}
	return &Worker{
		bus:      b,
		primary:  primary,
		fallback: judge.NewHeuristic(),
		mode:     mode,
		sem:      semaphore.NewWeighted(concurrency),
		logger:   logger,
	}
}

// Run consumes answer.generated for the verifiers group until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.bus.Subscribe(ctx, model.TopicAnswerGenerated, bus.GroupVerifiers, w.Handle)
}

// Handle scores one answer.generated event and publishes the result. A
// non-nil return means the bus should redeliver; malformed payloads are
// logged and dropped instead, since redelivery cannot fix them.
func (w *Worker) Handle(ctx context.Context, env model.Envelope) error {
	ctx = ctxutil.WithCorrelationID(ctx, env.CorrelationID)
	ctx = ctxutil.WithBatchID(ctx, env.BatchID)
	logger := ctxutil.Logger(ctx, w.logger)

	var payload model.AnswerGenerated
	if err := env.DecodePayload(&payload); err != nil {
		logger.Error("verify: malformed event dropped", "event_id", env.EventID, "error", err)
		return nil
	}
	logger = logger.With("answer_id", payload.AnswerID, "candidate_index", payload.CandidateIndex)

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("verify: acquire judge slot: %w", err)
	}
	defer w.sem.Release(1)

	started := time.Now()
	contexts := model.PassageTexts(payload.Contexts)
	scores, mode := w.judge(ctx, logger, payload.Question, contexts, payload.Answer)
	scored := model.NewScoredCandidate(payload.AnswerID, env.BatchID, scores.Faithfulness, scores.Relevancy, mode, time.Now().UTC())

	out, err := model.NewEnvelope(model.TopicVerificationCompleted, env.CorrelationID, env.BatchID, model.VerificationCompleted{
		AnswerID:       scored.AnswerID,
		Faithfulness:   scored.Faithfulness,
		Relevancy:      scored.Relevancy,
		Overall:        scored.Overall,
		Confidence:     scored.Confidence,
		JudgeMode:      scored.JudgeMode,
		ScoredAt:       scored.ScoredAt,
		DurationMillis: time.Since(started).Milliseconds(),
	})
	if err != nil {
		return err
	}
	if err := w.bus.Publish(ctx, model.TopicVerificationCompleted, env.BatchID.String(), out); err != nil {
		return fmt.Errorf("verify: publish verification: %w", err)
	}

	logger.Info("verify: candidate scored",
		"judge_mode", scored.JudgeMode,
		"faithfulness", scored.Faithfulness,
		"relevancy", scored.Relevancy,
		"overall", scored.Overall,
		"confidence", scored.Confidence,
		"duration_ms", time.Since(started).Milliseconds())
	return nil
}

// judge tries the primary judge with bounded retries, then falls back to the
// heuristic for this event. The heuristic never fails.
func (w *Worker) judge(ctx context.Context, logger *slog.Logger, question string, contexts []string, answer string) (judge.Scores, model.JudgeMode) {
	delay := judgeRetryBase
	var lastErr error
	for attempt := 0; attempt < judgeAttempts && ctx.Err() == nil; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			delay *= 2
		}
		scores, err := w.primary.Judge(ctx, question, contexts, answer)
		if err == nil {
			return scores, w.mode
		}
		lastErr = err
	}

	if w.mode == model.JudgeModeHeuristic {
		// The heuristic is already the primary and cannot actually fail;
		// reaching here means the context died mid-flight.
		scores, _ := w.fallback.Judge(ctx, question, contexts, answer)
		return scores, model.JudgeModeHeuristic
	}

	logger.Warn("verify: judge unavailable, using heuristic fallback", "error", lastErr)
	scores, _ := w.fallback.Judge(ctx, question, contexts, answer)
	return scores, model.JudgeModeHeuristic
}
