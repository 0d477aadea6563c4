// Package orchestrator drives the synchronous half of the pipeline: retrieve
// contexts, generate candidates, publish one answer.generated event per
// surviving candidate, and return the candidate list to the caller.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kunren/internal/bus"
	"github.com/ashita-ai/kunren/internal/ctxutil"
	"github.com/ashita-ai/kunren/internal/model"
	"github.com/ashita-ai/kunren/internal/retrieval"
)

// Validation errors surfaced to the transport layer as client errors.
var (
	ErrEmptyQuestion     = errors.New("orchestrator: question must not be empty")
	ErrQuestionTooLong   = fmt.Errorf("orchestrator: question exceeds %d bytes", model.MaxQuestionBytes)
	ErrTooManyCandidates = fmt.Errorf("orchestrator: num_candidates exceeds %d", model.MaxCandidates)
)

// Config holds the orchestrator's call budgets.
type Config struct {
	NumCandidates    int           // default N when the caller doesn't specify
	TopK             int           // passages per question
	RetrievalTimeout time.Duration // budget for the retrieve call
	PublishTimeout   time.Duration // budget per bus publish
}

// Generator is the candidate-producing surface the orchestrator needs.
type Generator interface {
	Candidates(ctx context.Context, question string, contexts []model.Passage, n int) ([]model.Candidate, error)
	ModelName() string
}

// MultiAnswer is the synchronous reply to an ask_multi call. Scoring and
// dataset emission continue asynchronously under the returned batch ID.
type MultiAnswer struct {
	BatchID       uuid.UUID         `json:"batch_id"`
	CorrelationID uuid.UUID         `json:"correlation_id"`
	Question      string            `json:"question"`
	Candidates    []model.Candidate `json:"candidates"`
}

// Answer is the reply to a plain single-answer ask call. Nothing is published
// for it; single answers don't feed the training pipeline.
type Answer struct {
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Question      string          `json:"question"`
	Answer        string          `json:"answer"`
	Contexts      []model.Passage `json:"contexts"`
	ModelName     string          `json:"model_name"`
}

// Orchestrator wires retriever, generator, and bus together.
type Orchestrator struct {
	retriever retrieval.Retriever
	generator Generator
	bus       bus.Bus
	cfg       Config
	logger    *slog.Logger
}

// New creates an orchestrator. Zero config fields get defaults.
func New(r retrieval.Retriever, g Generator, b bus.Bus, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.NumCandidates <= 0 {
		cfg.NumCandidates = 3
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &Orchestrator{retriever: r, generator: g, bus: b, cfg: cfg, logger: logger}
}

// AskMulti generates n candidate answers for the question and publishes one
// answer.generated event per survivor. expected_count on every event reflects
// the post-drop count; the aggregator sizes the batch from it.
func (o *Orchestrator) AskMulti(ctx context.Context, question string, n int) (MultiAnswer, error) {
	if err := validateQuestion(question); err != nil {
		return MultiAnswer{}, err
	}
	if n <= 0 {
		n = o.cfg.NumCandidates
	}
	if n > model.MaxCandidates {
		return MultiAnswer{}, ErrTooManyCandidates
	}

	// Reuse the transport's correlation ID when one is already on the context.
	correlationID := ctxutil.CorrelationID(ctx)
	if correlationID == uuid.Nil {
		correlationID = uuid.New()
		ctx = ctxutil.WithCorrelationID(ctx, correlationID)
	}
	batchID := uuid.New()
	ctx = ctxutil.WithBatchID(ctx, batchID)
	logger := ctxutil.Logger(ctx, o.logger)

	contexts, err := o.retrieve(ctx, question)
	if err != nil {
		return MultiAnswer{}, err
	}
	logger.Info("orchestrator: contexts retrieved", "passages", len(contexts), "requested_candidates", n)

	candidates, err := o.generator.Candidates(ctx, question, contexts, n)
	if err != nil {
		return MultiAnswer{}, fmt.Errorf("orchestrator: generate candidates: %w", err)
	}
	if len(candidates) < n {
		logger.Warn("orchestrator: candidate slots dropped",
			"requested", n, "generated", len(candidates))
	}

	expected := len(candidates)
	for _, cand := range candidates {
		env, err := model.NewEnvelope(model.TopicAnswerGenerated, correlationID, batchID, model.AnswerGenerated{
			AnswerID:       cand.AnswerID,
			CandidateIndex: cand.CandidateIndex,
			ExpectedCount:  expected,
			Question:       question,
			Answer:         cand.Text,
			Contexts:       contexts,
			Sampling:       cand.Sampling,
			ModelName:      o.generator.ModelName(),
		})
		if err != nil {
			return MultiAnswer{}, err
		}

		pubCtx, cancel := context.WithTimeout(ctx, o.cfg.PublishTimeout)
		err = o.bus.Publish(pubCtx, model.TopicAnswerGenerated, batchID.String(), env)
		cancel()
		if err != nil {
			// Candidates already published stay in flight; the aggregator's
			// deadline covers the shortfall.
			return MultiAnswer{}, fmt.Errorf("orchestrator: publish candidate %d: %w", cand.CandidateIndex, err)
		}
	}

	logger.Info("orchestrator: batch published", "expected_count", expected)
	return MultiAnswer{
		BatchID:       batchID,
		CorrelationID: correlationID,
		Question:      question,
		Candidates:    candidates,
	}, nil
}

// Ask answers the question once at the first sampling profile without
// touching the training pipeline.
func (o *Orchestrator) Ask(ctx context.Context, question string) (Answer, error) {
	if err := validateQuestion(question); err != nil {
		return Answer{}, err
	}

	correlationID := ctxutil.CorrelationID(ctx)
	if correlationID == uuid.Nil {
		correlationID = uuid.New()
		ctx = ctxutil.WithCorrelationID(ctx, correlationID)
	}

	contexts, err := o.retrieve(ctx, question)
	if err != nil {
		return Answer{}, err
	}

	candidates, err := o.generator.Candidates(ctx, question, contexts, 1)
	if err != nil {
		return Answer{}, fmt.Errorf("orchestrator: generate answer: %w", err)
	}

	return Answer{
		CorrelationID: correlationID,
		Question:      question,
		Answer:        candidates[0].Text,
		Contexts:      contexts,
		ModelName:     o.generator.ModelName(),
	}, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, question string) ([]model.Passage, error) {
	retCtx, cancel := context.WithTimeout(ctx, o.cfg.RetrievalTimeout)
	defer cancel()

	contexts, err := o.retriever.Retrieve(retCtx, question, o.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: retrieve contexts: %w", err)
	}
	return contexts, nil
}

func validateQuestion(question string) error {
	if question == "" {
		return ErrEmptyQuestion
	}
	if len(question) > model.MaxQuestionBytes {
		return ErrQuestionTooLong
	}
	return nil
}
