// Package generate produces candidate answers for a question from retrieved
// context passages. Diversity across candidates comes from a sampling profile
// schedule: each candidate index maps to a temperature/top_p profile, cycling
// when more candidates are requested than profiles exist.
package generate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kunren/internal/ctxutil"
	"github.com/ashita-ai/kunren/internal/model"
)

// LLM generates one completion for a prompt under the given sampling params.
type LLM interface {
	Generate(ctx context.Context, prompt string, params model.SamplingParams) (string, error)
	ModelName() string
}

// qaPrompt is the instruction template wrapped around the retrieved context.
// The numbered instructions steer the model away from hedging disclaimers,
// which would otherwise dominate low-temperature candidates.
const qaPrompt = `You are an expert assistant. Your goal is to provide clear, actionable guidance.

Context from documentation:
%s

Question: %s

Instructions:
1. Provide a direct, helpful answer based on the context above
2. If the context contains relevant information, use it to give specific guidance
3. If the context is incomplete, combine what's available with general best practices
4. Focus on actionable recommendations rather than disclaimers
5. Avoid phrases like 'the documents do not mention' or 'unfortunately' - instead, provide what you know
6. Be concise but thorough

Answer:`

// BuildPrompt renders the QA prompt with each passage as a numbered document
// block. Passage order is preserved; the retriever already ranked them.
func BuildPrompt(question string, contexts []model.Passage) string {
	blocks := make([]string, len(contexts))
	for i, ctx := range contexts {
		blocks[i] = fmt.Sprintf("[Document %d] %s", i+1, ctx.Text)
	}
	return fmt.Sprintf(qaPrompt, strings.Join(blocks, "\n\n"), question)
}

// Service fans a question out to the LLM once per requested candidate.
type Service struct {
	llm      LLM
	profiles []model.SamplingParams
	timeout  time.Duration // per-candidate generation budget
	logger   *slog.Logger
}

// NewService creates a generation service. Profiles must be non-empty; the
// config layer guarantees that.
func NewService(llm LLM, profiles []model.SamplingParams, timeout time.Duration, logger *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{llm: llm, profiles: profiles, timeout: timeout, logger: logger}
}

// ProfileFor returns the sampling profile for a candidate index, cycling
// through the schedule when the index exceeds the profile count.
func (s *Service) ProfileFor(index int) model.SamplingParams {
	return s.profiles[index%len(s.profiles)]
}

// ModelName reports the underlying LLM's model identifier.
func (s *Service) ModelName() string {
	return s.llm.ModelName()
}

// Candidates generates n candidate answers for the question over the shared
// contexts. Candidates whose generation fails are dropped rather than
// retried: the batch proceeds with whatever survived, and the caller sizes
// expected_count from the returned slice. Returns an error only when every
// candidate failed.
func (s *Service) Candidates(ctx context.Context, question string, contexts []model.Passage, n int) ([]model.Candidate, error) {
	logger := ctxutil.Logger(ctx, s.logger)
	prompt := BuildPrompt(question, contexts)

	candidates := make([]model.Candidate, 0, n)
	var lastErr error
	for i := 0; i < n; i++ {
		params := s.ProfileFor(i)

		genCtx, cancel := context.WithTimeout(ctx, s.timeout)
		answer, err := s.llm.Generate(genCtx, prompt, params)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return candidates, ctx.Err()
			}
			lastErr = err
			logger.Warn("generate: candidate dropped",
				"candidate_index", i, "temperature", params.Temperature, "error", err)
			continue
		}

		candidates = append(candidates, model.Candidate{
			AnswerID:       uuid.New(),
			CandidateIndex: i,
			Text:           answer,
			Sampling:       params,
			CreatedAt:      time.Now().UTC(),
		})
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("generate: all %d candidates failed: %w", n, lastErr)
	}
	return candidates, nil
}
