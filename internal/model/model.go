// Package model defines the domain types shared across the pipeline:
// retrieved passages, generated candidates, verification scores, and the
// persistent SFT/DPO record shapes.
package model

import (
	"time"

	"github.com/google/uuid"
)

// MaxCandidates is the upper bound on candidates per batch.
const MaxCandidates = 8

// MaxQuestionBytes is the upper bound on a question's UTF-8 length.
const MaxQuestionBytes = 4096

// Passage is one retrieved context passage. Per-request only; never persisted
// on its own.
type Passage struct {
	Text     string  `json:"text"`
	SourceID string  `json:"source_id"`
	Score    float32 `json:"score"`
}

// PassageTexts extracts the raw text of each passage, in order.
func PassageTexts(passages []Passage) []string {
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}
	return texts
}

// SamplingParams are the generation knobs for one candidate slot.
type SamplingParams struct {
	Temperature float64  `json:"temperature"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
}

// Candidate is one of N generated answers for a question.
type Candidate struct {
	AnswerID       uuid.UUID      `json:"answer_id"`
	CandidateIndex int            `json:"candidate_index"`
	Text           string         `json:"text"`
	Sampling       SamplingParams `json:"sampling_params"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Confidence is the verifier's banded confidence in its own scores.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ConfidenceFor bands a (faithfulness, relevancy) pair: high when both are
// at least 0.8, low when both are below 0.6, medium otherwise.
func ConfidenceFor(faithfulness, relevancy float64) Confidence {
	switch {
	case min(faithfulness, relevancy) >= 0.8:
		return ConfidenceHigh
	case max(faithfulness, relevancy) < 0.6:
		return ConfidenceLow
	default:
		return ConfidenceMedium
	}
}

// JudgeMode records which scorer produced a verification.
type JudgeMode string

const (
	JudgeModeLLM       JudgeMode = "llm"
	JudgeModeHeuristic JudgeMode = "heuristic"
)

// ScoredCandidate is the verifier's output for one candidate answer.
type ScoredCandidate struct {
	AnswerID     uuid.UUID  `json:"answer_id"`
	BatchID      uuid.UUID  `json:"batch_id"`
	Faithfulness float64    `json:"faithfulness"`
	Relevancy    float64    `json:"relevancy"`
	Overall      float64    `json:"overall"`
	Confidence   Confidence `json:"confidence"`
	JudgeMode    JudgeMode  `json:"judge_mode"`
	ScoredAt     time.Time  `json:"scored_at"`
}

// NewScoredCandidate fills the derived fields (overall, confidence) from the
// two rubric scores.
func NewScoredCandidate(answerID, batchID uuid.UUID, faithfulness, relevancy float64, mode JudgeMode, scoredAt time.Time) ScoredCandidate {
	return ScoredCandidate{
		AnswerID:     answerID,
		BatchID:      batchID,
		Faithfulness: faithfulness,
		Relevancy:    relevancy,
		Overall:      (faithfulness + relevancy) / 2,
		Confidence:   ConfidenceFor(faithfulness, relevancy),
		JudgeMode:    mode,
		ScoredAt:     scoredAt,
	}
}
