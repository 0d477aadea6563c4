package model

import (
	"time"

	"github.com/google/uuid"
)

// Verification is the score block embedded in an SFT record.
type Verification struct {
	Faithfulness float64    `json:"faithfulness"`
	Relevancy    float64    `json:"relevancy"`
	Overall      float64    `json:"overall"`
	Confidence   Confidence `json:"confidence"`
}

// SFTMetadata ties an SFT record back to its batch and sampling slot.
type SFTMetadata struct {
	BatchID        uuid.UUID      `json:"batch_id"`
	CandidateIndex int            `json:"candidate_index"`
	Sampling       SamplingParams `json:"sampling_params"`
	JudgeMode      JudgeMode      `json:"judge_mode"`
}

// SFTRecord is one line of the supervised fine-tuning stream: one scored
// candidate with its question and contexts.
type SFTRecord struct {
	Question     string       `json:"question"`
	Answer       string       `json:"answer"`
	Contexts     []string     `json:"contexts"`
	Verification Verification `json:"verification"`
	Metadata     SFTMetadata  `json:"metadata"`
	Timestamp    time.Time    `json:"timestamp"`
}

// PreferredAnswer is one side of a DPO pair.
type PreferredAnswer struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// DPOMetadata ties a DPO record back to its batch.
type DPOMetadata struct {
	BatchID       uuid.UUID `json:"batch_id"`
	ChosenIndex   int       `json:"chosen_index"`
	RejectedIndex int       `json:"rejected_index"`
	CreatedAt     time.Time `json:"created_at"`
}

// DPORecord is one line of the preference stream. At most one is emitted per
// batch.
type DPORecord struct {
	Prompt          string          `json:"prompt"`
	Chosen          PreferredAnswer `json:"chosen"`
	Rejected        PreferredAnswer `json:"rejected"`
	ScoreDifference float64         `json:"score_difference"`
	Metadata        DPOMetadata     `json:"metadata"`
}
