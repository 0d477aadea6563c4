package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Bus topics. The orchestrator is the only producer of answer.generated; the
// verifier is the only producer of verification.completed.
const (
	TopicAnswerGenerated       = "answer.generated"
	TopicVerificationCompleted = "verification.completed"
)

// Envelope is the wire format for every bus message. Envelopes are encoded as
// UTF-8 JSON; batch_id doubles as the grouping key.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	BatchID       uuid.UUID       `json:"batch_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload in a fresh envelope with a minted event_id.
func NewEnvelope(eventType string, correlationID, batchID uuid.UUID, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("model: marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.New(),
		EventType:     eventType,
		CorrelationID: correlationID,
		BatchID:       batchID,
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("model: decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// AnswerGenerated is the payload of an answer.generated event. ExpectedCount
// reflects the post-drop candidate count; the orchestrator is the authority.
type AnswerGenerated struct {
	AnswerID       uuid.UUID      `json:"answer_id"`
	CandidateIndex int            `json:"candidate_index"`
	ExpectedCount  int            `json:"expected_count"`
	Question       string         `json:"question"`
	Answer         string         `json:"answer"`
	Contexts       []Passage      `json:"contexts"`
	Sampling       SamplingParams `json:"sampling_params"`
	ModelName      string         `json:"model_name"`
}

// VerificationCompleted is the payload of a verification.completed event.
type VerificationCompleted struct {
	AnswerID       uuid.UUID  `json:"answer_id"`
	Faithfulness   float64    `json:"faithfulness"`
	Relevancy      float64    `json:"relevancy"`
	Overall        float64    `json:"overall"`
	Confidence     Confidence `json:"confidence"`
	JudgeMode      JudgeMode  `json:"judge_mode"`
	ScoredAt       time.Time  `json:"scored_at"`
	DurationMillis int64      `json:"verification_duration_ms"`
}

// Scored converts the payload back into the aggregator's ScoredCandidate form.
func (v VerificationCompleted) Scored(batchID uuid.UUID) ScoredCandidate {
	return ScoredCandidate{
		AnswerID:     v.AnswerID,
		BatchID:      batchID,
		Faithfulness: v.Faithfulness,
		Relevancy:    v.Relevancy,
		Overall:      v.Overall,
		Confidence:   v.Confidence,
		JudgeMode:    v.JudgeMode,
		ScoredAt:     v.ScoredAt,
	}
}
