package dpo

import "sync/atomic"

// Stats counts pair attempts and gate outcomes. All counters are monotonic;
// the /stats endpoint reads a snapshot.
type Stats struct {
	attempted atomic.Int64
	created   atomic.Int64

	scoreDiffTooSmall      atomic.Int64
	chosenScoreTooLow      atomic.Int64
	chosenIsVerbatim       atomic.Int64
	chosenIsHedging        atomic.Int64
	insufficientCandidates atomic.Int64
	batchTimedOut          atomic.Int64
}

// NewStats creates a zeroed counter set.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) rejected(reason Reason) {
	switch reason {
	case ReasonScoreDiffTooSmall:
		s.scoreDiffTooSmall.Add(1)
	case ReasonChosenScoreTooLow:
		s.chosenScoreTooLow.Add(1)
	case ReasonChosenIsVerbatim:
		s.chosenIsVerbatim.Add(1)
	case ReasonChosenIsHedging:
		s.chosenIsHedging.Add(1)
	case ReasonInsufficientCandidates:
		s.insufficientCandidates.Add(1)
	case ReasonBatchTimedOut:
		s.batchTimedOut.Add(1)
	}
}

// Snapshot is a point-in-time copy of the counters, JSON-ready.
type Snapshot struct {
	PairsAttempted         int64 `json:"total_pairs_attempted"`
	PairsCreated           int64 `json:"pairs_created"`
	ScoreDiffTooSmall      int64 `json:"rejected_score_diff_too_small"`
	ChosenScoreTooLow      int64 `json:"rejected_chosen_score_too_low"`
	ChosenIsVerbatim       int64 `json:"rejected_chosen_is_verbatim"`
	ChosenIsHedging        int64 `json:"rejected_chosen_is_hedging"`
	InsufficientCandidates int64 `json:"rejected_insufficient_candidates"`
	BatchTimedOut          int64 `json:"rejected_batch_timed_out"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		PairsAttempted:         s.attempted.Load(),
		PairsCreated:           s.created.Load(),
		ScoreDiffTooSmall:      s.scoreDiffTooSmall.Load(),
		ChosenScoreTooLow:      s.chosenScoreTooLow.Load(),
		ChosenIsVerbatim:       s.chosenIsVerbatim.Load(),
		ChosenIsHedging:        s.chosenIsHedging.Load(),
		InsufficientCandidates: s.insufficientCandidates.Load(),
		BatchTimedOut:          s.batchTimedOut.Load(),
	}
}
