// Package dpo selects a (chosen, rejected) preference pair from a retired
// batch and applies the quality gates that keep bad pairs out of the
// preference dataset. Gate failures are normal operation, not errors; they
// are logged with a reason code and counted.
package dpo

import (
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ashita-ai/kunren/internal/judge"
	"github.com/ashita-ai/kunren/internal/model"
)

// Reason explains why a batch produced no DPO record.
type Reason string

const (
	ReasonNone                   Reason = ""
	ReasonScoreDiffTooSmall      Reason = "score_diff_too_small"
	ReasonChosenScoreTooLow      Reason = "chosen_score_too_low"
	ReasonChosenIsVerbatim       Reason = "chosen_is_verbatim"
	ReasonChosenIsHedging        Reason = "chosen_is_hedging"
	ReasonInsufficientCandidates Reason = "insufficient_candidates"
	ReasonBatchTimedOut          Reason = "batch_timed_out"
)

// hedgingPhrases mark evasive non-answers. A hedging answer may score well on
// faithfulness (it copies the context's framing) but is exactly the behavior
// preference training should not reinforce as "chosen".
var hedgingPhrases = []string{
	"unfortunately",
	"the provided documents do not mention",
	"the documents do not mention",
	"the context does not mention",
	"i don't see",
	"i'm not sure",
	"i cannot find",
	"there is no information",
	"the provided context does not",
	"based on the provided documents, there is no",
	"i'm happy to help, but",
	"could you please provide more",
}

var evasivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`unfortunately.*do(?:es)? not mention`),
	regexp.MustCompile(`(?:documents?|context) do(?:es)? not (?:mention|provide|contain)`),
	regexp.MustCompile(`i (?:don't|do not) see.*in (?:the )?(?:documents?|context)`),
	regexp.MustCompile(`there is no (?:information|mention)`),
}

// Pair is one candidate that has both an answer and a score.
type Pair struct {
	Candidate model.Candidate
	Score     model.ScoredCandidate
}

// Config holds the gate thresholds.
type Config struct {
	MinScoreDiff       float64 // chosen.overall - rejected.overall must reach this
	MinChosenScore     float64 // chosen.overall must reach this
	EnableVerbatimGate bool    // reject chosen answers that copy a context passage
	EnableHedgingGate  bool    // reject chosen answers that hedge or evade
}

// Selector applies the selection algorithm and gates.
type Selector struct {
	cfg    Config
	stats  *Stats
	logger *slog.Logger
}

// NewSelector creates a selector. Stats are shared with the /stats endpoint.
func NewSelector(cfg Config, stats *Stats, logger *slog.Logger) *Selector {
	if stats == nil {
		stats = NewStats()
	}
	return &Selector{cfg: cfg, stats: stats, logger: logger}
}

// Stats returns the selector's counters.
func (s *Selector) Stats() *Stats {
	return s.stats
}

// Select picks chosen and rejected from the batch's scored candidates and
// applies the gates. Returns (nil, reason) when the batch produces no pair.
// timedOut marks batches retired by deadline rather than completion.
func (s *Selector) Select(question string, contexts []string, pairs []Pair, timedOut bool) (*model.DPORecord, Reason) {
	if len(pairs) < 2 {
		reason := ReasonInsufficientCandidates
		if timedOut {
			reason = ReasonBatchTimedOut
		}
		s.reject(question, reason, 0)
		return nil, reason
	}

	s.stats.attempted.Add(1)

	ranked := make([]Pair, len(pairs))
	copy(ranked, pairs)
	sortPairs(ranked)

	chosen, rejected := ranked[0], ranked[len(ranked)-1]
	diff := chosen.Score.Overall - rejected.Score.Overall

	if diff < s.cfg.MinScoreDiff {
		s.reject(question, ReasonScoreDiffTooSmall, diff)
		return nil, ReasonScoreDiffTooSmall
	}
	if chosen.Score.Overall < s.cfg.MinChosenScore {
		s.reject(question, ReasonChosenScoreTooLow, diff)
		return nil, ReasonChosenScoreTooLow
	}
	if s.cfg.EnableVerbatimGate && isVerbatimCopy(chosen.Candidate.Text, contexts) {
		s.reject(question, ReasonChosenIsVerbatim, diff)
		return nil, ReasonChosenIsVerbatim
	}
	if s.cfg.EnableHedgingGate && IsHedging(chosen.Candidate.Text) {
		s.reject(question, ReasonChosenIsHedging, diff)
		return nil, ReasonChosenIsHedging
	}

	s.stats.created.Add(1)
	return &model.DPORecord{
		Prompt: question,
		Chosen: model.PreferredAnswer{
			Text:  chosen.Candidate.Text,
			Score: chosen.Score.Overall,
		},
		Rejected: model.PreferredAnswer{
			Text:  rejected.Candidate.Text,
			Score: rejected.Score.Overall,
		},
		ScoreDifference: diff,
		Metadata: model.DPOMetadata{
			BatchID:       chosen.Score.BatchID,
			ChosenIndex:   chosen.Candidate.CandidateIndex,
			RejectedIndex: rejected.Candidate.CandidateIndex,
			CreatedAt:     time.Now().UTC(),
		},
	}, ReasonNone
}

func (s *Selector) reject(question string, reason Reason, diff float64) {
	s.stats.rejected(reason)
	s.logger.Info("dpo: pair skipped",
		"reason", string(reason),
		"score_difference", diff,
		"question", truncate(question, 80))
}

// sortPairs orders by overall descending; ties prefer higher faithfulness,
// then lower candidate index.
func sortPairs(pairs []Pair) {
	slices.SortFunc(pairs, func(a, b Pair) int {
		switch {
		case a.Score.Overall != b.Score.Overall:
			if a.Score.Overall > b.Score.Overall {
				return -1
			}
			return 1
		case a.Score.Faithfulness != b.Score.Faithfulness:
			if a.Score.Faithfulness > b.Score.Faithfulness {
				return -1
			}
			return 1
		default:
			return a.Candidate.CandidateIndex - b.Candidate.CandidateIndex
		}
	})
}

// isVerbatimCopy reports whether the answer is at least 95% token-identical
// to any single context passage. The judge is known to overscore copy-paste,
// so these pairs teach nothing useful.
func isVerbatimCopy(answer string, contexts []string) bool {
	answerTokens := judge.Tokenize(answer)
	if len(answerTokens) == 0 {
		return false
	}
	answerSet := tokenSet(answerTokens)

	for _, ctx := range contexts {
		ctxSet := tokenSet(judge.Tokenize(ctx))
		if len(ctxSet) == 0 {
			continue
		}
		inter := 0
		for t := range answerSet {
			if ctxSet[t] {
				inter++
			}
		}
		union := len(answerSet) + len(ctxSet) - inter
		if union > 0 && float64(inter)/float64(union) >= 0.95 {
			return true
		}
	}
	return false
}

// IsHedging reports whether the answer contains hedging or evasive language.
func IsHedging(answer string) bool {
	lower := strings.ToLower(answer)
	for _, phrase := range hedgingPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	for _, pattern := range evasivePatterns {
		if pattern.MatchString(lower) {
			return true
		}
	}
	return false
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
