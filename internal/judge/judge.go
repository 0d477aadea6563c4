// Package judge scores a candidate answer against its question and retrieved
// contexts. Two implementations: an LLM rubric judge and a deterministic
// lexical scorer used as fallback when the LLM is unavailable or returns
// garbage.
package judge

import "context"

// Scores is one judgment: both values are in [0,1].
type Scores struct {
	Faithfulness float64
	Relevancy    float64
}

// Judge scores one answer. Implementations must return an error rather than
// clamping when they cannot produce trustworthy scores; the verifier decides
// whether to retry or fall back.
type Judge interface {
	Judge(ctx context.Context, question string, contexts []string, answer string) (Scores, error)
}
