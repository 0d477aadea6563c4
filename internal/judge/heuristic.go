package judge

import (
	"context"
	"math"
	"strings"
	"unicode"
)

// stopwords are filtered out before lexical scoring so that function words
// don't inflate overlap between any two English texts.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "in": true, "is": true, "it": true, "its": true, "of": true,
	"on": true, "or": true, "that": true, "the": true, "this": true, "to": true,
	"was": true, "were": true, "will": true, "with": true, "you": true,
	"your": true, "can": true, "not": true, "do": true, "does": true,
}

// Heuristic is a deterministic lexical judge. Faithfulness is the fraction of
// answer tokens covered by the contexts; relevancy is bag-of-words cosine
// between question and answer blended with a length-sanity factor. Distinct
// answers produce distinct scores, which the DPO gates depend on.
type Heuristic struct{}

// NewHeuristic creates the lexical judge.
func NewHeuristic() Heuristic {
	return Heuristic{}
}

// Judge scores the answer without any remote calls; it never fails.
func (Heuristic) Judge(_ context.Context, question string, contexts []string, answer string) (Scores, error) {
	answerTokens := Tokenize(answer)
	return Scores{
		Faithfulness: faithfulness(answerTokens, contexts),
		Relevancy:    relevancy(Tokenize(question), answerTokens),
	}, nil
}

// Tokenize lowercases, splits on non-alphanumeric runes, and drops stopwords.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// faithfulness maps context coverage of the answer's tokens onto [0.3, 1.0].
// The piecewise ramp rewards high overlap sharply; answers inventing content
// the contexts never mention land in the low band.
func faithfulness(answerTokens []string, contexts []string) float64 {
	if len(answerTokens) == 0 {
		return 0.3
	}

	contextTokens := map[string]bool{}
	for _, c := range contexts {
		for _, t := range Tokenize(c) {
			contextTokens[t] = true
		}
	}

	covered := 0
	for _, t := range answerTokens {
		if contextTokens[t] {
			covered++
		}
	}
	coverage := float64(covered) / float64(len(answerTokens))

	var score float64
	switch {
	case coverage > 0.5:
		score = 0.85 + (coverage-0.5)*0.3
	case coverage > 0.3:
		score = 0.65 + (coverage-0.3)*1.0
	default:
		score = 0.40 + coverage*0.83
	}
	return clamp01(math.Min(score, 1.0), 0.3)
}

// relevancy blends question/answer cosine similarity with a length-sanity
// factor. Very short answers (<20 tokens) are likely non-answers; very long
// ones (>800 tokens) are likely rambling.
func relevancy(questionTokens, answerTokens []string) float64 {
	cos := cosine(termFrequency(questionTokens), termFrequency(answerTokens))
	sanity := lengthSanity(len(answerTokens))
	return clamp01(sanity*(0.35+0.65*cos), 0.3)
}

func lengthSanity(n int) float64 {
	switch {
	case n < 20:
		return 0.6 + 0.02*float64(n)
	case n > 800:
		return math.Max(0.6, 1.0-float64(n-800)/2000.0)
	default:
		return 1.0
	}
}

func termFrequency(tokens []string) map[string]float64 {
	tf := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for t, w := range a {
		normA += w * w
		if bw, ok := b[t]; ok {
			dot += w * bw
		}
	}
	for _, w := range b {
		normB += w * w
	}
	if dot == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clamp01(v, floor float64) float64 {
	return math.Max(floor, math.Min(1.0, v))
}
