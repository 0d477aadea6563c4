package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// rubricPrompt asks the judge model for two numeric scores on fixed lines.
// Keeping the output format rigid makes parsing cheap and failures obvious.
const rubricPrompt = `You are a strict evaluator for a retrieval-augmented QA system.

Context passages:
%s

Question: %s

Answer to evaluate:
%s

Score the answer on two axes, each a number between 0.0 and 1.0:

- FAITHFULNESS: is every claim in the answer supported by the context passages? 1.0 means fully grounded, 0.0 means fabricated.
- RELEVANCY: does the answer directly address the question? 1.0 means fully on-point, 0.0 means off-topic.

Respond with exactly two lines and nothing else:
FAITHFULNESS: <number>
RELEVANCY: <number>`

// ParseRubricResponse extracts the two scores from an LLM response. Missing
// lines, unparseable numbers, and out-of-range values all return an error to
// enforce fail-safe behavior: ambiguous responses trigger the heuristic
// fallback rather than being clamped into fake scores.
func ParseRubricResponse(response string) (Scores, error) {
	var faithfulness, relevancy *float64
	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "faithfulness:"):
			v, err := parseScore(trimmed[len("faithfulness:"):])
			if err != nil {
				return Scores{}, fmt.Errorf("judge: faithfulness: %w", err)
			}
			faithfulness = &v
		case strings.HasPrefix(lower, "relevancy:"):
			v, err := parseScore(trimmed[len("relevancy:"):])
			if err != nil {
				return Scores{}, fmt.Errorf("judge: relevancy: %w", err)
			}
			relevancy = &v
		}
	}

	if faithfulness == nil || relevancy == nil {
		return Scores{}, fmt.Errorf("judge: rubric lines missing from response")
	}
	return Scores{Faithfulness: *faithfulness, Relevancy: *relevancy}, nil
}

func parseScore(raw string) (float64, error) {
	cleaned := strings.Trim(strings.TrimSpace(raw), "[]*` ")
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", raw)
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("out of range: %v", v)
	}
	return v, nil
}

// OllamaJudge scores answers using a local Ollama chat model. The model
// should be a text generation model (e.g., qwen2.5:3b), not an embedding
// model.
type OllamaJudge struct {
	baseURL    string
	model      string
	httpClient *http.Client
	timeout    time.Duration
}

// NewOllamaJudge creates a judge that calls Ollama's chat API. perCallTimeout
// bounds a single judgment; the HTTP timeout sits slightly beyond it.
func NewOllamaJudge(baseURL, model string, perCallTimeout time.Duration) *OllamaJudge {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if perCallTimeout <= 0 {
		perCallTimeout = 60 * time.Second
	}
	return &OllamaJudge{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: perCallTimeout + 5*time.Second,
		},
		timeout: perCallTimeout,
	}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Judge sends the rubric prompt and parses the response defensively.
func (j *OllamaJudge) Judge(ctx context.Context, question string, contexts []string, answer string) (Scores, error) {
	callCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	prompt := fmt.Sprintf(rubricPrompt, strings.Join(contexts, "\n\n"), question, answer)

	body, err := json.Marshal(ollamaChatRequest{
		Model: j.model,
		Messages: []ollamaChatMessage{
			{Role: "user", Content: prompt},
		},
		Stream: false,
		// Deterministic judging: sampling noise in the judge would leak into
		// the preference pairs.
		Options: map[string]any{"temperature": 0.0},
	})
	if err != nil {
		return Scores{}, fmt.Errorf("ollama judge: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, j.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Scores{}, fmt.Errorf("ollama judge: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return Scores{}, fmt.Errorf("ollama judge: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Scores{}, fmt.Errorf("ollama judge: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Scores{}, fmt.Errorf("ollama judge: decode response: %w", err)
	}

	return ParseRubricResponse(result.Message.Content)
}
