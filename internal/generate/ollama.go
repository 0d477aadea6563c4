package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashita-ai/kunren/internal/model"
)

// OllamaLLM generates completions using a local Ollama server. The model
// should be a text generation model (e.g., qwen2.5:3b), not an embedding
// model.
type OllamaLLM struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaLLM creates a client for Ollama's generate API. The HTTP timeout
// sits slightly beyond the caller's per-candidate context timeout so the
// context, not the transport, decides when to give up.
func NewOllamaLLM(baseURL, model string, perCallTimeout time.Duration) *OllamaLLM {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaLLM{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: perCallTimeout + 5*time.Second,
		},
	}
}

// ModelName returns the configured Ollama model identifier.
func (o *OllamaLLM) ModelName() string {
	return o.model
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate produces one completion under the given sampling params.
func (o *OllamaLLM) Generate(ctx context.Context, prompt string, params model.SamplingParams) (string, error) {
	options := map[string]any{
		"temperature": params.Temperature,
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens > 0 {
		options["num_predict"] = params.MaxTokens
	}
	if params.Seed != nil {
		options["seed"] = *params.Seed
	}

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Stream:  false,
		Options: options,
	})
	if err != nil {
		return "", fmt.Errorf("ollama llm: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ollama llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama llm: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("ollama llm: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ollama llm: decode response: %w", err)
	}

	if result.Response == "" {
		return "", fmt.Errorf("ollama llm: empty completion")
	}
	return result.Response, nil
}
