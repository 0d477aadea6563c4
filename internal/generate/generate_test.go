package generate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kunren/internal/model"
)

type fakeLLM struct {
	answers map[float64]string // keyed by temperature
	failAt  map[int]bool       // calls (0-based) that return an error
	calls   int
}

func (f *fakeLLM) Generate(_ context.Context, _ string, params model.SamplingParams) (string, error) {
	call := f.calls
	f.calls++
	if f.failAt[call] {
		return "", errors.New("model overloaded")
	}
	if a, ok := f.answers[params.Temperature]; ok {
		return a, nil
	}
	return "generic answer", nil
}

func (f *fakeLLM) ModelName() string { return "fake-model" }

func testProfiles() []model.SamplingParams {
	return []model.SamplingParams{
		{Temperature: 0.2},
		{Temperature: 0.7},
		{Temperature: 1.0},
	}
}

func TestBuildPromptNumbersDocuments(t *testing.T) {
	prompt := BuildPrompt("why is the sky blue?", []model.Passage{
		{Text: "Rayleigh scattering favors short wavelengths."},
		{Text: "Sunlight contains all visible wavelengths."},
	})
	assert.Contains(t, prompt, "[Document 1] Rayleigh scattering favors short wavelengths.")
	assert.Contains(t, prompt, "[Document 2] Sunlight contains all visible wavelengths.")
	assert.Contains(t, prompt, "Question: why is the sky blue?")
}

func TestProfileForCyclesSchedule(t *testing.T) {
	s := NewService(&fakeLLM{}, testProfiles(), time.Second, slog.New(slog.DiscardHandler))
	assert.Equal(t, 0.2, s.ProfileFor(0).Temperature)
	assert.Equal(t, 0.7, s.ProfileFor(1).Temperature)
	assert.Equal(t, 1.0, s.ProfileFor(2).Temperature)
	// Index 3 wraps back to the first profile.
	assert.Equal(t, 0.2, s.ProfileFor(3).Temperature)
	assert.Equal(t, 0.7, s.ProfileFor(4).Temperature)
}

func TestCandidatesAssignsProfilesByIndex(t *testing.T) {
	llm := &fakeLLM{answers: map[float64]string{
		0.2: "precise answer",
		0.7: "balanced answer",
		1.0: "creative answer",
	}}
	s := NewService(llm, testProfiles(), time.Second, slog.New(slog.DiscardHandler))

	candidates, err := s.Candidates(context.Background(), "q", nil, 3)
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	assert.Equal(t, "precise answer", candidates[0].Text)
	assert.Equal(t, "balanced answer", candidates[1].Text)
	assert.Equal(t, "creative answer", candidates[2].Text)
	for i, c := range candidates {
		assert.Equal(t, i, c.CandidateIndex)
		assert.NotEqual(t, c.AnswerID.String(), "00000000-0000-0000-0000-000000000000")
	}
}

func TestCandidatesDropsFailedSlots(t *testing.T) {
	llm := &fakeLLM{failAt: map[int]bool{1: true}}
	s := NewService(llm, testProfiles(), time.Second, slog.New(slog.DiscardHandler))

	candidates, err := s.Candidates(context.Background(), "q", nil, 3)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	// The failed slot keeps its index gap; survivors keep their own.
	assert.Equal(t, 0, candidates[0].CandidateIndex)
	assert.Equal(t, 2, candidates[1].CandidateIndex)
}

func TestCandidatesErrorsWhenAllFail(t *testing.T) {
	llm := &fakeLLM{failAt: map[int]bool{0: true, 1: true, 2: true}}
	s := NewService(llm, testProfiles(), time.Second, slog.New(slog.DiscardHandler))

	_, err := s.Candidates(context.Background(), "q", nil, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 3 candidates failed")
}

func TestOllamaLLMSendsSamplingOptions(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, jsonDecode(r, &gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response": "an answer", "done": true}`))
	}))
	defer server.Close()

	topP := 0.9
	llm := NewOllamaLLM(server.URL, "qwen2.5:3b", 5*time.Second)
	answer, err := llm.Generate(context.Background(), "prompt", model.SamplingParams{
		Temperature: 0.7,
		TopP:        &topP,
		MaxTokens:   256,
	})
	require.NoError(t, err)
	assert.Equal(t, "an answer", answer)

	opts := gotBody["options"].(map[string]any)
	assert.Equal(t, 0.7, opts["temperature"])
	assert.Equal(t, 0.9, opts["top_p"])
	assert.Equal(t, float64(256), opts["num_predict"])
	assert.Equal(t, "qwen2.5:3b", gotBody["model"])
	assert.Equal(t, false, gotBody["stream"])
}

func TestOllamaLLMRejectsEmptyCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"response": "", "done": true}`))
	}))
	defer server.Close()

	llm := NewOllamaLLM(server.URL, "qwen2.5:3b", 5*time.Second)
	_, err := llm.Generate(context.Background(), "prompt", model.SamplingParams{Temperature: 0.2})
	require.Error(t, err)
}

func jsonDecode(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}
