package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kunren/internal/ctxutil"
	"github.com/ashita-ai/kunren/internal/dpo"
	"github.com/ashita-ai/kunren/internal/model"
	"github.com/ashita-ai/kunren/internal/orchestrator"
	"github.com/ashita-ai/kunren/internal/retrieval"
)

type fakeAsker struct {
	multi   orchestrator.MultiAnswer
	single  orchestrator.Answer
	err     error
	lastCtx context.Context
	lastN   int
}

func (f *fakeAsker) AskMulti(ctx context.Context, _ string, n int) (orchestrator.MultiAnswer, error) {
	f.lastCtx = ctx
	f.lastN = n
	if f.err != nil {
		return orchestrator.MultiAnswer{}, f.err
	}
	return f.multi, nil
}

func (f *fakeAsker) Ask(ctx context.Context, _ string) (orchestrator.Answer, error) {
	f.lastCtx = ctx
	if f.err != nil {
		return orchestrator.Answer{}, f.err
	}
	return f.single, nil
}

type fakeHealth struct{ err error }

func (f *fakeHealth) Healthy(context.Context) error { return f.err }

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return New(cfg)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAskMultiEndpoint(t *testing.T) {
	asker := &fakeAsker{multi: orchestrator.MultiAnswer{
		BatchID:       uuid.New(),
		CorrelationID: uuid.New(),
		Question:      "q",
		Candidates: []model.Candidate{
			{AnswerID: uuid.New(), CandidateIndex: 0, Text: "a"},
		},
	}}
	srv := newTestServer(t, Config{Asker: asker})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/ask/multi-candidate",
		map[string]any{"question": "q", "num_candidates": 3})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, asker.lastN)

	var resp struct {
		Data orchestrator.MultiAnswer `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, asker.multi.BatchID, resp.Data.BatchID)
	assert.Len(t, resp.Data.Candidates, 1)
}

func TestAskMultiRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t, Config{Asker: &fakeAsker{}})

	req := httptest.NewRequest(http.MethodPost, "/ask/multi-candidate", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAskMultiErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"empty question", orchestrator.ErrEmptyQuestion, http.StatusBadRequest, "invalid_request"},
		{"too many candidates", orchestrator.ErrTooManyCandidates, http.StatusBadRequest, "invalid_request"},
		{"retrieval down", retrieval.ErrUnavailable, http.StatusServiceUnavailable, "retrieval_unavailable"},
		{"generator down", errors.New("ollama exploded"), http.StatusBadGateway, "generation_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, Config{Asker: &fakeAsker{err: tt.err}})
			rec := doJSON(t, srv.Handler(), http.MethodPost, "/ask/multi-candidate",
				map[string]any{"question": "q"})
			require.Equal(t, tt.want, rec.Code)

			var resp apiError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestAskEndpoint(t *testing.T) {
	asker := &fakeAsker{single: orchestrator.Answer{
		CorrelationID: uuid.New(),
		Answer:        "an answer",
		ModelName:     "test-model",
	}}
	srv := newTestServer(t, Config{Asker: asker})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/ask", map[string]any{"question": "q"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data orchestrator.Answer `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "an answer", resp.Data.Answer)
}

func TestCorrelationIDMiddleware(t *testing.T) {
	asker := &fakeAsker{}
	srv := newTestServer(t, Config{Asker: asker})

	// Minted when absent.
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/ask", map[string]any{"question": "q"})
	minted := rec.Header().Get("X-Correlation-ID")
	require.NotEmpty(t, minted)
	_, err := uuid.Parse(minted)
	require.NoError(t, err)

	// Honored when supplied, and visible to the handler's context.
	supplied := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/ask", bytes.NewBufferString(`{"question":"q"}`))
	req.Header.Set("X-Correlation-ID", supplied.String())
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, supplied.String(), rec.Header().Get("X-Correlation-ID"))
	assert.Equal(t, supplied, ctxutil.CorrelationID(asker.lastCtx))
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		db         *fakePinger
		retriever  *fakeHealth
		wantStatus int
		wantState  string
	}{
		{"all healthy", &fakePinger{}, &fakeHealth{}, http.StatusOK, "healthy"},
		{"postgres down", &fakePinger{err: errors.New("conn refused")}, &fakeHealth{}, http.StatusServiceUnavailable, "unhealthy"},
		{"retrieval down", &fakePinger{}, &fakeHealth{err: errors.New("qdrant gone")}, http.StatusOK, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, Config{DB: tt.db, Retriever: tt.retriever, Version: "test"})
			rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
			require.Equal(t, tt.wantStatus, rec.Code)

			var resp struct {
				Data healthResponse `json:"data"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantState, resp.Data.Status)
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	stats := dpo.NewStats()
	srv := newTestServer(t, Config{DPOStats: stats})
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data statsResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Data.Selection)
	assert.Zero(t, resp.Data.Selection.PairsCreated)
	assert.Nil(t, resp.Data.SFTStream, "unwired sections are omitted")
}

func TestAskRoutesAbsentWithoutAsker(t *testing.T) {
	srv := newTestServer(t, Config{})
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/ask", map[string]any{"question": "q"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoveryMiddlewareConvertsPanics(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	handler := recoveryMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
