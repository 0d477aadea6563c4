package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kunren/internal/ctxutil"
	"github.com/ashita-ai/kunren/internal/dpo"
	"github.com/ashita-ai/kunren/internal/orchestrator"
	"github.com/ashita-ai/kunren/internal/retrieval"
	"github.com/ashita-ai/kunren/internal/sink"
)

// Asker is the orchestrator surface the handlers call.
type Asker interface {
	AskMulti(ctx context.Context, question string, n int) (orchestrator.MultiAnswer, error)
	Ask(ctx context.Context, question string) (orchestrator.Answer, error)
}

// HealthChecker reports backend liveness. Both retriever backends satisfy it.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Handlers holds handler dependencies. Optional fields are nil-safe; a nil
// dependency disables its endpoint section.
type Handlers struct {
	asker     Asker
	retriever HealthChecker
	db        Pinger
	dpoStats  *dpo.Stats
	sftSink   *sink.Writer
	dpoSink   *sink.Writer
	logger    *slog.Logger
	version   string
	startedAt time.Time
}

// Pinger is the storage liveness surface (pgxpool.Pool.Ping).
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandlersDeps configures Handlers.
type HandlersDeps struct {
	Asker     Asker
	Retriever HealthChecker
	DB        Pinger
	DPOStats  *dpo.Stats
	SFTSink   *sink.Writer
	DPOSink   *sink.Writer
	Logger    *slog.Logger
	Version   string
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		asker:     deps.Asker,
		retriever: deps.Retriever,
		db:        deps.DB,
		dpoStats:  deps.DPOStats,
		sftSink:   deps.SFTSink,
		dpoSink:   deps.DPOSink,
		logger:    deps.Logger,
		version:   deps.Version,
		startedAt: time.Now(),
	}
}

type askRequest struct {
	Question      string `json:"question"`
	NumCandidates int    `json:"num_candidates,omitempty"`
}

// HandleAskMulti handles POST /ask/multi-candidate.
func (h *Handlers) HandleAskMulti(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
		return
	}

	resp, err := h.asker.AskMulti(r.Context(), req.Question, req.NumCandidates)
	if err != nil {
		h.writeAskError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleAsk handles POST /ask: one answer, nothing published.
func (h *Handlers) HandleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
		return
	}

	resp, err := h.asker.Ask(r.Context(), req.Question)
	if err != nil {
		h.writeAskError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// writeAskError maps orchestrator errors onto HTTP statuses: validation
// failures are the caller's fault, an unavailable backend is 503, anything
// else is a 502 from the generation path.
func (h *Handlers) writeAskError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyQuestion),
		errors.Is(err, orchestrator.ErrQuestionTooLong),
		errors.Is(err, orchestrator.ErrTooManyCandidates):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, retrieval.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "retrieval_unavailable", "retrieval backend unavailable")
	default:
		h.logger.Error("ask failed",
			"error", err, "correlation_id", ctxutil.CorrelationID(r.Context()))
		writeError(w, r, http.StatusBadGateway, "generation_failed", "failed to produce an answer")
	}
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Postgres  string `json:"postgres,omitempty"`
	Retrieval string `json:"retrieval,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Version: h.version,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if h.db != nil {
		resp.Postgres = "connected"
		if err := h.db.Ping(r.Context()); err != nil {
			resp.Postgres = "disconnected"
			resp.Status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	if h.retriever != nil {
		resp.Retrieval = "connected"
		if err := h.retriever.Healthy(r.Context()); err != nil {
			resp.Retrieval = "disconnected"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

type statsResponse struct {
	Selection *dpo.Snapshot `json:"selection,omitempty"`
	SFTStream *sink.Stats   `json:"sft_stream,omitempty"`
	DPOStream *sink.Stats   `json:"dpo_stream,omitempty"`
}

// HandleStats handles GET /stats: selector counters plus per-stream file
// statistics. Sections not wired into this process are omitted.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse

	if h.dpoStats != nil {
		snap := h.dpoStats.Snapshot()
		resp.Selection = &snap
	}
	if h.sftSink != nil {
		if stats, err := h.sftSink.Stat(); err == nil {
			resp.SFTStream = &stats
		} else {
			h.logger.Warn("stats: sft stream stat failed", "error", err)
		}
	}
	if h.dpoSink != nil {
		if stats, err := h.dpoSink.Stat(); err == nil {
			resp.DPOStream = &stats
		} else {
			h.logger.Warn("stats: dpo stream stat failed", "error", err)
		}
	}

	writeJSON(w, r, http.StatusOK, resp)
}
