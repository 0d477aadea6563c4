package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kunren/internal/dpo"
	"github.com/ashita-ai/kunren/internal/sink"
)

// Server is the pipeline's HTTP server. The API process wires the ask
// endpoints; the worker process reuses the same server for health and stats.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds the server's dependencies and HTTP settings. Asker, Retriever,
// DB, DPOStats, and the sinks are optional; routes for absent dependencies
// are not registered.
type Config struct {
	Asker     Asker
	Retriever HealthChecker
	DB        Pinger
	DPOStats  *dpo.Stats
	SFTSink   *sink.Writer
	DPOSink   *sink.Writer
	Logger    *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

// New creates an HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Asker:     cfg.Asker,
		Retriever: cfg.Retriever,
		DB:        cfg.DB,
		DPOStats:  cfg.DPOStats,
		SFTSink:   cfg.SFTSink,
		DPOSink:   cfg.DPOSink,
		Logger:    cfg.Logger,
		Version:   cfg.Version,
	})

	mux := http.NewServeMux()

	if cfg.Asker != nil {
		mux.HandleFunc("POST /ask/multi-candidate", h.HandleAskMulti)
		mux.HandleFunc("POST /ask", h.HandleAsk)
	}
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /stats", h.HandleStats)

	// Middleware chain (outermost executes first):
	// correlation ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = correlationIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
