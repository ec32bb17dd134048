// Package api serves a read-only HTTP view of runs, failure patterns and
// the port pool, plus a live event stream of phase progress.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/knowledge"
	"github.com/hochfrequenz/adw-orchestrator/internal/metrics"
	"github.com/hochfrequenz/adw-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/adw-orchestrator/internal/workspace"
)

// RunStore lists persisted runs
type RunStore interface {
	List() ([]*domain.Run, error)
	Load(runID string) (*domain.Run, error)
}

// PatternStore lists failure patterns
type PatternStore interface {
	List(ctx context.Context, opts knowledge.ListOptions) ([]*domain.FailurePattern, error)
	Get(ctx context.Context, id string) (*domain.FailurePattern, error)
}

// Server is the HTTP API server
type Server struct {
	runs     RunStore
	patterns PatternStore
	pool     workspace.Pool
	metrics  *metrics.Metrics
	logger   *slog.Logger
	addr     string
	mux      *http.ServeMux
	sseHub   *SSEHub
}

// NewServer creates a new API server. patterns and m may be nil.
func NewServer(runs RunStore, patterns PatternStore, pool workspace.Pool, m *metrics.Metrics, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		runs:     runs,
		patterns: patterns,
		pool:     pool,
		metrics:  m,
		logger:   logger,
		addr:     addr,
		mux:      http.NewServeMux(),
		sseHub:   NewSSEHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/runs", s.listRunsHandler())
	s.mux.HandleFunc("GET /api/runs/{id}", s.getRunHandler())
	s.mux.HandleFunc("GET /api/patterns", s.listPatternsHandler())
	s.mux.HandleFunc("GET /api/patterns/{id}", s.getPatternHandler())
	s.mux.HandleFunc("GET /api/pool", s.poolHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	go s.sseHub.Run(ctx)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("api listening", "addr", s.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

// EventSink forwards orchestrator events to the SSE clients
func (s *Server) EventSink() func(pipeline.Event) {
	return func(e pipeline.Event) {
		s.Broadcast(SSEEvent{Type: string(e.Type), Data: e})
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
