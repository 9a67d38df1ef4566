// Package http provides the status server of the evolver: health checks, Prometheus
// metrics, run status and a WebSocket feed of evolver events.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/db/repository"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
	"github.com/saltfish/freqsearch/go-evolver/internal/orchestrator"
)

// HealthChecker reports whether a backing service can serve queries.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RunView is the read side of the running orchestrator.
type RunView interface {
	Status() orchestrator.Status
	Champion() (domain.Champion, bool)
	HallOfFame() []domain.IterationRecord
	Lineage() []domain.LineageEntry
}

// Options configures a Server. Database, Repos, Metrics and Hub are optional.
type Options struct {
	Address  string
	Version  string
	Run      RunView
	Database HealthChecker
	Repos    *repository.Repositories
	Metrics  http.Handler
	Hub      *Hub
}

// Server provides HTTP endpoints for health checks, metrics and run status.
type Server struct {
	server   *http.Server
	database HealthChecker
	version  string
	hub      *Hub
	logger   *zap.Logger
}

// NewServer creates a new HTTP server.
func NewServer(opts Options, logger *zap.Logger) *Server {
	s := &Server{
		database: opts.Database,
		version:  opts.Version,
		hub:      opts.Hub,
		logger:   logger,
	}
	h := NewHandler(opts.Run, opts.Repos, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	mux.HandleFunc("GET /status", h.GetStatus)
	mux.HandleFunc("GET /champion", h.GetChampion)
	mux.HandleFunc("GET /champion/lineage", h.GetLineage)
	mux.HandleFunc("GET /hall-of-fame", h.GetHallOfFame)
	mux.HandleFunc("GET /iterations/{iteration}", h.GetIteration)
	mux.HandleFunc("GET /iterations/top", h.GetTopValidated)
	mux.HandleFunc("GET /runs/latest", h.GetLatestRun)
	mux.HandleFunc("GET /runs/{id}", h.GetRun)

	if s.hub != nil {
		mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
			s.hub.ServeWS(w, r, opts.Run, logger)
		})
	}

	s.server = &http.Server{
		Addr:         opts.Address,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Stop.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("address", s.server.Addr))
	if s.hub != nil {
		go s.hub.Run()
	}
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	if s.hub != nil {
		s.hub.Shutdown()
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services"`
}

// handleHealth handles the /health endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:   "healthy",
		Version:  s.version,
		Services: make(map[string]string),
	}

	if s.database == nil {
		response.Services["postgres"] = "not configured"
	} else if err := s.database.HealthCheck(ctx); err != nil {
		response.Services["postgres"] = "unhealthy: " + err.Error()
		response.Status = "unhealthy"
	} else {
		response.Services["postgres"] = "healthy"
	}

	if s.hub != nil {
		response.Services["websocket"] = "healthy"
	} else {
		response.Services["websocket"] = "not configured"
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// handleLiveness handles /health/live. It answers as long as the process serves HTTP.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// handleReadiness handles /health/ready.
// Without a database the evolver only depends on its history file and is always ready.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if s.database != nil {
		if err := s.database.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "not ready",
				"reason": "database unavailable: " + err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
