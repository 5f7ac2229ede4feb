package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")

	// Prometheus metrics
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.handlers.RateLimitMiddleware)

	// Run management
	api.HandleFunc("/runs", s.handlers.CreateRun).Methods("POST")
	api.HandleFunc("/runs", s.handlers.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/cancel", s.handlers.CancelRun).Methods("POST")
	api.HandleFunc("/runs/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// Pipeline validation
	api.HandleFunc("/pipelines/validate", s.handlers.ValidatePipeline).Methods("POST")

	// Job management
	api.HandleFunc("/jobs", s.handlers.EnqueueJob).Methods("POST")
	api.HandleFunc("/jobs", s.handlers.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handlers.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handlers.CancelJob).Methods("DELETE")
	api.HandleFunc("/jobs/{id}/cancel", s.handlers.CancelJob).Methods("POST")

	// Queue control
	api.HandleFunc("/queue", s.handlers.QueueStatus).Methods("GET")
	api.HandleFunc("/queue/pause", s.handlers.PauseQueue).Methods("POST")
	api.HandleFunc("/queue/resume", s.handlers.ResumeQueue).Methods("POST")

	// Dead letters
	api.HandleFunc("/deadletter", s.handlers.ListDeadLetters).Methods("GET")
	api.HandleFunc("/deadletter", s.handlers.PurgeDeadLetters).Methods("DELETE")
	api.HandleFunc("/deadletter/{id}/retry", s.handlers.RetryDeadLetter).Methods("POST")

	// Monitoring and diagnostics
	api.HandleFunc("/monitor/health", s.handlers.MonitorHealth).Methods("GET")
	api.HandleFunc("/alerts", s.handlers.ListAlerts).Methods("GET")
	api.HandleFunc("/alerts/{id}/resolve", s.handlers.ResolveAlert).Methods("POST")
	api.HandleFunc("/engine/stats", s.handlers.EngineStats).Methods("GET")
	api.HandleFunc("/providers", s.handlers.ListProviders).Methods("GET")

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
}
