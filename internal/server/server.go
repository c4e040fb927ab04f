// Package server exposes the reporting API, Prometheus metrics and health probes
// over HTTP.
//
// Shutdown is graceful: readiness starts failing, keep-alives are disabled and
// in-flight requests drain up to ShutdownTimeout.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/felixgeelhaar/foundry/internal/health"
	"github.com/felixgeelhaar/foundry/internal/log"
)

// Server provides HTTP server functionality with health endpoints.
type Server struct {
	httpServer      *http.Server
	probeManager    *health.ProbeManager
	inShutdown      atomic.Bool
	shutdownTimeout time.Duration
	logger          *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Address is the listen address (e.g., ":8080", "0.0.0.0:8080")
	Address string

	// ShutdownTimeout is the maximum time to wait for connections to drain during shutdown.
	// Defaults to 30 seconds if not specified.
	ShutdownTimeout time.Duration

	// ReadTimeout is the maximum duration for reading the entire request.
	// Defaults to 10 seconds if not specified.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	// Defaults to 10 seconds if not specified.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum amount of time to wait for the next request.
	// Defaults to 60 seconds if not specified.
	IdleTimeout time.Duration

	// Metrics serves /metrics when set
	Metrics http.Handler

	// Logger records one line per request. Defaults to the global logger.
	Logger *log.Logger
}

// NewServer creates a server with health endpoints, mounting api under /v1 when it is not nil.
func NewServer(probeManager *health.ProbeManager, api *API, cfg Config) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.L()
	}

	s := &Server{
		probeManager:    probeManager,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, s.logRequests, middleware.Recoverer)

	r.Get("/health/live", s.handleLiveness)
	r.Get("/health/ready", s.handleReadiness)
	r.Get("/health/startup", s.handleStartup)
	r.Get("/healthz", s.handleReadiness)

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	if api != nil {
		r.Mount("/v1", api.Routes())
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and serves until shutdown.
// Returns http.ErrServerClosed when the server is shut down gracefully.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until shutdown
func (s *Server) Serve(ln net.Listener) error {
	s.probeManager.MarkInitialized()
	s.logger.Info("http server listening", "address", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown marks the server as shutting down so readiness fails, stops keep-alives
// and waits for in-flight requests up to ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.probeManager.MarkShutdown()

	s.httpServer.SetKeepAlivesEnabled(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// IsShuttingDown returns whether the server is shutting down.
func (s *Server) IsShuttingDown() bool {
	return s.inShutdown.Load()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeProbeResponse is a helper function to write probe responses with consistent error handling.
func (s *Server) writeProbeResponse(w http.ResponseWriter, result *health.ProbeResult, unhealthyStatus int) {
	w.Header().Set("Content-Type", "application/json")

	if result.Status == health.StatusUnhealthy {
		w.WriteHeader(unhealthyStatus)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if err := json.NewEncoder(w).Encode(result); err != nil {
		http.Error(w, fmt.Sprintf("Failed to encode response: %v", err), http.StatusInternalServerError)
	}
}

// handleLiveness serves GET /health/live. Liveness stays 200 during shutdown.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	result := s.probeManager.CheckLiveness(r.Context())
	s.writeProbeResponse(w, result, http.StatusOK)
}

// handleReadiness serves GET /health/ready: 503 while shutting down or when a
// dependency is unhealthy.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	result := s.probeManager.CheckReadiness(r.Context())
	s.writeProbeResponse(w, result, http.StatusServiceUnavailable)
}

// handleStartup serves GET /health/startup: 503 until the server has started.
func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	result := s.probeManager.CheckStartup(r.Context())
	s.writeProbeResponse(w, result, http.StatusServiceUnavailable)
}
