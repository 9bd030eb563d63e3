// Package server provides the NetPilot HTTP API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/calderos/netpilot/internal/alert"
	"github.com/calderos/netpilot/internal/driver"
	"github.com/calderos/netpilot/internal/engine"
	"github.com/calderos/netpilot/internal/health"
	"github.com/calderos/netpilot/internal/inventory"
)

// ReadinessChecker verifies that the server is ready to serve traffic.
// Returns nil if ready, an error describing why not otherwise.
type ReadinessChecker func(ctx context.Context) error

// Deps bundles the components the API exposes.
type Deps struct {
	Inventory  *inventory.Store
	Engine     *engine.Engine
	Scheduler  *engine.Scheduler
	Runs       *engine.RunStore
	Monitor    *health.Monitor
	Snapshots  *health.Store
	Dispatcher *alert.Dispatcher
	Registry   *driver.Registry
	Ready      ReadinessChecker

	// Rate limiting for the API; zero values select 100 rps with burst 200.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server is the NetPilot HTTP server.
type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a Server with middleware and routes.
func New(addr string, deps Deps, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		deps:   deps,
		logger: logger,
		mux:    mux,
	}
	s.registerRoutes()

	rps := deps.RateLimitRPS
	if rps <= 0 {
		rps = 100
	}
	burst := deps.RateLimitBurst
	if burst <= 0 {
		burst = 200
	}

	opsPaths := []string{"/healthz", "/readyz", "/metrics"}
	handler := Chain(mux,
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, opsPaths),
		SecurityHeadersMiddleware,
		RateLimitMiddleware(rps, burst, opsPaths),
	)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // execute-now waits for the device
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// registerRoutes sets up all routes.
func (s *Server) registerRoutes() {
	// Unversioned operational endpoints.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Versioned API endpoints.
	s.mux.HandleFunc("GET /api/v1/devices", s.handleListDevices)
	s.mux.HandleFunc("POST /api/v1/devices", s.handleCreateDevice)
	s.mux.HandleFunc("GET /api/v1/devices/{id}", s.handleGetDevice)
	s.mux.HandleFunc("PUT /api/v1/devices/{id}", s.handleUpdateDevice)
	s.mux.HandleFunc("DELETE /api/v1/devices/{id}", s.handleDeleteDevice)
	s.mux.HandleFunc("POST /api/v1/devices/{id}/execute", s.handleExecuteNow)
	s.mux.HandleFunc("GET /api/v1/devices/{id}/health", s.handleDeviceHealth)
	s.mux.HandleFunc("GET /api/v1/devices/{id}/actions", s.handleDeviceActions)

	s.mux.HandleFunc("GET /api/v1/rules", s.handleListRules)
	s.mux.HandleFunc("POST /api/v1/rules", s.handleCreateRule)
	s.mux.HandleFunc("GET /api/v1/rules/{id}", s.handleGetRule)
	s.mux.HandleFunc("PUT /api/v1/rules/{id}", s.handleUpdateRule)
	s.mux.HandleFunc("DELETE /api/v1/rules/{id}", s.handleDeleteRule)

	s.mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealthStates)
	s.mux.HandleFunc("GET /api/v1/alerts/cooldowns", s.handleCooldowns)
	s.mux.HandleFunc("GET /api/v1/actions", s.handleActions)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the full middleware-wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
