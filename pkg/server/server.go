// Package server provides the HTTP surface of the balancer: the
// OpenAI-compatible inference routes, the admin API, and the Prometheus
// metrics endpoint.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gantry-hq/gantry/pkg/admission"
	"gantry-hq/gantry/pkg/config"
	"gantry-hq/gantry/pkg/dispatch"
	"gantry-hq/gantry/pkg/health"
	"gantry-hq/gantry/pkg/registry"
	"gantry-hq/gantry/pkg/server/middleware"
	"gantry-hq/gantry/pkg/storage"
	"gantry-hq/gantry/pkg/tps"
)

// Deps carries the balancer components the server fronts.
type Deps struct {
	Registry   *registry.Registry
	Monitor    *health.Monitor
	Gate       *admission.Gate
	Dispatcher *dispatch.Dispatcher
	Tracker    *tps.Tracker
	History    *dispatch.History
	Stats      storage.StatsStore
}

// Server is the balancer's HTTP server.
type Server struct {
	config       config.ServerConfig
	drainTimeout time.Duration

	registry   *registry.Registry
	monitor    *health.Monitor
	gate       *admission.Gate
	dispatcher *dispatch.Dispatcher
	tracker    *tps.Tracker
	history    *dispatch.History
	stats      storage.StatsStore

	httpServer   *http.Server
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
}

// New creates the HTTP server around an assembled balancer.
func New(cfg config.ServerConfig, drainTimeout time.Duration, deps Deps) *Server {
	return &Server{
		config:       cfg,
		drainTimeout: drainTimeout,
		registry:     deps.Registry,
		monitor:      deps.Monitor,
		gate:         deps.Gate,
		dispatcher:   deps.Dispatcher,
		tracker:      deps.Tracker,
		history:      deps.History,
		stats:        deps.Stats,
		shutdownChan: make(chan struct{}),
	}
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddress,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("starting server", "address", s.config.ListenAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		slog.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig.String())
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	case <-s.shutdownChan:
		slog.Info("shutdown requested")
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		slog.Info("initiating graceful shutdown", "timeout", s.config.ShutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("error during server shutdown", "error", err)
				shutdownErr = fmt.Errorf("server shutdown error: %w", err)
			}
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		slog.Info("server stopped")
	})

	return shutdownErr
}

// Handler builds the route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// OpenAI-compatible surface.
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/completions", s.handleCompletions)
	mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("GET /v1/models", s.handleListModels)

	// Admin surface.
	mux.HandleFunc("GET /admin/endpoints", s.handleListEndpoints)
	mux.HandleFunc("POST /admin/endpoints", s.handleRegisterEndpoint)
	mux.HandleFunc("GET /admin/endpoints/{id}", s.handleGetEndpoint)
	mux.HandleFunc("DELETE /admin/endpoints/{id}", s.handleDeleteEndpoint)
	mux.HandleFunc("POST /admin/endpoints/{id}/reset", s.handleResetEndpoint)
	mux.HandleFunc("POST /admin/endpoints/{id}/check", s.handleCheckEndpoint)
	mux.HandleFunc("POST /admin/endpoints/{id}/drain", s.handleDrainEndpoint)
	mux.HandleFunc("PUT /admin/endpoints/{id}/concurrency", s.handleSetConcurrency)
	mux.HandleFunc("GET /admin/endpoints/{id}/health", s.handleEndpointHealth)
	mux.HandleFunc("GET /admin/summary", s.handleSummary)
	mux.HandleFunc("GET /admin/history", s.handleHistory)

	// Operational surface.
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.handleHealthz)

	var handler http.Handler = mux
	handler = middleware.Logging(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(handler)

	return handler
}

// handleHealthz reports liveness of the balancer itself, not of any
// upstream endpoint.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
