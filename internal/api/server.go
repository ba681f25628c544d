// Package api serves the usage ingest and alert control HTTP API.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goodtune/foresee/internal/metrics"
	"github.com/goodtune/foresee/internal/storage"
	"github.com/goodtune/foresee/internal/usage"
	"github.com/rs/zerolog"
)

// maxRequestBytes caps a usage report body
const maxRequestBytes = 1 << 20

// Controller is the part of the usage monitor the API drives
type Controller interface {
	Poll(ctx context.Context) (*usage.PollResult, error)
	Snooze(ctx context.Context, appID string) (*storage.AlertState, error)
	Reset(ctx context.Context, appID string) (*storage.AlertState, error)
}

// Server represents the API HTTP server.
type Server struct {
	store      storage.Store
	controller Controller
	router     chi.Router
	server     *http.Server
	listener   net.Listener // Optional pre-created listener (for systemd socket activation)
	logger     zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(addr string, store storage.Store, controller Controller, logger zerolog.Logger) *Server {
	s := &Server{
		store:      store,
		controller: controller,
		router:     chi.NewRouter(),
		logger:     logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(metrics.Middleware("api"))

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no such route")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("%s not allowed on %s", r.Method, r.URL.Path))
	})

	s.router.Get("/healthz", s.handleHealth)

	usageHandler := NewUsageHandler(s.store.Usage(), s.logger)
	alertsHandler := NewAlertsHandler(s.store.Alerts(), s.controller, s.logger)

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/usage", usageHandler.Report)
		r.Post("/poll", alertsHandler.Poll)

		r.Get("/alerts", alertsHandler.List)
		r.Get("/alerts/{appID}", alertsHandler.Get)
		r.Post("/alerts/{appID}/snooze", alertsHandler.Snooze)
		r.Post("/alerts/{appID}/reset", alertsHandler.Reset)
	})
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("API server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Storage health check failed")
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
