package llmproxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Server serves a Proxy over HTTP
type Server struct {
	httpServer *http.Server
	listener   net.Listener // Optional pre-created listener (for systemd socket activation)
	logger     zerolog.Logger
}

// NewServer creates a proxy server. WriteTimeout is left unset so event
// streams can run for as long as upstream keeps them open.
func NewServer(addr string, proxy *Proxy, logger zerolog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           proxy,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With().Str("component", "llm-proxy-server").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the proxy server
func (s *Server) Start() error {
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Starting LLM proxy server")
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated proxy listener")
			err = s.httpServer.Serve(s.listener)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("LLM proxy server error: %w", err)
		}
	}()

	// Wait a bit to ensure the server started
	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop stops the proxy server, letting in-flight streams finish for up to 5 seconds
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping LLM proxy server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("LLM proxy server shutdown error: %w", err)
	}
	return nil
}
