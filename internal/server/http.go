// Package server exposes the web front-end's HTTP surface: the login,
// logout, and third-party handshake endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/outmoded/postmile-web/internal/log"
)

// HTTPServer wraps http.Server with managed startup and graceful shutdown
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer creates a server for the given address and handler
func NewHTTPServer(addr string, handler http.Handler) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Start runs the server and reports its exit on errCh
func (s *HTTPServer) Start(errCh chan<- error) {
	go func() {
		log.LogInfoWithFields("server", "HTTP server listening", map[string]any{
			"addr": s.server.Addr,
		})
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
}

// Stop shuts the server down gracefully within the context deadline
func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
