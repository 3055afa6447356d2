package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/app"
)

// Server manages the HTTP server and routes.
type Server struct {
	app    *app.App
	logger arbor.ILogger
	router *http.ServeMux
	server *http.Server

	apiKey           string
	requireAuth      bool
	maxContentLength int64
	limiter          *rateLimiter
}

// New creates a new HTTP server with the given app.
func New(application *app.App) *Server {
	cfg := application.Config
	s := &Server{
		app:              application,
		logger:           application.Logger,
		apiKey:           cfg.Auth.APIKey,
		requireAuth:      cfg.Auth.Require,
		maxContentLength: cfg.Server.MaxContentLength,
		limiter:          newRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	}

	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withMiddleware(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Downloads served from /files can be large and slow
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().
		Str("address", s.server.Addr).
		Bool("auth", s.requireAuth).
		Msg("HTTP server starting")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}
