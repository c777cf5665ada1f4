// Package api serves the read-only ops endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/shardline/internal/connection"
	"github.com/mattjoyce/shardline/internal/events"
	"github.com/mattjoyce/shardline/internal/journal"
	"github.com/mattjoyce/shardline/internal/router"
)

// Gateway is the view of the running gateway the API reports on.
type Gateway interface {
	Connections() []connection.Connection
	RouterStats() router.Stats
	Commands() []string
	Uptime() time.Duration
}

// JournalReader lists recent dispatch outcomes.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is a single bearer token. Empty disables auth.
	APIKey string
}

// Server is the ops HTTP server.
type Server struct {
	config  Config
	gateway Gateway
	journal JournalReader
	events  *events.Hub
	logger  *slog.Logger
	server  *http.Server
}

// New creates a Server. journal and hub may be nil; their endpoints then
// answer 404.
func New(config Config, gw Gateway, jr JournalReader, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:  config,
		gateway: gw,
		journal: jr,
		events:  hub,
		logger:  logger.With("component", "api"),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.config.APIKey != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler builds the routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/connections", s.handleConnections)
		r.Get("/router/stats", s.handleRouterStats)
		r.Get("/journal", s.handleJournal)
		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
