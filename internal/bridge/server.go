package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/shardline/internal/connection"
	"github.com/mattjoyce/shardline/internal/gateway"
)

// Server is the bridge HTTP server.
type Server struct {
	config Config
	gw     Gateway
	logger *slog.Logger
	server *http.Server
}

// New creates a bridge server.
func New(config Config, gw Gateway, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	return &Server{
		config: config,
		gw:     gw,
		logger: logger.With("component", "bridge"),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Bridge server starting", "listen", s.config.Listen, "signature_header", s.config.SignatureHeader)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Bridge server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("bridge server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("bridge server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.verifyMiddleware)

	r.Post("/connections/{id}/ready", s.handleReady)
	r.Post("/connections/{id}/drop", s.handleDrop)
	r.Post("/invocations", s.handleInvocation)
	return r
}

// loggingMiddleware logs requests without their bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("Bridge request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// verifyMiddleware enforces the body limit and the HMAC signature, then
// hands the buffered body on.
func (s *Server) verifyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, "failed to read request body")
			return
		}
		if int64(len(body)) > s.config.MaxBodySize {
			s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}

		if err := verifySignature(body, r.Header.Get(s.config.SignatureHeader), s.config.Secret); err != nil {
			s.logger.Warn("Bridge signature rejected", "path", r.URL.Path, "header", s.config.SignatureHeader)
			s.respondError(w, http.StatusForbidden, "forbidden")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	id, ok := s.connectionID(w, r)
	if !ok {
		return
	}
	var req ReadyRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.gw.OnConnectionReady(connection.NewWorker(id, req.Labels...))
	s.logger.Debug("Ready notification", "connection_id", id, "labels", req.Labels)
	s.respondJSON(w, http.StatusAccepted, ReadyResponse{ConnectionID: id})
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	id, ok := s.connectionID(w, r)
	if !ok {
		return
	}
	dropped := s.gw.OnConnectionDropped(id)
	s.logger.Debug("Drop notification", "connection_id", id, "known", dropped)
	s.respondJSON(w, http.StatusOK, DropResponse{ConnectionID: id, Dropped: dropped})
}

func (s *Server) handleInvocation(w http.ResponseWriter, r *http.Request) {
	var req InvocationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Command == "" {
		s.respondError(w, http.StatusBadRequest, "command is required")
		return
	}

	in := gateway.Inbound{
		Command:      req.Command,
		ActorID:      req.ActorID,
		CollectiveID: req.CollectiveID,
	}
	if req.CreatedAt != nil {
		in.CreatedAt = *req.CreatedAt
	}

	// The run outlives the request; the dispatcher detaches from ctx.
	exec, err := s.gw.OnInvocation(r.Context(), in)
	switch {
	case errors.Is(err, gateway.ErrUnknownCommand):
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.respondJSON(w, http.StatusAccepted, InvocationAccepted{InvocationID: exec.Invocation().ID})
}

func (s *Server) connectionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "connection id must be an integer")
		return 0, false
	}
	return id, true
}

// decode reads a JSON body. An empty body leaves v untouched.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
