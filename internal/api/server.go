// Package api serves a read-mostly HTTP view of the engine: process records,
// checkpoints, daemon task state and host metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/daemon"
	"github.com/muhrin/aiida-core/internal/diagnostics"
	"github.com/muhrin/aiida-core/internal/logging"
	"github.com/muhrin/aiida-core/internal/persistence"
)

// TaskScheduler is the part of the daemon scheduler the API exposes.
type TaskScheduler interface {
	TaskStates(ctx context.Context) ([]daemon.TaskState, error)
	Tick(ctx context.Context, name string) error
}

// Server provides HTTP endpoints over a backend and its checkpoints.
type Server struct {
	router         chi.Router
	backend        core.Backend
	persister      *persistence.Persister
	scheduler      TaskScheduler
	metrics        *diagnostics.Collector
	logger         *logging.Logger
	allowedOrigins []string
	clock          func() time.Time
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithScheduler exposes daemon task state and manual ticks.
func WithScheduler(sched TaskScheduler) ServerOption {
	return func(s *Server) {
		s.scheduler = sched
	}
}

// WithMetrics exposes host metrics.
func WithMetrics(c *diagnostics.Collector) ServerOption {
	return func(s *Server) {
		s.metrics = c
	}
}

// WithAllowedOrigins sets the CORS origins. An empty list allows every origin.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// NewServer creates a new API server.
func NewServer(backend core.Backend, persister *persistence.Persister, opts ...ServerOption) *Server {
	s := &Server{
		backend:   backend,
		persister: persister,
		logger:    logging.NewNop(),
		clock:     time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/processes", func(r chi.Router) {
			r.Get("/", s.handleListProcesses)
			r.Route("/{pid}", func(r chi.Router) {
				r.Get("/", s.handleGetProcess)
				r.Get("/checkpoint", s.handleGetCheckpoint)
				r.Delete("/checkpoint", s.handleDeleteCheckpoint)
				r.Post("/unlock", s.handleForceUnlock)
			})
		})

		r.Get("/checkpoints", s.handleListCheckpoints)

		r.Route("/daemon", func(r chi.Router) {
			r.Get("/tasks", s.handleListTasks)
			r.Post("/tasks/{task}/tick", s.handleTickTask)
			r.Get("/host", s.handleHostMetrics)
		})
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"storage": s.backend.Engine(),
		"time":    s.clock().UTC().Format(time.RFC3339),
	})
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
