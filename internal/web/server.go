// Package web exposes the job manager over a JSON HTTP API.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/justestif/go-scrobblescope/internal/config"
	"github.com/justestif/go-scrobblescope/internal/jobs"
	"github.com/justestif/go-scrobblescope/internal/logging"
	"github.com/justestif/go-scrobblescope/internal/unmatched"
)

// JobService is the part of jobs.Manager the API serves.
type JobService interface {
	Start(ctx context.Context, p jobs.Params) (jobs.Handle, error)
	Status(h jobs.Handle) (jobs.Status, error)
	Latest() jobs.Status
	Result(p jobs.Params) (*jobs.Result, error)
	Unmatched(h jobs.Handle) (unmatched.Report, error)
	LatestUnmatched() unmatched.Report
	Cancel(h jobs.Handle) error
	Reset()
}

// Server is the HTTP server for the API.
type Server struct {
	router   chi.Router
	server   *http.Server
	handlers *Handlers
	logger   *log.Logger
	shutdown time.Duration
}

// NewServer creates a server for svc.
func NewServer(cfg config.ServerConfig, svc JobService, logger *log.Logger) *Server {
	logger = logging.Component(logger, "web")
	router := chi.NewRouter()

	s := &Server{
		router:   router,
		handlers: NewHandlers(svc, logger),
		logger:   logger,
		shutdown: cfg.ShutdownTimeout,
	}

	s.setupMiddleware(cfg)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupMiddleware configures middleware for the router.
func (s *Server) setupMiddleware(cfg config.ServerConfig) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
	if cfg.RequestsPerMinute > 0 {
		s.router.Use(httprate.LimitByIP(cfg.RequestsPerMinute, time.Minute))
	}
}

// setupRoutes configures routes for the API.
func (s *Server) setupRoutes() {
	h := s.handlers

	s.router.Get("/healthz", h.Health)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/jobs", h.StartJob)
		r.Get("/jobs/{handle}", h.JobStatus)
		r.Post("/jobs/{handle}/cancel", h.CancelJob)
		r.Get("/jobs/{handle}/unmatched", h.JobUnmatched)

		r.Get("/progress", h.Progress)
		r.Post("/progress/reset", h.ResetProgress)

		r.Get("/results", h.Results)
		r.Get("/unmatched", h.LatestUnmatched)
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
