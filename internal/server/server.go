package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/fibersched/internal/config"
	"github.com/me/fibersched/internal/runner"
	"github.com/me/fibersched/internal/store"
)

// maxWorkloadBytes bounds the body of POST /runs.
const maxWorkloadBytes = 1 << 20

// Server is the fibersched trace API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	store     store.Store
	runner    *runner.Runner  // optional; POST /runs is unavailable without it
	sweeper   *runner.Sweeper // optional; background trace cleanup
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithRunner lets clients execute workloads through the API.
func WithRunner(rn *runner.Runner) Option {
	return func(s *Server) {
		s.runner = rn
	}
}

// WithSweeper attaches a trace sweeper started by StartSweeper.
func WithSweeper(sw *runner.Sweeper) Option {
	return func(s *Server) {
		s.sweeper = sw
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, st store.Store, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// StartSweeper begins the sweep loop in a background goroutine.
func (s *Server) StartSweeper(ctx context.Context) {
	if s.sweeper == nil {
		return
	}
	go func() {
		if err := s.sweeper.Start(ctx); err != nil && err != context.Canceled {
			s.logger.Error("sweeper stopped", "error", err)
		}
	}()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleCreateRun)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Delete("/", s.handleDeleteRun)
				r.Get("/events", s.handleListEvents)
			})
		})
	})
}
