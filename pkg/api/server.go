// Package api exposes the orchestration engine over HTTP: task submission,
// queries, cancellation, and server-sent progress events.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/taskforge/taskforge/pkg/config"
	"github.com/taskforge/taskforge/pkg/engine"
	"github.com/taskforge/taskforge/pkg/stores"
	"github.com/taskforge/taskforge/pkg/telemetry"
)

// Deps are the collaborators the HTTP layer exposes.
type Deps struct {
	Dispatcher *engine.Dispatcher
	Registry   *engine.Registry
	Events     *engine.Broadcaster

	// Archive is optional; nil disables the history endpoints' fallback
	// and the health check's database probe.
	Archive *stores.SQLiteStore

	Metrics *telemetry.Metrics
	Logger  *telemetry.Logger
}

// Server is the HTTP front end.
type Server struct {
	http *http.Server
	deps Deps
	log  *telemetry.Logger
}

// NewServer builds the router and the underlying http.Server.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	log = log.NewComponentLogger("api")

	s := &Server{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleSubmit)
		r.Get("/tasks", s.handleList)
		r.Get("/tasks/{id}", s.handleGet)
		r.Delete("/tasks/{id}", s.handleCancel)
		r.Get("/tasks/{id}/events", s.handleTaskEvents)
		r.Get("/tasks/{id}/history", s.handleTaskHistory)
		r.Get("/events", s.handleAllEvents)
		r.Get("/agents", s.handleAgents)
	})

	s.http = &http.Server{
		Addr:        cfg.Addr,
		Handler:     r,
		ReadTimeout: cfg.ReadTimeout,
		// WriteTimeout stays zero so SSE streams are not cut off.
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Infof("http server listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
