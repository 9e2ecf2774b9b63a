// Package server exposes the engine over HTTP: task submission (sync and
// async), task inspection, workflow discovery, and operational endpoints.
// Every business response travels in the {success, data|error, timestamp}
// envelope; /metrics speaks the Prometheus text format.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/queue"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
)

// Server is the HTTP API.
type Server struct {
	store    store.Store
	registry *registry.Registry
	sync     *executor.Sync
	queue    queue.Queue
	logger   *slog.Logger

	httpServer *http.Server
}

// New wires the API server. queue may be nil when async mode is not
// deployed; async submissions then fail with a validation error.
func New(st store.Store, reg *registry.Registry, sync *executor.Sync, q queue.Queue, corsOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: st, registry: reg, sync: sync, queue: q, logger: logger}
	s.httpServer = &http.Server{
		Handler:           s.routes(corsOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler; tests mount it on httptest servers.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer.Addr = addr
	s.logger.Info("http server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}).Handler)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Get("/", s.handleListTasks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Get("/status", s.handleTaskStatus)
				r.Get("/result", s.handleTaskResult)
				r.Post("/retry", s.handleRetryTask)
				r.Delete("/", s.handleCancelTask)
			})
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleListWorkflows)
			r.Get("/{type}", s.handleGetWorkflow)
		})
	})

	return r
}

// logRequests records one structured line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration_ms", time.Since(start).Milliseconds(),
			"requestId", middleware.GetReqID(r.Context()))
	})
}
