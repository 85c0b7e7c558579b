package api

import (
	"log/slog"
	"net/http"

	apiMiddleware "github.com/ICIJ/datashare-sub004/internal/api/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter registers the task routes of h. metrics, when not nil, is served
// on /metrics.
func NewRouter(h *TaskHandler, metrics http.Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", h.ListTasks)
		r.Post("/tasks", h.StartTask)
		r.Put("/tasks/stopAll", h.StopAllTasks)
		r.Delete("/tasks/done", h.ClearDoneTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Put("/tasks/{id}/stop", h.StopTask)
		r.Delete("/tasks/{id}", h.ClearTask)
		r.Get("/runs/{runID}/progress", h.RunProgress)
		r.Put("/workers/shutdown", h.ShutdownWorkers)
	})

	r.Get("/health", h.Health)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	return r
}
