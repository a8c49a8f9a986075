package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the HTTP router for the orchestrator: task routes, batch
// controls, progress snapshot, event stream, health check and Prometheus
// metrics.
func NewRouter(orch Orchestrator, validator BatchValidator, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	h := NewTaskHandler(orch, validator, logger)

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.CreateTask)
		r.Get("/", h.ListTasks)
		r.Post("/batch", h.CreateBatch)
		r.Get("/{taskID}", h.GetTask)
		r.Delete("/{taskID}", h.DrainTask)
		r.Post("/{taskID}/{action}", h.ControlTask)
	})

	r.Route("/batch", func(r chi.Router) {
		r.Post("/drain", h.DrainAll)
		r.Post("/{action}", h.ControlAll)
	})

	r.Get("/snapshot", h.Snapshot)
	r.Get("/events", h.Events)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
