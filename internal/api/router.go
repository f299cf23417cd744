package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the HTTP surface over the queue.
func NewRouter(handler *QueueHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Route("/segmentation", func(r chi.Router) {
			r.Post("/batch", handler.SubmitBatch)
			r.Delete("/project/{projectID}", handler.CancelProject)
			r.Delete("/batch/{batchTag}", handler.CancelBatch)
		})
		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", handler.GetStats)
			r.Get("/health", handler.GetHealth)
		})
	})

	return r
}
