package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

func NewRouter(h *NotifyHandler, metricsHandler http.Handler, requestTimeout time.Duration, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Route("/api", func(r chi.Router) {
		r.Get("/vapidPublicKey", h.VapidPublicKey)
		r.Post("/subscribe", h.Subscribe)
		r.Post("/schedule", h.Schedule)
		r.Delete("/schedule/{id}", h.CancelSchedule)
		r.Get("/health", h.Health)
		r.Get("/metrics", h.Metrics)

		r.NotFound(h.APINotFound)
		r.MethodNotAllowed(h.APINotFound)
	})

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	return r
}
