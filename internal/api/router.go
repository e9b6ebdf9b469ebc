/**
 * @description
 * HTTP router setup for the payout service using go-chi/chi. Exposes health and
 * metrics publicly and the operational payout endpoints behind the internal API key.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers payout routes.
func NewRouter(h *Handler, internalKey string, allowedOrigins []string, metricsHandler http.Handler) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Get("/health", h.instrument("/health", h.handleHealth))
		if metricsHandler != nil {
			r.Handle("/metrics", metricsHandler)
		}
	})

	// Runs can outlast any sensible request timeout; handlers detach from client cancellation.
	r.Route("/internal/payouts", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/runs", h.instrument("/internal/payouts/runs", h.handleRunSettlement))
		r.Get("/runs/latest", h.instrument("/internal/payouts/runs/latest", h.handleLatestRun))
		r.Post("/reconcile", h.instrument("/internal/payouts/reconcile", h.handleReconcile))
		r.Post("/requeue-failed", h.instrument("/internal/payouts/requeue-failed", h.handleRequeueFailed))
	})

	return r
}
