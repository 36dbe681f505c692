// Package httptransport is the thin HTTP surface over the custody services.
// Handlers decode, delegate, and translate coded errors; no business logic
// lives here.
package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"custodia/pkg/platform/middleware/requestid"
	"custodia/pkg/platform/middleware/requesttime"
)

// NewRouter mounts all custody endpoints plus health and metrics.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(requestid.Middleware)
	r.Use(requesttime.Middleware)
	r.Use(chimw.Recoverer)

	r.Route("/custody", func(r chi.Router) {
		r.Post("/transfers", h.HandleRecordTransfer)
		r.Get("/chains/{parcelId}", h.HandleGetChain)
		r.Get("/records/{id}/verify", h.HandleVerifyRecord)

		r.Route("/queue", func(r chi.Router) {
			r.Post("/drain", h.HandleTriggerDrain)
			r.Get("/stats", h.HandleQueueStats)
			r.Get("/interventions", h.HandleInterventions)
			r.Post("/items/{id}/retry", h.HandleForceRetry)
			r.Delete("/completed", h.HandleCleanupCompleted)
		})
	})

	r.Get("/health", h.HandleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
