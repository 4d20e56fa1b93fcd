package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the status API on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		r.Get("/workflows", h.ListWorkflows)
		r.Post("/workflows", h.StartWorkflow)
		r.Get("/workflows/{id}", h.GetWorkflow)
		r.Post("/workflows/{id}/cancel", h.CancelWorkflow)
		r.Delete("/workflows/{id}", h.DrainWorkflow)

		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/counts", h.SessionCounts)

		r.Get("/alerts", h.ListAlerts)
		r.Post("/alerts/{id}/resolve", h.ResolveAlert)

		r.Post("/signals/market", h.RecordMarketSignal)
	})

	r.Get("/ws", h.Hub.HandleWS)
}
