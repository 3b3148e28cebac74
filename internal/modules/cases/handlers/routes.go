package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts case routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/cases", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Get("/{id}", h.HandleGet)
		r.Get("/{id}/timeline", h.HandleTimeline)
		r.Post("/{id}/status", h.HandleUpdateStatus)
		r.Post("/{id}/note", h.HandleAddNote)
		r.Post("/{id}/attach-ledger-anchor", h.HandleAttachAnchor)
		r.Post("/{id}/detach-ledger-anchor", h.HandleDetachAnchor)
	})
}
