package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts action routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/actions/{business_id}", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/refresh", h.HandleRefresh)
		r.Get("/{id}/timeline", h.HandleTimeline)
		r.Post("/{id}/resolve", h.HandleResolve)
		r.Post("/{id}/snooze", h.HandleSnooze)
		r.Post("/{id}/assign", h.HandleAssign)
	})
}
