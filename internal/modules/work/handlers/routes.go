package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts work queue routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/work", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/materialize", h.HandleMaterialize)
		r.Post("/{id}/complete", h.HandleComplete)
		r.Post("/{id}/snooze", h.HandleSnooze)
	})
}
