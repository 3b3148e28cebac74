package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts monitor routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/monitor/status/{id}", h.HandleStatus)
	r.Post("/monitor/pulse/{id}", h.HandlePulse)
}
