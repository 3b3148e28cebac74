package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts tick routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/system/tick", h.HandleTick)
	r.Get("/api/system/last-tick", h.HandleLastTick)
}
