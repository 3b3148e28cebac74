package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts signal routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/signals", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Get("/{id}/explain", h.HandleExplain)
		r.Post("/{id}/status", h.HandleUpdateStatus)
	})
}
