package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts brief routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/briefs/{business_id}", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/generate", h.HandleGenerate)
	})
}
