package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all business routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/businesses", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleCreate)
		r.Get("/{businessID}", h.HandleGet)
		r.Delete("/{businessID}", h.HandleDelete)
	})
}
