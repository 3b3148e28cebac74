package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all processing routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/processing/{business_id}/reprocess", h.HandleReprocess)
}
