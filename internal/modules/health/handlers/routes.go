package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts health score routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/health_score", h.HandleScore)
	r.Get("/api/health_score/explain_change", h.HandleExplainChange)
}
