package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts plan routes on the router. The from_action route
// reuses the {id} segment as a business id so the wildcard name stays
// consistent for chi.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/plans", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)
		r.Get("/{id}", h.HandleGet)
		r.Post("/{id}/activate", h.HandleActivate)
		r.Post("/{id}/assign", h.HandleAssign)
		r.Post("/{id}/note", h.HandleNote)
		r.Post("/{id}/refresh", h.HandleRefresh)
		r.Post("/{id}/close", h.HandleClose)
		r.Post("/{id}/from_action", h.HandleFromAction)
	})
}
