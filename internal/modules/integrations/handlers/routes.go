package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts integration routes on the router. Replay's public
// shape is /integrations/{business_id}/{provider}/replay; it shares the
// {provider} wildcard position so the patterns coexist, and the handler
// reads the segments in their public order.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/integrations/{provider}", func(r chi.Router) {
		r.Post("/link_token/{business_id}", h.HandleLinkToken)
		r.Post("/exchange/{business_id}", h.HandleExchange)
		r.Post("/sync/{business_id}", h.HandleSync)
		r.Get("/connections/{business_id}", h.HandleList)
		r.Post("/{business_id}/replay", h.HandleReplay)
	})
	r.Post("/api/webhooks/{provider}", h.HandleWebhook)
}
