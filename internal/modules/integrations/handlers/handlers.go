// Package handlers provides HTTP handlers for integration flows.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/integrations"
)

// Handler handles integration HTTP requests. devOps gates the replay route.
type Handler struct {
	service *integrations.Service
	devOps  bool
	log     zerolog.Logger
}

// NewHandler creates a new integrations handler.
func NewHandler(service *integrations.Service, devOps bool, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		devOps:  devOps,
		log:     log.With().Str("handler", "integrations").Logger(),
	}
}

// HandleLinkToken handles POST /integrations/{provider}/link_token/{business_id}
func (h *Handler) HandleLinkToken(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	businessID := chi.URLParam(r, "business_id")

	token, err := h.service.CreateLinkToken(businessID, provider)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]string{"link_token": token},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleExchange handles POST /integrations/{provider}/exchange/{business_id}
func (h *Handler) HandleExchange(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	businessID := chi.URLParam(r, "business_id")

	var body struct {
		PublicToken string `json:"public_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conn, err := h.service.Exchange(businessID, provider, body.PublicToken)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"data": conn,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleSync handles POST /integrations/{provider}/sync/{business_id}
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	businessID := chi.URLParam(r, "business_id")

	result, err := h.service.Sync(businessID, provider, time.Now().UTC())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleList handles GET /integrations/{provider}/connections/{business_id}
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "business_id")

	connections, err := h.service.Connections(businessID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": connections,
		"metadata": map[string]interface{}{
			"count":     len(connections),
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleReplay handles POST /integrations/{business_id}/{provider}/replay.
// The route is registered under the shared {provider} wildcard, so the first
// path segment (the business id) arrives as "provider" and the second as
// "business_id".
func (h *Handler) HandleReplay(w http.ResponseWriter, r *http.Request) {
	if !h.devOps {
		h.writeError(w, http.StatusForbidden, "integration dev ops are disabled")
		return
	}
	businessID := chi.URLParam(r, "provider")
	provider := chi.URLParam(r, "business_id")

	result, err := h.service.Replay(businessID, provider)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleWebhook handles POST /api/webhooks/{provider}. The route is exempt
// from request auth; provider verification stands in for it.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	result, err := h.service.HandleWebhook(provider, r.Header, body, time.Now().UTC())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		h.writeError(w, http.StatusForbidden, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
