// Package handlers provides HTTP handlers for business onboarding and removal.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/business"
)

// Handler handles business HTTP requests
type Handler struct {
	service             *business.Service
	allowBusinessDelete bool
	log                 zerolog.Logger
}

// NewHandler creates a new business handler
func NewHandler(service *business.Service, allowBusinessDelete bool, log zerolog.Logger) *Handler {
	return &Handler{
		service:             service,
		allowBusinessDelete: allowBusinessDelete,
		log:                 log.With().Str("handler", "business").Logger(),
	}
}

type createRequest struct {
	OrgID    string `json:"org_id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

// HandleCreate registers a new business
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	biz, err := h.service.Create(req.OrgID, req.Name, req.Timezone)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"data": biz,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleList returns all registered businesses
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	businesses, err := h.service.List()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": businesses,
		"metadata": map[string]interface{}{
			"count":     len(businesses),
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGet returns a single business by id
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")

	biz, err := h.service.Get(businessID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": biz,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleDelete removes a business and every row scoped to it.
// Disabled unless CLARITY_ALLOW_BUSINESS_DELETE is set.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if !h.allowBusinessDelete {
		h.writeError(w, http.StatusForbidden, "Business deletion is disabled on this deployment")
		return
	}

	businessID := chi.URLParam(r, "businessID")

	result, err := h.service.Delete(businessID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.log.Warn().
		Str("business_id", businessID).
		Int64("rows_removed", result.TotalRows).
		Msg("Business hard-deleted")

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// Helper methods

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
	case errors.Is(err, domain.ErrConflict):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		h.writeError(w, http.StatusForbidden, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
