// Package handlers provides HTTP handlers for daily briefs.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/briefs"
	"github.com/clarityhq/clarity/internal/utils"
)

// Handler handles brief HTTP requests.
type Handler struct {
	service *briefs.Service
	log     zerolog.Logger
}

// NewHandler creates a new brief handler.
func NewHandler(service *briefs.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "briefs").Logger(),
	}
}

// HandleList handles GET /api/briefs/{business_id}?limit=...
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "business_id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	list, err := h.service.List(businessID, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": list,
		"metadata": map[string]interface{}{
			"count":     len(list),
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGenerate handles POST /api/briefs/{business_id}/generate with
// optional body {"date": "YYYY-MM-DD"} (defaults to today UTC).
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "business_id")

	var body struct {
		Date string `json:"date"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if body.Date == "" {
		body.Date = utils.DayBucket(time.Now())
	}

	brief, err := h.service.GenerateDaily(businessID, body.Date)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": brief,
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
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
