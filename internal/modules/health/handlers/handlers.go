// Package handlers provides HTTP handlers for the health score.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/health"
)

// Handler handles health score HTTP requests.
type Handler struct {
	engine *health.Engine
	log    zerolog.Logger
}

// NewHandler creates a new health score handler.
func NewHandler(engine *health.Engine, log zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		log:    log.With().Str("handler", "health").Logger(),
	}
}

// HandleScore handles GET /api/health_score?business_id=...
func (h *Handler) HandleScore(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		h.writeError(w, http.StatusBadRequest, "business_id is required")
		return
	}

	result, err := h.engine.ComputeScore(businessID)
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

// HandleExplainChange handles
// GET /api/health_score/explain_change?business_id=...&since_hours=...&limit=...
func (h *Handler) HandleExplainChange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	businessID := q.Get("business_id")
	if businessID == "" {
		h.writeError(w, http.StatusBadRequest, "business_id is required")
		return
	}

	sinceHours, err := intParam(q.Get("since_hours"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "since_hours must be an integer")
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	result, err := h.engine.ExplainChange(businessID, sinceHours, limit, time.Now().UTC())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result,
		"metadata": map[string]interface{}{
			"count":     len(result.Changes),
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
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
