// Package handlers provides HTTP handlers for the monitoring coordinator.
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
	"github.com/clarityhq/clarity/internal/modules/monitor"
)

// Handler handles monitor HTTP requests.
type Handler struct {
	coordinator *monitor.Coordinator
	log         zerolog.Logger
}

// NewHandler creates a new monitor handler.
func NewHandler(coordinator *monitor.Coordinator, log zerolog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		log:         log.With().Str("handler", "monitor").Logger(),
	}
}

// HandleStatus handles GET /monitor/status/{id}
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "id")

	status, err := h.coordinator.Status(businessID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": status,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandlePulse handles POST /monitor/pulse/{id}. The body is optional; an
// empty body is a non-forced pulse.
func (h *Handler) HandlePulse(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "id")

	var body struct {
		ForceRun bool `json:"force_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	summary, err := h.coordinator.Pulse(businessID, time.Now().UTC(), body.ForceRun)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": summary,
		"metadata": map[string]interface{}{
			"ran":       summary.Ran,
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
