// Package handlers provides HTTP handlers for processing pipeline operations.
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
	"github.com/clarityhq/clarity/internal/modules/processing"
)

// Handler handles processing HTTP requests. devOps gates the reprocess route.
type Handler struct {
	pipeline *processing.Pipeline
	devOps   bool
	log      zerolog.Logger
}

// NewHandler creates a new processing handler
func NewHandler(pipeline *processing.Pipeline, devOps bool, log zerolog.Logger) *Handler {
	return &Handler{
		pipeline: pipeline,
		devOps:   devOps,
		log:      log.With().Str("handler", "processing").Logger(),
	}
}

// HandleReprocess handles POST /api/processing/{business_id}/reprocess with an
// optional body {"source_event_ids": [...]}. Without ids the whole projection
// basis is re-run; runs are idempotent either way.
func (h *Handler) HandleReprocess(w http.ResponseWriter, r *http.Request) {
	if !h.devOps {
		h.writeError(w, http.StatusForbidden, "processing dev ops are disabled")
		return
	}
	businessID := chi.URLParam(r, "business_id")

	var body struct {
		SourceEventIDs []string `json:"source_event_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.pipeline.ProcessNewEvents(businessID, body.SourceEventIDs)
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
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
