// Package handlers provides HTTP handlers for tick orchestration.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/tick"
	"github.com/clarityhq/clarity/internal/utils"
)

// Handler handles tick HTTP requests.
type Handler struct {
	scheduler *tick.Scheduler
	log       zerolog.Logger
}

// NewHandler creates a new tick handler.
func NewHandler(scheduler *tick.Scheduler, log zerolog.Logger) *Handler {
	return &Handler{
		scheduler: scheduler,
		log:       log.With().Str("handler", "tick").Logger(),
	}
}

// HandleTick handles POST /api/system/tick. The bucket defaults to today's
// UTC day; apply_recompute and materialize_work default to true.
func (h *Handler) HandleTick(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BusinessID      string `json:"business_id"`
		Bucket          string `json:"bucket"`
		ApplyRecompute  *bool  `json:"apply_recompute"`
		MaterializeWork *bool  `json:"materialize_work"`
		LimitCases      int    `json:"limit_cases"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.BusinessID == "" {
		h.writeError(w, http.StatusBadRequest, "business_id is required")
		return
	}

	now := time.Now().UTC()
	bucket := body.Bucket
	if bucket == "" {
		bucket = utils.DayBucket(now)
	}
	opts := tick.Options{
		ApplyRecompute:  body.ApplyRecompute == nil || *body.ApplyRecompute,
		MaterializeWork: body.MaterializeWork == nil || *body.MaterializeWork,
		LimitCases:      body.LimitCases,
	}

	result, err := h.scheduler.RunTick(body.BusinessID, bucket, opts, now)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result,
		"metadata": map[string]interface{}{
			"replayed":  result.Replayed,
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleLastTick handles GET /api/system/last-tick?business_id=...
func (h *Handler) HandleLastTick(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		h.writeError(w, http.StatusBadRequest, "business_id is required")
		return
	}

	run, result, err := h.scheduler.LastRun(businessID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if run == nil {
		h.writeError(w, http.StatusNotFound, "no tick has run for this business")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"run":    run,
			"result": result,
		},
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
