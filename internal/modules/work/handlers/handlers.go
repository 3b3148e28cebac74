// Package handlers provides HTTP handlers for the work queue.
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
	"github.com/clarityhq/clarity/internal/modules/work"
)

// Handler handles work item HTTP requests.
type Handler struct {
	engine *work.Engine
	repo   *work.Repository
	log    zerolog.Logger
}

// NewHandler creates a new work handler.
func NewHandler(engine *work.Engine, repo *work.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		repo:   repo,
		log:    log.With().Str("handler", "work").Logger(),
	}
}

// HandleList handles GET /api/work?business_id=...&status=...&case_id=...
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	businessID := q.Get("business_id")
	if businessID == "" {
		h.writeError(w, http.StatusBadRequest, "business_id is required")
		return
	}

	filter := work.ListFilter{Status: q.Get("status")}
	if raw := q.Get("case_id"); raw != "" {
		caseID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "case_id must be an integer")
			return
		}
		filter.CaseID = caseID
	}

	items, err := h.repo.List(businessID, filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": items,
		"metadata": map[string]interface{}{
			"count":     len(items),
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleComplete handles POST /api/work/{id}/complete
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	itemID, err := itemID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	item, err := h.engine.Complete(itemID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": item,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleSnooze handles POST /api/work/{id}/snooze with body {"until": RFC3339}.
func (h *Handler) HandleSnooze(w http.ResponseWriter, r *http.Request) {
	itemID, err := itemID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	var body struct {
		Until string `json:"until"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	until, err := time.Parse(time.RFC3339, body.Until)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "until must be an RFC3339 timestamp")
		return
	}

	item, err := h.engine.Snooze(itemID, until)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": item,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleMaterialize handles POST /api/work/materialize with body {"case_id": n}.
// It runs one reconciliation pass outside the daily tick.
func (h *Handler) HandleMaterialize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CaseID int64 `json:"case_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.CaseID == 0 {
		h.writeError(w, http.StatusBadRequest, "case_id is required")
		return
	}

	result, err := h.engine.Materialize(body.CaseID, time.Now().UTC())
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

func itemID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
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
