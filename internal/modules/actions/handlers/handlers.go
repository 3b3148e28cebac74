// Package handlers provides HTTP handlers for the action list.
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
	"github.com/clarityhq/clarity/internal/modules/actions"
)

// Handler handles action HTTP requests.
type Handler struct {
	engine *actions.Engine
	repo   *actions.Repository
	log    zerolog.Logger
}

// NewHandler creates a new action handler.
func NewHandler(engine *actions.Engine, repo *actions.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		repo:   repo,
		log:    log.With().Str("handler", "actions").Logger(),
	}
}

// HandleList handles GET /api/actions/{business_id}?status=...&type=...
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "business_id")
	q := r.URL.Query()

	list, err := h.repo.List(businessID, actions.ListFilter{
		Status:     q.Get("status"),
		ActionType: q.Get("type"),
	})
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

// HandleRefresh handles POST /api/actions/{business_id}/refresh. It runs one
// generation pass and returns the counters.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "business_id")

	result, err := h.engine.Generate(businessID, time.Now().UTC())
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

// HandleResolve handles POST /api/actions/{business_id}/{id}/resolve with
// body {"status": "done"|"ignored", "reason": ..., "note": ...}.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	actionID, err := actionID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	var body struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
		Note   string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	action, err := h.engine.Resolve(actionID, body.Status, body.Reason, body.Note)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeAction(w, action)
}

// HandleSnooze handles POST /api/actions/{business_id}/{id}/snooze with body
// {"until": RFC3339, "reason": ...}.
func (h *Handler) HandleSnooze(w http.ResponseWriter, r *http.Request) {
	actionID, err := actionID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	var body struct {
		Until  string `json:"until"`
		Reason string `json:"reason"`
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

	action, err := h.engine.Snooze(actionID, until, body.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeAction(w, action)
}

// HandleAssign handles POST /api/actions/{business_id}/{id}/assign with body
// {"user_id": ...}. An empty user_id clears the assignment.
func (h *Handler) HandleAssign(w http.ResponseWriter, r *http.Request) {
	actionID, err := actionID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	action, err := h.engine.Assign(actionID, body.UserID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeAction(w, action)
}

// HandleTimeline handles GET /api/actions/{business_id}/{id}/timeline.
func (h *Handler) HandleTimeline(w http.ResponseWriter, r *http.Request) {
	actionID, err := actionID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	events, err := h.engine.Timeline(actionID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": events,
		"metadata": map[string]interface{}{
			"count":     len(events),
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func actionID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (h *Handler) writeAction(w http.ResponseWriter, action *actions.Action) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": action,
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
