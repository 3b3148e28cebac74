// Package handlers provides HTTP handlers for remediation plans.
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
	"github.com/clarityhq/clarity/internal/modules/plans"
)

// Handler handles plan HTTP requests.
type Handler struct {
	engine *plans.Engine
	repo   *plans.Repository
	log    zerolog.Logger
}

// NewHandler creates a new plan handler.
func NewHandler(engine *plans.Engine, repo *plans.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		repo:   repo,
		log:    log.With().Str("handler", "plans").Logger(),
	}
}

// HandleCreate handles POST /api/plans. The body is a CreateInput plus a
// business_id field.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		plans.CreateInput
		BusinessID string `json:"business_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.BusinessID == "" {
		h.writeError(w, http.StatusBadRequest, "business_id is required")
		return
	}

	plan, err := h.engine.CreatePlan(body.BusinessID, body.CreateInput)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writePlan(w, http.StatusCreated, plan)
}

// HandleList handles GET /api/plans?business_id=...&status=...&case_id=...
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	businessID := q.Get("business_id")
	if businessID == "" {
		h.writeError(w, http.StatusBadRequest, "business_id is required")
		return
	}

	filter := plans.ListFilter{Status: q.Get("status")}
	if raw := q.Get("case_id"); raw != "" {
		caseID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "case_id must be an integer")
			return
		}
		filter.CaseID = caseID
	}

	list, err := h.repo.List(businessID, filter)
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

// HandleGet handles GET /api/plans/{id}, returning the plan with its
// conditions and observation history.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	planID, err := planID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	plan, conditions, observations, err := h.engine.Get(planID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"plan":         plan,
			"conditions":   conditions,
			"observations": observations,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleActivate handles POST /api/plans/{id}/activate.
func (h *Handler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	planID, err := planID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	plan, err := h.engine.Activate(planID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writePlan(w, http.StatusOK, plan)
}

// HandleAssign handles POST /api/plans/{id}/assign with body {"user_id": ...}.
func (h *Handler) HandleAssign(w http.ResponseWriter, r *http.Request) {
	planID, err := planID(r)
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

	plan, err := h.engine.Assign(planID, body.UserID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writePlan(w, http.StatusOK, plan)
}

// HandleNote handles POST /api/plans/{id}/note with body {"note": ...}.
func (h *Handler) HandleNote(w http.ResponseWriter, r *http.Request) {
	planID, err := planID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	var body struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.engine.AddNote(planID, body.Note); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]string{"status": "noted"},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleRefresh handles POST /api/plans/{id}/refresh. It evaluates every
// condition and returns the recorded observation.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	planID, err := planID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	observation, err := h.engine.Refresh(planID, time.Now().UTC())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": observation,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleClose handles POST /api/plans/{id}/close with body {"outcome": ...}.
func (h *Handler) HandleClose(w http.ResponseWriter, r *http.Request) {
	planID, err := planID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	var body struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	plan, err := h.engine.Close(planID, body.Outcome)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writePlan(w, http.StatusOK, plan)
}

// HandleFromAction handles POST /api/plans/{id}/from_action, where the path
// segment is a business id, with body {"action_id": ...}.
func (h *Handler) HandleFromAction(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "id")

	var body struct {
		ActionID int64 `json:"action_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	plan, err := h.engine.FromAction(businessID, body.ActionID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writePlan(w, http.StatusCreated, plan)
}

func planID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (h *Handler) writePlan(w http.ResponseWriter, status int, plan *plans.Plan) {
	h.writeJSON(w, status, map[string]interface{}{
		"data": plan,
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
