// Package handlers provides HTTP handlers for case management.
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
	"github.com/clarityhq/clarity/internal/modules/cases"
)

// Handler handles case HTTP requests.
type Handler struct {
	engine *cases.Engine
	repo   *cases.Repository
	log    zerolog.Logger
}

// NewHandler creates a new case handler.
func NewHandler(engine *cases.Engine, repo *cases.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		repo:   repo,
		log:    log.With().Str("handler", "cases").Logger(),
	}
}

// HandleList handles GET /api/cases?business_id=...&status=...&domain=...
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	businessID := q.Get("business_id")
	if businessID == "" {
		h.writeError(w, http.StatusBadRequest, "business_id is required")
		return
	}

	list, err := h.repo.List(businessID, cases.ListFilter{
		Status: cases.CaseStatus(q.Get("status")),
		Domain: domain.SignalDomain(q.Get("domain")),
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

// HandleGet handles GET /api/cases/{id}. The response bundles the case with
// its attached signals and anchors.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	caseID, ok := h.caseID(w, r)
	if !ok {
		return
	}

	c, err := h.repo.GetByID(caseID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if c == nil {
		h.writeError(w, http.StatusNotFound, "case not found")
		return
	}

	signals, err := h.repo.ListAttachedSignalStates(caseID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	anchors, err := h.repo.ListAnchors(caseID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"case":    c,
			"signals": signals,
			"anchors": anchors,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleTimeline handles GET /api/cases/{id}/timeline
func (h *Handler) HandleTimeline(w http.ResponseWriter, r *http.Request) {
	caseID, ok := h.caseID(w, r)
	if !ok {
		return
	}

	timeline, err := h.engine.Timeline(caseID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": timeline,
		"metadata": map[string]interface{}{
			"count":     len(timeline),
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleUpdateStatus handles POST /api/cases/{id}/status
func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	caseID, ok := h.caseID(w, r)
	if !ok {
		return
	}

	var body struct {
		Status string `json:"status"`
		Note   string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	c, err := h.engine.UpdateStatus(caseID, cases.CaseStatus(body.Status), body.Note)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": c,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleAddNote handles POST /api/cases/{id}/note
func (h *Handler) HandleAddNote(w http.ResponseWriter, r *http.Request) {
	caseID, ok := h.caseID(w, r)
	if !ok {
		return
	}

	var body struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.engine.AddNote(caseID, body.Note); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"ok": true},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleAttachAnchor handles POST /api/cases/{id}/attach-ledger-anchor
func (h *Handler) HandleAttachAnchor(w http.ResponseWriter, r *http.Request) {
	caseID, ok := h.caseID(w, r)
	if !ok {
		return
	}

	var body struct {
		AnchorKey string                 `json:"anchor_key"`
		Payload   map[string]interface{} `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.engine.AttachLedgerAnchor(caseID, body.AnchorKey, body.Payload); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"ok": true},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleDetachAnchor handles POST /api/cases/{id}/detach-ledger-anchor
func (h *Handler) HandleDetachAnchor(w http.ResponseWriter, r *http.Request) {
	caseID, ok := h.caseID(w, r)
	if !ok {
		return
	}

	var body struct {
		AnchorKey string `json:"anchor_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.engine.DetachLedgerAnchor(caseID, body.AnchorKey); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"ok": true},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func (h *Handler) caseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "case id must be an integer")
		return 0, false
	}
	return id, true
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
	var invariant *domain.CaseSignalInvariantError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &invariant):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
