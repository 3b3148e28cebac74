// Package handlers provides HTTP handlers for the signal store.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/ledger"
	"github.com/clarityhq/clarity/internal/modules/signals"
)

// AnchorVerifier re-executes a signal's ledger anchors. Implemented by the
// ledger service.
type AnchorVerifier interface {
	VerifyAnchor(businessID string, anchor domain.LedgerAnchor) ([]ledger.AnchorCheck, []ledger.Row, error)
}

// Handler handles signal HTTP requests.
type Handler struct {
	machine  *signals.StateMachine
	repo     *signals.Repository
	verifier AnchorVerifier
	log      zerolog.Logger
}

// NewHandler creates a new signal handler.
func NewHandler(machine *signals.StateMachine, repo *signals.Repository, verifier AnchorVerifier, log zerolog.Logger) *Handler {
	return &Handler{
		machine:  machine,
		repo:     repo,
		verifier: verifier,
		log:      log.With().Str("handler", "signals").Logger(),
	}
}

// HandleList handles GET /api/signals?business_id=...&status=...&type=...
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	businessID := q.Get("business_id")
	if businessID == "" {
		h.writeError(w, http.StatusBadRequest, "business_id is required")
		return
	}

	states, err := h.repo.List(businessID, signals.ListFilter{
		Status:     domain.SignalStatus(q.Get("status")),
		SignalType: q.Get("type"),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": states,
		"metadata": map[string]interface{}{
			"count":     len(states),
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// anchorExplanation pairs one stored anchor with its recomputed evidence.
type anchorExplanation struct {
	AnchorKey string               `json:"anchor_key"`
	Query     domain.AnchorQuery   `json:"query"`
	Checks    []ledger.AnchorCheck `json:"checks"`
	Rows      []ledger.Row         `json:"rows"`
	Verified  bool                 `json:"verified"`
}

// HandleExplain handles GET /api/signals/{id}/explain. It returns the signal
// plus every ledger anchor re-executed against the current ledger, so the
// caller can see the exact rows behind each evidence number.
func (h *Handler) HandleExplain(w http.ResponseWriter, r *http.Request) {
	signalID := chi.URLParam(r, "id")
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		h.writeError(w, http.StatusBadRequest, "business_id is required")
		return
	}

	state, err := h.repo.GetBySignalID(businessID, signalID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if state == nil {
		h.writeError(w, http.StatusNotFound, "signal not found")
		return
	}

	explanations := make([]anchorExplanation, 0, len(state.Payload.LedgerAnchors))
	allVerified := true
	for _, anchor := range state.Payload.LedgerAnchors {
		checks, rows, err := h.verifier.VerifyAnchor(businessID, anchor)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		verified := true
		for _, c := range checks {
			if !c.Match {
				verified = false
				allVerified = false
			}
		}
		explanations = append(explanations, anchorExplanation{
			AnchorKey: anchor.AnchorKey,
			Query:     anchor.Query,
			Checks:    checks,
			Rows:      rows,
			Verified:  verified,
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"signal":   state,
			"anchors":  explanations,
			"verified": allVerified,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleUpdateStatus handles POST /api/signals/{id}/status
func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	signalID := chi.URLParam(r, "id")

	var body struct {
		BusinessID string `json:"business_id"`
		Status     string `json:"status"`
		Note       string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.BusinessID == "" {
		h.writeError(w, http.StatusBadRequest, "business_id is required")
		return
	}

	state, err := h.machine.UpdateStatus(body.BusinessID, signalID, domain.SignalStatus(body.Status), body.Note)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": state,
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
