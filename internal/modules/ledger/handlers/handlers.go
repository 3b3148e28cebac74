// Package handlers provides HTTP handlers for ledger views.
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
	"github.com/clarityhq/clarity/internal/modules/ledger"
	"github.com/clarityhq/clarity/internal/utils"
)

// Handler handles ledger HTTP requests
type Handler struct {
	service *ledger.Service
	log     zerolog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(service *ledger.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "ledger").Logger(),
	}
}

// HandleLines handles GET /ledger/business/{businessID}/lines
func (h *Handler) HandleLines(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")
	q := r.URL.Query()

	params := ledger.QueryParams{
		StartDate:               q.Get("start_date"),
		EndDate:                 q.Get("end_date"),
		Direction:               q.Get("direction"),
		Vendors:                 utils.ParseCSV(q.Get("vendors")),
		Categories:              utils.ParseCSV(q.Get("categories")),
		SourceEventIDs:          utils.ParseCSV(q.Get("source_event_ids")),
		HighlightSourceEventIDs: utils.ParseCSV(q.Get("highlight_source_event_ids")),
		Limit:                   intQuery(q.Get("limit"), 0),
		Offset:                  intQuery(q.Get("offset"), 0),
	}

	result, err := h.service.Query(businessID, params)
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

// HandleTransactions handles GET /ledger/business/{businessID}/transactions.
// Same rows as lines but without pagination or balance summary.
func (h *Handler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")
	q := r.URL.Query()

	result, err := h.service.Query(businessID, ledger.QueryParams{
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result.Rows,
		"metadata": map[string]interface{}{
			"count":     len(result.Rows),
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleIncomeStatement handles GET /ledger/business/{businessID}/income_statement
func (h *Handler) HandleIncomeStatement(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")
	q := r.URL.Query()

	stmt, err := h.service.ComputeIncomeStatement(businessID, q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": stmt,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleCashFlow handles GET /ledger/business/{businessID}/cash_flow
func (h *Handler) HandleCashFlow(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")
	q := r.URL.Query()

	flow, err := h.service.ComputeCashFlow(businessID, q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": flow,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleCashSeries handles GET /ledger/business/{businessID}/cash_series
func (h *Handler) HandleCashSeries(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")
	q := r.URL.Query()

	startingCash, err := floatQuery(q.Get("starting_cash"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "starting_cash must be a number")
		return
	}

	points, err := h.service.ComputeCashSeries(businessID, q.Get("start_date"), q.Get("end_date"), startingCash)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": points,
		"metadata": map[string]interface{}{
			"count":     len(points),
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleBalanceSheet handles GET /ledger/business/{businessID}/balance_sheet_v1
func (h *Handler) HandleBalanceSheet(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")
	q := r.URL.Query()

	asOf := q.Get("as_of")
	if asOf == "" {
		asOf = time.Now().UTC().Format(utils.DateLayout)
	}
	startingCash, err := floatQuery(q.Get("starting_cash"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "starting_cash must be a number")
		return
	}

	sheet, err := h.service.ComputeBalanceSheetV1(businessID, asOf, startingCash)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": sheet,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// Helper methods

func intQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func floatQuery(raw string, fallback float64) (float64, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(raw, 64)
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
