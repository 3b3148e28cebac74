package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all ledger routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/ledger/business/{businessID}", func(r chi.Router) {
		r.Get("/lines", h.HandleLines)
		r.Get("/transactions", h.HandleTransactions)
		r.Get("/income_statement", h.HandleIncomeStatement)
		r.Get("/cash_flow", h.HandleCashFlow)
		r.Get("/cash_series", h.HandleCashSeries)
		r.Get("/balance_sheet_v1", h.HandleBalanceSheet)
	})
}
