package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/categories"
	"github.com/clarityhq/clarity/internal/modules/ledger"
	"github.com/clarityhq/clarity/internal/modules/projection"
	clarity_testing "github.com/clarityhq/clarity/internal/testing"
)

type stubTxns struct {
	txns []domain.PostedTransaction
}

func (s *stubTxns) PostedTransactions(string) ([]domain.PostedTransaction, []projection.ParseFailure, error) {
	return s.txns, nil, nil
}

type stubCats struct {
	byEvent map[string]int64
}

func (s *stubCats) CategoryBySourceEventID(string) (map[string]int64, error) {
	return s.byEvent, nil
}

type stubChart struct {
	types   map[int64][2]string
	cats    []categories.Category
	entries []categories.MapEntry
}

func (s *stubChart) AccountTypeByCategoryID(string) (map[int64][2]string, error) {
	return s.types, nil
}

func (s *stubChart) ListCategories(string) ([]categories.Category, error) {
	return s.cats, nil
}

func (s *stubChart) ListMapEntries(string) ([]categories.MapEntry, error) {
	return s.entries, nil
}

// newTestRouter seeds three posted lines for biz-1: invoice income on the
// 10th, rent on the 12th, an uncategorized outflow on the 20th.
func newTestRouter(t *testing.T) chi.Router {
	t.Helper()

	txns := &stubTxns{txns: []domain.PostedTransaction{
		clarity_testing.NewPostedTxn("biz-1", "evt-1", "2026-03-10", 2000, domain.DirectionInflow, "acme invoices"),
		clarity_testing.NewPostedTxn("biz-1", "evt-2", "2026-03-12", 1200, domain.DirectionOutflow, "downtown properties"),
		clarity_testing.NewPostedTxn("biz-1", "evt-3", "2026-03-20", 75, domain.DirectionOutflow, "corner cafe"),
	}}
	cats := &stubCats{byEvent: map[string]int64{"evt-1": 1, "evt-2": 2}}
	chart := &stubChart{
		types: map[int64][2]string{
			1: {categories.AccountTypeRevenue, ""},
			2: {categories.AccountTypeExpense, ""},
		},
		cats: []categories.Category{
			{ID: 1, BusinessID: "biz-1", Name: "Sales"},
			{ID: 2, BusinessID: "biz-1", Name: "Rent"},
		},
		entries: []categories.MapEntry{
			{ID: 1, BusinessID: "biz-1", SystemKey: "sales", CategoryID: 1},
			{ID: 2, BusinessID: "biz-1", SystemKey: "rent", CategoryID: 2},
		},
	}

	svc := ledger.NewService(txns, cats, chart, zerolog.Nop())
	router := chi.NewRouter()
	NewHandler(svc, zerolog.Nop()).RegisterRoutes(router)
	return router
}

func get(t *testing.T, router chi.Router, path string) (int, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func TestHandleLines(t *testing.T) {
	router := newTestRouter(t)

	status, body := get(t, router, "/ledger/business/biz-1/lines?start_date=2026-03-01&end_date=2026-03-31")
	require.Equal(t, http.StatusOK, status)

	data := body["data"].(map[string]interface{})
	rows := data["rows"].([]interface{})
	assert.Len(t, rows, 3)

	first := rows[0].(map[string]interface{})
	assert.Equal(t, "evt-1", first["source_event_id"])
	assert.Equal(t, "Sales", first["category_name"])

	summary := data["summary"].(map[string]interface{})
	assert.Equal(t, 2000.0, summary["total_in"])
	assert.Equal(t, 1275.0, summary["total_out"])
	assert.Equal(t, 725.0, summary["end_balance"])
}

func TestHandleLinesCategoryFilter(t *testing.T) {
	router := newTestRouter(t)

	status, body := get(t, router, "/ledger/business/biz-1/lines?categories=rent")
	require.Equal(t, http.StatusOK, status)

	rows := body["data"].(map[string]interface{})["rows"].([]interface{})
	require.Len(t, rows, 1)
	assert.Equal(t, "evt-2", rows[0].(map[string]interface{})["source_event_id"])
}

func TestHandleLinesRejectsInvertedWindow(t *testing.T) {
	router := newTestRouter(t)

	status, body := get(t, router, "/ledger/business/biz-1/lines?start_date=2026-03-31&end_date=2026-03-01")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "start_date")
}

func TestHandleTransactions(t *testing.T) {
	router := newTestRouter(t)

	status, body := get(t, router, "/ledger/business/biz-1/transactions")
	require.Equal(t, http.StatusOK, status)

	rows := body["data"].([]interface{})
	assert.Len(t, rows, 3)
	metadata := body["metadata"].(map[string]interface{})
	assert.Equal(t, 3.0, metadata["count"])
}

func TestHandleIncomeStatement(t *testing.T) {
	router := newTestRouter(t)

	status, body := get(t, router, "/ledger/business/biz-1/income_statement?start_date=2026-03-01&end_date=2026-03-31")
	require.Equal(t, http.StatusOK, status)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, 2000.0, data["revenue_total"])
	assert.Equal(t, 1200.0, data["expense_total"])
	assert.Equal(t, 800.0, data["net_income"])
	assert.Equal(t, -75.0, data["uncategorized_net"])
}

func TestHandleCashFlow(t *testing.T) {
	router := newTestRouter(t)

	status, body := get(t, router, "/ledger/business/biz-1/cash_flow?start_date=2026-03-01&end_date=2026-03-31")
	require.Equal(t, http.StatusOK, status)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, 2000.0, data["inflow"])
	assert.Equal(t, 1275.0, data["outflow"])
	assert.Equal(t, 725.0, data["net"])
}

func TestHandleCashSeries(t *testing.T) {
	router := newTestRouter(t)

	status, body := get(t, router, "/ledger/business/biz-1/cash_series?starting_cash=500")
	require.Equal(t, http.StatusOK, status)

	points := body["data"].([]interface{})
	require.Len(t, points, 3)
	last := points[2].(map[string]interface{})
	assert.Equal(t, 1225.0, last["balance"])
}

func TestHandleCashSeriesRejectsBadStartingCash(t *testing.T) {
	router := newTestRouter(t)

	status, body := get(t, router, "/ledger/business/biz-1/cash_series?starting_cash=lots")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "starting_cash")
}

func TestHandleBalanceSheet(t *testing.T) {
	router := newTestRouter(t)

	status, body := get(t, router, "/ledger/business/biz-1/balance_sheet_v1?as_of=2026-03-15&starting_cash=500")
	require.Equal(t, http.StatusOK, status)

	// 500 starting + 2000 in - 1200 out; the cafe outflow lands after as_of.
	data := body["data"].(map[string]interface{})
	assert.Equal(t, 1300.0, data["assets"])
	assert.Equal(t, 0.0, data["liabilities"])
	assert.Equal(t, data["assets"], data["equity"])
}
