// Package ledger computes windowed views over the posted projection: line
// queries with balances, the cash-basis income statement, cash flow and the
// running cash series. Every number it returns reconciles against the raw
// event log, which is what lets signals anchor their evidence here.
package ledger

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/categories"
	"github.com/clarityhq/clarity/internal/modules/projection"
	"github.com/clarityhq/clarity/internal/utils"
)

// TxnSource supplies the ordered posted projection
type TxnSource interface {
	PostedTransactions(businessID string) ([]domain.PostedTransaction, []projection.ParseFailure, error)
}

// CategorizationSource maps source event ids to category ids
type CategorizationSource interface {
	CategoryBySourceEventID(businessID string) (map[string]int64, error)
}

// ChartSource supplies chart-of-accounts lookups
type ChartSource interface {
	AccountTypeByCategoryID(businessID string) (map[int64][2]string, error)
	ListCategories(businessID string) ([]categories.Category, error)
	ListMapEntries(businessID string) ([]categories.MapEntry, error)
}

// Row is one posted line in a ledger view. Amount is direction-signed.
type Row struct {
	Date          string           `json:"date"`
	SourceEventID string           `json:"source_event_id"`
	CanonicalID   string           `json:"canonical_source_event_id"`
	Direction     domain.Direction `json:"direction"`
	Description   string           `json:"description"`
	Counterparty  string           `json:"counterparty"`
	MerchantKey   string           `json:"merchant_key"`
	CategoryName  string           `json:"category_name,omitempty"`
	SystemKey     string           `json:"system_key,omitempty"`
	CategoryID    *int64           `json:"category_id,omitempty"`
	OccurredAt    int64            `json:"occurred_at"`
	Amount        float64          `json:"amount"`
	Highlighted   bool             `json:"highlighted,omitempty"`
}

// Summary reconciles a window: end_balance - start_balance always equals the
// sum of row amounts to cent precision.
type Summary struct {
	StartBalance float64 `json:"start_balance"`
	EndBalance   float64 `json:"end_balance"`
	TotalIn      float64 `json:"total_in"`
	TotalOut     float64 `json:"total_out"`
	RowCount     int     `json:"row_count"`
}

// QueryParams filters a ledger view. Dates are inclusive YYYY-MM-DD.
type QueryParams struct {
	StartDate               string
	EndDate                 string
	Direction               string
	Vendors                 []string
	Categories              []string // system keys
	SourceEventIDs          []string
	HighlightSourceEventIDs []string
	Limit                   int
	Offset                  int
}

// QueryResult is the paged ledger view plus its window summary
type QueryResult struct {
	Window  domain.DateWindow `json:"window"`
	Rows    []Row             `json:"rows"`
	Summary Summary           `json:"summary"`
}

// Service implements the ledger read contracts
type Service struct {
	txns  TxnSource
	cats  CategorizationSource
	chart ChartSource
	log   zerolog.Logger
}

// NewService creates a new ledger service
func NewService(txns TxnSource, cats CategorizationSource, chart ChartSource, log zerolog.Logger) *Service {
	return &Service{
		txns:  txns,
		cats:  cats,
		chart: chart,
		log:   log.With().Str("service", "ledger").Logger(),
	}
}

// Query returns the filtered ledger view for a window. The summary covers the
// whole window; limit/offset slice the returned rows only. start_balance is
// the signed sum of matching rows strictly before the window.
func (s *Service) Query(businessID string, params QueryParams) (*QueryResult, error) {
	if params.StartDate != "" && params.EndDate != "" && params.StartDate > params.EndDate {
		return nil, domain.Validationf("start_date %s is after end_date %s", params.StartDate, params.EndDate)
	}

	rows, err := s.buildRows(businessID, params)
	if err != nil {
		return nil, err
	}

	startBalance := 0.0
	var windowRows []Row
	for _, row := range rows {
		switch {
		case params.StartDate != "" && row.Date < params.StartDate:
			startBalance += row.Amount
		case params.EndDate != "" && row.Date > params.EndDate:
			// after the window, contributes nowhere
		default:
			windowRows = append(windowRows, row)
		}
	}

	summary := Summary{
		StartBalance: utils.RoundCents(startBalance),
		RowCount:     len(windowRows),
	}
	endBalance := startBalance
	for _, row := range windowRows {
		endBalance += row.Amount
		if row.Direction == domain.DirectionInflow {
			summary.TotalIn += row.Amount
		} else {
			summary.TotalOut += -row.Amount
		}
	}
	summary.EndBalance = utils.RoundCents(endBalance)
	summary.TotalIn = utils.RoundCents(summary.TotalIn)
	summary.TotalOut = utils.RoundCents(summary.TotalOut)

	paged := paginate(windowRows, params.Limit, params.Offset)

	return &QueryResult{
		Rows:    paged,
		Summary: summary,
		Window:  domain.DateWindow{Start: params.StartDate, End: params.EndDate},
	}, nil
}

// buildRows projects, joins categorizations and applies row-level filters.
// Date filtering happens in Query so balances can see pre-window rows.
func (s *Service) buildRows(businessID string, params QueryParams) ([]Row, error) {
	txns, _, err := s.txns.PostedTransactions(businessID)
	if err != nil {
		return nil, err
	}

	catByEvent, err := s.cats.CategoryBySourceEventID(businessID)
	if err != nil {
		return nil, err
	}

	nameByCategory := map[int64]string{}
	cats, err := s.chart.ListCategories(businessID)
	if err != nil {
		return nil, err
	}
	for _, c := range cats {
		nameByCategory[c.ID] = c.Name
	}

	keyByCategory := map[int64]string{}
	entries, err := s.chart.ListMapEntries(businessID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		keyByCategory[e.CategoryID] = e.SystemKey
	}

	vendorSet := map[string]bool{}
	for _, v := range params.Vendors {
		vendorSet[utils.NormalizeVendor(v)] = true
	}
	categorySet := map[string]bool{}
	for _, c := range params.Categories {
		categorySet[strings.ToLower(c)] = true
	}
	idSet := map[string]bool{}
	for _, id := range params.SourceEventIDs {
		idSet[id] = true
	}
	highlightSet := map[string]bool{}
	for _, id := range params.HighlightSourceEventIDs {
		highlightSet[id] = true
	}

	var rows []Row
	for _, txn := range txns {
		if params.Direction != "" && string(txn.Direction) != params.Direction {
			continue
		}
		if len(vendorSet) > 0 && !vendorSet[txn.MerchantKey] {
			continue
		}
		if len(idSet) > 0 && !idSet[txn.SourceEventID] {
			continue
		}

		var categoryID *int64
		var categoryName, systemKey string
		if id, ok := catByEvent[txn.SourceEventID]; ok {
			id2 := id
			categoryID = &id2
			categoryName = nameByCategory[id]
			systemKey = keyByCategory[id]
		}
		if len(categorySet) > 0 && !categorySet[systemKey] {
			continue
		}

		rows = append(rows, Row{
			Date:          utils.UnixToDate(txn.OccurredAt.Unix()),
			OccurredAt:    txn.OccurredAt.Unix(),
			SourceEventID: txn.SourceEventID,
			CanonicalID:   txn.CanonicalID,
			Direction:     txn.Direction,
			Description:   txn.Description,
			Counterparty:  txn.Counterparty,
			MerchantKey:   txn.MerchantKey,
			CategoryID:    categoryID,
			CategoryName:  categoryName,
			SystemKey:     systemKey,
			Amount:        utils.RoundCents(txn.SignedAmount()),
			Highlighted:   highlightSet[txn.SourceEventID],
		})
	}
	return rows, nil
}

func paginate(rows []Row, limit, offset int) []Row {
	if offset > 0 {
		if offset >= len(rows) {
			return []Row{}
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// IncomeStatement is the cash-basis P&L for a window
type IncomeStatement struct {
	Window           domain.DateWindow `json:"window"`
	RevenueTotal     float64           `json:"revenue_total"`
	ExpenseTotal     float64           `json:"expense_total"`
	NetIncome        float64           `json:"net_income"`
	UncategorizedNet float64           `json:"uncategorized_net"`
}

// ComputeIncomeStatement groups posted lines by the anchor account of their
// category. Expenses include COGS-subtyped accounts. Uncategorized rows land
// in neither bucket and are reported separately.
func (s *Service) ComputeIncomeStatement(businessID, startDate, endDate string) (*IncomeStatement, error) {
	result, err := s.Query(businessID, QueryParams{StartDate: startDate, EndDate: endDate})
	if err != nil {
		return nil, err
	}

	types, err := s.chart.AccountTypeByCategoryID(businessID)
	if err != nil {
		return nil, err
	}

	stmt := &IncomeStatement{Window: domain.DateWindow{Start: startDate, End: endDate}}
	for _, row := range result.Rows {
		if row.CategoryID == nil {
			stmt.UncategorizedNet += row.Amount
			continue
		}
		accType, ok := types[*row.CategoryID]
		if !ok {
			stmt.UncategorizedNet += row.Amount
			continue
		}
		switch {
		case accType[0] == categories.AccountTypeRevenue:
			stmt.RevenueTotal += row.Amount
		case accType[0] == categories.AccountTypeExpense || accType[1] == categories.AccountSubtypeCOGS:
			stmt.ExpenseTotal += -row.Amount
		default:
			stmt.UncategorizedNet += row.Amount
		}
	}

	stmt.RevenueTotal = utils.RoundCents(stmt.RevenueTotal)
	stmt.ExpenseTotal = utils.RoundCents(stmt.ExpenseTotal)
	stmt.NetIncome = utils.RoundCents(stmt.RevenueTotal - stmt.ExpenseTotal)
	stmt.UncategorizedNet = utils.RoundCents(stmt.UncategorizedNet)
	return stmt, nil
}

// CashFlowResult is net cash movement over a window
type CashFlowResult struct {
	Window  domain.DateWindow `json:"window"`
	Inflow  float64           `json:"inflow"`
	Outflow float64           `json:"outflow"`
	Net     float64           `json:"net"`
}

// ComputeCashFlow sums absolute inflows and outflows over a window
func (s *Service) ComputeCashFlow(businessID, startDate, endDate string) (*CashFlowResult, error) {
	result, err := s.Query(businessID, QueryParams{StartDate: startDate, EndDate: endDate})
	if err != nil {
		return nil, err
	}
	return &CashFlowResult{
		Window:  domain.DateWindow{Start: startDate, End: endDate},
		Inflow:  result.Summary.TotalIn,
		Outflow: result.Summary.TotalOut,
		Net:     utils.RoundCents(result.Summary.TotalIn - result.Summary.TotalOut),
	}, nil
}

// CashPoint is one step of the running balance series
type CashPoint struct {
	Date          string  `json:"date"`
	SourceEventID string  `json:"source_event_id"`
	Amount        float64 `json:"amount"`
	Balance       float64 `json:"balance"`
}

// ComputeCashSeries emits one point per posted row with the running balance.
// Rows before the window shift the opening balance; rows after it are cut.
func (s *Service) ComputeCashSeries(businessID, startDate, endDate string, startingCash float64) ([]CashPoint, error) {
	rows, err := s.buildRows(businessID, QueryParams{})
	if err != nil {
		return nil, err
	}

	balance := startingCash
	points := make([]CashPoint, 0, len(rows))
	for _, row := range rows {
		if startDate != "" && row.Date < startDate {
			balance += row.Amount
			continue
		}
		if endDate != "" && row.Date > endDate {
			break
		}
		balance += row.Amount
		points = append(points, CashPoint{
			Date:          row.Date,
			SourceEventID: row.SourceEventID,
			Amount:        row.Amount,
			Balance:       utils.RoundCents(balance),
		})
	}
	return points, nil
}

// BalanceSheet is the cash-only v1 balance sheet
type BalanceSheet struct {
	AsOf        string  `json:"as_of"`
	Assets      float64 `json:"assets"`
	Liabilities float64 `json:"liabilities"`
	Equity      float64 `json:"equity"`
}

// ComputeBalanceSheetV1 reports cash position as of a date. Liabilities are
// always zero in v1, so equity equals assets.
func (s *Service) ComputeBalanceSheetV1(businessID, asOf string, startingCash float64) (*BalanceSheet, error) {
	result, err := s.Query(businessID, QueryParams{EndDate: asOf})
	if err != nil {
		return nil, err
	}
	assets := utils.RoundCents(startingCash + result.Summary.EndBalance)
	return &BalanceSheet{
		AsOf:        asOf,
		Assets:      assets,
		Liabilities: 0,
		Equity:      assets,
	}, nil
}
