package detectors

import (
	"time"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/utils"
)

// Signal types emitted by the battery. The underscore names predate the
// dotted domain convention and keep their original identity so persisted
// fingerprints stay stable.
const (
	TypeExpenseCreep          = "expense_creep_by_vendor"
	TypeLowCashRunway         = "low_cash_runway"
	TypeOutflowSpike          = "unusual_outflow_spike"
	TypeRevenueDecline        = "revenue.decline_vs_baseline"
	TypeRevenueVolatility     = "revenue.volatility_spike"
	TypeExpenseSpike          = "expense.spike_vs_baseline"
	TypeNewRecurring          = "expense.new_recurring"
	TypeInflowOutflowMismatch = "timing.inflow_outflow_mismatch"
	TypePayrollRentCliff      = "timing.payroll_rent_cliff"
	TypeRevenueConcentration  = "concentration.revenue_top_customer"
	TypeExpenseConcentration  = "concentration.expense_top_vendor"
	TypeUncategorizedHigh     = "hygiene.uncategorized_high"
	TypeSignalFlapping        = "hygiene.signal_flapping"
)

// window is an inclusive calendar-day range.
type window struct {
	start string
	end   string
}

func (w window) toDateWindow() *domain.DateWindow {
	return &domain.DateWindow{Start: w.start, End: w.end}
}

func (w window) contains(date string) bool {
	return date >= w.start && date <= w.end
}

// lastNDays is the window of the n days ending at now's date (inclusive).
func lastNDays(now time.Time, n int) window {
	end := utils.StartOfDayUTC(now)
	start := end.AddDate(0, 0, -(n - 1))
	return window{start: start.Format(utils.DateLayout), end: end.Format(utils.DateLayout)}
}

// priorNDays is the n-day window immediately preceding w.
func priorNDays(w window, n int) window {
	start, err := time.Parse(utils.DateLayout, w.start)
	if err != nil {
		return window{}
	}
	end := start.AddDate(0, 0, -1)
	return window{
		start: end.AddDate(0, 0, -(n - 1)).Format(utils.DateLayout),
		end:   end.Format(utils.DateLayout),
	}
}

func txnDate(txn domain.PostedTransaction) string {
	return txn.OccurredAt.UTC().Format(utils.DateLayout)
}

// windowTotal sums absolute amounts of one direction inside a window.
func windowTotal(txns []domain.PostedTransaction, direction domain.Direction, w window) float64 {
	sum := 0.0
	for _, txn := range txns {
		if txn.Direction != direction {
			continue
		}
		if w.contains(txnDate(txn)) {
			sum += txn.Amount
		}
	}
	return utils.RoundCents(sum)
}

// vendorTotals groups absolute amounts of one direction by merchant key.
func vendorTotals(txns []domain.PostedTransaction, direction domain.Direction, w window) map[string]float64 {
	totals := make(map[string]float64)
	for _, txn := range txns {
		if txn.Direction != direction || txn.MerchantKey == "" {
			continue
		}
		if w.contains(txnDate(txn)) {
			totals[txn.MerchantKey] += txn.Amount
		}
	}
	for k, v := range totals {
		totals[k] = utils.RoundCents(v)
	}
	return totals
}

// counterpartyTotals groups by raw counterparty, used for customer
// concentration where the billing name matters more than the vendor key.
func counterpartyTotals(txns []domain.PostedTransaction, direction domain.Direction, w window) map[string]float64 {
	totals := make(map[string]float64)
	for _, txn := range txns {
		if txn.Direction != direction {
			continue
		}
		name := txn.Counterparty
		if name == "" {
			name = txn.MerchantKey
		}
		if name == "" {
			continue
		}
		if w.contains(txnDate(txn)) {
			totals[name] += txn.Amount
		}
	}
	for k, v := range totals {
		totals[k] = utils.RoundCents(v)
	}
	return totals
}

// dailySeries returns one absolute total per calendar day across the window,
// zero-filled for days with no activity, oldest first.
func dailySeries(txns []domain.PostedTransaction, direction domain.Direction, w window) []float64 {
	start, err := time.Parse(utils.DateLayout, w.start)
	if err != nil {
		return nil
	}
	end, err := time.Parse(utils.DateLayout, w.end)
	if err != nil {
		return nil
	}

	byDate := make(map[string]float64)
	for _, txn := range txns {
		if txn.Direction != direction {
			continue
		}
		date := txnDate(txn)
		if w.contains(date) {
			byDate[date] += txn.Amount
		}
	}

	var series []float64
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		series = append(series, byDate[d.Format(utils.DateLayout)])
	}
	return series
}

// eventIDsInWindow lists source event ids of one direction inside a window,
// optionally restricted to one merchant key.
func eventIDsInWindow(txns []domain.PostedTransaction, direction domain.Direction, w window, merchantKey string) []string {
	var ids []string
	for _, txn := range txns {
		if txn.Direction != direction {
			continue
		}
		if merchantKey != "" && txn.MerchantKey != merchantKey {
			continue
		}
		if w.contains(txnDate(txn)) {
			ids = append(ids, txn.SourceEventID)
		}
	}
	return ids
}

func pctChange(current, prior float64) float64 {
	if prior == 0 {
		return 0
	}
	return (current - prior) / prior
}
