package detectors

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/audit"
	clarity "github.com/clarityhq/clarity/internal/testing"
)

// now is day 90 of the fixture calendar so every detector has history.
var fixtureNow = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

func daysAgo(n int) string {
	return fixtureNow.AddDate(0, 0, -n).Format("2006-01-02")
}

func newSnapshot(txns []domain.PostedTransaction) *Snapshot {
	return &Snapshot{
		Now:        fixtureNow,
		BusinessID: "biz-1",
		Txns:       txns,
	}
}

func TestExpenseCreepVendorDoubles(t *testing.T) {
	// Acme doubles from 400 to 800 across consecutive 14-day windows.
	var txns []domain.PostedTransaction
	for i := 0; i < 4; i++ {
		txns = append(txns, clarity.NewPostedTxn("biz-1", fmt.Sprintf("cur-%d", i), daysAgo(i*3), 200, domain.DirectionOutflow, "acme"))
		txns = append(txns, clarity.NewPostedTxn("biz-1", fmt.Sprintf("pri-%d", i), daysAgo(14+i*3), 100, domain.DirectionOutflow, "acme"))
	}

	signals, skip := detectExpenseCreep(newSnapshot(txns))
	require.Empty(t, skip)
	require.Len(t, signals, 1)

	sig := signals[0]
	// A clean doubling with a 400 delta stays medium: the high bar is strict.
	assert.Equal(t, domain.SeverityMedium, sig.Severity)
	assert.Equal(t, "acme", sig.Dimension)
	assert.InDelta(t, 800.0, sig.Payload.Stats["current_total"], 0.001)
	assert.InDelta(t, 400.0, sig.Payload.Stats["prior_total"], 0.001)
	assert.InDelta(t, 400.0, sig.Payload.Stats["delta"], 0.001)
	assert.InDelta(t, 1.0, sig.Payload.Stats["increase_pct"], 0.001)

	require.Len(t, sig.Payload.LedgerAnchors, 2)
	assert.Equal(t, "current_window", sig.Payload.LedgerAnchors[0].AnchorKey)
	assert.Equal(t, []string{"acme"}, sig.Payload.LedgerAnchors[0].Query.Vendors)
}

func TestExpenseCreepHighBarIsStrict(t *testing.T) {
	txns := []domain.PostedTransaction{
		clarity.NewPostedTxn("biz-1", "cur-1", daysAgo(2), 1000, domain.DirectionOutflow, "acme"),
		clarity.NewPostedTxn("biz-1", "pri-1", daysAgo(16), 300, domain.DirectionOutflow, "acme"),
	}
	signals, _ := detectExpenseCreep(newSnapshot(txns))
	require.Len(t, signals, 1)
	// 233% increase and a 700 delta both clear the high bar.
	assert.Equal(t, domain.SeverityHigh, signals[0].Severity)
}

func TestExpenseCreepBelowThresholdStaysQuiet(t *testing.T) {
	txns := []domain.PostedTransaction{
		clarity.NewPostedTxn("biz-1", "cur-1", daysAgo(2), 130, domain.DirectionOutflow, "acme"),
		clarity.NewPostedTxn("biz-1", "pri-1", daysAgo(16), 100, domain.DirectionOutflow, "acme"),
	}
	signals, _ := detectExpenseCreep(newSnapshot(txns))
	assert.Empty(t, signals)
}

func TestLowCashRunwayHighUnderThirtyDays(t *testing.T) {
	// Burn 3000 over 30 days (100/day) against roughly 2000 cash on hand.
	txns := clarity.DailyTxns("biz-1", "out", daysAgo(29), 30, 100, domain.DirectionOutflow, "vendor")
	txns = append(txns, clarity.NewPostedTxn("biz-1", "seed", daysAgo(80), 5000, domain.DirectionInflow, "investor"))

	signals, skip := detectLowCashRunway(newSnapshot(txns))
	require.Empty(t, skip)
	require.Len(t, signals, 1)

	sig := signals[0]
	assert.Equal(t, domain.SeverityHigh, sig.Severity)
	assert.InDelta(t, 2000.0, sig.Payload.Stats["cash"], 0.001)
	assert.InDelta(t, 3000.0, sig.Payload.Stats["burn_30d"], 0.001)
	assert.InDelta(t, 20.0, sig.Payload.Stats["runway_days"], 0.001)
}

func TestLowCashRunwayQuietWhenCashPositive(t *testing.T) {
	txns := clarity.DailyTxns("biz-1", "in", daysAgo(29), 30, 200, domain.DirectionInflow, "customer")
	txns = append(txns, clarity.DailyTxns("biz-1", "out", daysAgo(29), 30, 100, domain.DirectionOutflow, "vendor")...)

	signals, skip := detectLowCashRunway(newSnapshot(txns))
	assert.Empty(t, skip)
	assert.Empty(t, signals)
}

func TestRevenueDeclineFiresOnDrop(t *testing.T) {
	// 3000 prior window vs 1200 current: a 60% decline.
	txns := clarity.DailyTxns("biz-1", "pri", daysAgo(59), 30, 100, domain.DirectionInflow, "customer")
	txns = append(txns, clarity.DailyTxns("biz-1", "cur", daysAgo(29), 30, 40, domain.DirectionInflow, "customer")...)

	signals, skip := detectRevenueDecline(newSnapshot(txns))
	require.Empty(t, skip)
	require.Len(t, signals, 1)
	assert.Equal(t, domain.SeverityHigh, signals[0].Severity)
	assert.InDelta(t, 1200.0, signals[0].Payload.Stats["current_total"], 0.001)
	assert.InDelta(t, 3000.0, signals[0].Payload.Stats["prior_total"], 0.001)
}

func TestRevenueDeclineSkipsWithoutBaseline(t *testing.T) {
	txns := clarity.DailyTxns("biz-1", "cur", daysAgo(10), 5, 100, domain.DirectionInflow, "customer")
	signals, skip := detectRevenueDecline(newSnapshot(txns))
	assert.Empty(t, signals)
	assert.Equal(t, "no_baseline", skip)
}

func TestOutflowSpikeNeedsHistory(t *testing.T) {
	txns := clarity.DailyTxns("biz-1", "out", daysAgo(3), 4, 100, domain.DirectionOutflow, "vendor")
	signals, skip := detectOutflowSpike(newSnapshot(txns))
	assert.Empty(t, signals)
	assert.Equal(t, "insufficient_history", skip)
}

func TestOutflowSpikeSigmaBreakout(t *testing.T) {
	// Near-steady baseline around 100/day, then a 2000 day.
	txns := clarity.DailyTxns("biz-1", "base", daysAgo(30), 30, 100, domain.DirectionOutflow, "vendor")
	txns = append(txns, clarity.NewPostedTxn("biz-1", "bump", daysAgo(15), 100, domain.DirectionOutflow, "vendor"))
	txns = append(txns, clarity.NewPostedTxn("biz-1", "spike", daysAgo(0), 2000, domain.DirectionOutflow, "vendor"))

	signals, skip := detectOutflowSpike(newSnapshot(txns))
	require.Empty(t, skip)
	require.Len(t, signals, 1)
	assert.Equal(t, domain.SeverityHigh, signals[0].Severity)
	assert.Equal(t, daysAgo(0), signals[0].Dimension)
	assert.InDelta(t, 2100.0, signals[0].Payload.Stats["day_total"], 0.001)
}

func TestNewRecurringFiresOnSteadyCadence(t *testing.T) {
	txns := []domain.PostedTransaction{
		clarity.NewPostedTxn("biz-1", "r1", daysAgo(30), 49.99, domain.DirectionOutflow, "saasly"),
		clarity.NewPostedTxn("biz-1", "r2", daysAgo(20), 49.99, domain.DirectionOutflow, "saasly"),
		clarity.NewPostedTxn("biz-1", "r3", daysAgo(10), 49.99, domain.DirectionOutflow, "saasly"),
	}

	signals, skip := detectNewRecurring(newSnapshot(txns))
	require.Empty(t, skip)
	require.Len(t, signals, 1)
	assert.Equal(t, domain.SeverityLow, signals[0].Severity)
	assert.Equal(t, "saasly", signals[0].Dimension)
	assert.InDelta(t, 149.97, signals[0].Payload.Stats["recurring_total"], 0.001)
}

func TestNewRecurringIgnoresKnownVendors(t *testing.T) {
	txns := []domain.PostedTransaction{
		clarity.NewPostedTxn("biz-1", "old", daysAgo(100), 49.99, domain.DirectionOutflow, "saasly"),
		clarity.NewPostedTxn("biz-1", "r1", daysAgo(30), 49.99, domain.DirectionOutflow, "saasly"),
		clarity.NewPostedTxn("biz-1", "r2", daysAgo(20), 49.99, domain.DirectionOutflow, "saasly"),
		clarity.NewPostedTxn("biz-1", "r3", daysAgo(10), 49.99, domain.DirectionOutflow, "saasly"),
	}
	signals, _ := detectNewRecurring(newSnapshot(txns))
	assert.Empty(t, signals)
}

func TestInflowOutflowMismatch(t *testing.T) {
	// 1400 out vs 400 in over 14 days, cash ends at 600 (< half of 1400).
	txns := clarity.DailyTxns("biz-1", "out", daysAgo(13), 14, 100, domain.DirectionOutflow, "vendor")
	txns = append(txns, clarity.NewPostedTxn("biz-1", "in-1", daysAgo(5), 400, domain.DirectionInflow, "customer"))
	txns = append(txns, clarity.NewPostedTxn("biz-1", "seed", daysAgo(60), 1600, domain.DirectionInflow, "investor"))

	signals, skip := detectInflowOutflowMismatch(newSnapshot(txns))
	require.Empty(t, skip)
	require.Len(t, signals, 1)
	assert.Equal(t, domain.SeverityHigh, signals[0].Severity)
	assert.InDelta(t, 1400.0, signals[0].Payload.Stats["outflow_14d"], 0.001)
	assert.InDelta(t, 600.0, signals[0].Payload.Stats["cash"], 0.001)
}

func TestPayrollRentCliff(t *testing.T) {
	// Payroll and rent both land near the start of the month and together
	// claim nearly all the cash.
	txns := []domain.PostedTransaction{
		clarity.NewPostedTxn("biz-1", "seed", daysAgo(80), 10000, domain.DirectionInflow, "investor"),
		clarity.NewPostedTxn("biz-1", "pay-1", "2026-03-05", 5000, domain.DirectionOutflow, "gusto"),
		clarity.NewPostedTxn("biz-1", "rent-1", "2026-03-07", 3000, domain.DirectionOutflow, "landlord llc"),
	}
	snap := newSnapshot(txns)
	snap.SystemKeyByEventID = map[string]string{
		"pay-1":  "payroll",
		"rent-1": "rent",
	}

	signals, skip := detectPayrollRentCliff(snap)
	require.Empty(t, skip)
	require.Len(t, signals, 1)
	// Combined 8000 against 2000 remaining cash is past the 90% bar.
	assert.Equal(t, domain.SeverityHigh, signals[0].Severity)
	assert.InDelta(t, 8000.0, signals[0].Payload.Stats["combined_total"], 0.001)
}

func TestPayrollRentCliffSkipsWithoutCategories(t *testing.T) {
	snap := newSnapshot(clarity.DailyTxns("biz-1", "out", daysAgo(10), 5, 100, domain.DirectionOutflow, "vendor"))
	signals, skip := detectPayrollRentCliff(snap)
	assert.Empty(t, signals)
	assert.Equal(t, "no_categorizations", skip)
}

func TestRevenueConcentrationTopCustomer(t *testing.T) {
	// Megacorp pays 8000 of a 10000 90-day book.
	txns := []domain.PostedTransaction{
		clarity.NewPostedTxn("biz-1", "big-1", daysAgo(40), 8000, domain.DirectionInflow, "megacorp"),
		clarity.NewPostedTxn("biz-1", "sm-1", daysAgo(30), 1000, domain.DirectionInflow, "shop a"),
		clarity.NewPostedTxn("biz-1", "sm-2", daysAgo(20), 1000, domain.DirectionInflow, "shop b"),
	}

	signals, skip := detectRevenueConcentration(newSnapshot(txns))
	require.Empty(t, skip)
	require.Len(t, signals, 1)
	assert.Equal(t, domain.SeverityHigh, signals[0].Severity)
	assert.InDelta(t, 0.80, signals[0].Payload.Stats["share"], 0.001)
}

func TestExpenseConcentrationTopVendor(t *testing.T) {
	txns := []domain.PostedTransaction{
		clarity.NewPostedTxn("biz-1", "v-1", daysAgo(40), 4500, domain.DirectionOutflow, "aws"),
		clarity.NewPostedTxn("biz-1", "v-2", daysAgo(30), 3000, domain.DirectionOutflow, "gusto"),
		clarity.NewPostedTxn("biz-1", "v-3", daysAgo(20), 2500, domain.DirectionOutflow, "landlord"),
	}

	signals, skip := detectExpenseConcentration(newSnapshot(txns))
	require.Empty(t, skip)
	require.Len(t, signals, 1)
	// 45% share clears medium but not the 70% high bar.
	assert.Equal(t, domain.SeverityMedium, signals[0].Severity)
	assert.Equal(t, "aws", signals[0].Dimension)
}

func TestUncategorizedHighShare(t *testing.T) {
	txns := clarity.DailyTxns("biz-1", "txn", daysAgo(19), 20, 50, domain.DirectionOutflow, "vendor")
	snap := newSnapshot(txns)
	// Only 5 of 20 are categorized.
	snap.SystemKeyByEventID = map[string]string{}
	for i := 0; i < 5; i++ {
		snap.SystemKeyByEventID[fmt.Sprintf("txn-%03d", i)] = "software"
	}

	signals, skip := detectUncategorizedHigh(snap)
	require.Empty(t, skip)
	require.Len(t, signals, 1)
	// 75% uncategorized crosses the medium bar.
	assert.Equal(t, domain.SeverityMedium, signals[0].Severity)
	assert.InDelta(t, 15.0, signals[0].Payload.Stats["uncategorized_count"], 0.001)
}

func TestSignalFlappingReadsAuditTrail(t *testing.T) {
	snap := newSnapshot(nil)
	for i := 0; i < 3; i++ {
		snap.AuditEntries = append(snap.AuditEntries, audit.Entry{
			EventType: string(events.SignalStatusChanged),
			EntityID:  "low_cash_runway:abc",
		})
	}
	snap.AuditEntries = append(snap.AuditEntries, audit.Entry{
		EventType: string(events.SignalStatusChanged),
		EntityID:  "expense_creep_by_vendor:def",
	})

	signals, skip := detectSignalFlapping(snap)
	require.Empty(t, skip)
	require.Len(t, signals, 1)
	assert.Equal(t, "low_cash_runway:abc", signals[0].Dimension)
	assert.Equal(t, domain.SeverityLow, signals[0].Severity)
}

func TestEngineRunIsDeterministic(t *testing.T) {
	eng := NewEngine(zerolog.Nop())

	txns := clarity.DailyTxns("biz-1", "out", daysAgo(29), 30, 100, domain.DirectionOutflow, "vendor")
	txns = append(txns, clarity.NewPostedTxn("biz-1", "seed", daysAgo(80), 5000, domain.DirectionInflow, "investor"))
	snap := newSnapshot(txns)

	first, diags := eng.Run(snap)
	second, _ := eng.Run(snap)
	assert.Equal(t, first, second)
	assert.Len(t, diags, len(Battery()))

	for i := 1; i < len(first); i++ {
		prev, cur := first[i-1], first[i]
		less := prev.SignalType < cur.SignalType ||
			(prev.SignalType == cur.SignalType && prev.SignalID <= cur.SignalID)
		assert.True(t, less, "signals out of order at %d", i)
	}

	for _, d := range diags {
		if d.Detector == TypeLowCashRunway {
			assert.True(t, d.Ran)
			assert.Equal(t, 1, d.Fired)
			assert.Equal(t, []string{"inflow_total", "outflow_total"}, d.EvidenceKeys)
		}
	}
}
