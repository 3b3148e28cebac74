package detectors

import (
	"fmt"
	"sort"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/utils"
)

const (
	concentrationWindow   = 90
	concentrationMinShare = 0.40
	concentrationMinTotal = 1000.0
	concentrationHigh     = 0.70
)

// detectRevenueConcentration flags a single customer carrying too much of
// 90-day revenue.
func detectRevenueConcentration(s *Snapshot) ([]domain.DetectedSignal, string) {
	w90 := lastNDays(s.Now, concentrationWindow)
	totals := counterpartyTotals(s.Txns, domain.DirectionInflow, w90)
	name, top, total := topShare(totals)
	if total <= 0 {
		return nil, "no_revenue"
	}

	share := top / total
	if share < concentrationMinShare || top < concentrationMinTotal {
		return nil, ""
	}
	severity := domain.SeverityMedium
	if share >= concentrationHigh {
		severity = domain.SeverityHigh
	}

	signal := domain.NewDetectedSignal(
		s.BusinessID, TypeRevenueConcentration, utils.NormalizeVendor(name), severity,
		fmt.Sprintf("Revenue depends on %s", name),
		fmt.Sprintf("%s contributed %.0f%% of revenue (%.2f of %.2f) over the last 90 days.",
			name, share*100, top, total),
		domain.SignalPayload{
			Window: w90.toDateWindow(),
			Stats: map[string]float64{
				"top_total":   top,
				"window_total": total,
				"share":       utils.RoundCents(share*100) / 100,
			},
			LedgerAnchors: []domain.LedgerAnchor{
				{
					AnchorKey: "concentration_window",
					Query: domain.AnchorQuery{
						StartDate: w90.start,
						EndDate:   w90.end,
						Direction: string(domain.DirectionInflow),
					},
					EvidenceKeys: map[string]float64{"window_total": total},
				},
			},
		},
	)
	return []domain.DetectedSignal{signal}, ""
}

// detectExpenseConcentration is the outflow mirror: one vendor absorbing too
// much of 90-day spend.
func detectExpenseConcentration(s *Snapshot) ([]domain.DetectedSignal, string) {
	w90 := lastNDays(s.Now, concentrationWindow)
	totals := vendorTotals(s.Txns, domain.DirectionOutflow, w90)
	vendor, top, total := topShare(totals)
	if total <= 0 {
		return nil, "no_spend"
	}

	share := top / total
	if share < concentrationMinShare || top < concentrationMinTotal {
		return nil, ""
	}
	severity := domain.SeverityMedium
	if share >= concentrationHigh {
		severity = domain.SeverityHigh
	}

	vendorTotal := utils.RoundCents(top)
	signal := domain.NewDetectedSignal(
		s.BusinessID, TypeExpenseConcentration, vendor, severity,
		fmt.Sprintf("Spend concentrated on %s", vendor),
		fmt.Sprintf("%s absorbed %.0f%% of outflows (%.2f of %.2f) over the last 90 days.",
			vendor, share*100, top, total),
		domain.SignalPayload{
			Window: w90.toDateWindow(),
			Stats: map[string]float64{
				"top_total":   vendorTotal,
				"window_total": total,
				"share":       utils.RoundCents(share*100) / 100,
			},
			LedgerAnchors: []domain.LedgerAnchor{
				{
					AnchorKey: "vendor_window",
					Query: domain.AnchorQuery{
						StartDate: w90.start,
						EndDate:   w90.end,
						Vendors:   []string{vendor},
						Direction: string(domain.DirectionOutflow),
					},
					EvidenceKeys: map[string]float64{"top_total": vendorTotal},
				},
			},
		},
	)
	return []domain.DetectedSignal{signal}, ""
}

// topShare returns the largest contributor, its total, and the window total.
// Ties break alphabetically so reruns stay deterministic.
func topShare(totals map[string]float64) (string, float64, float64) {
	names := make([]string, 0, len(totals))
	total := 0.0
	for name, v := range totals {
		names = append(names, name)
		total += v
	}
	sort.Strings(names)

	topName := ""
	top := 0.0
	for _, name := range names {
		if totals[name] > top {
			topName = name
			top = totals[name]
		}
	}
	return topName, utils.RoundCents(top), utils.RoundCents(total)
}
