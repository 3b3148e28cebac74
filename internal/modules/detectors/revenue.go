package detectors

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/utils"
)

// detectRevenueDecline compares 30-day inflow against the prior 30 days.
func detectRevenueDecline(s *Snapshot) ([]domain.DetectedSignal, string) {
	current := lastNDays(s.Now, 30)
	prior := priorNDays(current, 30)

	currentTotal := windowTotal(s.Txns, domain.DirectionInflow, current)
	priorTotal := windowTotal(s.Txns, domain.DirectionInflow, prior)
	if priorTotal <= 0 {
		return nil, "no_baseline"
	}

	decline := utils.RoundCents(priorTotal - currentTotal)
	declinePct := decline / priorTotal
	if declinePct < 0.25 || decline < 250 {
		return nil, ""
	}

	severity := domain.SeverityMedium
	if declinePct >= 0.50 || decline >= 1000 {
		severity = domain.SeverityHigh
	}

	signal := domain.NewDetectedSignal(
		s.BusinessID, TypeRevenueDecline, "", severity,
		"Revenue is down vs baseline",
		fmt.Sprintf("Inflows of %.2f in the last 30 days, down %.0f%% from %.2f in the prior 30 days.",
			currentTotal, declinePct*100, priorTotal),
		domain.SignalPayload{
			Window:         current.toDateWindow(),
			BaselineWindow: prior.toDateWindow(),
			Stats: map[string]float64{
				"current_total": currentTotal,
				"prior_total":   priorTotal,
				"delta":         utils.RoundCents(-decline),
				"decline_pct":   utils.RoundCents(declinePct*100) / 100,
			},
			LedgerAnchors: []domain.LedgerAnchor{
				{
					AnchorKey: "current_window",
					Query: domain.AnchorQuery{
						StartDate: current.start,
						EndDate:   current.end,
						Direction: string(domain.DirectionInflow),
					},
					EvidenceKeys: map[string]float64{"current_total": currentTotal},
				},
				{
					AnchorKey: "baseline_window",
					Query: domain.AnchorQuery{
						StartDate: prior.start,
						EndDate:   prior.end,
						Direction: string(domain.DirectionInflow),
					},
					EvidenceKeys: map[string]float64{"prior_total": priorTotal},
				},
			},
		},
	)
	return []domain.DetectedSignal{signal}, ""
}

// detectRevenueVolatility compares the spread of daily inflows in the recent
// 30 days against the prior 30 days. Quiet books are skipped: both windows
// need at least 5 days with revenue.
func detectRevenueVolatility(s *Snapshot) ([]domain.DetectedSignal, string) {
	current := lastNDays(s.Now, 30)
	prior := priorNDays(current, 30)

	currentSeries := dailySeries(s.Txns, domain.DirectionInflow, current)
	priorSeries := dailySeries(s.Txns, domain.DirectionInflow, prior)
	if activeDays(currentSeries) < 5 || activeDays(priorSeries) < 5 {
		return nil, "insufficient_history"
	}

	currentStd := stat.StdDev(currentSeries, nil)
	priorStd := stat.StdDev(priorSeries, nil)
	if priorStd <= 0 {
		return nil, "no_baseline"
	}

	ratio := currentStd / priorStd
	if ratio < 2.0 {
		return nil, ""
	}
	severity := domain.SeverityMedium
	if ratio >= 3.0 {
		severity = domain.SeverityHigh
	}

	currentTotal := windowTotal(s.Txns, domain.DirectionInflow, current)
	signal := domain.NewDetectedSignal(
		s.BusinessID, TypeRevenueVolatility, "", severity,
		"Revenue has become erratic",
		fmt.Sprintf("Daily inflow variability is %.1fx what it was in the prior 30 days.", ratio),
		domain.SignalPayload{
			Window:         current.toDateWindow(),
			BaselineWindow: prior.toDateWindow(),
			Stats: map[string]float64{
				"current_total": currentTotal,
				"std_current":   utils.RoundCents(currentStd),
				"std_prior":     utils.RoundCents(priorStd),
				"ratio":         utils.RoundCents(ratio),
			},
			LedgerAnchors: []domain.LedgerAnchor{
				{
					AnchorKey: "current_window",
					Query: domain.AnchorQuery{
						StartDate: current.start,
						EndDate:   current.end,
						Direction: string(domain.DirectionInflow),
					},
					EvidenceKeys: map[string]float64{"current_total": currentTotal},
				},
			},
		},
	)
	return []domain.DetectedSignal{signal}, ""
}

func activeDays(series []float64) int {
	n := 0
	for _, v := range series {
		if v > 0 {
			n++
		}
	}
	return n
}
