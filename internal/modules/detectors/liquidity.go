package detectors

import (
	"fmt"
	"math"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/utils"
)

const (
	runwayHighDays   = 30.0
	runwayMediumDays = 60.0
	burnEpsilon      = 0.01 // per-day floor so runway never divides by zero
)

// detectLowCashRunway projects how long the current cash position survives
// the trailing 30-day net burn.
func detectLowCashRunway(s *Snapshot) ([]domain.DetectedSignal, string) {
	if len(s.Txns) == 0 {
		return nil, "no_transactions"
	}

	w30 := lastNDays(s.Now, 30)
	outflow30 := windowTotal(s.Txns, domain.DirectionOutflow, w30)
	inflow30 := windowTotal(s.Txns, domain.DirectionInflow, w30)
	burn := utils.RoundCents(outflow30 - inflow30)
	if burn <= 0 {
		// Cash-positive month, runway is not the risk.
		return nil, ""
	}

	cash := utils.RoundCents(s.Cash())
	burnPerDay := math.Max(burn/30, burnEpsilon)
	runwayDays := math.Max(cash, 0) / burnPerDay

	var severity domain.Severity
	switch {
	case runwayDays < runwayHighDays:
		severity = domain.SeverityHigh
	case runwayDays < runwayMediumDays:
		severity = domain.SeverityMedium
	default:
		return nil, ""
	}

	signal := domain.NewDetectedSignal(
		s.BusinessID, TypeLowCashRunway, "", severity,
		"Cash runway is short",
		fmt.Sprintf("At the current burn of %.2f/day, cash of %.2f lasts about %.0f days.",
			burnPerDay, cash, runwayDays),
		domain.SignalPayload{
			Window: w30.toDateWindow(),
			Stats: map[string]float64{
				"cash":         cash,
				"burn_30d":     burn,
				"burn_per_day": utils.RoundCents(burnPerDay),
				"runway_days":  math.Floor(runwayDays),
			},
			LedgerAnchors: []domain.LedgerAnchor{
				{
					AnchorKey: "burn_outflows",
					Query: domain.AnchorQuery{
						StartDate: w30.start,
						EndDate:   w30.end,
						Direction: string(domain.DirectionOutflow),
					},
					EvidenceKeys: map[string]float64{"outflow_total": outflow30},
				},
				{
					AnchorKey: "burn_inflows",
					Query: domain.AnchorQuery{
						StartDate: w30.start,
						EndDate:   w30.end,
						Direction: string(domain.DirectionInflow),
					},
					EvidenceKeys: map[string]float64{"inflow_total": inflow30},
				},
			},
		},
	)
	return []domain.DetectedSignal{signal}, ""
}
