package detectors

import (
	"fmt"
	"math"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/utils"
)

// detectInflowOutflowMismatch fires when the last 14 days paid out well ahead
// of what came in, and the cash on hand cannot absorb another such window.
func detectInflowOutflowMismatch(s *Snapshot) ([]domain.DetectedSignal, string) {
	w14 := lastNDays(s.Now, 14)
	out14 := windowTotal(s.Txns, domain.DirectionOutflow, w14)
	in14 := windowTotal(s.Txns, domain.DirectionInflow, w14)
	if out14 <= 0 {
		return nil, ""
	}
	if out14 <= 1.5*in14 {
		return nil, ""
	}

	cash := utils.RoundCents(s.Cash())
	if cash >= out14 {
		return nil, ""
	}

	severity := domain.SeverityMedium
	if cash < out14/2 {
		severity = domain.SeverityHigh
	}

	signal := domain.NewDetectedSignal(
		s.BusinessID, TypeInflowOutflowMismatch, "", severity,
		"Outflows outpacing inflows",
		fmt.Sprintf("Paid out %.2f vs %.2f received in the last 14 days; cash of %.2f does not cover another window like it.",
			out14, in14, cash),
		domain.SignalPayload{
			Window: w14.toDateWindow(),
			Stats: map[string]float64{
				"outflow_14d": out14,
				"inflow_14d":  in14,
				"cash":        cash,
			},
			LedgerAnchors: []domain.LedgerAnchor{
				{
					AnchorKey: "window_outflows",
					Query: domain.AnchorQuery{
						StartDate: w14.start,
						EndDate:   w14.end,
						Direction: string(domain.DirectionOutflow),
					},
					EvidenceKeys: map[string]float64{"outflow_total": out14},
				},
				{
					AnchorKey: "window_inflows",
					Query: domain.AnchorQuery{
						StartDate: w14.start,
						EndDate:   w14.end,
						Direction: string(domain.DirectionInflow),
					},
					EvidenceKeys: map[string]float64{"inflow_total": in14},
				},
			},
		},
	)
	return []domain.DetectedSignal{signal}, ""
}

// detectPayrollRentCliff warns when payroll and rent land within days of each
// other and together claim most of the cash on hand. Requires categorized
// payroll and rent rows.
func detectPayrollRentCliff(s *Snapshot) ([]domain.DetectedSignal, string) {
	if len(s.SystemKeyByEventID) == 0 {
		return nil, "no_categorizations"
	}

	w60 := lastNDays(s.Now, 60)
	w30 := lastNDays(s.Now, 30)

	var payrollDays, rentDays []int
	var payroll30, rent30 float64
	for _, txn := range s.Txns {
		if txn.Direction != domain.DirectionOutflow {
			continue
		}
		key := s.SystemKeyByEventID[txn.SourceEventID]
		if key != "payroll" && key != "rent" {
			continue
		}
		date := txnDate(txn)
		if !w60.contains(date) {
			continue
		}
		day := txn.OccurredAt.UTC().Day()
		if key == "payroll" {
			payrollDays = append(payrollDays, day)
			if w30.contains(date) {
				payroll30 += txn.Amount
			}
		} else {
			rentDays = append(rentDays, day)
			if w30.contains(date) {
				rent30 += txn.Amount
			}
		}
	}
	if len(payrollDays) == 0 || len(rentDays) == 0 {
		return nil, "no_payroll_or_rent"
	}

	gap := monthDayGap(meanDay(payrollDays), meanDay(rentDays))
	if gap > 5 {
		return nil, ""
	}

	combined := utils.RoundCents(payroll30 + rent30)
	cash := utils.RoundCents(s.Cash())

	var severity domain.Severity
	switch {
	case cash <= 0 || combined >= 0.9*cash:
		severity = domain.SeverityHigh
	case combined >= 0.6*cash:
		severity = domain.SeverityMedium
	default:
		return nil, ""
	}

	signal := domain.NewDetectedSignal(
		s.BusinessID, TypePayrollRentCliff, "", severity,
		"Payroll and rent hit together",
		fmt.Sprintf("Payroll and rent land within %d days of each other and claim %.2f against cash of %.2f.",
			gap, combined, cash),
		domain.SignalPayload{
			Window: w30.toDateWindow(),
			Stats: map[string]float64{
				"payroll_30d":    utils.RoundCents(payroll30),
				"rent_30d":       utils.RoundCents(rent30),
				"combined_total": combined,
				"cash":           cash,
				"day_gap":        float64(gap),
			},
			LedgerAnchors: []domain.LedgerAnchor{
				{
					AnchorKey: "cliff_outflows",
					Query: domain.AnchorQuery{
						StartDate:  w30.start,
						EndDate:    w30.end,
						Categories: []string{"payroll", "rent"},
						Direction:  string(domain.DirectionOutflow),
					},
					EvidenceKeys: map[string]float64{"combined_total": combined},
				},
			},
		},
	)
	return []domain.DetectedSignal{signal}, ""
}

func meanDay(days []int) int {
	sum := 0
	for _, d := range days {
		sum += d
	}
	return int(math.Round(float64(sum) / float64(len(days))))
}

// monthDayGap is the distance between two days-of-month on a 30-day wheel,
// so the 1st and the 29th count as two days apart, not twenty-eight.
func monthDayGap(a, b int) int {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	if wrap := 30 - diff; wrap < diff {
		return wrap
	}
	return diff
}
