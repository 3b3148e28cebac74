package detectors

import (
	"fmt"
	"sort"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/utils"
)

// Expense creep thresholds. The high bar is strict (> not >=) so a clean
// doubling stays medium and only clear overshoots escalate.
const (
	creepMinPct      = 0.40
	creepMinDelta    = 200.0
	creepHighPct     = 1.0
	creepHighDelta   = 600.0
	creepWindowDays  = 14
	spikeWindowDays  = 14
	spikeBaselineWin = 4 // prior 14-day windows averaged for the baseline
)

// detectExpenseCreep compares each vendor's 14-day outflow against the prior
// 14 days and fires on a sustained rise.
func detectExpenseCreep(s *Snapshot) ([]domain.DetectedSignal, string) {
	current := lastNDays(s.Now, creepWindowDays)
	prior := priorNDays(current, creepWindowDays)

	currentTotals := vendorTotals(s.Txns, domain.DirectionOutflow, current)
	priorTotals := vendorTotals(s.Txns, domain.DirectionOutflow, prior)

	vendors := make([]string, 0, len(currentTotals))
	for v := range currentTotals {
		vendors = append(vendors, v)
	}
	sort.Strings(vendors)

	var signals []domain.DetectedSignal
	for _, vendor := range vendors {
		currentTotal := currentTotals[vendor]
		priorTotal := priorTotals[vendor]
		if priorTotal <= 0 {
			continue
		}
		delta := utils.RoundCents(currentTotal - priorTotal)
		increasePct := pctChange(currentTotal, priorTotal)
		if increasePct < creepMinPct || delta < creepMinDelta {
			continue
		}

		severity := domain.SeverityMedium
		if increasePct > creepHighPct || delta > creepHighDelta {
			severity = domain.SeverityHigh
		}

		signals = append(signals, domain.NewDetectedSignal(
			s.BusinessID, TypeExpenseCreep, vendor, severity,
			fmt.Sprintf("Spending on %s is climbing", vendor),
			fmt.Sprintf("Paid %.2f to %s in the last %d days, up %.0f%% from %.2f in the prior %d days.",
				currentTotal, vendor, creepWindowDays, increasePct*100, priorTotal, creepWindowDays),
			domain.SignalPayload{
				Window:         current.toDateWindow(),
				BaselineWindow: prior.toDateWindow(),
				Stats: map[string]float64{
					"current_total": currentTotal,
					"prior_total":   priorTotal,
					"delta":         delta,
					"increase_pct":  utils.RoundCents(increasePct*100) / 100,
				},
				LedgerAnchors: []domain.LedgerAnchor{
					{
						AnchorKey: "current_window",
						Query: domain.AnchorQuery{
							StartDate: current.start,
							EndDate:   current.end,
							Vendors:   []string{vendor},
							Direction: string(domain.DirectionOutflow),
						},
						EvidenceKeys: map[string]float64{"current_total": currentTotal},
					},
					{
						AnchorKey: "baseline_window",
						Query: domain.AnchorQuery{
							StartDate: prior.start,
							EndDate:   prior.end,
							Vendors:   []string{vendor},
							Direction: string(domain.DirectionOutflow),
						},
						EvidenceKeys: map[string]float64{"prior_total": priorTotal},
					},
				},
			},
		))
	}
	return signals, ""
}

// detectOutflowSpike flags a day whose outflow breaks out of its own history:
// above mean+3σ of the prior 30 days, or above 2.5x the rolling 14-day mean.
func detectOutflowSpike(s *Snapshot) ([]domain.DetectedSignal, string) {
	today := lastNDays(s.Now, 1)
	baselineWin := priorNDays(today, 30)
	baseline := dailySeries(s.Txns, domain.DirectionOutflow, baselineWin)
	if len(baseline) < 30 {
		return nil, "insufficient_history"
	}

	activeDays := 0
	for _, v := range baseline {
		if v > 0 {
			activeDays++
		}
	}
	if activeDays < 5 {
		return nil, "insufficient_history"
	}

	todayTotal := windowTotal(s.Txns, domain.DirectionOutflow, today)
	if todayTotal <= 0 {
		return nil, ""
	}

	mean30 := stat.Mean(baseline, nil)
	std30 := stat.StdDev(baseline, nil)

	// Rolling mean over the trailing 14 days of the baseline.
	sma := talib.Sma(baseline, 14)
	mean14 := sma[len(sma)-1]

	sigmaTrigger := std30 > 0 && todayTotal > mean30+3*std30
	ratioTrigger := mean14 > 0 && todayTotal > 2.5*mean14
	if !sigmaTrigger && !ratioTrigger {
		return nil, ""
	}

	severity := domain.SeverityMedium
	if sigmaTrigger {
		severity = domain.SeverityHigh
	}

	signal := domain.NewDetectedSignal(
		s.BusinessID, TypeOutflowSpike, today.end, severity,
		"Unusually large outflow day",
		fmt.Sprintf("Outflows of %.2f on %s vs a 30-day average of %.2f.", todayTotal, today.end, mean30),
		domain.SignalPayload{
			Window:         today.toDateWindow(),
			BaselineWindow: baselineWin.toDateWindow(),
			Stats: map[string]float64{
				"day_total": todayTotal,
				"mean_30d":  utils.RoundCents(mean30),
				"std_30d":   utils.RoundCents(std30),
				"mean_14d":  utils.RoundCents(mean14),
			},
			LedgerAnchors: []domain.LedgerAnchor{
				{
					AnchorKey: "spike_day",
					Query: domain.AnchorQuery{
						StartDate: today.start,
						EndDate:   today.end,
						Direction: string(domain.DirectionOutflow),
					},
					EvidenceKeys: map[string]float64{"day_total": todayTotal},
				},
			},
		},
	)
	return []domain.DetectedSignal{signal}, ""
}

// detectExpenseSpike compares total 14-day outflow against the average of the
// four preceding 14-day windows.
func detectExpenseSpike(s *Snapshot) ([]domain.DetectedSignal, string) {
	current := lastNDays(s.Now, spikeWindowDays)

	var baselineTotals []float64
	w := current
	for i := 0; i < spikeBaselineWin; i++ {
		w = priorNDays(w, spikeWindowDays)
		baselineTotals = append(baselineTotals, windowTotal(s.Txns, domain.DirectionOutflow, w))
	}
	baselineStart := w.start

	baseline := stat.Mean(baselineTotals, nil)
	if baseline <= 0 {
		return nil, "no_baseline"
	}

	currentTotal := windowTotal(s.Txns, domain.DirectionOutflow, current)
	delta := utils.RoundCents(currentTotal - baseline)
	increasePct := pctChange(currentTotal, baseline)
	if increasePct < 0.60 || delta < 300 {
		return nil, ""
	}

	severity := domain.SeverityMedium
	if increasePct >= 1.20 || delta >= 1000 {
		severity = domain.SeverityHigh
	}

	baselineWin := window{start: baselineStart, end: priorNDays(current, 1).end}
	signal := domain.NewDetectedSignal(
		s.BusinessID, TypeExpenseSpike, "", severity,
		"Overall spending is spiking",
		fmt.Sprintf("Outflows of %.2f in the last %d days vs a typical %.2f.", currentTotal, spikeWindowDays, baseline),
		domain.SignalPayload{
			Window:         current.toDateWindow(),
			BaselineWindow: baselineWin.toDateWindow(),
			Stats: map[string]float64{
				"current_total":  currentTotal,
				"baseline_total": utils.RoundCents(baseline),
				"delta":          delta,
				"increase_pct":   utils.RoundCents(increasePct*100) / 100,
			},
			LedgerAnchors: []domain.LedgerAnchor{
				{
					AnchorKey: "current_window",
					Query: domain.AnchorQuery{
						StartDate: current.start,
						EndDate:   current.end,
						Direction: string(domain.DirectionOutflow),
					},
					EvidenceKeys: map[string]float64{"current_total": currentTotal},
				},
			},
		},
	)
	return []domain.DetectedSignal{signal}, ""
}

// detectNewRecurring looks for vendors that appeared recently and already
// show a steady payment cadence, the shape of a subscription nobody approved.
func detectNewRecurring(s *Snapshot) ([]domain.DetectedSignal, string) {
	recent := lastNDays(s.Now, 45)
	history := priorNDays(recent, 90)

	historicVendors := vendorTotals(s.Txns, domain.DirectionOutflow, history)

	type occurrence struct {
		dates []string
		total float64
	}
	byVendor := map[string]*occurrence{}
	for _, txn := range s.Txns {
		if txn.Direction != domain.DirectionOutflow || txn.MerchantKey == "" {
			continue
		}
		date := txnDate(txn)
		if !recent.contains(date) {
			continue
		}
		occ := byVendor[txn.MerchantKey]
		if occ == nil {
			occ = &occurrence{}
			byVendor[txn.MerchantKey] = occ
		}
		occ.dates = append(occ.dates, date)
		occ.total += txn.Amount
	}

	vendors := make([]string, 0, len(byVendor))
	for v := range byVendor {
		vendors = append(vendors, v)
	}
	sort.Strings(vendors)

	var signals []domain.DetectedSignal
	for _, vendor := range vendors {
		occ := byVendor[vendor]
		if len(occ.dates) < 3 {
			continue
		}
		if _, known := historicVendors[vendor]; known {
			continue
		}

		sort.Strings(occ.dates)
		var gaps []float64
		for i := 1; i < len(occ.dates); i++ {
			a, errA := utils.DateToUnix(occ.dates[i-1])
			b, errB := utils.DateToUnix(occ.dates[i])
			if errA != nil || errB != nil {
				continue
			}
			gaps = append(gaps, float64(b-a)/86400)
		}
		if len(gaps) < 2 {
			continue
		}
		meanGap := stat.Mean(gaps, nil)
		if meanGap <= 0 {
			continue
		}
		cv := stat.StdDev(gaps, nil) / meanGap
		if cv >= 0.35 {
			continue
		}

		total := utils.RoundCents(occ.total)
		signals = append(signals, domain.NewDetectedSignal(
			s.BusinessID, TypeNewRecurring, vendor, domain.SeverityLow,
			fmt.Sprintf("New recurring charge: %s", vendor),
			fmt.Sprintf("%d payments to %s in the last 45 days on a regular cadence, %.2f total. Not seen before.",
				len(occ.dates), vendor, total),
			domain.SignalPayload{
				Window: recent.toDateWindow(),
				Stats: map[string]float64{
					"recurring_total": total,
					"occurrences":     float64(len(occ.dates)),
					"mean_gap_days":   utils.RoundCents(meanGap),
					"gap_cv":          utils.RoundCents(cv),
				},
				LedgerAnchors: []domain.LedgerAnchor{
					{
						AnchorKey: "recurring_payments",
						Query: domain.AnchorQuery{
							StartDate:      recent.start,
							EndDate:        recent.end,
							Vendors:        []string{vendor},
							Direction:      string(domain.DirectionOutflow),
							SourceEventIDs: eventIDsInWindow(s.Txns, domain.DirectionOutflow, recent, vendor),
						},
						EvidenceKeys: map[string]float64{
							"recurring_total":   total,
							"recurring_count":   float64(len(occ.dates)),
						},
					},
				},
			},
		))
	}
	return signals, ""
}
