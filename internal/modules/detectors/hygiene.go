package detectors

import (
	"fmt"
	"sort"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/utils"
)

const (
	uncategorizedMinRows   = 10
	uncategorizedLowShare  = 0.30
	uncategorizedMedShare  = 0.60
	flappingMinTransitions = 3
)

// detectUncategorizedHigh fires when too much of the last 30 days has no
// category. The scores and detectors downstream are only as good as the
// categorized share, so this is hygiene, not finance.
func detectUncategorizedHigh(s *Snapshot) ([]domain.DetectedSignal, string) {
	w30 := lastNDays(s.Now, 30)

	total := 0
	uncategorized := 0
	for _, txn := range s.Txns {
		if !w30.contains(txnDate(txn)) {
			continue
		}
		total++
		if _, ok := s.SystemKeyByEventID[txn.SourceEventID]; !ok {
			uncategorized++
		}
	}
	if total == 0 {
		return nil, "no_transactions"
	}

	share := float64(uncategorized) / float64(total)
	if uncategorized < uncategorizedMinRows || share < uncategorizedLowShare {
		return nil, ""
	}
	severity := domain.SeverityLow
	if share >= uncategorizedMedShare {
		severity = domain.SeverityMedium
	}

	signal := domain.NewDetectedSignal(
		s.BusinessID, TypeUncategorizedHigh, "", severity,
		"Too many uncategorized transactions",
		fmt.Sprintf("%d of %d transactions in the last 30 days (%.0f%%) have no category.",
			uncategorized, total, share*100),
		domain.SignalPayload{
			Window: w30.toDateWindow(),
			Stats: map[string]float64{
				"uncategorized_count": float64(uncategorized),
				"total_count":         float64(total),
				"share":               utils.RoundCents(share*100) / 100,
			},
			LedgerAnchors: []domain.LedgerAnchor{
				{
					AnchorKey: "window_rows",
					Query: domain.AnchorQuery{
						StartDate: w30.start,
						EndDate:   w30.end,
					},
					EvidenceKeys: map[string]float64{"total_count": float64(total)},
				},
			},
		},
	)
	return []domain.DetectedSignal{signal}, ""
}

// detectSignalFlapping reads the audit trail instead of the ledger: a signal
// that changed status three or more times inside the snapshot's audit window
// is oscillating, and its noise is itself a finding.
func detectSignalFlapping(s *Snapshot) ([]domain.DetectedSignal, string) {
	if len(s.AuditEntries) == 0 {
		return nil, "no_audit_entries"
	}

	transitions := map[string]int{}
	for _, entry := range s.AuditEntries {
		if entry.EventType != string(events.SignalStatusChanged) {
			continue
		}
		if entry.EntityID == "" {
			continue
		}
		transitions[entry.EntityID]++
	}

	ids := make([]string, 0, len(transitions))
	for id, n := range transitions {
		if n >= flappingMinTransitions {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var signals []domain.DetectedSignal
	for _, id := range ids {
		signals = append(signals, domain.NewDetectedSignal(
			s.BusinessID, TypeSignalFlapping, id, domain.SeverityLow,
			"A signal keeps flip-flopping",
			fmt.Sprintf("Signal %s changed status %d times in the last 14 days.", id, transitions[id]),
			domain.SignalPayload{
				Stats: map[string]float64{
					"transition_count": float64(transitions[id]),
				},
			},
		))
	}
	return signals, ""
}
