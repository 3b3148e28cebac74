package actions

import (
	"fmt"
	"sort"
	"time"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/ledger"
	"github.com/clarityhq/clarity/internal/utils"
)

// LedgerReader is the windowed ledger view the candidate sources query.
// Implemented by the ledger service.
type LedgerReader interface {
	Query(businessID string, params ledger.QueryParams) (*ledger.QueryResult, error)
}

// SignalSource lists the signals still demanding attention. Implemented by
// the signal repository.
type SignalSource interface {
	ListActive(businessID string) ([]domain.SignalState, error)
}

// IntegrationStatus is the slice of connection state the policy needs.
type IntegrationStatus struct {
	LastSyncAt *time.Time
	Provider   string
	Status     string
}

// IntegrationSource lists a business's provider connections. Implemented by
// the integrations module.
type IntegrationSource interface {
	ListIntegrations(businessID string) ([]IntegrationStatus, error)
}

const (
	uncategorizedWindowDays = 30
	vendorTopN              = 5
	vendorRecentDays        = 14
	vendorBaselineDays      = 60
	vendorDeviationPct      = 0.5
	vendorDeviationAbs      = 200.0
	vendorNoBaselineMin     = 300.0
	staleIntegrationAfter   = 12 * time.Hour
)

// uncategorizedCandidates emits one fix_mapping action when the recent window
// has uncategorized rows. The key carries today's date, so a backlog that
// survives the day reappears as a fresh item.
func (e *Engine) uncategorizedCandidates(businessID string, now time.Time) ([]Candidate, error) {
	start := utils.UnixToDate(now.Add(-time.Duration(uncategorizedWindowDays-1) * 24 * time.Hour).Unix())
	end := utils.UnixToDate(now.Unix())

	result, err := e.ledger.Query(businessID, ledger.QueryParams{StartDate: start, EndDate: end})
	if err != nil {
		return nil, err
	}

	count := 0
	for _, row := range result.Rows {
		if row.CategoryID == nil {
			count++
		}
	}
	if count == 0 {
		return nil, nil
	}

	return []Candidate{{
		ActionType:     TypeFixMapping,
		IdempotencyKey: keyFor(businessID, TypeFixMapping, "none", "all", end, "uncategorized"),
		Priority:       priorityFixMapping,
		Title:          fmt.Sprintf("Categorize %d uncategorized transactions", count),
		Evidence: map[string]interface{}{
			"uncategorized_count": count,
			"window_start":        start,
			"window_end":          end,
		},
		Rationale: map[string]interface{}{
			"source": "uncategorized_backlog",
		},
	}}, nil
}

// signalCandidates emits one investigate_anomaly per open signal that carries
// ledger anchors. Anchorless signals have nothing to investigate against.
func (e *Engine) signalCandidates(businessID string) ([]Candidate, error) {
	states, err := e.signals.ListActive(businessID)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, s := range states {
		if len(s.Payload.LedgerAnchors) == 0 {
			continue
		}

		windowStart, windowEnd := "", ""
		if s.Payload.Window != nil {
			windowStart, windowEnd = s.Payload.Window.Start, s.Payload.Window.End
		}
		scope := string(s.Domain())
		if s.Domain() == domain.DomainUnknown {
			scope = s.SignalType
		}

		candidates = append(candidates, Candidate{
			ActionType:     TypeInvestigateAnomaly,
			IdempotencyKey: keyFor(businessID, TypeInvestigateAnomaly, s.SignalID, windowStart, windowEnd, scope),
			Priority:       investigatePriority[s.Severity],
			Title:          fmt.Sprintf("Investigate: %s", s.Title),
			SourceSignalID: s.SignalID,
			SourceSeverity: s.Severity,
			Evidence: map[string]interface{}{
				"severity":     string(s.Severity),
				"anchor_count": len(s.Payload.LedgerAnchors),
				"stats":        s.Payload.Stats,
			},
			Rationale: map[string]interface{}{
				"source":      "open_signal",
				"signal_type": s.SignalType,
				"summary":     s.Summary,
			},
		})
	}
	return candidates, nil
}

// integrationCandidates emits one sync_integration per connection that is not
// connected or has not synced in the staleness window.
func (e *Engine) integrationCandidates(businessID string, now time.Time) ([]Candidate, error) {
	if e.integrations == nil {
		return nil, nil
	}
	connections, err := e.integrations.ListIntegrations(businessID)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, conn := range connections {
		stale := conn.LastSyncAt == nil || now.Sub(*conn.LastSyncAt) > staleIntegrationAfter
		if conn.Status == "connected" && !stale {
			continue
		}

		evidence := map[string]interface{}{"status": conn.Status}
		if conn.LastSyncAt != nil {
			evidence["last_sync_at"] = conn.LastSyncAt.UTC().Format(time.RFC3339)
		}
		candidates = append(candidates, Candidate{
			ActionType:     TypeSyncIntegration,
			IdempotencyKey: keyFor(businessID, TypeSyncIntegration, "", "", "", conn.Provider),
			Priority:       prioritySyncIntegration,
			Title:          fmt.Sprintf("Re-sync %s connection", conn.Provider),
			Evidence:       evidence,
			Rationale: map[string]interface{}{
				"source":   "integration_health",
				"provider": conn.Provider,
			},
		})
	}
	return candidates, nil
}

// vendorCandidates compares each top outflow vendor's recent spend against its
// scaled trailing baseline and flags material deviations.
func (e *Engine) vendorCandidates(businessID string, now time.Time) ([]Candidate, error) {
	recentStart := utils.UnixToDate(now.Add(-time.Duration(vendorRecentDays-1) * 24 * time.Hour).Unix())
	recentEnd := utils.UnixToDate(now.Unix())
	baselineEnd := utils.UnixToDate(now.Add(-time.Duration(vendorRecentDays) * 24 * time.Hour).Unix())
	baselineStart := utils.UnixToDate(now.Add(-time.Duration(vendorRecentDays+vendorBaselineDays-1) * 24 * time.Hour).Unix())

	result, err := e.ledger.Query(businessID, ledger.QueryParams{
		StartDate: baselineStart,
		EndDate:   recentEnd,
		Direction: string(domain.DirectionOutflow),
	})
	if err != nil {
		return nil, err
	}

	totals := map[string]float64{}
	recents := map[string]float64{}
	baselines := map[string]float64{}
	for _, row := range result.Rows {
		if row.MerchantKey == "" {
			continue
		}
		amount := -row.Amount // outflow rows carry negative signed amounts
		totals[row.MerchantKey] += amount
		if row.Date >= recentStart {
			recents[row.MerchantKey] += amount
		} else {
			baselines[row.MerchantKey] += amount
		}
	}

	vendors := make([]string, 0, len(totals))
	for v := range totals {
		vendors = append(vendors, v)
	}
	sort.Slice(vendors, func(i, j int) bool {
		if totals[vendors[i]] != totals[vendors[j]] {
			return totals[vendors[i]] > totals[vendors[j]]
		}
		return vendors[i] < vendors[j]
	})
	if len(vendors) > vendorTopN {
		vendors = vendors[:vendorTopN]
	}

	var candidates []Candidate
	for _, vendor := range vendors {
		recent := utils.RoundCents(recents[vendor])
		baseline := utils.RoundCents(baselines[vendor])
		expected := utils.RoundCents(baseline * float64(vendorRecentDays) / float64(vendorBaselineDays))

		var fire bool
		var deviation float64
		if expected > 0 {
			deviation = utils.RoundCents(recent - expected)
			abs := deviation
			if abs < 0 {
				abs = -abs
			}
			fire = abs >= vendorDeviationPct*expected && abs >= vendorDeviationAbs
		} else {
			deviation = recent
			fire = recent >= vendorNoBaselineMin
		}
		if !fire {
			continue
		}

		candidates = append(candidates, Candidate{
			ActionType:     TypeReviewVendor,
			IdempotencyKey: keyFor(businessID, TypeReviewVendor, "", baselineStart, recentEnd, vendor),
			Priority:       priorityReviewVendor,
			Title:          fmt.Sprintf("Review spend with %s", vendor),
			Evidence: map[string]interface{}{
				"recent_total":    recent,
				"baseline_total":  baseline,
				"expected_recent": expected,
				"deviation":       deviation,
				"recent_window":   domain.DateWindow{Start: recentStart, End: recentEnd},
				"baseline_window": domain.DateWindow{Start: baselineStart, End: baselineEnd},
			},
			Rationale: map[string]interface{}{
				"source": "vendor_variance",
				"vendor": vendor,
			},
		})
	}
	return candidates, nil
}
