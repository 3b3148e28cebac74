// Package health computes the per-business health score as a weighted penalty
// sum over non-resolved signals, and explains score movement from the audit
// log. The same engine serves the inverted risk snapshot cases record at open
// time.
package health

import (
	"strings"

	"github.com/clarityhq/clarity/internal/domain"
)

// domainWeights rank how much a finding in each domain matters.
var domainWeights = map[domain.SignalDomain]float64{
	domain.DomainLiquidity:     1.4,
	domain.DomainRevenue:       1.2,
	domain.DomainExpense:       1.2,
	domain.DomainTiming:        1.1,
	domain.DomainConcentration: 0.9,
	domain.DomainHygiene:       0.8,
	domain.DomainUnknown:       0.7,
}

// severityWeights are the base penalty per severity level.
var severityWeights = map[domain.Severity]float64{
	domain.SeverityCritical: 18,
	domain.SeverityHigh:     16,
	domain.SeverityWarning:  12,
	domain.SeverityMedium:   10,
	domain.SeverityLow:      6,
	domain.SeverityInfo:     4,
}

// statusMultipliers discount signals a human is already handling or has
// deliberately parked. Resolved signals never reach the scorer.
var statusMultipliers = map[domain.SignalStatus]float64{
	domain.SignalStatusOpen:       1.0,
	domain.SignalStatusInProgress: 0.8,
	domain.SignalStatusIgnored:    0.3,
	domain.SignalStatusResolved:   0,
}

// profileWeights is the scoring catalog: per-type emphasis on top of the
// domain and severity weights.
var profileWeights = map[string]float64{
	"low_cash_runway":           1.3,
	"liquidity.runway_low":      1.3,
	"unusual_outflow_spike":     1.2,
	"expense_creep_by_vendor":   1.1,
	"expense.spike_vs_baseline": 1.1,
	"expense.new_recurring":     0.9,
}

// profilePrefixWeights catch whole dotted families the exact table does not
// name.
var profilePrefixWeights = map[string]float64{
	"concentration.": 0.9,
	"hygiene.":       0.8,
}

// profileWeight resolves the catalog weight for a signal type: exact entry
// first, then family prefix, then 1.0.
func profileWeight(signalType string) float64 {
	if w, ok := profileWeights[signalType]; ok {
		return w
	}
	for prefix, w := range profilePrefixWeights {
		if strings.HasPrefix(signalType, prefix) {
			return w
		}
	}
	return 1.0
}

// persistenceMultiplier grows a signal's penalty the longer it lingers,
// doubling after two weeks: clamp(1 + age_days/14, 1, 2).
func persistenceMultiplier(ageDays int) float64 {
	m := 1 + float64(ageDays)/14
	if m < 1 {
		return 1
	}
	if m > 2 {
		return 2
	}
	return m
}
