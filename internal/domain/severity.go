package domain

// Severity is the signal severity scale emitted by detectors.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityWarning:  3,
	SeverityHigh:     4,
	SeverityCritical: 5,
}

// Rank returns the ordinal position on the severity scale. Unknown severities
// rank at the bottom.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Valid reports whether s is a recognized severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s ranks at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// CaseSeverity is the coarser scale cases carry: low < medium < high < critical.
type CaseSeverity string

const (
	CaseSeverityLow      CaseSeverity = "low"
	CaseSeverityMedium   CaseSeverity = "medium"
	CaseSeverityHigh     CaseSeverity = "high"
	CaseSeverityCritical CaseSeverity = "critical"
)

var caseSeverityRank = map[CaseSeverity]int{
	CaseSeverityLow:      1,
	CaseSeverityMedium:   2,
	CaseSeverityHigh:     3,
	CaseSeverityCritical: 4,
}

// Rank returns the ordinal position on the case severity scale.
func (s CaseSeverity) Rank() int {
	return caseSeverityRank[s]
}

// MapToCaseSeverity folds the signal scale onto the case scale:
// info maps to low and warning maps to medium.
func MapToCaseSeverity(s Severity) CaseSeverity {
	switch s {
	case SeverityInfo, SeverityLow:
		return CaseSeverityLow
	case SeverityMedium, SeverityWarning:
		return CaseSeverityMedium
	case SeverityHigh:
		return CaseSeverityHigh
	case SeverityCritical:
		return CaseSeverityCritical
	default:
		return CaseSeverityLow
	}
}

// MaxCaseSeverity returns the higher of two case severities.
func MaxCaseSeverity(a, b CaseSeverity) CaseSeverity {
	if caseSeverityRank[b] > caseSeverityRank[a] {
		return b
	}
	return a
}

// SignalDomain groups signal types into scoring/case-aggregation domains.
type SignalDomain string

const (
	DomainLiquidity     SignalDomain = "liquidity"
	DomainRevenue       SignalDomain = "revenue"
	DomainExpense       SignalDomain = "expense"
	DomainTiming        SignalDomain = "timing"
	DomainConcentration SignalDomain = "concentration"
	DomainHygiene       SignalDomain = "hygiene"
	DomainUnknown       SignalDomain = "unknown"
)

// legacy (pre-namespaced) signal types that predate the dotted convention
var legacySignalDomains = map[string]SignalDomain{
	"expense_creep_by_vendor": DomainExpense,
	"unusual_outflow_spike":   DomainExpense,
	"low_cash_runway":         DomainLiquidity,
}

var knownDomains = map[SignalDomain]bool{
	DomainLiquidity:     true,
	DomainRevenue:       true,
	DomainExpense:       true,
	DomainTiming:        true,
	DomainConcentration: true,
	DomainHygiene:       true,
}

// DomainOf resolves the domain of a signal type. Dotted types take their
// prefix; legacy underscore types resolve through a fixed table; everything
// else is unknown.
func DomainOf(signalType string) SignalDomain {
	if d, ok := legacySignalDomains[signalType]; ok {
		return d
	}
	for i := 0; i < len(signalType); i++ {
		if signalType[i] == '.' {
			candidate := SignalDomain(signalType[:i])
			if knownDomains[candidate] {
				return candidate
			}
			return DomainUnknown
		}
	}
	return DomainUnknown
}
