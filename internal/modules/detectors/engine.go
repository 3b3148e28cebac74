// Package detectors runs the anomaly battery over the posted projection.
// Every detector is a pure function of the snapshot it is handed: same ledger
// in, same signals out. Signal identity is a fingerprint over the dimension
// that makes the finding unique, so re-detection reconciles instead of
// duplicating.
package detectors

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/audit"
)

// Snapshot is the in-memory state a detector run observes. Built once per
// pulse; detectors never touch the database.
type Snapshot struct {
	Now                time.Time
	BusinessID         string
	Txns               []domain.PostedTransaction // ordered (occurred_at, source_event_id)
	AuditEntries       []audit.Entry              // last 14 days, ordered (created_at, id)
	SystemKeyByEventID map[string]string          // source_event_id -> mapped system key
	UncategorizedCount int
}

// Cash returns the cumulative signed balance of the snapshot ledger.
func (s *Snapshot) Cash() float64 {
	sum := 0.0
	for _, txn := range s.Txns {
		sum += txn.SignedAmount()
	}
	return sum
}

// Detector is one detection rule. Run returns the signals it found, or a
// skip reason when the snapshot cannot support the rule (not enough history,
// no audit entries).
type Detector struct {
	Type string
	Run  func(s *Snapshot) (signals []domain.DetectedSignal, skipReason string)
}

// Diagnostic records what one detector did during a run.
type Diagnostic struct {
	Detector      string   `json:"detector"`
	SkippedReason string   `json:"skipped_reason,omitempty"`
	EvidenceKeys  []string `json:"evidence_keys,omitempty"`
	Fired         int      `json:"fired"`
	Ran           bool     `json:"ran"`
}

// Engine runs the full battery in a fixed order.
type Engine struct {
	detectors []Detector
	log       zerolog.Logger
}

// NewEngine creates an engine with the standard battery.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{
		detectors: Battery(),
		log:       log.With().Str("component", "detectors").Logger(),
	}
}

// Battery is the complete detector set, ordered liquidity-first so the most
// urgent domains surface earliest in diagnostics.
func Battery() []Detector {
	return []Detector{
		{Type: TypeLowCashRunway, Run: detectLowCashRunway},
		{Type: TypeRevenueDecline, Run: detectRevenueDecline},
		{Type: TypeRevenueVolatility, Run: detectRevenueVolatility},
		{Type: TypeExpenseCreep, Run: detectExpenseCreep},
		{Type: TypeOutflowSpike, Run: detectOutflowSpike},
		{Type: TypeExpenseSpike, Run: detectExpenseSpike},
		{Type: TypeNewRecurring, Run: detectNewRecurring},
		{Type: TypeInflowOutflowMismatch, Run: detectInflowOutflowMismatch},
		{Type: TypePayrollRentCliff, Run: detectPayrollRentCliff},
		{Type: TypeRevenueConcentration, Run: detectRevenueConcentration},
		{Type: TypeExpenseConcentration, Run: detectExpenseConcentration},
		{Type: TypeUncategorizedHigh, Run: detectUncategorizedHigh},
		{Type: TypeSignalFlapping, Run: detectSignalFlapping},
	}
}

// Run executes every detector against the snapshot and returns the combined
// signals plus per-detector diagnostics. Signals are ordered by
// (signal_type, signal_id) so output is deterministic.
func (e *Engine) Run(s *Snapshot) ([]domain.DetectedSignal, []Diagnostic) {
	var all []domain.DetectedSignal
	diags := make([]Diagnostic, 0, len(e.detectors))

	for _, d := range e.detectors {
		signals, skipReason := d.Run(s)
		diag := Diagnostic{Detector: d.Type, Ran: skipReason == "", SkippedReason: skipReason, Fired: len(signals)}

		keySet := map[string]bool{}
		for _, sig := range signals {
			for _, anchor := range sig.Payload.LedgerAnchors {
				for k := range anchor.EvidenceKeys {
					keySet[k] = true
				}
			}
		}
		for k := range keySet {
			diag.EvidenceKeys = append(diag.EvidenceKeys, k)
		}
		sort.Strings(diag.EvidenceKeys)

		diags = append(diags, diag)
		all = append(all, signals...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].SignalType != all[j].SignalType {
			return all[i].SignalType < all[j].SignalType
		}
		return all[i].SignalID < all[j].SignalID
	})

	e.log.Debug().
		Str("business_id", s.BusinessID).
		Int("txns", len(s.Txns)).
		Int("signals", len(all)).
		Msg("Detector battery finished")

	return all, diags
}
