// Package cases groups related signals into long-lived investigations. A case
// is the unit an operator owns: it aggregates signals per scoring domain,
// escalates on volume/staleness/risk rules, and carries a timeline of
// everything that happened to it.
package cases

import (
	"time"

	"github.com/clarityhq/clarity/internal/domain"
)

// CaseStatus is the lifecycle state of a case.
type CaseStatus string

const (
	StatusOpen       CaseStatus = "open"
	StatusMonitoring CaseStatus = "monitoring"
	StatusEscalated  CaseStatus = "escalated"
	StatusResolved   CaseStatus = "resolved"
	StatusDismissed  CaseStatus = "dismissed"
	StatusReopened   CaseStatus = "reopened"
)

// Active reports whether the case still collects signals.
func (s CaseStatus) Active() bool {
	switch s {
	case StatusOpen, StatusMonitoring, StatusEscalated:
		return true
	}
	return false
}

// allowedTransitions is the full case state machine. Anything absent here is
// rejected.
var allowedTransitions = map[CaseStatus][]CaseStatus{
	StatusOpen:       {StatusMonitoring, StatusEscalated, StatusResolved, StatusDismissed},
	StatusMonitoring: {StatusOpen, StatusEscalated, StatusResolved, StatusDismissed},
	StatusEscalated:  {StatusMonitoring, StatusResolved, StatusDismissed},
	StatusResolved:   {StatusReopened},
	StatusDismissed:  {StatusReopened},
	StatusReopened:   {StatusMonitoring, StatusEscalated, StatusResolved, StatusDismissed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to CaseStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// slaDays is the per-severity review SLA measured from opened_at.
var slaDays = map[domain.CaseSeverity]int{
	domain.CaseSeverityCritical: 2,
	domain.CaseSeverityHigh:     5,
	domain.CaseSeverityMedium:   10,
	domain.CaseSeverityLow:      20,
}

// SLADeadline returns when the case breaches its severity SLA.
func SLADeadline(openedAt time.Time, severity domain.CaseSeverity) time.Time {
	days, ok := slaDays[severity]
	if !ok {
		days = slaDays[domain.CaseSeverityLow]
	}
	return openedAt.Add(time.Duration(days) * 24 * time.Hour)
}

// Case is one investigation.
type Case struct {
	OpenedAt          time.Time            `json:"opened_at"`
	LastActivityAt    time.Time            `json:"last_activity_at"`
	ClosedAt          *time.Time           `json:"closed_at,omitempty"`
	NextReviewAt      *time.Time           `json:"next_review_at,omitempty"`
	RiskScoreSnapshot *domain.RiskSnapshot `json:"risk_score_snapshot,omitempty"`
	BusinessID        string               `json:"business_id"`
	Domain            domain.SignalDomain  `json:"domain"`
	Status            CaseStatus           `json:"status"`
	Severity          domain.CaseSeverity  `json:"severity"`
	PrimarySignalType string               `json:"primary_signal_type,omitempty"`
	AssignedTo        string               `json:"assigned_to,omitempty"`
	ID                int64                `json:"id"`
}

// CaseSignal is the attachment binding one signal to exactly one case.
type CaseSignal struct {
	AttachedAt time.Time       `json:"attached_at"`
	BusinessID string          `json:"business_id"`
	SignalID   string          `json:"signal_id"`
	SignalType string          `json:"signal_type"`
	Severity   domain.Severity `json:"severity"`
	CaseID     int64           `json:"case_id"`
	ID         int64           `json:"id"`
}

// CaseEvent is one timeline entry.
type CaseEvent struct {
	CreatedAt  time.Time              `json:"created_at"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	BusinessID string                 `json:"business_id"`
	EventType  string                 `json:"event_type"`
	CaseID     int64                  `json:"case_id"`
	ID         int64                  `json:"id"`
}

// CaseAnchor is a ledger slice pinned to a case by an operator or the engine.
type CaseAnchor struct {
	AttachedAt time.Time              `json:"attached_at"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	BusinessID string                 `json:"business_id"`
	AnchorKey  string                 `json:"anchor_key"`
	CaseID     int64                  `json:"case_id"`
	ID         int64                  `json:"id"`
}

// DerivedState is what RecomputeCase computes from current reality.
type DerivedState struct {
	Status                 CaseStatus          `json:"status"`
	Severity               domain.CaseSeverity `json:"severity"`
	RiskDelta              float64             `json:"risk_delta"`
	SLABreached            bool                `json:"computed_sla_breached"`
	PlanOverdue            bool                `json:"computed_plan_overdue"`
	OpenSignalCount30d     int                 `json:"computed_open_signal_count_30d"`
	EscalationRule         string              `json:"escalation_rule,omitempty"`
}

// RecomputeResult reports the diff between persisted and derived state.
type RecomputeResult struct {
	CaseID  int64                  `json:"case_id"`
	Derived DerivedState           `json:"derived"`
	Diff    map[string]interface{} `json:"diff,omitempty"`
	Applied bool                   `json:"applied"`
}

// Changed reports whether the recompute found anything to update.
func (r *RecomputeResult) Changed() bool {
	return len(r.Diff) > 0
}
