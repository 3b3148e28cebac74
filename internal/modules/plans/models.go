// Package plans tracks remediation hypotheses as observational state
// machines. A plan holds conditions over signals and brief metrics; Refresh
// re-evaluates them and records what actually moved, without ever mutating
// the ledger it observes.
package plans

import "time"

// Plan statuses.
const (
	StatusDraft     = "draft"
	StatusActive    = "active"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Condition types.
const (
	ConditionSignalResolved = "signal_resolved"
	ConditionMetricDelta    = "metric_delta"
)

// Metric-delta directions.
const (
	DirectionImprove = "improve"
	DirectionWorsen  = "worsen"
	DirectionResolve = "resolve"
)

// Observation verdicts, ordered weakest to strongest.
const (
	VerdictNoChange  = "no_change"
	VerdictImproving = "improving"
	VerdictWorsening = "worsening"
	VerdictSuccess   = "success"
	VerdictFailure   = "failure"
)

// Plan is one persisted plan row.
type Plan struct {
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	CaseID         *int64     `json:"case_id,omitempty"`
	ActionID       *int64     `json:"action_id,omitempty"`
	BusinessID     string     `json:"business_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Status         string     `json:"status"`
	AssignedTo     string     `json:"assigned_to,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Outcome        string     `json:"outcome,omitempty"`
	ID             int64      `json:"id"`
}

// Closed reports whether the plan reached a terminal status.
func (p *Plan) Closed() bool {
	return p.Status == StatusSucceeded || p.Status == StatusFailed || p.Status == StatusCanceled
}

// Condition is one success criterion attached to a plan.
type Condition struct {
	CreatedAt            time.Time `json:"created_at"`
	Type                 string    `json:"type"`
	SourceSignalID       string    `json:"source_signal_id,omitempty"`
	MetricKey            string    `json:"metric_key,omitempty"`
	Direction            string    `json:"direction,omitempty"`
	PlanID               int64     `json:"plan_id"`
	ID                   int64     `json:"id"`
	BaselineWindowDays   int       `json:"baseline_window_days"`
	EvaluationWindowDays int       `json:"evaluation_window_days"`
	Threshold            float64   `json:"threshold"`
}

// Observation is one Refresh outcome.
type Observation struct {
	ObservedAt time.Time              `json:"observed_at"`
	Payload    map[string]interface{} `json:"payload"`
	Verdict    string                 `json:"verdict"`
	PlanID     int64                  `json:"plan_id"`
	ID         int64                  `json:"id"`
}

// PlanEvent is one row of a plan's event history.
type PlanEvent struct {
	CreatedAt time.Time              `json:"created_at"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	EventType string                 `json:"event_type"`
	PlanID    int64                  `json:"plan_id"`
	ID        int64                  `json:"id"`
}

// ConditionVerdict is one condition's evaluation inside a Refresh.
type ConditionVerdict struct {
	Evidence    map[string]interface{} `json:"evidence"`
	Verdict     string                 `json:"verdict"`
	ConditionID int64                  `json:"condition_id"`
}

// higherIsBetter is the polarity table for brief metrics: a positive delta on
// a higher-is-better metric is an improvement.
var higherIsBetter = map[string]bool{
	"cash":                true,
	"inflow_7d":           true,
	"net_30d":             true,
	"runway_days":         true,
	"health_score":        true,
	"outflow_7d":          false,
	"burn_per_day_30d":    false,
	"uncategorized_count": false,
	"open_signal_count":   false,
}

// aggregateVerdict folds per-condition verdicts: any success wins, else any
// worsening, else any improving, else no change.
func aggregateVerdict(verdicts []ConditionVerdict) string {
	rank := map[string]int{
		VerdictSuccess:   3,
		VerdictWorsening: 2,
		VerdictImproving: 1,
		VerdictNoChange:  0,
	}
	best := VerdictNoChange
	for _, v := range verdicts {
		if rank[v.Verdict] > rank[best] {
			best = v.Verdict
		}
	}
	return best
}
