// Package actions derives the operator to-do list from the current ledger,
// signal and integration state. Candidates regenerate every cycle; idempotency
// keys and suppression rules keep the list stable instead of noisy.
package actions

import (
	"strings"
	"time"

	"github.com/clarityhq/clarity/internal/domain"
)

// Action types.
const (
	TypeFixMapping         = "fix_mapping"
	TypeInvestigateAnomaly = "investigate_anomaly"
	TypeSyncIntegration    = "sync_integration"
	TypeReviewVendor       = "review_vendor"
)

// Action statuses.
const (
	StatusOpen    = "open"
	StatusDone    = "done"
	StatusIgnored = "ignored"
	StatusSnoozed = "snoozed"
)

// Suppression reasons reported by Generate.
const (
	SuppressPersistence = "persistence_min_age"
	SuppressFlapping    = "flapping"
	SuppressCooldown    = "cooldown_after_resolve"
)

// Action is one persisted action item.
type Action struct {
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	ResolvedAt       *time.Time             `json:"resolved_at,omitempty"`
	SnoozedUntil     *time.Time             `json:"snoozed_until,omitempty"`
	Evidence         map[string]interface{} `json:"evidence"`
	Rationale        map[string]interface{} `json:"rationale"`
	BusinessID       string                 `json:"business_id"`
	IdempotencyKey   string                 `json:"idempotency_key"`
	ActionType       string                 `json:"action_type"`
	Status           string                 `json:"status"`
	Title            string                 `json:"title"`
	SourceSignalID   string                 `json:"source_signal_id,omitempty"`
	AssignedTo       string                 `json:"assigned_to,omitempty"`
	ResolutionReason string                 `json:"resolution_reason,omitempty"`
	ID               int64                  `json:"id"`
	Priority         int                    `json:"priority"`
	UpdatedCount     int                    `json:"updated_count"`
}

// StateEvent is one row of an action's event history.
type StateEvent struct {
	CreatedAt time.Time              `json:"created_at"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	EventType string                 `json:"event_type"`
	ActionID  int64                  `json:"action_id"`
	ID        int64                  `json:"id"`
}

// Candidate is one proposed action before suppression.
type Candidate struct {
	Evidence       map[string]interface{}
	Rationale      map[string]interface{}
	IdempotencyKey string
	ActionType     string
	Title          string
	SourceSignalID string
	SourceSeverity domain.Severity
	Priority       int
}

// GenerateResult summarizes one Generate pass.
type GenerateResult struct {
	SuppressionReasons map[string]int `json:"suppression_reasons"`
	Created            int            `json:"created_count"`
	Updated            int            `json:"updated_count"`
	Suppressed         int            `json:"suppressed_count"`
}

// investigatePriority maps signal severity to action priority.
var investigatePriority = map[domain.Severity]int{
	domain.SeverityCritical: 95,
	domain.SeverityHigh:     85,
	domain.SeverityWarning:  70,
	domain.SeverityMedium:   60,
	domain.SeverityLow:      40,
	domain.SeverityInfo:     40,
}

const (
	prioritySyncIntegration = 75
	priorityFixMapping      = 60
	priorityReviewVendor    = 55
)

// keyFor joins idempotency key segments. Empty segments persist as "_" so the
// key shape stays fixed per action type.
func keyFor(parts ...string) string {
	filled := make([]string, len(parts))
	for i, p := range parts {
		if p == "" {
			p = "_"
		}
		filled[i] = p
	}
	return strings.Join(filled, ":")
}
