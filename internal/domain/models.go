// Package domain provides core domain models and types.
package domain

import "time"

// Direction represents the cash direction of a posted transaction
type Direction string

const (
	DirectionInflow  Direction = "inflow"
	DirectionOutflow Direction = "outflow"
)

// Business is the unit of isolation. Every other row references exactly one.
type Business struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	Timezone  string    `json:"timezone"`
}

// PostedTransaction is the projected view of the latest non-tombstoned
// revision of a canonical raw event. It is derived, never stored.
type PostedTransaction struct {
	OccurredAt    time.Time `json:"occurred_at"`
	BusinessID    string    `json:"business_id"`
	Source        string    `json:"source"`
	SourceEventID string    `json:"source_event_id"`
	CanonicalID   string    `json:"canonical_source_event_id"`
	Direction     Direction `json:"direction"`
	Description   string    `json:"description"`
	Counterparty  string    `json:"counterparty"`
	MerchantKey   string    `json:"merchant_key"`
	CategoryHint  string    `json:"category_hint,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	EventVersion  int64     `json:"event_version"`
	Amount        float64   `json:"amount"` // absolute value
}

// SignedAmount returns the direction-signed amount: inflows positive,
// outflows negative.
func (t PostedTransaction) SignedAmount() float64 {
	if t.Direction == DirectionOutflow {
		return -t.Amount
	}
	return t.Amount
}

// DateWindow is an inclusive calendar-day window (YYYY-MM-DD, UTC).
type DateWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// RiskSnapshot captures the business risk posture at case-open time. Risk is
// the inverse of the health score, so a rising risk score means a worsening
// business.
type RiskSnapshot struct {
	ComputedAt time.Time `json:"computed_at"`
	TopDomains []string  `json:"top_domains,omitempty"`
	Score      float64   `json:"score"`
}
