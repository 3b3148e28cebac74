package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SignalStatus is the lifecycle state of a persisted signal.
type SignalStatus string

const (
	SignalStatusOpen       SignalStatus = "open"
	SignalStatusInProgress SignalStatus = "in_progress"
	SignalStatusResolved   SignalStatus = "resolved"
	SignalStatusIgnored    SignalStatus = "ignored"
)

// Valid reports whether s is a recognized signal status.
func (s SignalStatus) Valid() bool {
	switch s {
	case SignalStatusOpen, SignalStatusInProgress, SignalStatusResolved, SignalStatusIgnored:
		return true
	}
	return false
}

// Active reports whether the signal still demands attention.
func (s SignalStatus) Active() bool {
	return s == SignalStatusOpen || s == SignalStatusInProgress
}

// Fingerprint derives the stable identity hash for a signal:
// sha256(business_id|signal_type|dimension_key), hex encoded. The dimension
// key is whatever makes the finding unique within its type (a normalized
// vendor, a date, or empty for business-wide findings).
func Fingerprint(businessID, signalType, dimensionKey string) string {
	sum := sha256.Sum256([]byte(businessID + "|" + signalType + "|" + dimensionKey))
	return hex.EncodeToString(sum[:])
}

// SignalID composes the stable signal identifier from type and fingerprint.
func SignalID(signalType, fingerprint string) string {
	return fmt.Sprintf("%s:%s", signalType, fingerprint)
}

// AnchorQuery is a reusable ledger filter. It is the exact argument set the
// ledger query endpoint accepts, so an anchor stored on a signal or case can
// be re-executed verbatim.
type AnchorQuery struct {
	StartDate      string   `json:"start_date,omitempty"`
	EndDate        string   `json:"end_date,omitempty"`
	Vendors        []string `json:"vendors,omitempty"`
	Categories     []string `json:"categories,omitempty"`
	Direction      string   `json:"direction,omitempty"`
	SourceEventIDs []string `json:"source_event_ids,omitempty"`
}

// LedgerAnchor ties a signal (or case) to a ledger slice. Every evidence key
// must reproduce from the anchor query to 2-decimal precision; that is the
// product-truth contract behind "show me the numbers".
type LedgerAnchor struct {
	EvidenceKeys map[string]float64 `json:"evidence_keys"`
	AnchorKey    string             `json:"anchor_key"`
	Query        AnchorQuery        `json:"query"`
}

// SignalPayload is the structured payload persisted with each signal.
type SignalPayload struct {
	Stats          map[string]float64 `json:"stats,omitempty"`
	Window         *DateWindow        `json:"window,omitempty"`
	BaselineWindow *DateWindow        `json:"baseline_window,omitempty"`
	Dimension      string             `json:"dimension,omitempty"`
	LedgerAnchors  []LedgerAnchor     `json:"ledger_anchors,omitempty"`
}

// DetectedSignal is the output of one detector finding, before reconciliation
// against the persisted signal state.
type DetectedSignal struct {
	Payload    SignalPayload `json:"payload"`
	SignalType string        `json:"signal_type"`
	Dimension  string        `json:"dimension_key"`
	SignalID   string        `json:"signal_id"`
	Severity   Severity      `json:"severity"`
	Title      string        `json:"title"`
	Summary    string        `json:"summary"`
}

// NewDetectedSignal fills in the identity fields from the dimension key.
func NewDetectedSignal(businessID, signalType, dimensionKey string, severity Severity, title, summary string, payload SignalPayload) DetectedSignal {
	fp := Fingerprint(businessID, signalType, dimensionKey)
	payload.Dimension = dimensionKey
	return DetectedSignal{
		SignalType: signalType,
		Dimension:  dimensionKey,
		SignalID:   SignalID(signalType, fp),
		Severity:   severity,
		Title:      title,
		Summary:    summary,
		Payload:    payload,
	}
}

// SignalState is the persisted signal row, upserted by reconciliation and
// mutated by user status transitions.
type SignalState struct {
	DetectedAt time.Time     `json:"detected_at"`
	LastSeenAt time.Time     `json:"last_seen_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
	BusinessID string        `json:"business_id"`
	SignalID   string        `json:"signal_id"`
	SignalType string        `json:"signal_type"`
	Fingerprint string       `json:"fingerprint"`
	Status     SignalStatus  `json:"status"`
	Severity   Severity      `json:"severity"`
	Title      string        `json:"title"`
	Summary    string        `json:"summary"`
	Payload    SignalPayload `json:"payload"`
}

// Domain resolves the signal's scoring domain from its type.
func (s SignalState) Domain() SignalDomain {
	return DomainOf(s.SignalType)
}
