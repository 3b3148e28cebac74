// Package events provides the in-process event bus and the typed payloads
// published on it. Bus events fan out to the SSE stream; durable history
// lives in the audit log, not here.
package events

import "time"

// EventType identifies a bus event.
type EventType string

const (
	// Signal lifecycle
	SignalDetected      EventType = "signal_detected"
	SignalUpdated       EventType = "signal_updated"
	SignalResolved      EventType = "signal_resolved"
	SignalStatusChanged EventType = "signal_status_changed"

	// Case lifecycle
	CaseCreated          EventType = "case_created"
	CaseStatusChanged    EventType = "case_status_changed"
	CaseEscalated        EventType = "case_escalated"
	CaseRecomputeApplied EventType = "case_recompute_applied"

	// Work items
	WorkItemCreated      EventType = "work_item_created"
	WorkItemUpdated      EventType = "work_item_updated"
	WorkItemAutoResolved EventType = "work_item_auto_resolved"

	// Actions
	ActionCreated  EventType = "action_created"
	ActionUpdated  EventType = "action_updated"
	ActionResolved EventType = "action_resolved"

	// Plans
	PlanCreated   EventType = "plan_created"
	PlanActivated EventType = "plan_activated"
	PlanRefreshed EventType = "plan_refreshed"
	PlanClosed    EventType = "plan_closed"

	// Orchestration
	TickCompleted  EventType = "tick_completed"
	PulseCompleted EventType = "pulse_completed"

	// Ingest / processing
	ProcessingStarted   EventType = "processing_started"
	ProcessingCompleted EventType = "processing_completed"
	ProcessingErrored   EventType = "processing_error"
	IntegrationSynced   EventType = "integration_synced"

	// Briefs
	BriefGenerated EventType = "brief_generated"

	// System
	ErrorOccurred EventType = "error_occurred"
)

// Event is the loosely-typed envelope carried on the bus. Data holds the
// JSON-ready payload; typed payload structs in this package build it.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Type      EventType              `json:"type"`
	Module    string                 `json:"module,omitempty"`
}
