package events

import (
	"encoding/json"
	"time"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// SignalChangedData contains data for signal lifecycle events.
// The concrete event type is determined by the Change field.
type SignalChangedData struct {
	BusinessID string `json:"business_id"`
	SignalID   string `json:"signal_id"`
	SignalType string `json:"signal_type"`
	Status     string `json:"status"`
	Severity   string `json:"severity"`
	Change     string `json:"change"` // "detected", "updated", "resolved", "status_changed"
}

// EventType returns the event type for SignalChangedData
func (d *SignalChangedData) EventType() EventType {
	switch d.Change {
	case "detected":
		return SignalDetected
	case "updated":
		return SignalUpdated
	case "resolved":
		return SignalResolved
	default:
		return SignalStatusChanged
	}
}

// CaseChangedData contains data for case lifecycle events.
type CaseChangedData struct {
	BusinessID string `json:"business_id"`
	CaseID     int64  `json:"case_id"`
	Domain     string `json:"domain"`
	Status     string `json:"status"`
	Severity   string `json:"severity"`
	Rule       string `json:"rule,omitempty"` // escalation rule, when Change=="escalated"
	Change     string `json:"change"`         // "created", "status_changed", "escalated", "recompute_applied"
}

// EventType returns the event type for CaseChangedData
func (d *CaseChangedData) EventType() EventType {
	switch d.Change {
	case "created":
		return CaseCreated
	case "escalated":
		return CaseEscalated
	case "recompute_applied":
		return CaseRecomputeApplied
	default:
		return CaseStatusChanged
	}
}

// WorkItemChangedData contains data for work item materialization events.
type WorkItemChangedData struct {
	BusinessID string `json:"business_id"`
	CaseID     int64  `json:"case_id"`
	WorkItemID int64  `json:"work_item_id"`
	ItemType   string `json:"item_type"`
	Status     string `json:"status"`
	Change     string `json:"change"` // "created", "updated", "auto_resolved"
}

// EventType returns the event type for WorkItemChangedData
func (d *WorkItemChangedData) EventType() EventType {
	switch d.Change {
	case "created":
		return WorkItemCreated
	case "auto_resolved":
		return WorkItemAutoResolved
	default:
		return WorkItemUpdated
	}
}

// ActionChangedData contains data for action policy events.
type ActionChangedData struct {
	BusinessID string `json:"business_id"`
	ActionID   int64  `json:"action_id"`
	ActionType string `json:"action_type"`
	Status     string `json:"status"`
	Change     string `json:"change"` // "created", "updated", "resolved"
}

// EventType returns the event type for ActionChangedData
func (d *ActionChangedData) EventType() EventType {
	switch d.Change {
	case "created":
		return ActionCreated
	case "resolved":
		return ActionResolved
	default:
		return ActionUpdated
	}
}

// PlanChangedData contains data for plan lifecycle events.
type PlanChangedData struct {
	BusinessID string `json:"business_id"`
	PlanID     int64  `json:"plan_id"`
	Status     string `json:"status"`
	Verdict    string `json:"verdict,omitempty"` // set on refresh
	Change     string `json:"change"`            // "created", "activated", "refreshed", "closed"
}

// EventType returns the event type for PlanChangedData
func (d *PlanChangedData) EventType() EventType {
	switch d.Change {
	case "created":
		return PlanCreated
	case "activated":
		return PlanActivated
	case "refreshed":
		return PlanRefreshed
	default:
		return PlanClosed
	}
}

// TickCompletedData contains data for TickCompleted events
type TickCompletedData struct {
	BusinessID           string `json:"business_id"`
	Bucket               string `json:"bucket"`
	CasesProcessed       int    `json:"cases_processed"`
	RecomputeApplied     int    `json:"cases_recompute_applied"`
	WorkItemsCreated     int    `json:"work_items_created"`
	WorkItemsAutoResolved int   `json:"work_items_auto_resolved"`
	Errors               int    `json:"errors"`
}

// EventType returns the event type for TickCompletedData
func (d *TickCompletedData) EventType() EventType {
	return TickCompleted
}

// PulseCompletedData contains data for PulseCompleted events
type PulseCompletedData struct {
	BusinessID  string `json:"business_id"`
	Ran         bool   `json:"ran"`
	SignalCount int    `json:"signal_count"`
	Detected    int    `json:"detected"`
}

// EventType returns the event type for PulseCompletedData
func (d *PulseCompletedData) EventType() EventType {
	return PulseCompleted
}

// ProcessingStatusData contains data for processing pipeline events.
type ProcessingStatusData struct {
	BusinessID  string `json:"business_id"`
	Status      string `json:"status"` // "started", "completed", "error"
	Processed   int    `json:"processed"`
	Categorized int    `json:"categorized"`
	Errored     int    `json:"errored"`
}

// EventType returns the event type for ProcessingStatusData
// Note: The actual event type is determined by the Status field
func (d *ProcessingStatusData) EventType() EventType {
	switch d.Status {
	case "completed":
		return ProcessingCompleted
	case "error":
		return ProcessingErrored
	default:
		return ProcessingStarted
	}
}

// IntegrationSyncedData contains data for IntegrationSynced events
type IntegrationSyncedData struct {
	BusinessID string `json:"business_id"`
	Provider   string `json:"provider"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
}

// EventType returns the event type for IntegrationSyncedData
func (d *IntegrationSyncedData) EventType() EventType {
	return IntegrationSynced
}

// BriefGeneratedData contains data for BriefGenerated events
type BriefGeneratedData struct {
	BusinessID  string  `json:"business_id"`
	BriefDate   string  `json:"brief_date"`
	HealthScore float64 `json:"health_score"`
}

// EventType returns the event type for BriefGeneratedData
func (d *BriefGeneratedData) EventType() EventType {
	return BriefGenerated
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// EventWithData represents an event with typed data
type EventWithData struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// MarshalJSON customizes JSON serialization for EventWithData
func (e *EventWithData) MarshalJSON() ([]byte, error) {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	// Marshal the data separately
	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON customizes JSON deserialization for EventWithData
func (e *EventWithData) UnmarshalJSON(data []byte) error {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	// Unmarshal data based on event type
	if len(aux.Data) > 0 {
		var eventData EventData
		switch aux.Type {
		case SignalDetected, SignalUpdated, SignalResolved, SignalStatusChanged:
			eventData = &SignalChangedData{}
		case CaseCreated, CaseStatusChanged, CaseEscalated, CaseRecomputeApplied:
			eventData = &CaseChangedData{}
		case WorkItemCreated, WorkItemUpdated, WorkItemAutoResolved:
			eventData = &WorkItemChangedData{}
		case ActionCreated, ActionUpdated, ActionResolved:
			eventData = &ActionChangedData{}
		case PlanCreated, PlanActivated, PlanRefreshed, PlanClosed:
			eventData = &PlanChangedData{}
		case TickCompleted:
			eventData = &TickCompletedData{}
		case PulseCompleted:
			eventData = &PulseCompletedData{}
		case ProcessingStarted, ProcessingCompleted, ProcessingErrored:
			eventData = &ProcessingStatusData{}
		case IntegrationSynced:
			eventData = &IntegrationSyncedData{}
		case BriefGenerated:
			eventData = &BriefGeneratedData{}
		case ErrorOccurred:
			eventData = &ErrorEventData{}
		default:
			// For unknown types, use raw map
			var rawData map[string]interface{}
			if err := json.Unmarshal(aux.Data, &rawData); err != nil {
				return err
			}
			// Convert to generic data type
			eventData = &GenericEventData{Type: aux.Type, Data: rawData}
		}

		if eventData != nil {
			if err := json.Unmarshal(aux.Data, eventData); err != nil {
				return err
			}
			e.Data = eventData
		}
	}

	return nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}
