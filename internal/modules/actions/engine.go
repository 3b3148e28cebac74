package actions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/audit"
)

const (
	// Signal-sourced candidates below warning severity must persist this long
	// before they earn an action.
	persistenceMinAge = 45 * time.Minute

	// Flap suppression: this many status transitions inside the window.
	flapTransitions = 3
	flapWindow      = 14 * 24 * time.Hour

	// Resolved actions stay quiet this long unless something material changes.
	resolveCooldown = 14 * 24 * time.Hour
)

// SignalReader resolves a signal's persisted state for the suppression rules.
type SignalReader interface {
	GetBySignalID(businessID, signalID string) (*domain.SignalState, error)
}

// TransitionCounter counts audit-log transitions for the flap rule.
// Implemented by the audit repository.
type TransitionCounter interface {
	CountTransitions(businessID, entityType, entityID string, eventTypes []string, since time.Time) (int, error)
}

// Engine generates, suppresses and transitions action items.
type Engine struct {
	repo         *Repository
	ledger       LedgerReader
	signals      SignalSource
	signalReader SignalReader
	integrations IntegrationSource
	transitions  TransitionCounter
	auditor      *audit.Writer
	bus          *events.Bus
	log          zerolog.Logger
}

// NewEngine creates an action engine. integrations may be nil until the
// provider module is wired.
func NewEngine(repo *Repository, ledgerReader LedgerReader, signalSource SignalSource, signalReader SignalReader, transitions TransitionCounter, auditor *audit.Writer, bus *events.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		repo:         repo,
		ledger:       ledgerReader,
		signals:      signalSource,
		signalReader: signalReader,
		transitions:  transitions,
		auditor:      auditor,
		bus:          bus,
		log:          log.With().Str("service", "action_engine").Logger(),
	}
}

// SetIntegrationSource wires the integration health reader in after
// construction.
func (e *Engine) SetIntegrationSource(src IntegrationSource) {
	e.integrations = src
}

// Generate runs all candidate sources and merges them into the action list
// under the suppression rules. Suppression order is fixed: idempotent refresh,
// persistence floor, flapping, cooldown after resolve.
func (e *Engine) Generate(businessID string, now time.Time) (*GenerateResult, error) {
	now = now.UTC()
	candidates, err := e.collect(businessID, now)
	if err != nil {
		return nil, err
	}

	result := &GenerateResult{SuppressionReasons: map[string]int{}}
	for _, c := range candidates {
		if err := e.apply(businessID, c, now, result); err != nil {
			return nil, err
		}
	}

	e.log.Debug().
		Str("business_id", businessID).
		Int("created", result.Created).
		Int("updated", result.Updated).
		Int("suppressed", result.Suppressed).
		Msg("Action generation pass complete")
	return result, nil
}

func (e *Engine) collect(businessID string, now time.Time) ([]Candidate, error) {
	var all []Candidate
	sources := []func() ([]Candidate, error){
		func() ([]Candidate, error) { return e.uncategorizedCandidates(businessID, now) },
		func() ([]Candidate, error) { return e.signalCandidates(businessID) },
		func() ([]Candidate, error) { return e.integrationCandidates(businessID, now) },
		func() ([]Candidate, error) { return e.vendorCandidates(businessID, now) },
	}
	for _, source := range sources {
		candidates, err := source()
		if err != nil {
			return nil, err
		}
		all = append(all, candidates...)
	}
	return all, nil
}

func (e *Engine) apply(businessID string, c Candidate, now time.Time, result *GenerateResult) error {
	existing, err := e.repo.GetByKey(businessID, c.IdempotencyKey)
	if err != nil {
		return err
	}

	// Idempotency: an open action with the same key refreshes in place.
	if existing != nil && existing.Status == StatusOpen {
		e.refresh(existing, c, now)
		if err := e.repo.Update(existing); err != nil {
			return err
		}
		result.Updated++
		return nil
	}

	// Persistence floor: young low-grade signals have not earned an action.
	if c.SourceSignalID != "" && !c.SourceSeverity.AtLeast(domain.SeverityWarning) {
		state, err := e.signalReader.GetBySignalID(businessID, c.SourceSignalID)
		if err != nil {
			return err
		}
		if state != nil && now.Sub(state.DetectedAt) < persistenceMinAge {
			e.suppress(result, SuppressPersistence)
			return nil
		}
	}

	// Flapping: a signal bouncing between statuses is not actionable.
	if c.SourceSignalID != "" {
		count, err := e.transitions.CountTransitions(businessID, "signal", c.SourceSignalID,
			[]string{string(events.SignalStatusChanged)}, now.Add(-flapWindow))
		if err != nil {
			return err
		}
		if count >= flapTransitions {
			e.suppress(result, SuppressFlapping)
			return nil
		}
	}

	// Cooldown: recently resolved and nothing material changed.
	if existing != nil && (existing.Status == StatusDone || existing.Status == StatusIgnored) &&
		existing.ResolvedAt != nil && now.Sub(*existing.ResolvedAt) < resolveCooldown &&
		!materialChange(existing, c) {
		e.suppress(result, SuppressCooldown)
		return nil
	}

	if existing != nil {
		// Reopen a snoozed/resolved action.
		before := *existing
		e.refresh(existing, c, now)
		existing.Status = StatusOpen
		existing.ResolvedAt = nil
		existing.ResolutionReason = ""
		existing.SnoozedUntil = nil
		if err := e.repo.Update(existing); err != nil {
			return err
		}
		result.Updated++
		e.recordEvent(existing, "action_reopened", map[string]interface{}{"previous_status": before.Status}, now, businessID)
		e.auditor.RecordAt(now, businessID, string(events.ActionUpdated), "action", existing.IdempotencyKey, before, existing, nil)
		e.emit(businessID, existing, "updated")
		return nil
	}

	action := &Action{
		BusinessID:     businessID,
		IdempotencyKey: c.IdempotencyKey,
		ActionType:     c.ActionType,
		Priority:       c.Priority,
		Status:         StatusOpen,
		Title:          c.Title,
		SourceSignalID: c.SourceSignalID,
		Evidence:       c.Evidence,
		Rationale:      c.Rationale,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.repo.Insert(action); err != nil {
		return err
	}
	result.Created++
	e.recordEvent(action, "action_created", nil, now, businessID)
	e.auditor.RecordAt(now, businessID, string(events.ActionCreated), "action", action.IdempotencyKey, nil, action, nil)
	e.emit(businessID, action, "created")
	return nil
}

func (e *Engine) refresh(a *Action, c Candidate, now time.Time) {
	a.Priority = c.Priority
	a.Title = c.Title
	a.Evidence = c.Evidence
	a.Rationale = c.Rationale
	a.UpdatedCount++
	a.UpdatedAt = now
}

func (e *Engine) suppress(result *GenerateResult, reason string) {
	result.Suppressed++
	result.SuppressionReasons[reason]++
}

// materialChange reports whether a candidate differs from the resolved action
// in a way worth reopening for: priority, evidence or rationale moved.
func materialChange(a *Action, c Candidate) bool {
	if a.Priority != c.Priority || a.Title != c.Title {
		return true
	}
	return !samePayload(a.Evidence, c.Evidence) || !samePayload(a.Rationale, c.Rationale)
}

// samePayload compares after a JSON round trip so typed candidate values and
// persisted map values compare equal.
func samePayload(a, b map[string]interface{}) bool {
	return reflect.DeepEqual(normalizePayload(a), normalizePayload(b))
}

func normalizePayload(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}

// Resolve closes an action as done or ignored.
func (e *Engine) Resolve(actionID int64, status, reason, note string) (*Action, error) {
	if status != StatusDone && status != StatusIgnored {
		return nil, domain.Validationf("invalid resolution status %q", status)
	}

	action, err := e.repo.GetByID(actionID)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return nil, fmt.Errorf("action %d: %w", actionID, domain.ErrNotFound)
	}

	now := time.Now().UTC()
	before := *action
	action.Status = status
	action.ResolvedAt = &now
	action.ResolutionReason = reason
	action.SnoozedUntil = nil
	action.UpdatedAt = now
	if err := e.repo.Update(action); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{"status": status}
	if reason != "" {
		payload["reason"] = reason
	}
	if note != "" {
		payload["note"] = note
	}
	e.recordEvent(action, "action_resolved", payload, now, action.BusinessID)
	e.auditor.RecordAt(now, action.BusinessID, string(events.ActionResolved), "action", action.IdempotencyKey, before, action, payload)
	e.emit(action.BusinessID, action, "resolved")
	return action, nil
}

// Snooze pushes an action out until the given time.
func (e *Engine) Snooze(actionID int64, until time.Time, reason string) (*Action, error) {
	action, err := e.repo.GetByID(actionID)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return nil, fmt.Errorf("action %d: %w", actionID, domain.ErrNotFound)
	}
	if action.Status == StatusDone || action.Status == StatusIgnored {
		return nil, domain.Validationf("action %d is resolved", actionID)
	}

	now := time.Now().UTC()
	until = until.UTC()
	if !until.After(now) {
		return nil, domain.Validationf("snooze time must be in the future")
	}

	before := *action
	action.Status = StatusSnoozed
	action.SnoozedUntil = &until
	action.UpdatedAt = now
	if err := e.repo.Update(action); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{"until": until.Format(time.RFC3339)}
	if reason != "" {
		payload["reason"] = reason
	}
	e.recordEvent(action, "action_snoozed", payload, now, action.BusinessID)
	e.auditor.RecordAt(now, action.BusinessID, string(events.ActionUpdated), "action", action.IdempotencyKey, before, action, payload)
	e.emit(action.BusinessID, action, "updated")
	return action, nil
}

// Assign sets or clears an action's assignee.
func (e *Engine) Assign(actionID int64, userID string) (*Action, error) {
	action, err := e.repo.GetByID(actionID)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return nil, fmt.Errorf("action %d: %w", actionID, domain.ErrNotFound)
	}

	now := time.Now().UTC()
	before := *action
	action.AssignedTo = userID
	action.UpdatedAt = now
	if err := e.repo.Update(action); err != nil {
		return nil, err
	}

	e.recordEvent(action, "action_assigned", map[string]interface{}{"assigned_to": userID}, now, action.BusinessID)
	e.auditor.RecordAt(now, action.BusinessID, string(events.ActionUpdated), "action", action.IdempotencyKey, before, action, nil)
	e.emit(action.BusinessID, action, "updated")
	return action, nil
}

// Timeline returns an action's event history.
func (e *Engine) Timeline(actionID int64) ([]StateEvent, error) {
	action, err := e.repo.GetByID(actionID)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return nil, fmt.Errorf("action %d: %w", actionID, domain.ErrNotFound)
	}
	return e.repo.ListEvents(actionID)
}

func (e *Engine) recordEvent(a *Action, eventType string, payload map[string]interface{}, now time.Time, businessID string) {
	event := &StateEvent{
		ActionID:  a.ID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: now,
	}
	if err := e.repo.InsertEvent(event, businessID); err != nil {
		e.log.Error().Err(err).Int64("action_id", a.ID).Str("event_type", eventType).Msg("Failed to record action event")
	}
}

func (e *Engine) emit(businessID string, a *Action, change string) {
	if e.bus == nil {
		return
	}
	e.bus.Emit("actions", &events.ActionChangedData{
		BusinessID: businessID,
		ActionID:   a.ID,
		ActionType: a.ActionType,
		Status:     a.Status,
		Change:     change,
	})
}
