package cases

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

// Timeline event types persisted in case_events.
const (
	eventCaseCreated      = "case_created"
	eventSignalAttached   = "signal_attached"
	eventStatusChanged    = "status_changed"
	eventCaseEscalated    = "case_escalated"
	eventRecomputeApplied = "recompute_applied"
	eventNoteAdded        = "note_added"
	eventAnchorAttached   = "anchor_attached"
	eventAnchorDetached   = "anchor_detached"
)

// Escalation rule names.
const (
	RuleSignalVolume = "signal_volume_30d"
	RulePlanOverdue  = "plan_overdue"
	RuleRiskDelta    = "risk_delta"
)

const (
	escalationSignalVolume = 3
	escalationRiskDelta    = 15.0
	planOverdueAfter       = 14 * 24 * time.Hour
)

// RiskComputer provides the current risk posture. Implemented by the health
// engine (risk is the inverted health score).
type RiskComputer interface {
	ComputeRiskSnapshot(businessID string) (*domain.RiskSnapshot, error)
}

// PlanSource exposes the plan facts escalation needs without importing the
// plans module. ActivePlanCreatedAt returns nil when the case has no active
// plan.
type PlanSource interface {
	ActivePlanCreatedAt(businessID string, caseID int64) (*time.Time, error)
}

// Engine owns the case lifecycle: aggregation, escalation, recompute, and
// operator transitions.
type Engine struct {
	repo    *Repository
	risk    RiskComputer
	plans   PlanSource
	auditor *audit.Writer
	bus     *events.Bus
	log     zerolog.Logger
}

// NewEngine creates a case engine. risk and plans may be nil in tests; nil
// risk yields empty snapshots, nil plans means no plan_overdue escalations.
func NewEngine(repo *Repository, risk RiskComputer, plans PlanSource, auditor *audit.Writer, bus *events.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		repo:    repo,
		risk:    risk,
		plans:   plans,
		auditor: auditor,
		bus:     bus,
		log:     log.With().Str("service", "case_engine").Logger(),
	}
}

// SetPlanSource wires the plan reader in after construction.
func (e *Engine) SetPlanSource(p PlanSource) {
	e.plans = p
}

// AggregateSignal routes one observed signal into its domain's open case,
// creating the case when none is active. Satisfies signals.CaseAggregator.
func (e *Engine) AggregateSignal(businessID, signalID, signalType string, severity domain.Severity, occurredAt time.Time) error {
	occurredAt = occurredAt.UTC()
	signalDomain := domain.DomainOf(signalType)

	c, err := e.repo.FindOpenByDomain(businessID, signalDomain)
	if err != nil {
		return err
	}
	if c == nil {
		c = &Case{
			BusinessID:        businessID,
			Domain:            signalDomain,
			Status:            StatusOpen,
			Severity:          domain.MapToCaseSeverity(severity),
			PrimarySignalType: signalType,
			OpenedAt:          occurredAt,
			LastActivityAt:    occurredAt,
			RiskScoreSnapshot: e.riskSnapshot(businessID),
		}
		if _, err := e.repo.Create(c); err != nil {
			return err
		}
		e.timeline(c, eventCaseCreated, map[string]interface{}{
			"domain":              string(c.Domain),
			"primary_signal_type": signalType,
		}, occurredAt)
		e.auditor.RecordAt(occurredAt, businessID, string(events.CaseCreated), "case", fmt.Sprint(c.ID), nil, c, nil)
		e.emit(c, "created", "")
	}

	// A signal belongs to at most one case, ever.
	binding, err := e.repo.GetSignalBinding(businessID, signalID)
	if err != nil {
		return err
	}
	switch {
	case binding == nil:
		if err := e.repo.AttachSignal(&CaseSignal{
			BusinessID: businessID,
			SignalID:   signalID,
			SignalType: signalType,
			Severity:   severity,
			CaseID:     c.ID,
			AttachedAt: occurredAt,
		}); err != nil {
			return err
		}
		e.timeline(c, eventSignalAttached, map[string]interface{}{
			"signal_id":   signalID,
			"signal_type": signalType,
			"severity":    string(severity),
		}, occurredAt)
	case binding.CaseID != c.ID:
		return &domain.CaseSignalInvariantError{
			SignalID:        signalID,
			BoundCaseID:     binding.CaseID,
			AttemptedCaseID: c.ID,
		}
	}

	c.LastActivityAt = occurredAt
	c.Severity = domain.MaxCaseSeverity(c.Severity, domain.MapToCaseSeverity(severity))
	if err := e.repo.Update(c); err != nil {
		return err
	}

	return e.EvaluateEscalation(c.ID, occurredAt)
}

// escalationHit is one rule that currently holds.
type escalationHit struct {
	rule    string
	payload map[string]interface{}
}

// EvaluateEscalation checks the escalation rules and fires CASE_ESCALATED
// exactly once per distinct (rule, payload), de-duplicated against the most
// recent escalation on the timeline.
func (e *Engine) EvaluateEscalation(caseID int64, now time.Time) error {
	now = now.UTC()
	c, err := e.repo.GetByID(caseID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("case %d: %w", caseID, domain.ErrNotFound)
	}
	if !c.Status.Active() {
		return nil
	}

	hit, err := e.firstEscalation(c, now)
	if err != nil {
		return err
	}
	if hit == nil {
		return nil
	}

	// Same rule with the same payload already fired: nothing new happened.
	last, err := e.repo.LatestEventOfType(caseID, eventCaseEscalated)
	if err != nil {
		return err
	}
	if last != nil && samePayload(last.Payload, hit.rule, hit.payload) {
		return nil
	}

	before := *c
	if c.Status != StatusEscalated {
		c.Status = StatusEscalated
		c.LastActivityAt = now
		if err := e.repo.Update(c); err != nil {
			return err
		}
	}

	payload := map[string]interface{}{"rule": hit.rule}
	for k, v := range hit.payload {
		payload[k] = v
	}
	e.timeline(c, eventCaseEscalated, payload, now)
	e.auditor.RecordAt(now, c.BusinessID, string(events.CaseEscalated), "case", fmt.Sprint(c.ID), before, c, payload)
	e.emit(c, "escalated", hit.rule)

	e.log.Warn().
		Str("business_id", c.BusinessID).
		Int64("case_id", c.ID).
		Str("rule", hit.rule).
		Msg("Case escalated")
	return nil
}

// firstEscalation returns the first rule that holds, in fixed rule order.
func (e *Engine) firstEscalation(c *Case, now time.Time) (*escalationHit, error) {
	count, err := e.repo.CountSignalsSince(c.ID, now.Add(-30*24*time.Hour))
	if err != nil {
		return nil, err
	}
	if count >= escalationSignalVolume {
		return &escalationHit{
			rule:    RuleSignalVolume,
			payload: map[string]interface{}{"signal_count": count},
		}, nil
	}

	if overdue, createdAt, err := e.planOverdue(c, now); err != nil {
		return nil, err
	} else if overdue {
		return &escalationHit{
			rule:    RulePlanOverdue,
			payload: map[string]interface{}{"plan_created_at": createdAt.Format(time.RFC3339)},
		}, nil
	}

	if delta, ok := e.riskDelta(c); ok && delta >= escalationRiskDelta {
		return &escalationHit{
			rule:    RuleRiskDelta,
			payload: map[string]interface{}{"risk_delta": delta},
		}, nil
	}
	return nil, nil
}

func (e *Engine) planOverdue(c *Case, now time.Time) (bool, time.Time, error) {
	if e.plans == nil {
		return false, time.Time{}, nil
	}
	createdAt, err := e.plans.ActivePlanCreatedAt(c.BusinessID, c.ID)
	if err != nil {
		return false, time.Time{}, err
	}
	if createdAt == nil {
		return false, time.Time{}, nil
	}
	return now.Sub(*createdAt) > planOverdueAfter, *createdAt, nil
}

func (e *Engine) riskDelta(c *Case) (float64, bool) {
	if e.risk == nil || c.RiskScoreSnapshot == nil {
		return 0, false
	}
	current, err := e.risk.ComputeRiskSnapshot(c.BusinessID)
	if err != nil || current == nil {
		return 0, false
	}
	return current.Score - c.RiskScoreSnapshot.Score, true
}

// Recompute derives the case's current state from attached signals, plans,
// and risk, diffs it against the persisted row, and applies the diff when
// asked. apply=false is the dry-run the tick uses for reporting.
func (e *Engine) Recompute(caseID int64, apply bool, now time.Time) (*RecomputeResult, error) {
	now = now.UTC()
	c, err := e.repo.GetByID(caseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("case %d: %w", caseID, domain.ErrNotFound)
	}

	derived, err := e.derive(c, now)
	if err != nil {
		return nil, err
	}

	diff := map[string]interface{}{}
	if derived.Status != c.Status {
		diff["status"] = map[string]string{"from": string(c.Status), "to": string(derived.Status)}
	}
	if derived.Severity != c.Severity {
		diff["severity"] = map[string]string{"from": string(c.Severity), "to": string(derived.Severity)}
	}

	result := &RecomputeResult{CaseID: caseID, Derived: *derived, Diff: diff}
	if !apply || len(diff) == 0 {
		return result, nil
	}

	before := *c
	c.Status = derived.Status
	c.Severity = derived.Severity
	c.LastActivityAt = now
	if err := e.repo.Update(c); err != nil {
		return nil, err
	}
	result.Applied = true

	payload := map[string]interface{}{"diff": diff}
	e.timeline(c, eventRecomputeApplied, payload, now)
	e.auditor.RecordAt(now, c.BusinessID, string(events.CaseRecomputeApplied), "case", fmt.Sprint(c.ID), before, c, payload)
	e.emit(c, "recompute_applied", "")
	return result, nil
}

// derive computes the full derived state for one case.
func (e *Engine) derive(c *Case, now time.Time) (*DerivedState, error) {
	attached, err := e.repo.ListAttachedSignalStates(c.ID)
	if err != nil {
		return nil, err
	}

	openCount30d := 0
	severity := domain.CaseSeverity("")
	cutoff := now.Add(-30 * 24 * time.Hour)
	for _, s := range attached {
		if !s.Status.Active() {
			continue
		}
		severity = domain.MaxCaseSeverity(severity, domain.MapToCaseSeverity(s.Severity))
		if !s.AttachedAt.Before(cutoff) {
			openCount30d++
		}
	}
	if severity == "" {
		// No live signals: keep what the case already carries.
		severity = c.Severity
	}

	hit, err := e.firstEscalation(c, now)
	if err != nil {
		return nil, err
	}

	status := c.Status
	switch {
	case hit != nil && c.Status.Active():
		status = StatusEscalated
	case c.Status == StatusEscalated && openCount30d == 0:
		status = StatusMonitoring
	}

	planOverdue, _, err := e.planOverdue(c, now)
	if err != nil {
		return nil, err
	}

	riskDelta, _ := e.riskDelta(c)

	slaBreached := c.Status.Active() || c.Status == StatusReopened
	slaBreached = slaBreached && now.After(SLADeadline(c.OpenedAt, c.Severity))

	derived := &DerivedState{
		Status:             status,
		Severity:           severity,
		RiskDelta:          riskDelta,
		SLABreached:        slaBreached,
		PlanOverdue:        planOverdue,
		OpenSignalCount30d: openCount30d,
	}
	if hit != nil {
		derived.EscalationRule = hit.rule
	}
	return derived, nil
}

// UpdateStatus applies an operator-driven transition through the state
// machine table.
func (e *Engine) UpdateStatus(caseID int64, status CaseStatus, note string) (*Case, error) {
	c, err := e.repo.GetByID(caseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("case %d: %w", caseID, domain.ErrNotFound)
	}
	if !CanTransition(c.Status, status) {
		return nil, domain.Validationf("case %d cannot move %s -> %s", caseID, c.Status, status)
	}

	now := time.Now().UTC()
	before := *c
	c.Status = status
	c.LastActivityAt = now
	switch status {
	case StatusResolved, StatusDismissed:
		closedAt := now
		c.ClosedAt = &closedAt
	case StatusReopened:
		c.ClosedAt = nil
	}
	if err := e.repo.Update(c); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"from": string(before.Status),
		"to":   string(status),
	}
	if note != "" {
		payload["note"] = note
	}
	e.timeline(c, eventStatusChanged, payload, now)
	e.auditor.RecordAt(now, c.BusinessID, string(events.CaseStatusChanged), "case", fmt.Sprint(c.ID), before, c, payload)
	e.emit(c, "status_changed", "")
	return c, nil
}

// AddNote appends a free-form note to the timeline.
func (e *Engine) AddNote(caseID int64, note string) error {
	if note == "" {
		return domain.Validationf("note must not be empty")
	}
	c, err := e.repo.GetByID(caseID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("case %d: %w", caseID, domain.ErrNotFound)
	}
	e.timeline(c, eventNoteAdded, map[string]interface{}{"note": note}, time.Now().UTC())
	return nil
}

// AttachLedgerAnchor idempotently pins a ledger slice to the case.
func (e *Engine) AttachLedgerAnchor(caseID int64, anchorKey string, payload map[string]interface{}) error {
	if anchorKey == "" {
		return domain.Validationf("anchor_key must not be empty")
	}
	c, err := e.repo.GetByID(caseID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("case %d: %w", caseID, domain.ErrNotFound)
	}

	now := time.Now().UTC()
	created, err := e.repo.UpsertAnchor(&CaseAnchor{
		CaseID:     caseID,
		BusinessID: c.BusinessID,
		AnchorKey:  anchorKey,
		Payload:    payload,
		AttachedAt: now,
	})
	if err != nil {
		return err
	}
	if created {
		e.timeline(c, eventAnchorAttached, map[string]interface{}{"anchor_key": anchorKey}, now)
	}
	return nil
}

// DetachLedgerAnchor removes a pinned ledger slice.
func (e *Engine) DetachLedgerAnchor(caseID int64, anchorKey string) error {
	c, err := e.repo.GetByID(caseID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("case %d: %w", caseID, domain.ErrNotFound)
	}

	deleted, err := e.repo.DeleteAnchor(caseID, anchorKey)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("anchor %s on case %d: %w", anchorKey, caseID, domain.ErrNotFound)
	}
	e.timeline(c, eventAnchorDetached, map[string]interface{}{"anchor_key": anchorKey}, time.Now().UTC())
	return nil
}

// Timeline returns the case's full event history.
func (e *Engine) Timeline(caseID int64) ([]CaseEvent, error) {
	c, err := e.repo.GetByID(caseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("case %d: %w", caseID, domain.ErrNotFound)
	}
	return e.repo.ListEvents(caseID)
}

func (e *Engine) riskSnapshot(businessID string) *domain.RiskSnapshot {
	if e.risk == nil {
		return nil
	}
	snapshot, err := e.risk.ComputeRiskSnapshot(businessID)
	if err != nil {
		e.log.Error().Err(err).Str("business_id", businessID).Msg("Failed to compute risk snapshot")
		return nil
	}
	return snapshot
}

func (e *Engine) timeline(c *Case, eventType string, payload map[string]interface{}, at time.Time) {
	if err := e.repo.InsertEvent(&CaseEvent{
		CaseID:     c.ID,
		BusinessID: c.BusinessID,
		EventType:  eventType,
		Payload:    payload,
		CreatedAt:  at,
	}); err != nil {
		e.log.Error().Err(err).Int64("case_id", c.ID).Str("event_type", eventType).Msg("Failed to write case timeline event")
	}
}

func (e *Engine) emit(c *Case, change, rule string) {
	if e.bus == nil {
		return
	}
	e.bus.Emit("cases", &events.CaseChangedData{
		BusinessID: c.BusinessID,
		CaseID:     c.ID,
		Domain:     string(c.Domain),
		Status:     string(c.Status),
		Severity:   string(c.Severity),
		Rule:       rule,
		Change:     change,
	})
}

// samePayload compares the last escalation's (rule, payload) with a candidate
// hit. Payloads round-trip through JSON so numeric types compare stably.
func samePayload(last map[string]interface{}, rule string, payload map[string]interface{}) bool {
	if last == nil {
		return false
	}
	if lastRule, _ := last["rule"].(string); lastRule != rule {
		return false
	}
	candidate := map[string]interface{}{"rule": rule}
	for k, v := range payload {
		candidate[k] = v
	}
	normalized, err := normalizeJSON(candidate)
	if err != nil {
		return false
	}
	lastNormalized, err := normalizeJSON(last)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(normalized, lastNormalized)
}

func normalizeJSON(m map[string]interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
