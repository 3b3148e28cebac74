package plans

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/actions"
	"github.com/clarityhq/clarity/internal/modules/audit"
	"github.com/clarityhq/clarity/internal/modules/briefs"
	"github.com/clarityhq/clarity/internal/utils"
)

// BriefSource supplies the persisted daily metric history conditions average
// over. Implemented by the briefs repository.
type BriefSource interface {
	ListRange(businessID, startDate, endDate string) ([]briefs.Brief, error)
}

// SignalReader resolves signal state for signal_resolved conditions.
type SignalReader interface {
	GetBySignalID(businessID, signalID string) (*domain.SignalState, error)
}

// ActionReader resolves the action a from-action plan derives from.
type ActionReader interface {
	GetByID(id int64) (*actions.Action, error)
}

// Engine owns the plan state machine and condition evaluation.
type Engine struct {
	repo      *Repository
	briefs    BriefSource
	signals   SignalReader
	actionSrc ActionReader
	auditor   *audit.Writer
	bus       *events.Bus
	log       zerolog.Logger
}

// NewEngine creates a plan engine.
func NewEngine(repo *Repository, briefSource BriefSource, signalReader SignalReader, actionReader ActionReader, auditor *audit.Writer, bus *events.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		repo:      repo,
		briefs:    briefSource,
		signals:   signalReader,
		actionSrc: actionReader,
		auditor:   auditor,
		bus:       bus,
		log:       log.With().Str("service", "plan_engine").Logger(),
	}
}

// ConditionInput describes one condition at plan creation.
type ConditionInput struct {
	Type                 string  `json:"type"`
	SourceSignalID       string  `json:"source_signal_id,omitempty"`
	MetricKey            string  `json:"metric_key,omitempty"`
	Direction            string  `json:"direction,omitempty"`
	BaselineWindowDays   int     `json:"baseline_window_days,omitempty"`
	EvaluationWindowDays int     `json:"evaluation_window_days,omitempty"`
	Threshold            float64 `json:"threshold,omitempty"`
}

// CreateInput describes a new plan.
type CreateInput struct {
	CaseID         *int64           `json:"case_id,omitempty"`
	ActionID       *int64           `json:"action_id,omitempty"`
	Title          string           `json:"title"`
	Description    string           `json:"description"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Conditions     []ConditionInput `json:"conditions"`
}

const defaultWindowDays = 14

// CreatePlan persists a draft plan. A duplicate idempotency key returns the
// existing plan untouched.
func (e *Engine) CreatePlan(businessID string, input CreateInput) (*Plan, error) {
	if input.Title == "" {
		return nil, domain.Validationf("plan title is required")
	}
	if len(input.Conditions) == 0 {
		return nil, domain.Validationf("a plan needs at least one condition")
	}

	if input.IdempotencyKey != "" {
		existing, err := e.repo.GetByKey(businessID, input.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	now := time.Now().UTC()
	conditions := make([]Condition, 0, len(input.Conditions))
	for _, ci := range input.Conditions {
		c, err := buildCondition(ci, now)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, *c)
	}

	plan := &Plan{
		BusinessID:     businessID,
		CaseID:         input.CaseID,
		ActionID:       input.ActionID,
		Title:          input.Title,
		Description:    input.Description,
		Status:         StatusDraft,
		IdempotencyKey: input.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.repo.Create(plan, conditions); err != nil {
		return nil, err
	}

	e.recordEvent(plan, "plan_created", nil, now)
	e.auditor.RecordAt(now, businessID, string(events.PlanCreated), "plan", planEntityID(plan.ID), nil, plan, nil)
	e.emit(plan, "created", "")
	return plan, nil
}

func buildCondition(ci ConditionInput, now time.Time) (*Condition, error) {
	c := &Condition{
		Type:                 ci.Type,
		SourceSignalID:       ci.SourceSignalID,
		MetricKey:            ci.MetricKey,
		Direction:            ci.Direction,
		BaselineWindowDays:   ci.BaselineWindowDays,
		EvaluationWindowDays: ci.EvaluationWindowDays,
		Threshold:            ci.Threshold,
		CreatedAt:            now,
	}
	if c.BaselineWindowDays <= 0 {
		c.BaselineWindowDays = defaultWindowDays
	}
	if c.EvaluationWindowDays <= 0 {
		c.EvaluationWindowDays = defaultWindowDays
	}

	switch c.Type {
	case ConditionSignalResolved:
		if c.SourceSignalID == "" {
			return nil, domain.Validationf("signal_resolved condition needs a source signal")
		}
	case ConditionMetricDelta:
		if c.MetricKey == "" {
			return nil, domain.Validationf("metric_delta condition needs a metric key")
		}
		if _, known := higherIsBetter[c.MetricKey]; !known {
			return nil, domain.Validationf("unknown metric %q", c.MetricKey)
		}
		switch c.Direction {
		case DirectionImprove, DirectionWorsen, DirectionResolve:
		default:
			return nil, domain.Validationf("invalid condition direction %q", c.Direction)
		}
	default:
		return nil, domain.Validationf("invalid condition type %q", c.Type)
	}
	return c, nil
}

// FromAction derives a plan from an existing action: signal-backed actions
// watch for the signal to resolve, the rest track the metric their action
// type moves.
func (e *Engine) FromAction(businessID string, actionID int64) (*Plan, error) {
	action, err := e.actionSrc.GetByID(actionID)
	if err != nil {
		return nil, err
	}
	if action == nil || action.BusinessID != businessID {
		return nil, fmt.Errorf("action %d: %w", actionID, domain.ErrNotFound)
	}

	var condition ConditionInput
	switch {
	case action.SourceSignalID != "":
		condition = ConditionInput{Type: ConditionSignalResolved, SourceSignalID: action.SourceSignalID}
	case action.ActionType == actions.TypeFixMapping:
		condition = ConditionInput{
			Type: ConditionMetricDelta, MetricKey: briefs.MetricUncategorized,
			Direction: DirectionResolve, Threshold: 0,
		}
	case action.ActionType == actions.TypeReviewVendor:
		condition = ConditionInput{
			Type: ConditionMetricDelta, MetricKey: briefs.MetricOutflow7d,
			Direction: DirectionImprove, Threshold: 0.1,
		}
	default:
		condition = ConditionInput{
			Type: ConditionMetricDelta, MetricKey: briefs.MetricHealthScore,
			Direction: DirectionImprove, Threshold: 0.05,
		}
	}

	id := action.ID
	return e.CreatePlan(businessID, CreateInput{
		ActionID:       &id,
		Title:          fmt.Sprintf("Follow up: %s", action.Title),
		Description:    fmt.Sprintf("Tracks the outcome of action %d (%s).", action.ID, action.ActionType),
		IdempotencyKey: fmt.Sprintf("from_action:%s", action.IdempotencyKey),
		Conditions:     []ConditionInput{condition},
	})
}

// Activate moves a draft plan to active and stamps the evaluation origin.
func (e *Engine) Activate(planID int64) (*Plan, error) {
	plan, err := e.mustGet(planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != StatusDraft {
		return nil, domain.Validationf("plan %d is %s, only drafts activate", planID, plan.Status)
	}

	now := time.Now().UTC()
	before := *plan
	plan.Status = StatusActive
	plan.ActivatedAt = &now
	plan.UpdatedAt = now
	if err := e.repo.Update(plan); err != nil {
		return nil, err
	}

	e.recordEvent(plan, "plan_activated", nil, now)
	e.auditor.RecordAt(now, plan.BusinessID, string(events.PlanActivated), "plan", planEntityID(plan.ID), before, plan, nil)
	e.emit(plan, "activated", "")
	return plan, nil
}

// Assign sets or clears a plan's assignee.
func (e *Engine) Assign(planID int64, userID string) (*Plan, error) {
	plan, err := e.mustGet(planID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	before := *plan
	plan.AssignedTo = userID
	plan.UpdatedAt = now
	if err := e.repo.Update(plan); err != nil {
		return nil, err
	}

	e.recordEvent(plan, "plan_assigned", map[string]interface{}{"assigned_to": userID}, now)
	e.auditor.RecordAt(now, plan.BusinessID, "plan_assigned", "plan", planEntityID(plan.ID), before, plan, nil)
	return plan, nil
}

// AddNote appends a free-text note to the plan's event history.
func (e *Engine) AddNote(planID int64, note string) error {
	if note == "" {
		return domain.Validationf("note text is required")
	}
	plan, err := e.mustGet(planID)
	if err != nil {
		return err
	}
	e.recordEvent(plan, "note_added", map[string]interface{}{"note": note}, time.Now().UTC())
	return nil
}

// Close moves a plan to a terminal status.
func (e *Engine) Close(planID int64, outcome string) (*Plan, error) {
	switch outcome {
	case StatusSucceeded, StatusFailed, StatusCanceled:
	default:
		return nil, domain.Validationf("invalid plan outcome %q", outcome)
	}

	plan, err := e.mustGet(planID)
	if err != nil {
		return nil, err
	}
	if plan.Closed() {
		return nil, domain.Validationf("plan %d is already closed", planID)
	}

	now := time.Now().UTC()
	before := *plan
	plan.Status = outcome
	plan.Outcome = outcome
	plan.ClosedAt = &now
	plan.UpdatedAt = now
	if err := e.repo.Update(plan); err != nil {
		return nil, err
	}

	e.recordEvent(plan, "plan_closed", map[string]interface{}{"outcome": outcome}, now)
	e.auditor.RecordAt(now, plan.BusinessID, string(events.PlanClosed), "plan", planEntityID(plan.ID), before, plan, nil)
	e.emit(plan, "closed", "")
	return plan, nil
}

// Refresh re-evaluates every condition of an active plan and records one
// observation. It never mutates plan status; closing on success is the
// operator's call.
func (e *Engine) Refresh(planID int64, now time.Time) (*Observation, error) {
	now = now.UTC()
	plan, err := e.mustGet(planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != StatusActive {
		return nil, domain.Validationf("plan %d is %s, only active plans refresh", planID, plan.Status)
	}

	conditions, err := e.repo.ListConditions(planID)
	if err != nil {
		return nil, err
	}

	verdicts := make([]ConditionVerdict, 0, len(conditions))
	sourceIDs := map[int64]bool{}
	for _, c := range conditions {
		verdict, err := e.evaluate(plan, c, now, sourceIDs)
		if err != nil {
			return nil, err
		}
		verdicts = append(verdicts, *verdict)
	}

	messageIDs := make([]int64, 0, len(sourceIDs))
	for id := range sourceIDs {
		messageIDs = append(messageIDs, id)
	}
	sort.Slice(messageIDs, func(i, j int) bool { return messageIDs[i] < messageIDs[j] })

	observation := &Observation{
		PlanID:  planID,
		Verdict: aggregateVerdict(verdicts),
		Payload: map[string]interface{}{
			"conditions":         verdicts,
			"source_message_ids": messageIDs,
		},
		ObservedAt: now,
	}
	if err := e.repo.InsertObservation(observation); err != nil {
		return nil, err
	}

	e.recordEvent(plan, "plan_refreshed", map[string]interface{}{"verdict": observation.Verdict}, now)
	e.auditor.RecordAt(now, plan.BusinessID, string(events.PlanRefreshed), "plan", planEntityID(plan.ID), nil, observation, nil)
	e.emit(plan, "refreshed", observation.Verdict)
	return observation, nil
}

func (e *Engine) evaluate(plan *Plan, c Condition, now time.Time, sourceIDs map[int64]bool) (*ConditionVerdict, error) {
	switch c.Type {
	case ConditionSignalResolved:
		return e.evaluateSignalResolved(plan, c, now)
	case ConditionMetricDelta:
		return e.evaluateMetricDelta(plan, c, now, sourceIDs)
	}
	return nil, domain.Validationf("unknown condition type %q", c.Type)
}

func (e *Engine) evaluateSignalResolved(plan *Plan, c Condition, now time.Time) (*ConditionVerdict, error) {
	state, err := e.signals.GetBySignalID(plan.BusinessID, c.SourceSignalID)
	if err != nil {
		return nil, err
	}

	verdict := &ConditionVerdict{ConditionID: c.ID, Evidence: map[string]interface{}{
		"signal_id": c.SourceSignalID,
	}}
	if state == nil {
		verdict.Verdict = VerdictNoChange
		verdict.Evidence["missing"] = true
		return verdict, nil
	}

	verdict.Evidence["status"] = string(state.Status)
	if state.Status != domain.SignalStatusResolved || state.ResolvedAt == nil {
		verdict.Verdict = VerdictNoChange
		return verdict, nil
	}

	heldDays := utils.DaysBetween(*state.ResolvedAt, now)
	verdict.Evidence["resolved_for_days"] = heldDays
	if heldDays >= c.EvaluationWindowDays {
		verdict.Verdict = VerdictSuccess
	} else {
		verdict.Verdict = VerdictImproving
	}
	return verdict, nil
}

func (e *Engine) evaluateMetricDelta(plan *Plan, c Condition, now time.Time, sourceIDs map[int64]bool) (*ConditionVerdict, error) {
	if plan.ActivatedAt == nil {
		return nil, domain.Validationf("plan %d has no activation date", plan.ID)
	}

	activated := utils.StartOfDayUTC(*plan.ActivatedAt)
	evalEnd := activated.Add(time.Duration(c.EvaluationWindowDays-1) * 24 * time.Hour)
	today := utils.StartOfDayUTC(now)
	if today.Before(evalEnd) {
		evalEnd = today
	}
	evalWindow := domain.DateWindow{
		Start: utils.DayBucket(activated),
		End:   utils.DayBucket(evalEnd),
	}
	baselineWindow := domain.DateWindow{
		Start: utils.DayBucket(activated.Add(-time.Duration(c.BaselineWindowDays) * 24 * time.Hour)),
		End:   utils.DayBucket(activated.Add(-24 * time.Hour)),
	}

	baseline, baseOK, err := e.metricAverage(plan.BusinessID, c.MetricKey, baselineWindow, sourceIDs)
	if err != nil {
		return nil, err
	}
	current, evalOK, err := e.metricAverage(plan.BusinessID, c.MetricKey, evalWindow, sourceIDs)
	if err != nil {
		return nil, err
	}

	verdict := &ConditionVerdict{ConditionID: c.ID, Evidence: map[string]interface{}{
		"metric_key":      c.MetricKey,
		"direction":       c.Direction,
		"baseline_window": baselineWindow,
		"eval_window":     evalWindow,
	}}
	if !baseOK || !evalOK {
		verdict.Verdict = VerdictNoChange
		verdict.Evidence["insufficient_data"] = true
		return verdict, nil
	}

	delta := utils.RoundCents(current - baseline)
	improvement := delta
	if !higherIsBetter[c.MetricKey] {
		improvement = -delta
	}
	verdict.Evidence["baseline"] = baseline
	verdict.Evidence["current"] = current
	verdict.Evidence["delta"] = delta

	switch c.Direction {
	case DirectionResolve:
		// Absolute target: the metric has been driven to (near) zero.
		switch {
		case math.Abs(current) <= c.Threshold:
			verdict.Verdict = VerdictSuccess
		case math.Abs(current) < math.Abs(baseline):
			verdict.Verdict = VerdictImproving
		case math.Abs(current) > math.Abs(baseline):
			verdict.Verdict = VerdictWorsening
		default:
			verdict.Verdict = VerdictNoChange
		}
	case DirectionImprove:
		bar := c.Threshold * math.Abs(baseline)
		switch {
		case improvement > 0 && improvement >= bar:
			verdict.Verdict = VerdictSuccess
		case improvement > 0:
			verdict.Verdict = VerdictImproving
		case improvement < 0:
			verdict.Verdict = VerdictWorsening
		default:
			verdict.Verdict = VerdictNoChange
		}
	case DirectionWorsen:
		// The condition confirms an expected deterioration.
		bar := c.Threshold * math.Abs(baseline)
		adverse := -improvement
		switch {
		case adverse > 0 && adverse >= bar:
			verdict.Verdict = VerdictSuccess
		case adverse > 0:
			verdict.Verdict = VerdictWorsening
		case improvement > 0:
			verdict.Verdict = VerdictImproving
		default:
			verdict.Verdict = VerdictNoChange
		}
	}
	return verdict, nil
}

// metricAverage averages one metric over the briefs inside a window. The
// second return is false when no brief in the window carries the metric.
func (e *Engine) metricAverage(businessID, metricKey string, window domain.DateWindow, sourceIDs map[int64]bool) (float64, bool, error) {
	rows, err := e.briefs.ListRange(businessID, window.Start, window.End)
	if err != nil {
		return 0, false, err
	}

	sum, count := 0.0, 0
	for _, b := range rows {
		value, ok := b.Metrics[metricKey]
		if !ok {
			continue
		}
		sum += value
		count++
		sourceIDs[b.ID] = true
	}
	if count == 0 {
		return 0, false, nil
	}
	return utils.RoundCents(sum / float64(count)), true, nil
}

// ActivePlanCreatedAt reports when the case's active plan was created, nil
// when none exists. This is the plan-overdue input for cases and work.
func (e *Engine) ActivePlanCreatedAt(businessID string, caseID int64) (*time.Time, error) {
	plan, err := e.repo.FindActiveForCase(businessID, caseID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, nil
	}
	createdAt := plan.CreatedAt
	return &createdAt, nil
}

// Get returns one plan with its conditions and observations.
func (e *Engine) Get(planID int64) (*Plan, []Condition, []Observation, error) {
	plan, err := e.mustGet(planID)
	if err != nil {
		return nil, nil, nil, err
	}
	conditions, err := e.repo.ListConditions(planID)
	if err != nil {
		return nil, nil, nil, err
	}
	observations, err := e.repo.ListObservations(planID)
	if err != nil {
		return nil, nil, nil, err
	}
	return plan, conditions, observations, nil
}

func (e *Engine) mustGet(planID int64) (*Plan, error) {
	plan, err := e.repo.GetByID(planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("plan %d: %w", planID, domain.ErrNotFound)
	}
	return plan, nil
}

func (e *Engine) recordEvent(p *Plan, eventType string, payload map[string]interface{}, now time.Time) {
	event := &PlanEvent{
		PlanID:    p.ID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: now,
	}
	if err := e.repo.InsertEvent(event, p.BusinessID); err != nil {
		e.log.Error().Err(err).Int64("plan_id", p.ID).Str("event_type", eventType).Msg("Failed to record plan event")
	}
}

func (e *Engine) emit(p *Plan, change, verdict string) {
	if e.bus == nil {
		return
	}
	e.bus.Emit("plans", &events.PlanChangedData{
		BusinessID: p.BusinessID,
		PlanID:     p.ID,
		Status:     p.Status,
		Verdict:    verdict,
		Change:     change,
	})
}

func planEntityID(id int64) string {
	return fmt.Sprintf("plan-%d", id)
}
