package work

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/audit"
	"github.com/clarityhq/clarity/internal/modules/cases"
	"github.com/clarityhq/clarity/internal/modules/signals"
	clarity_testing "github.com/clarityhq/clarity/internal/testing"
)

type stubRisk struct {
	score float64
}

func (s *stubRisk) ComputeRiskSnapshot(businessID string) (*domain.RiskSnapshot, error) {
	return &domain.RiskSnapshot{Score: s.score, ComputedAt: time.Now().UTC()}, nil
}

type stubPlans struct {
	createdAt *time.Time
}

func (s *stubPlans) ActivePlanCreatedAt(businessID string, caseID int64) (*time.Time, error) {
	return s.createdAt, nil
}

type fixture struct {
	engine     *Engine
	repo       *Repository
	caseRepo   *cases.Repository
	caseEngine *cases.Engine
	machine    *signals.StateMachine
	plans      *stubPlans
	bus        *events.Bus
	cleanup    func()
}

func setupEngine(t *testing.T) *fixture {
	t.Helper()
	stores, cleanup := clarity_testing.NewTestStores(t)

	log := zerolog.Nop()
	auditRepo := audit.NewRepository(stores.Audit.Conn(), log)
	auditor := audit.NewWriter(auditRepo, log)
	bus := events.NewBus(log)

	caseRepo := cases.NewRepository(stores.Core.Conn(), log)
	signalRepo := signals.NewRepository(stores.Core.Conn(), log)
	machine := signals.NewStateMachine(signalRepo, auditor, bus, log)

	plans := &stubPlans{}
	caseEngine := cases.NewEngine(caseRepo, &stubRisk{score: 20}, plans, auditor, bus, log)
	machine.SetAggregator(caseEngine)

	repo := NewRepository(stores.Core.Conn(), log)
	engine := NewEngine(repo, caseEngine, caseRepo, plans, auditor, bus, log)

	return &fixture{
		engine:     engine,
		repo:       repo,
		caseRepo:   caseRepo,
		caseEngine: caseEngine,
		machine:    machine,
		plans:      plans,
		bus:        bus,
		cleanup:    cleanup,
	}
}

// seedHighCase opens a liquidity case with one open high-severity signal and
// returns it. The case starts open, unassigned, with no plan.
func seedHighCase(t *testing.T, f *fixture, at time.Time) *cases.Case {
	t.Helper()
	sig := domain.NewDetectedSignal("biz-1", "low_cash_runway", "", domain.SeverityHigh, "title", "summary", domain.SignalPayload{})
	_, err := f.machine.Reconcile("biz-1", []domain.DetectedSignal{sig}, at)
	require.NoError(t, err)

	c, err := f.caseRepo.FindOpenByDomain("biz-1", domain.DomainLiquidity)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func TestMaterializeCreatesDerivedItems(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := seedHighCase(t, f, t0)

	result, err := f.engine.Materialize(c.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Created)
	assert.Equal(t, 0, result.AutoResolved)

	items, err := f.repo.List("biz-1", ListFilter{})
	require.NoError(t, err)
	require.Len(t, items, 3)

	// Priority order: triage, missing plan, unassigned.
	assert.Equal(t, TypeHighSeverity, items[0].Type)
	assert.Equal(t, 80, items[0].Priority)
	require.NotNil(t, items[0].DueAt)
	assert.Equal(t, c.OpenedAt.Add(24*time.Hour), *items[0].DueAt)

	assert.Equal(t, TypeNoPlan, items[1].Type)
	assert.Equal(t, 70, items[1].Priority)

	assert.Equal(t, TypeUnassignedCase, items[2].Type)
	assert.Equal(t, 50, items[2].Priority)
	assert.Nil(t, items[2].DueAt)
}

func TestMaterializeIsIdempotent(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := seedHighCase(t, f, t0)

	_, err := f.engine.Materialize(c.ID, t0.Add(time.Hour))
	require.NoError(t, err)

	var created int
	f.bus.Subscribe(events.WorkItemCreated, func(e *events.Event) { created++ })

	// Same state, same clock: nothing moves and nothing re-emits.
	result, err := f.engine.Materialize(c.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 0, result.AutoResolved)
	assert.Equal(t, 3, result.Unchanged)
	assert.Equal(t, 0, created)
}

func TestMaterializeSLABreachAppearsWhenOverdue(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := seedHighCase(t, f, t0)

	// High severity SLA is 5 days; day 6 breaches.
	_, err := f.engine.Materialize(c.ID, t0.Add(6*24*time.Hour))
	require.NoError(t, err)

	item, err := f.repo.GetByKey(c.ID, "1:SLA_BREACH")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, TypeSLABreach, item.Type)
	assert.Equal(t, 100, item.Priority)
	assert.Equal(t, StatusOpen, item.Status)
}

func TestMaterializePlanOverdue(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := seedHighCase(t, f, t0)

	planCreated := t0.Add(-15 * 24 * time.Hour)
	f.plans.createdAt = &planCreated

	_, err := f.engine.Materialize(c.ID, t0.Add(time.Hour))
	require.NoError(t, err)

	item, err := f.repo.GetByKey(c.ID, "1:PLAN_OVERDUE")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, 90, item.Priority)
	require.NotNil(t, item.DueAt)
	assert.Equal(t, planCreated.Add(14*24*time.Hour), *item.DueAt)

	// An active plan exists, so NO_PLAN never fires.
	noPlan, err := f.repo.GetByKey(c.ID, "1:NO_PLAN")
	require.NoError(t, err)
	assert.Nil(t, noPlan)
}

func TestMaterializeAutoResolvesStaleItems(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := seedHighCase(t, f, t0)

	_, err := f.engine.Materialize(c.ID, t0.Add(time.Hour))
	require.NoError(t, err)

	// Assigning the case invalidates the unassigned item.
	c.AssignedTo = "ana@example.com"
	require.NoError(t, f.caseRepo.Update(c))

	now := t0.Add(2 * time.Hour)
	result, err := f.engine.Materialize(c.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.AutoResolved)

	item, err := f.repo.GetByKey(c.ID, "1:UNASSIGNED")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, StatusCompleted, item.Status)
	require.NotNil(t, item.ResolvedAt)
	assert.Equal(t, now, *item.ResolvedAt)
}

func TestMaterializeNeverReopensCompleted(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := seedHighCase(t, f, t0)

	_, err := f.engine.Materialize(c.ID, t0.Add(time.Hour))
	require.NoError(t, err)

	// Assign, materialize (auto-resolves UNASSIGNED), unassign again.
	c.AssignedTo = "ana@example.com"
	require.NoError(t, f.caseRepo.Update(c))
	_, err = f.engine.Materialize(c.ID, t0.Add(2*time.Hour))
	require.NoError(t, err)

	c.AssignedTo = ""
	require.NoError(t, f.caseRepo.Update(c))

	result, err := f.engine.Materialize(c.ID, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)

	item, err := f.repo.GetByKey(c.ID, "1:UNASSIGNED")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, StatusCompleted, item.Status, "completed items stay completed")
}

func TestCompleteAndSnooze(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := seedHighCase(t, f, t0)

	_, err := f.engine.Materialize(c.ID, t0.Add(time.Hour))
	require.NoError(t, err)

	items, err := f.repo.List("biz-1", ListFilter{Status: StatusOpen})
	require.NoError(t, err)
	require.NotEmpty(t, items)

	done, err := f.engine.Complete(items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.NotNil(t, done.ResolvedAt)

	// Completing twice is a quiet no-op.
	again, err := f.engine.Complete(items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, done.ResolvedAt.Unix(), again.ResolvedAt.Unix())

	// Snoozing a completed item is invalid.
	_, err = f.engine.Snooze(items[0].ID, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, domain.ErrValidation)

	until := time.Now().UTC().Add(48 * time.Hour)
	snoozed, err := f.engine.Snooze(items[1].ID, until)
	require.NoError(t, err)
	assert.Equal(t, StatusSnoozed, snoozed.Status)
	require.NotNil(t, snoozed.SnoozedUntil)
	assert.Equal(t, until.Unix(), snoozed.SnoozedUntil.Unix())

	// Snoozing into the past is invalid.
	_, err = f.engine.Snooze(items[2].ID, time.Now().Add(-time.Hour))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.engine.Complete(999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGenerateWorkItemsOrderIsDeterministic(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	opened := now.Add(-10 * 24 * time.Hour)
	review := now.Add(-time.Hour)
	c := &cases.Case{
		ID:           7,
		BusinessID:   "biz-1",
		Domain:       domain.DomainLiquidity,
		Status:       cases.StatusOpen,
		Severity:     domain.CaseSeverityHigh,
		OpenedAt:     opened,
		NextReviewAt: &review,
	}
	derived := cases.DerivedState{
		Status:             cases.StatusOpen,
		Severity:           domain.CaseSeverityHigh,
		SLABreached:        true,
		OpenSignalCount30d: 2,
	}

	first := GenerateWorkItems(c, derived, nil, now)
	second := GenerateWorkItems(c, derived, nil, now)
	require.Equal(t, first, second)

	require.Len(t, first, 5)
	types := make([]string, len(first))
	for i, it := range first {
		types[i] = it.Type
	}
	assert.Equal(t, []string{TypeSLABreach, TypeHighSeverity, TypeNoPlan, TypeReviewDue, TypeUnassignedCase}, types)
	assert.Equal(t, "7:REVIEW_DUE:2026-03-09", first[3].IdempotencyKey)
}
