package cases

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/audit"
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
	signalRepo *signals.Repository
	machine    *signals.StateMachine
	risk       *stubRisk
	plans      *stubPlans
	cleanup    func()
}

func setupEngine(t *testing.T) *fixture {
	t.Helper()
	stores, cleanup := clarity_testing.NewTestStores(t)

	log := zerolog.Nop()
	auditRepo := audit.NewRepository(stores.Audit.Conn(), log)
	auditor := audit.NewWriter(auditRepo, log)
	bus := events.NewBus(log)

	repo := NewRepository(stores.Core.Conn(), log)
	signalRepo := signals.NewRepository(stores.Core.Conn(), log)
	machine := signals.NewStateMachine(signalRepo, auditor, bus, log)

	risk := &stubRisk{score: 20}
	plans := &stubPlans{}
	engine := NewEngine(repo, risk, plans, auditor, bus, log)
	machine.SetAggregator(engine)

	return &fixture{
		engine:     engine,
		repo:       repo,
		signalRepo: signalRepo,
		machine:    machine,
		risk:       risk,
		plans:      plans,
		cleanup:    cleanup,
	}
}

// seedSignal persists an open signal through the state machine so the join
// between case_signals and signal_states holds.
func seedSignal(t *testing.T, f *fixture, signalType, dimension string, severity domain.Severity, at time.Time) domain.DetectedSignal {
	t.Helper()
	sig := domain.NewDetectedSignal("biz-1", signalType, dimension, severity, "title", "summary", domain.SignalPayload{})
	_, err := f.machine.Reconcile("biz-1", []domain.DetectedSignal{sig}, at)
	require.NoError(t, err)
	return sig
}

func TestAggregateSignalCreatesDomainCase(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedSignal(t, f, "expense_creep_by_vendor", "acme", domain.SeverityMedium, t0)

	c, err := f.repo.FindOpenByDomain("biz-1", domain.DomainExpense)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, StatusOpen, c.Status)
	assert.Equal(t, domain.CaseSeverityMedium, c.Severity)
	assert.Equal(t, "expense_creep_by_vendor", c.PrimarySignalType)
	require.NotNil(t, c.RiskScoreSnapshot)
	assert.Equal(t, 20.0, c.RiskScoreSnapshot.Score)

	attached, err := f.repo.ListAttachedSignalStates(c.ID)
	require.NoError(t, err)
	require.Len(t, attached, 1)
}

func TestAggregateSignalRaisesSeverityMonotonically(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedSignal(t, f, "expense_creep_by_vendor", "acme", domain.SeverityMedium, t0)
	seedSignal(t, f, "expense.spike_vs_baseline", "", domain.SeverityHigh, t0.Add(time.Hour))

	c, err := f.repo.FindOpenByDomain("biz-1", domain.DomainExpense)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseSeverityHigh, c.Severity)

	// A later low-severity signal never lowers the case.
	seedSignal(t, f, "unusual_outflow_spike", "2026-03-02", domain.SeverityLow, t0.Add(2*time.Hour))
	c, err = f.repo.GetByID(c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseSeverityHigh, c.Severity)
}

func TestSignalBelongsToOneCaseForever(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sig := seedSignal(t, f, "expense_creep_by_vendor", "acme", domain.SeverityMedium, t0)

	first, err := f.repo.FindOpenByDomain("biz-1", domain.DomainExpense)
	require.NoError(t, err)

	// Close the first case; the next aggregation opens a fresh one and the
	// old binding must refuse the rebind.
	_, err = f.engine.UpdateStatus(first.ID, StatusResolved, "")
	require.NoError(t, err)

	err = f.engine.AggregateSignal("biz-1", sig.SignalID, sig.SignalType, domain.SeverityMedium, t0.Add(time.Hour))
	var invariant *domain.CaseSignalInvariantError
	require.ErrorAs(t, err, &invariant)
	assert.Equal(t, first.ID, invariant.BoundCaseID)
}

func TestEscalatesOnSignalVolume(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedSignal(t, f, "expense_creep_by_vendor", "acme", domain.SeverityMedium, t0)
	seedSignal(t, f, "expense.spike_vs_baseline", "", domain.SeverityMedium, t0.Add(time.Hour))

	c, err := f.repo.FindOpenByDomain("biz-1", domain.DomainExpense)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, c.Status)

	// Third signal in 30 days trips signal_volume_30d.
	seedSignal(t, f, "expense.new_recurring", "saasly", domain.SeverityLow, t0.Add(2*time.Hour))
	c, err = f.repo.GetByID(c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, c.Status)

	events, err := f.repo.ListEvents(c.ID)
	require.NoError(t, err)
	escalations := 0
	for _, e := range events {
		if e.EventType == "case_escalated" {
			escalations++
			assert.Equal(t, RuleSignalVolume, e.Payload["rule"])
		}
	}
	assert.Equal(t, 1, escalations)

	// Same rule, same payload: evaluating again is a no-op.
	require.NoError(t, f.engine.EvaluateEscalation(c.ID, t0.Add(3*time.Hour)))
	events, err = f.repo.ListEvents(c.ID)
	require.NoError(t, err)
	escalations = 0
	for _, e := range events {
		if e.EventType == "case_escalated" {
			escalations++
		}
	}
	assert.Equal(t, 1, escalations, "duplicate escalation suppressed")
}

func TestEscalatesOnRiskDelta(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedSignal(t, f, "low_cash_runway", "", domain.SeverityHigh, t0)

	c, err := f.repo.FindOpenByDomain("biz-1", domain.DomainLiquidity)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, c.Status)

	// Risk has worsened by 15 points since the case opened.
	f.risk.score = 35
	require.NoError(t, f.engine.EvaluateEscalation(c.ID, t0.Add(time.Hour)))

	c, err = f.repo.GetByID(c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, c.Status)
}

func TestEscalatesOnPlanOverdue(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedSignal(t, f, "low_cash_runway", "", domain.SeverityHigh, t0)

	c, err := f.repo.FindOpenByDomain("biz-1", domain.DomainLiquidity)
	require.NoError(t, err)

	planCreated := t0.Add(-15 * 24 * time.Hour)
	f.plans.createdAt = &planCreated
	require.NoError(t, f.engine.EvaluateEscalation(c.ID, t0.Add(time.Hour)))

	c, err = f.repo.GetByID(c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, c.Status)
}

func TestRecomputeDerivesStateFromLiveSignals(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedSignal(t, f, "expense_creep_by_vendor", "acme", domain.SeverityMedium, t0)
	seedSignal(t, f, "expense.spike_vs_baseline", "", domain.SeverityMedium, t0.Add(time.Hour))
	seedSignal(t, f, "expense.new_recurring", "saasly", domain.SeverityLow, t0.Add(2*time.Hour))

	c, err := f.repo.FindOpenByDomain("biz-1", domain.DomainExpense)
	require.NoError(t, err)
	require.Equal(t, StatusEscalated, c.Status)

	// All signals heal: an escalated case with zero open signals derives
	// monitoring. signal_volume_30d no longer... still counts attachments,
	// so the rule keeps holding; resolve far enough in the future that the
	// 30-day attachment window has drained.
	_, err = f.machine.Reconcile("biz-1", nil, t0.Add(3*time.Hour))
	require.NoError(t, err)

	later := t0.Add(40 * 24 * time.Hour)
	result, err := f.engine.Recompute(c.ID, false, later)
	require.NoError(t, err)
	assert.Equal(t, StatusMonitoring, result.Derived.Status)
	assert.Equal(t, 0, result.Derived.OpenSignalCount30d)
	assert.True(t, result.Changed())
	assert.False(t, result.Applied)

	// Dry run did not mutate.
	c, err = f.repo.GetByID(c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, c.Status)

	// Applying writes the diff and a single timeline entry.
	result, err = f.engine.Recompute(c.ID, true, later)
	require.NoError(t, err)
	assert.True(t, result.Applied)

	c, err = f.repo.GetByID(c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusMonitoring, c.Status)

	// Second apply is a no-op.
	result, err = f.engine.Recompute(c.ID, true, later)
	require.NoError(t, err)
	assert.False(t, result.Applied)
}

func TestRecomputeFlagsSLABreach(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedSignal(t, f, "low_cash_runway", "", domain.SeverityHigh, t0)

	c, err := f.repo.FindOpenByDomain("biz-1", domain.DomainLiquidity)
	require.NoError(t, err)

	// High severity SLA is 5 days.
	result, err := f.engine.Recompute(c.ID, false, t0.Add(4*24*time.Hour))
	require.NoError(t, err)
	assert.False(t, result.Derived.SLABreached)

	result, err = f.engine.Recompute(c.ID, false, t0.Add(6*24*time.Hour))
	require.NoError(t, err)
	assert.True(t, result.Derived.SLABreached)
}

func TestStatusTransitionTable(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedSignal(t, f, "low_cash_runway", "", domain.SeverityHigh, t0)
	c, err := f.repo.FindOpenByDomain("biz-1", domain.DomainLiquidity)
	require.NoError(t, err)

	// open -> resolved sets closed_at.
	c, err = f.engine.UpdateStatus(c.ID, StatusResolved, "fixed")
	require.NoError(t, err)
	assert.NotNil(t, c.ClosedAt)

	// resolved -> monitoring is illegal; resolved -> reopened clears closed_at.
	_, err = f.engine.UpdateStatus(c.ID, StatusMonitoring, "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	c, err = f.engine.UpdateStatus(c.ID, StatusReopened, "")
	require.NoError(t, err)
	assert.Nil(t, c.ClosedAt)

	// reopened -> escalated is legal.
	_, err = f.engine.UpdateStatus(c.ID, StatusEscalated, "")
	require.NoError(t, err)
}

func TestLedgerAnchorsAreIdempotent(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedSignal(t, f, "low_cash_runway", "", domain.SeverityHigh, t0)
	c, err := f.repo.FindOpenByDomain("biz-1", domain.DomainLiquidity)
	require.NoError(t, err)

	payload := map[string]interface{}{"start_date": "2026-02-01", "end_date": "2026-03-01"}
	require.NoError(t, f.engine.AttachLedgerAnchor(c.ID, "burn_window", payload))
	require.NoError(t, f.engine.AttachLedgerAnchor(c.ID, "burn_window", payload))

	anchors, err := f.repo.ListAnchors(c.ID)
	require.NoError(t, err)
	require.Len(t, anchors, 1)

	require.NoError(t, f.engine.DetachLedgerAnchor(c.ID, "burn_window"))
	err = f.engine.DetachLedgerAnchor(c.ID, "burn_window")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Timeline captured attach and detach exactly once each.
	timeline, err := f.repo.ListEvents(c.ID)
	require.NoError(t, err)
	var attach, detach int
	for _, e := range timeline {
		switch e.EventType {
		case "anchor_attached":
			attach++
		case "anchor_detached":
			detach++
		}
	}
	assert.Equal(t, 1, attach)
	assert.Equal(t, 1, detach)
}
