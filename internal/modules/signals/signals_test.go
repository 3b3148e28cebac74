package signals

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/audit"
	clarity_testing "github.com/clarityhq/clarity/internal/testing"
)

type fixture struct {
	machine   *StateMachine
	repo      *Repository
	auditRepo *audit.Repository
	bus       *events.Bus
	cleanup   func()
}

func setupMachine(t *testing.T) *fixture {
	t.Helper()
	stores, cleanup := clarity_testing.NewTestStores(t)

	log := zerolog.Nop()
	auditRepo := audit.NewRepository(stores.Audit.Conn(), log)
	auditor := audit.NewWriter(auditRepo, log)
	bus := events.NewBus(log)

	repo := NewRepository(stores.Core.Conn(), log)
	return &fixture{
		machine:   NewStateMachine(repo, auditor, bus, log),
		repo:      repo,
		auditRepo: auditRepo,
		bus:       bus,
		cleanup:   cleanup,
	}
}

func detected(signalType, dimension string, severity domain.Severity) domain.DetectedSignal {
	return domain.NewDetectedSignal("biz-1", signalType, dimension, severity,
		"title", "summary", domain.SignalPayload{
			Stats: map[string]float64{"current_total": 100},
		})
}

func TestReconcileCreatesOpenSignals(t *testing.T) {
	f := setupMachine(t)
	defer f.cleanup()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	result, err := f.machine.Reconcile("biz-1", []domain.DetectedSignal{
		detected("expense_creep_by_vendor", "acme", domain.SeverityMedium),
		detected("low_cash_runway", "", domain.SeverityHigh),
	}, now)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Detected)
	assert.Equal(t, 0, result.Resolved)
	assert.Equal(t, 2, result.ActiveCount)

	states, err := f.repo.List("biz-1", ListFilter{})
	require.NoError(t, err)
	require.Len(t, states, 2)
	for _, s := range states {
		assert.Equal(t, domain.SignalStatusOpen, s.Status)
		assert.Equal(t, now, s.DetectedAt)
		assert.Equal(t, now, s.LastSeenAt)
	}
}

func TestReconcileResolvesMissingSignals(t *testing.T) {
	f := setupMachine(t)
	defer f.cleanup()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := f.machine.Reconcile("biz-1", []domain.DetectedSignal{
		detected("expense_creep_by_vendor", "acme", domain.SeverityMedium),
	}, t0)
	require.NoError(t, err)

	// Next run no longer sees acme.
	t1 := t0.Add(time.Hour)
	result, err := f.machine.Reconcile("biz-1", nil, t1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Resolved)
	assert.Equal(t, 0, result.ActiveCount)

	sig := detected("expense_creep_by_vendor", "acme", domain.SeverityMedium)
	state, err := f.repo.GetBySignalID("biz-1", sig.SignalID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, domain.SignalStatusResolved, state.Status)
	require.NotNil(t, state.ResolvedAt)
	assert.Equal(t, t1, *state.ResolvedAt)
}

func TestReconcileReopensResolvedSignal(t *testing.T) {
	f := setupMachine(t)
	defer f.cleanup()

	sig := detected("expense_creep_by_vendor", "acme", domain.SeverityMedium)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := f.machine.Reconcile("biz-1", []domain.DetectedSignal{sig}, t0)
	require.NoError(t, err)
	_, err = f.machine.Reconcile("biz-1", nil, t0.Add(time.Hour))
	require.NoError(t, err)

	// Re-detected after resolution: back to open, resolved_at cleared.
	result, err := f.machine.Reconcile("biz-1", []domain.DetectedSignal{sig}, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	state, err := f.repo.GetBySignalID("biz-1", sig.SignalID)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalStatusOpen, state.Status)
	assert.Nil(t, state.ResolvedAt)
	assert.Equal(t, t0, state.DetectedAt, "first detection time survives reopen")
}

func TestReconcileKeepsIgnoredSignals(t *testing.T) {
	f := setupMachine(t)
	defer f.cleanup()

	sig := detected("expense_creep_by_vendor", "acme", domain.SeverityMedium)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := f.machine.Reconcile("biz-1", []domain.DetectedSignal{sig}, t0)
	require.NoError(t, err)

	_, err = f.machine.UpdateStatus("biz-1", sig.SignalID, domain.SignalStatusIgnored, "known vendor change")
	require.NoError(t, err)

	// Re-detection refreshes the payload but never un-ignores.
	bumped := detected("expense_creep_by_vendor", "acme", domain.SeverityHigh)
	result, err := f.machine.Reconcile("biz-1", []domain.DetectedSignal{bumped}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, result.KeptIgnored)

	state, err := f.repo.GetBySignalID("biz-1", sig.SignalID)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalStatusIgnored, state.Status)
	assert.Equal(t, domain.SeverityHigh, state.Severity, "payload refresh still applies")

	// And it is not auto-resolved when absent either.
	result, err = f.machine.Reconcile("biz-1", nil, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Resolved)
}

func TestUpdateStatusTransitions(t *testing.T) {
	f := setupMachine(t)
	defer f.cleanup()

	sig := detected("low_cash_runway", "", domain.SeverityHigh)
	_, err := f.machine.Reconcile("biz-1", []domain.DetectedSignal{sig}, time.Now().UTC())
	require.NoError(t, err)

	state, err := f.machine.UpdateStatus("biz-1", sig.SignalID, domain.SignalStatusInProgress, "")
	require.NoError(t, err)
	assert.Equal(t, domain.SignalStatusInProgress, state.Status)

	state, err = f.machine.UpdateStatus("biz-1", sig.SignalID, domain.SignalStatusResolved, "handled")
	require.NoError(t, err)
	assert.Equal(t, domain.SignalStatusResolved, state.Status)
	assert.NotNil(t, state.ResolvedAt)

	_, err = f.machine.UpdateStatus("biz-1", sig.SignalID, "bogus", "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.machine.UpdateStatus("biz-1", "missing:deadbeef", domain.SignalStatusOpen, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReconcileWritesAuditTrail(t *testing.T) {
	f := setupMachine(t)
	defer f.cleanup()

	sig := detected("expense_creep_by_vendor", "acme", domain.SeverityMedium)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := f.machine.Reconcile("biz-1", []domain.DetectedSignal{sig}, t0)
	require.NoError(t, err)
	_, err = f.machine.Reconcile("biz-1", nil, t0.Add(time.Hour))
	require.NoError(t, err)

	entries, err := f.auditRepo.List("biz-1", audit.ListFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, string(events.SignalDetected), entries[0].EventType)
	assert.Equal(t, string(events.SignalResolved), entries[1].EventType)
	assert.Equal(t, sig.SignalID, entries[0].EntityID)
	assert.Nil(t, entries[0].BeforeState)
	assert.NotNil(t, entries[0].AfterState)
	assert.NotNil(t, entries[1].BeforeState)
}

func TestReconcilePublishesBusEvents(t *testing.T) {
	f := setupMachine(t)
	defer f.cleanup()

	var types []events.EventType
	f.bus.SubscribeAll(func(e *events.Event) { types = append(types, e.Type) })

	sig := detected("low_cash_runway", "", domain.SeverityHigh)
	_, err := f.machine.Reconcile("biz-1", []domain.DetectedSignal{sig}, time.Now().UTC())
	require.NoError(t, err)

	require.Len(t, types, 1)
	assert.Equal(t, events.SignalDetected, types[0])
}

type captureAggregator struct {
	calls []string
}

func (c *captureAggregator) AggregateSignal(businessID, signalID, signalType string, severity domain.Severity, occurredAt time.Time) error {
	c.calls = append(c.calls, signalID)
	return nil
}

func TestReconcileRoutesSignalsToAggregator(t *testing.T) {
	f := setupMachine(t)
	defer f.cleanup()

	agg := &captureAggregator{}
	f.machine.SetAggregator(agg)

	sig := detected("expense_creep_by_vendor", "acme", domain.SeverityMedium)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := f.machine.Reconcile("biz-1", []domain.DetectedSignal{sig}, t0)
	require.NoError(t, err)
	require.Len(t, agg.calls, 1)

	// Re-detection aggregates again; resolution does not.
	_, err = f.machine.Reconcile("biz-1", []domain.DetectedSignal{sig}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, agg.calls, 2)

	_, err = f.machine.Reconcile("biz-1", nil, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, agg.calls, 2)
}
