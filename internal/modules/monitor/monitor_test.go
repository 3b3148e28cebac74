package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/audit"
	"github.com/clarityhq/clarity/internal/modules/categories"
	"github.com/clarityhq/clarity/internal/modules/detectors"
	"github.com/clarityhq/clarity/internal/modules/processing"
	"github.com/clarityhq/clarity/internal/modules/projection"
	"github.com/clarityhq/clarity/internal/modules/rawevents"
	"github.com/clarityhq/clarity/internal/modules/signals"
	clarity_testing "github.com/clarityhq/clarity/internal/testing"
)

type fixture struct {
	coordinator *Coordinator
	store       *rawevents.Store
	pipeline    *processing.Pipeline
	signalRepo  *signals.Repository
	cleanup     func()
}

func setupCoordinator(t *testing.T) *fixture {
	t.Helper()
	stores, cleanup := clarity_testing.NewTestStores(t)

	log := zerolog.Nop()
	auditRepo := audit.NewRepository(stores.Audit.Conn(), log)
	auditor := audit.NewWriter(auditRepo, log)
	bus := events.NewBus(log)

	store := rawevents.NewStore(stores.Ledger.Conn(), log)
	projector := projection.NewProjector(store, log)
	procRepo := processing.NewRepository(stores.Core.Conn(), log)
	catRepo := categories.NewRepository(stores.Core.Conn(), log)
	cats := categories.NewService(catRepo, auditor, log)
	require.NoError(t, cats.EnsureDefaultChart("biz-1"))
	pipeline := processing.NewPipeline(procRepo, store, cats, auditor, bus, log)

	signalRepo := signals.NewRepository(stores.Core.Conn(), log)
	machine := signals.NewStateMachine(signalRepo, auditor, bus, log)

	runtime := NewRuntimeRepository(stores.Runtime.Conn(), log)
	engine := detectors.NewEngine(log)
	coordinator := NewCoordinator(runtime, projector, store, auditRepo, procRepo, catRepo, pipeline, engine, machine, bus, log)

	return &fixture{
		coordinator: coordinator,
		store:       store,
		pipeline:    pipeline,
		signalRepo:  signalRepo,
		cleanup:     cleanup,
	}
}

// seedUncategorized ingests n transactions that match no categorization rule,
// dated a few days before now.
func seedUncategorized(t *testing.T, f *fixture, now time.Time, n int) {
	t.Helper()
	occurred := now.Add(-3 * 24 * time.Hour).Unix()
	for i := 0; i < n; i++ {
		_, err := f.store.Insert(rawevents.InsertRequest{
			BusinessID:    "biz-1",
			Source:        "sim",
			SourceEventID: fmt.Sprintf("evt-%03d", i),
			OccurredAt:    occurred,
			PayloadJSON:   clarity_testing.RawEventPayload(-25, fmt.Sprintf("misc purchase %d", i), "Unknown Vendor"),
		})
		require.NoError(t, err)
	}
	_, err := f.pipeline.ProcessNewEvents("biz-1", nil)
	require.NoError(t, err)
}

func TestPulseDetectsAndPersistsRuntime(t *testing.T) {
	f := setupCoordinator(t)
	defer f.cleanup()

	now := time.Now().UTC()
	seedUncategorized(t, f, now, 12)

	summary, err := f.coordinator.Pulse("biz-1", now, false)
	require.NoError(t, err)
	assert.True(t, summary.Ran)
	assert.Equal(t, 12, summary.TxnCount)
	assert.Equal(t, 12, summary.UncategorizedCount)
	// Every row in the window lacks a category, so the hygiene detector fires.
	assert.GreaterOrEqual(t, summary.Detected, 1)
	assert.Equal(t, summary.Detected, summary.ActiveSignals)

	state, err := f.signalRepo.ListActive("biz-1")
	require.NoError(t, err)
	assert.Len(t, state, summary.ActiveSignals)

	status, err := f.coordinator.Status("biz-1")
	require.NoError(t, err)
	assert.True(t, status.HasRun)
	assert.Equal(t, summary.ActiveSignals, status.SignalCount)
	require.NotNil(t, status.Summary)
	assert.Equal(t, summary.Detected, status.Summary.Detected)
}

func TestPulseCooldownReturnsCachedSummary(t *testing.T) {
	f := setupCoordinator(t)
	defer f.cleanup()

	now := time.Now().UTC()
	seedUncategorized(t, f, now, 12)

	first, err := f.coordinator.Pulse("biz-1", now, false)
	require.NoError(t, err)
	require.True(t, first.Ran)

	// Same cursor, five minutes later: cached summary, nothing re-detected.
	second, err := f.coordinator.Pulse("biz-1", now.Add(5*time.Minute), false)
	require.NoError(t, err)
	assert.False(t, second.Ran)
	assert.Equal(t, first.Detected, second.Detected)
	assert.Equal(t, first.ActiveSignals, second.ActiveSignals)
}

func TestPulseForceRunBypassesCooldown(t *testing.T) {
	f := setupCoordinator(t)
	defer f.cleanup()

	now := time.Now().UTC()
	seedUncategorized(t, f, now, 12)

	_, err := f.coordinator.Pulse("biz-1", now, false)
	require.NoError(t, err)

	forced, err := f.coordinator.Pulse("biz-1", now.Add(time.Minute), true)
	require.NoError(t, err)
	assert.True(t, forced.Ran)
	// Re-detection reconciles instead of duplicating.
	assert.Equal(t, 0, forced.Detected)
	assert.GreaterOrEqual(t, forced.Updated, 1)
}

func TestPulseRunsWhenCursorAdvances(t *testing.T) {
	f := setupCoordinator(t)
	defer f.cleanup()

	now := time.Now().UTC()
	seedUncategorized(t, f, now, 12)

	_, err := f.coordinator.Pulse("biz-1", now, false)
	require.NoError(t, err)

	// A new event moves the cursor, so the cooldown does not apply.
	_, err = f.store.Insert(rawevents.InsertRequest{
		BusinessID:    "biz-1",
		Source:        "sim",
		SourceEventID: "evt-new",
		OccurredAt:    now.Unix(),
		PayloadJSON:   clarity_testing.RawEventPayload(-10, "another purchase", "Unknown Vendor"),
	})
	require.NoError(t, err)

	again, err := f.coordinator.Pulse("biz-1", now.Add(time.Minute), false)
	require.NoError(t, err)
	assert.True(t, again.Ran)
	assert.Equal(t, 13, again.TxnCount)
}

func TestPulseAfterCooldownExpiry(t *testing.T) {
	f := setupCoordinator(t)
	defer f.cleanup()

	now := time.Now().UTC()
	seedUncategorized(t, f, now, 12)

	_, err := f.coordinator.Pulse("biz-1", now, false)
	require.NoError(t, err)

	later, err := f.coordinator.Pulse("biz-1", now.Add(11*time.Minute), false)
	require.NoError(t, err)
	assert.True(t, later.Ran)
}

func TestStatusBeforeFirstPulse(t *testing.T) {
	f := setupCoordinator(t)
	defer f.cleanup()

	status, err := f.coordinator.Status("biz-1")
	require.NoError(t, err)
	assert.False(t, status.HasRun)
	assert.Nil(t, status.Summary)
	assert.Equal(t, int64(0), status.LastPulseAt)
}

func TestPulseWithEmptyLedger(t *testing.T) {
	f := setupCoordinator(t)
	defer f.cleanup()

	summary, err := f.coordinator.Pulse("biz-1", time.Now().UTC(), false)
	require.NoError(t, err)
	assert.True(t, summary.Ran)
	assert.Equal(t, 0, summary.TxnCount)
	assert.Equal(t, 0, summary.Detected)
}
