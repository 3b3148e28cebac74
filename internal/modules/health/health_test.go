package health

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

var scoreNow = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine     *Engine
	signalRepo *signals.Repository
	auditor    *audit.Writer
	cleanup    func()
}

func setupEngine(t *testing.T) *fixture {
	t.Helper()
	stores, cleanup := clarity_testing.NewTestStores(t)

	log := zerolog.Nop()
	signalRepo := signals.NewRepository(stores.Core.Conn(), log)
	auditRepo := audit.NewRepository(stores.Audit.Conn(), log)
	engine := NewEngine(signalRepo, auditRepo, log)

	return &fixture{
		engine:     engine,
		signalRepo: signalRepo,
		auditor:    audit.NewWriter(auditRepo, log),
		cleanup:    cleanup,
	}
}

func seedSignal(t *testing.T, f *fixture, signalType string, severity domain.Severity, status domain.SignalStatus, ageDays int) domain.SignalState {
	t.Helper()
	detected := scoreNow.Add(-time.Duration(ageDays) * 24 * time.Hour)
	fp := domain.Fingerprint("biz-1", signalType, "")
	state := domain.SignalState{
		BusinessID:  "biz-1",
		SignalID:    domain.SignalID(signalType, fp),
		SignalType:  signalType,
		Fingerprint: fp,
		Status:      status,
		Severity:    severity,
		Title:       signalType,
		DetectedAt:  detected,
		LastSeenAt:  scoreNow,
		UpdatedAt:   scoreNow,
	}
	if status == domain.SignalStatusResolved {
		state.ResolvedAt = &scoreNow
	}
	require.NoError(t, f.signalRepo.Insert(&state))
	return state
}

func TestComputeScoreWeightsAndSorting(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	// liquidity 1.4 x high 16 x profile 1.3 x open 1.0 x fresh 1.0 = 29.12
	seedSignal(t, f, "low_cash_runway", domain.SeverityHigh, domain.SignalStatusOpen, 0)
	// expense 1.2 x medium 10 x profile 1.1 x in_progress 0.8 x 7d 1.5 = 15.84
	seedSignal(t, f, "expense_creep_by_vendor", domain.SeverityMedium, domain.SignalStatusInProgress, 7)
	// hygiene 0.8 x low 6 x profile 0.8 x ignored 0.3 x capped 2.0 = 2.3
	seedSignal(t, f, "hygiene.uncategorized_high", domain.SeverityLow, domain.SignalStatusIgnored, 30)

	result, err := f.engine.ComputeScoreAt("biz-1", scoreNow)
	require.NoError(t, err)

	require.Len(t, result.Contributors, 3)
	assert.Equal(t, 29.12, result.Contributors[0].Penalty)
	assert.Equal(t, 15.84, result.Contributors[1].Penalty)
	assert.Equal(t, 2.3, result.Contributors[2].Penalty)
	assert.Equal(t, 52.74, result.Score)
	assert.Equal(t, 47.26, result.Meta.TotalPenalty)

	require.Len(t, result.Domains, 3)
	assert.Equal(t, domain.DomainLiquidity, result.Domains[0].Domain)
	assert.Equal(t, domain.DomainExpense, result.Domains[1].Domain)
	assert.Equal(t, domain.DomainHygiene, result.Domains[2].Domain)
	require.Len(t, result.Domains[1].Members, 1)
	assert.Equal(t, "expense_creep_by_vendor", result.Domains[1].Members[0].SignalType)
}

func TestComputeScoreIsDeterministic(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	seedSignal(t, f, "low_cash_runway", domain.SeverityCritical, domain.SignalStatusOpen, 3)
	seedSignal(t, f, "revenue.inflow_drop", domain.SeverityWarning, domain.SignalStatusOpen, 3)

	first, err := f.engine.ComputeScoreAt("biz-1", scoreNow)
	require.NoError(t, err)
	second, err := f.engine.ComputeScoreAt("biz-1", scoreNow)
	require.NoError(t, err)

	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.Contributors, second.Contributors)
	assert.Equal(t, first.Domains, second.Domains)
}

func TestComputeScoreFloorsAtZero(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	// Each pinned at 1.4 x 18 x 1.3 x 1.0 x 2.0 = 65.52; two exceed 100.
	for _, dim := range []string{"a", "b"} {
		fp := domain.Fingerprint("biz-1", "low_cash_runway", dim)
		state := domain.SignalState{
			BusinessID:  "biz-1",
			SignalID:    domain.SignalID("low_cash_runway", fp),
			SignalType:  "low_cash_runway",
			Fingerprint: fp,
			Status:      domain.SignalStatusOpen,
			Severity:    domain.SeverityCritical,
			DetectedAt:  scoreNow.Add(-40 * 24 * time.Hour),
			LastSeenAt:  scoreNow,
			UpdatedAt:   scoreNow,
		}
		require.NoError(t, f.signalRepo.Insert(&state))
	}

	result, err := f.engine.ComputeScoreAt("biz-1", scoreNow)
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Score)
	assert.Equal(t, 131.04, result.Meta.TotalPenalty)
}

func TestComputeScoreSkipsResolvedAndPricesUnknown(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	seedSignal(t, f, "low_cash_runway", domain.SeverityHigh, domain.SignalStatusResolved, 10)
	// unknown 0.7 x info 4 x default 1.0 x open 1.0 x fresh 1.0 = 2.8
	seedSignal(t, f, "weather_forecast", domain.SeverityInfo, domain.SignalStatusOpen, 0)

	result, err := f.engine.ComputeScoreAt("biz-1", scoreNow)
	require.NoError(t, err)
	require.Len(t, result.Contributors, 1)
	assert.Equal(t, domain.DomainUnknown, result.Contributors[0].Domain)
	assert.Equal(t, 2.8, result.Contributors[0].Penalty)
	assert.Equal(t, 97.2, result.Score)
}

func TestComputeRiskSnapshot(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	seedSignal(t, f, "low_cash_runway", domain.SeverityHigh, domain.SignalStatusOpen, 0)
	seedSignal(t, f, "expense_creep_by_vendor", domain.SeverityMedium, domain.SignalStatusInProgress, 7)

	snapshot, err := f.engine.ComputeRiskSnapshot("biz-1")
	require.NoError(t, err)
	assert.Equal(t, 44.96, snapshot.Score)
	assert.Equal(t, []string{"liquidity", "expense"}, snapshot.TopDomains)
	assert.False(t, snapshot.ComputedAt.IsZero())
}

func TestExplainChangeReplaysAuditWindow(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	detected := domain.SignalState{
		BusinessID: "biz-1",
		SignalID:   "low_cash_runway:abc",
		SignalType: "low_cash_runway",
		Status:     domain.SignalStatusOpen,
		Severity:   domain.SeverityHigh,
		DetectedAt: scoreNow,
	}
	f.auditor.RecordAt(scoreNow.Add(-2*time.Hour), "biz-1", string(events.SignalDetected),
		"signal", detected.SignalID, nil, detected, nil)

	beforeResolve := domain.SignalState{
		BusinessID: "biz-1",
		SignalID:   "expense_creep_by_vendor:def",
		SignalType: "expense_creep_by_vendor",
		Status:     domain.SignalStatusOpen,
		Severity:   domain.SeverityMedium,
		DetectedAt: scoreNow,
	}
	afterResolve := beforeResolve
	afterResolve.Status = domain.SignalStatusResolved
	f.auditor.RecordAt(scoreNow.Add(-time.Hour), "biz-1", string(events.SignalResolved),
		"signal", beforeResolve.SignalID, beforeResolve, afterResolve, nil)

	// Outside the default 24h window; must not appear.
	f.auditor.RecordAt(scoreNow.Add(-48*time.Hour), "biz-1", string(events.SignalDetected),
		"signal", "hygiene.uncategorized_high:old", nil, detected, nil)

	result, err := f.engine.ExplainChange("biz-1", 0, 0, scoreNow)
	require.NoError(t, err)

	require.Len(t, result.Changes, 2)
	// Detection costs 29.12; the resolve gives back 13.20.
	assert.Equal(t, "low_cash_runway:abc", result.Changes[0].SignalID)
	assert.Equal(t, -29.12, result.Changes[0].Delta)
	assert.Equal(t, "expense_creep_by_vendor:def", result.Changes[1].SignalID)
	assert.Equal(t, 13.2, result.Changes[1].Delta)
	assert.Equal(t, -15.92, result.NetDelta)
	assert.Equal(t, "Health score moved -15.92 over the last 24h (2 changes)", result.Headline)
}

func TestExplainChangeLimitAndBounds(t *testing.T) {
	f := setupEngine(t)
	defer f.cleanup()

	detected := domain.SignalState{
		BusinessID: "biz-1",
		SignalID:   "low_cash_runway:abc",
		SignalType: "low_cash_runway",
		Status:     domain.SignalStatusOpen,
		Severity:   domain.SeverityHigh,
		DetectedAt: scoreNow,
	}
	f.auditor.RecordAt(scoreNow.Add(-2*time.Hour), "biz-1", string(events.SignalDetected),
		"signal", detected.SignalID, nil, detected, nil)
	ignored := detected
	ignored.Status = domain.SignalStatusIgnored
	f.auditor.RecordAt(scoreNow.Add(-time.Hour), "biz-1", string(events.SignalStatusChanged),
		"signal", detected.SignalID, detected, ignored, nil)

	result, err := f.engine.ExplainChange("biz-1", 24, 1, scoreNow)
	require.NoError(t, err)
	assert.Len(t, result.Changes, 1)
	assert.Equal(t, 2, result.ChangeCount)

	_, err = f.engine.ExplainChange("biz-1", 800, 10, scoreNow)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.engine.ExplainChange("biz-1", 24, 50, scoreNow)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
