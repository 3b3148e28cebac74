package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_StableAndScoped(t *testing.T) {
	fp1 := Fingerprint("biz-1", "expense_creep_by_vendor", "acme corp")
	fp2 := Fingerprint("biz-1", "expense_creep_by_vendor", "acme corp")
	assert.Equal(t, fp1, fp2, "same inputs must produce the same fingerprint")
	assert.Len(t, fp1, 64, "sha256 hex digest")

	assert.NotEqual(t, fp1, Fingerprint("biz-2", "expense_creep_by_vendor", "acme corp"))
	assert.NotEqual(t, fp1, Fingerprint("biz-1", "unusual_outflow_spike", "acme corp"))
	assert.NotEqual(t, fp1, Fingerprint("biz-1", "expense_creep_by_vendor", "globex"))
}

func TestSignalID_Composition(t *testing.T) {
	fp := Fingerprint("biz-1", "low_cash_runway", "")
	id := SignalID("low_cash_runway", fp)
	assert.Equal(t, "low_cash_runway:"+fp, id)
}

func TestNewDetectedSignal_FillsIdentity(t *testing.T) {
	s := NewDetectedSignal("biz-1", "expense_creep_by_vendor", "acme corp",
		SeverityMedium, "Spending up at Acme Corp", "14-day outflow doubled", SignalPayload{
			Stats: map[string]float64{"current_total": 800, "prior_total": 400},
		})

	assert.Equal(t, Fingerprint("biz-1", "expense_creep_by_vendor", "acme corp"),
		s.SignalID[len("expense_creep_by_vendor")+1:])
	assert.Equal(t, "acme corp", s.Payload.Dimension)
	assert.Equal(t, SeverityMedium, s.Severity)
}

func TestSeverityScale(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityWarning.AtLeast(SeverityMedium))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))
	assert.True(t, SeverityInfo.Valid())
	assert.False(t, Severity("urgent").Valid())
}

func TestMapToCaseSeverity(t *testing.T) {
	cases := map[Severity]CaseSeverity{
		SeverityInfo:     CaseSeverityLow,
		SeverityLow:      CaseSeverityLow,
		SeverityMedium:   CaseSeverityMedium,
		SeverityWarning:  CaseSeverityMedium,
		SeverityHigh:     CaseSeverityHigh,
		SeverityCritical: CaseSeverityCritical,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapToCaseSeverity(in), "severity %s", in)
	}

	assert.Equal(t, CaseSeverityHigh, MaxCaseSeverity(CaseSeverityMedium, CaseSeverityHigh))
	assert.Equal(t, CaseSeverityHigh, MaxCaseSeverity(CaseSeverityHigh, CaseSeverityLow))
}

func TestDomainOf(t *testing.T) {
	tests := map[string]SignalDomain{
		"expense_creep_by_vendor":          DomainExpense,
		"unusual_outflow_spike":            DomainExpense,
		"low_cash_runway":                  DomainLiquidity,
		"liquidity.runway_low":             DomainLiquidity,
		"revenue.decline_vs_baseline":      DomainRevenue,
		"revenue.volatility_spike":         DomainRevenue,
		"expense.spike_vs_baseline":        DomainExpense,
		"expense.new_recurring":            DomainExpense,
		"timing.inflow_outflow_mismatch":   DomainTiming,
		"timing.payroll_rent_cliff":        DomainTiming,
		"concentration.revenue_top_customer": DomainConcentration,
		"concentration.expense_top_vendor": DomainConcentration,
		"hygiene.uncategorized_high":       DomainHygiene,
		"hygiene.signal_flapping":          DomainHygiene,
		"mystery.signal":                   DomainUnknown,
		"no_dot_unknown":                   DomainUnknown,
	}
	for signalType, want := range tests {
		assert.Equal(t, want, DomainOf(signalType), "signal type %s", signalType)
	}
}

func TestPostedTransaction_SignedAmount(t *testing.T) {
	in := PostedTransaction{Amount: 100, Direction: DirectionInflow}
	out := PostedTransaction{Amount: 40, Direction: DirectionOutflow}
	assert.Equal(t, 100.0, in.SignedAmount())
	assert.Equal(t, -40.0, out.SignedAmount())
}

func TestErrorKinds(t *testing.T) {
	err := NotFoundf("case %d", 42)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "case 42")

	err = Validationf("invalid transition %s -> %s", "resolved", "open")
	assert.True(t, errors.Is(err, ErrValidation))

	err = Conflictf("connection for provider %s exists", "plaid")
	assert.True(t, errors.Is(err, ErrConflict))

	wrapped := fmt.Errorf("loading case: %w", NotFoundf("case %d", 7))
	assert.True(t, errors.Is(wrapped, ErrNotFound))
}

func TestCaseSignalInvariantError(t *testing.T) {
	err := &CaseSignalInvariantError{SignalID: "low_cash_runway:abc", BoundCaseID: 3, AttemptedCaseID: 9}
	assert.Contains(t, err.Error(), "already attached to case 3")
	assert.Contains(t, err.Error(), "case 9")

	var invariant *CaseSignalInvariantError
	assert.True(t, errors.As(fmt.Errorf("aggregate: %w", err), &invariant))
	assert.Equal(t, int64(3), invariant.BoundCaseID)
}

func TestProviderError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := &ProviderError{Provider: "plaid", Reason: "sync failed", Err: inner, Transient: true}
	assert.True(t, errors.Is(err, inner))
	assert.Contains(t, err.Error(), "plaid")
}

func TestSignalStatus(t *testing.T) {
	assert.True(t, SignalStatusOpen.Active())
	assert.True(t, SignalStatusInProgress.Active())
	assert.False(t, SignalStatusResolved.Active())
	assert.False(t, SignalStatusIgnored.Active())
	assert.False(t, SignalStatus("closed").Valid())
}

func TestSignalStateDomain(t *testing.T) {
	s := SignalState{SignalType: "timing.payroll_rent_cliff", DetectedAt: time.Now()}
	assert.Equal(t, DomainTiming, s.Domain())
}
