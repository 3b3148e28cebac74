package signals

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/audit"
)

// CaseAggregator routes newly observed signals into cases. Implemented by the
// case engine; the indirection keeps signals from importing cases.
type CaseAggregator interface {
	AggregateSignal(businessID, signalID, signalType string, severity domain.Severity, occurredAt time.Time) error
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Detected    int `json:"detected"`
	Updated     int `json:"updated"`
	Resolved    int `json:"resolved"`
	KeptIgnored int `json:"kept_ignored"`
	ActiveCount int `json:"active_count"`
}

// StateMachine reconciles detector output against the persisted signal store
// and applies user-driven status transitions.
type StateMachine struct {
	repo       *Repository
	auditor    *audit.Writer
	bus        *events.Bus
	aggregator CaseAggregator
	log        zerolog.Logger
}

// NewStateMachine creates the signal state machine.
func NewStateMachine(repo *Repository, auditor *audit.Writer, bus *events.Bus, log zerolog.Logger) *StateMachine {
	return &StateMachine{
		repo:    repo,
		auditor: auditor,
		bus:     bus,
		log:     log.With().Str("service", "signal_state_machine").Logger(),
	}
}

// SetAggregator wires the case engine in after construction; the dependency
// cycle between signals and cases is broken here.
func (m *StateMachine) SetAggregator(a CaseAggregator) {
	m.aggregator = a
}

// Reconcile applies one detector run to the persisted store:
//   - detected signals are upserted by signal_id; a resolved row reopens,
//     an ignored row stays ignored but still refreshes its payload,
//   - persisted open/in_progress signals NOT re-detected resolve,
//   - every observable change lands in the audit log with before/after states.
func (m *StateMachine) Reconcile(businessID string, detected []domain.DetectedSignal, now time.Time) (*ReconcileResult, error) {
	now = now.UTC()
	result := &ReconcileResult{}
	seen := make(map[string]bool, len(detected))

	for _, d := range detected {
		seen[d.SignalID] = true
		existing, err := m.repo.GetBySignalID(businessID, d.SignalID)
		if err != nil {
			return nil, err
		}

		if existing == nil {
			state := &domain.SignalState{
				BusinessID:  businessID,
				SignalID:    d.SignalID,
				SignalType:  d.SignalType,
				Fingerprint: domain.Fingerprint(businessID, d.SignalType, d.Dimension),
				Status:      domain.SignalStatusOpen,
				Severity:    d.Severity,
				Title:       d.Title,
				Summary:     d.Summary,
				Payload:     d.Payload,
				DetectedAt:  now,
				LastSeenAt:  now,
				UpdatedAt:   now,
			}
			if err := m.repo.Insert(state); err != nil {
				return nil, err
			}
			result.Detected++
			m.auditor.RecordAt(now, businessID, string(events.SignalDetected), "signal", d.SignalID, nil, state, nil)
			m.emit(businessID, state, "detected")
			m.aggregate(businessID, state, now)
			continue
		}

		before := *existing
		existing.Severity = d.Severity
		existing.Title = d.Title
		existing.Summary = d.Summary
		existing.Payload = d.Payload
		existing.LastSeenAt = now
		existing.UpdatedAt = now

		switch existing.Status {
		case domain.SignalStatusIgnored:
			// User said no. The payload stays fresh but the status holds.
			result.KeptIgnored++
		case domain.SignalStatusResolved:
			existing.Status = domain.SignalStatusOpen
			existing.ResolvedAt = nil
			result.Updated++
		default:
			result.Updated++
		}
		if err := m.repo.Update(existing); err != nil {
			return nil, err
		}
		if existing.Status != domain.SignalStatusIgnored {
			m.auditor.RecordAt(now, businessID, string(events.SignalUpdated), "signal", d.SignalID, before, existing, nil)
			m.emit(businessID, existing, "updated")
			m.aggregate(businessID, existing, now)
		}
	}

	// Anything active that this run did not re-detect has healed.
	active, err := m.repo.ListActive(businessID)
	if err != nil {
		return nil, err
	}
	for i := range active {
		state := active[i]
		if seen[state.SignalID] {
			continue
		}
		before := state
		state.Status = domain.SignalStatusResolved
		resolvedAt := now
		state.ResolvedAt = &resolvedAt
		state.UpdatedAt = now
		if err := m.repo.Update(&state); err != nil {
			return nil, err
		}
		result.Resolved++
		m.auditor.RecordAt(now, businessID, string(events.SignalResolved), "signal", state.SignalID, before, state, nil)
		m.emit(businessID, &state, "resolved")
	}

	if result.ActiveCount, err = m.repo.CountActive(businessID); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("business_id", businessID).
		Int("detected", result.Detected).
		Int("updated", result.Updated).
		Int("resolved", result.Resolved).
		Msg("Signal reconciliation finished")
	return result, nil
}

// UpdateStatus applies a user-driven transition.
func (m *StateMachine) UpdateStatus(businessID, signalID string, status domain.SignalStatus, note string) (*domain.SignalState, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid signal status %q: %w", status, domain.ErrValidation)
	}

	state, err := m.repo.GetBySignalID(businessID, signalID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("signal %s: %w", signalID, domain.ErrNotFound)
	}

	now := time.Now().UTC()
	before := *state
	state.Status = status
	state.UpdatedAt = now
	if status == domain.SignalStatusResolved {
		resolvedAt := now
		state.ResolvedAt = &resolvedAt
	} else {
		state.ResolvedAt = nil
	}
	if err := m.repo.Update(state); err != nil {
		return nil, err
	}

	detail := map[string]interface{}{}
	if note != "" {
		detail["note"] = note
	}
	m.auditor.RecordAt(now, businessID, string(events.SignalStatusChanged), "signal", signalID, before, state, detail)
	m.emit(businessID, state, "status_changed")
	return state, nil
}

func (m *StateMachine) emit(businessID string, state *domain.SignalState, change string) {
	if m.bus == nil {
		return
	}
	m.bus.Emit("signals", &events.SignalChangedData{
		BusinessID: businessID,
		SignalID:   state.SignalID,
		SignalType: state.SignalType,
		Status:     string(state.Status),
		Severity:   string(state.Severity),
		Change:     change,
	})
}

func (m *StateMachine) aggregate(businessID string, state *domain.SignalState, now time.Time) {
	if m.aggregator == nil {
		return
	}
	if err := m.aggregator.AggregateSignal(businessID, state.SignalID, state.SignalType, state.Severity, now); err != nil {
		m.log.Error().Err(err).
			Str("business_id", businessID).
			Str("signal_id", state.SignalID).
			Msg("Case aggregation failed")
	}
}
