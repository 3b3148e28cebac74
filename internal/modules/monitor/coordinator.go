package monitor

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/audit"
	"github.com/clarityhq/clarity/internal/modules/categories"
	"github.com/clarityhq/clarity/internal/modules/detectors"
	"github.com/clarityhq/clarity/internal/modules/projection"
	"github.com/clarityhq/clarity/internal/modules/signals"
	"github.com/clarityhq/clarity/internal/utils"
)

const (
	pulseCooldown   = 10 * time.Minute
	auditWindowDays = 14
)

// TxnSource projects the posted ledger. Implemented by the projector.
type TxnSource interface {
	PostedTransactions(businessID string) ([]domain.PostedTransaction, []projection.ParseFailure, error)
}

// CursorSource reports the newest raw event. Implemented by the raw event
// store.
type CursorSource interface {
	NewestCursor(businessID string) (int64, string, error)
}

// AuditSource reads the recent change history. Implemented by the audit
// repository.
type AuditSource interface {
	List(businessID string, filter audit.ListFilter) ([]audit.Entry, error)
}

// MappingSource exposes categorization state. Implemented by the processing
// repository.
type MappingSource interface {
	CategoryBySourceEventID(businessID string) (map[string]int64, error)
}

// ChartSource lists the system-key map. Implemented by the categories
// repository.
type ChartSource interface {
	ListMapEntries(businessID string) ([]categories.MapEntry, error)
}

// UncategorizedCounter reports the mapping backlog. Implemented by the
// processing pipeline.
type UncategorizedCounter interface {
	UncategorizedCount(businessID string) (int, error)
}

// Reconciler folds detector output into persisted signal state. Implemented
// by the signal state machine.
type Reconciler interface {
	Reconcile(businessID string, detected []domain.DetectedSignal, now time.Time) (*signals.ReconcileResult, error)
}

// PulseSummary is what one pulse reports. The stored snapshot is the summary
// of the last real run; cooldown hits replay it with Ran=false.
type PulseSummary struct {
	BusinessID          string                 `json:"business_id" msgpack:"business_id"`
	GeneratedAt         string                 `json:"generated_at" msgpack:"generated_at"`
	CursorSourceEventID string                 `json:"cursor_source_event_id" msgpack:"cursor_source_event_id"`
	Diagnostics         []detectors.Diagnostic `json:"diagnostics" msgpack:"diagnostics"`
	CursorOccurredAt    int64                  `json:"cursor_occurred_at" msgpack:"cursor_occurred_at"`
	TxnCount            int                    `json:"txn_count" msgpack:"txn_count"`
	ProjectionFailures  int                    `json:"projection_failures" msgpack:"projection_failures"`
	UncategorizedCount  int                    `json:"uncategorized_count" msgpack:"uncategorized_count"`
	Detected            int                    `json:"detected" msgpack:"detected"`
	Updated             int                    `json:"updated" msgpack:"updated"`
	Resolved            int                    `json:"resolved" msgpack:"resolved"`
	ActiveSignals       int                    `json:"active_signals" msgpack:"active_signals"`
	Ran                 bool                   `json:"ran" msgpack:"-"`
}

// Status is the monitor state surfaced over HTTP.
type Status struct {
	Summary     *PulseSummary `json:"summary,omitempty"`
	BusinessID  string        `json:"business_id"`
	LastPulseAt int64         `json:"last_pulse_at"`
	SignalCount int           `json:"signal_count"`
	HasRun      bool          `json:"has_run"`
}

// Coordinator runs pulses and owns the runtime state.
type Coordinator struct {
	runtime *RuntimeRepository
	txns    TxnSource
	cursor  CursorSource
	audits  AuditSource
	mapping MappingSource
	chart   ChartSource
	uncat   UncategorizedCounter
	engine  *detectors.Engine
	machine Reconciler
	bus     *events.Bus
	log     zerolog.Logger
}

// NewCoordinator creates the pulse coordinator.
func NewCoordinator(runtime *RuntimeRepository, txns TxnSource, cursor CursorSource, audits AuditSource,
	mapping MappingSource, chart ChartSource, uncat UncategorizedCounter,
	engine *detectors.Engine, machine Reconciler, bus *events.Bus, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		runtime: runtime,
		txns:    txns,
		cursor:  cursor,
		audits:  audits,
		mapping: mapping,
		chart:   chart,
		uncat:   uncat,
		engine:  engine,
		machine: machine,
		bus:     bus,
		log:     log.With().Str("service", "monitor").Logger(),
	}
}

// Pulse runs one detection cycle. When nothing new arrived since the last run
// and the cooldown has not elapsed, the cached summary comes back with
// Ran=false unless force is set.
func (c *Coordinator) Pulse(businessID string, now time.Time, force bool) (*PulseSummary, error) {
	now = now.UTC()

	cursorAt, cursorID, err := c.cursor.NewestCursor(businessID)
	if err != nil {
		return nil, err
	}

	rt, err := c.runtime.Get(businessID)
	if err != nil {
		return nil, err
	}
	if rt != nil && !force &&
		rt.CursorOccurredAt == cursorAt && rt.CursorSourceEventID == cursorID &&
		now.Sub(time.Unix(rt.LastPulseAt, 0)) < pulseCooldown {
		summary, err := decodeSummary(rt.Snapshot)
		if err != nil {
			// Corrupt cache only costs us the shortcut.
			c.log.Warn().Err(err).Str("business_id", businessID).Msg("Cached pulse summary unreadable, running cold")
		} else {
			summary.Ran = false
			c.emit(summary)
			return summary, nil
		}
	}

	summary, err := c.run(businessID, cursorAt, cursorID, now)
	if err != nil {
		return nil, err
	}
	c.emit(summary)
	return summary, nil
}

func (c *Coordinator) run(businessID string, cursorAt int64, cursorID string, now time.Time) (*PulseSummary, error) {
	defer utils.OperationTimer("pulse", c.log)()

	snapshot, failures, err := c.buildSnapshot(businessID, now)
	if err != nil {
		return nil, err
	}

	detected, diags := c.engine.Run(snapshot)
	recon, err := c.machine.Reconcile(businessID, detected, now)
	if err != nil {
		return nil, err
	}

	summary := &PulseSummary{
		BusinessID:          businessID,
		GeneratedAt:         now.Format(time.RFC3339),
		CursorOccurredAt:    cursorAt,
		CursorSourceEventID: cursorID,
		Diagnostics:         diags,
		TxnCount:            len(snapshot.Txns),
		ProjectionFailures:  failures,
		UncategorizedCount:  snapshot.UncategorizedCount,
		Detected:            recon.Detected,
		Updated:             recon.Updated,
		Resolved:            recon.Resolved,
		ActiveSignals:       recon.ActiveCount,
		Ran:                 true,
	}

	encoded, err := msgpack.Marshal(summary)
	if err != nil {
		return nil, err
	}
	if err := c.runtime.Upsert(&Runtime{
		BusinessID:          businessID,
		CursorOccurredAt:    cursorAt,
		CursorSourceEventID: cursorID,
		Snapshot:            encoded,
		LastPulseAt:         now.Unix(),
		LastSignalCount:     recon.ActiveCount,
	}); err != nil {
		return nil, err
	}

	c.log.Info().
		Str("business_id", businessID).
		Int("txns", summary.TxnCount).
		Int("detected", summary.Detected).
		Int("resolved", summary.Resolved).
		Int("active_signals", summary.ActiveSignals).
		Msg("Pulse completed")
	return summary, nil
}

func (c *Coordinator) buildSnapshot(businessID string, now time.Time) (*detectors.Snapshot, int, error) {
	txns, fails, err := c.txns.PostedTransactions(businessID)
	if err != nil {
		return nil, 0, err
	}

	entries, err := c.audits.List(businessID, audit.ListFilter{
		Since: now.Add(-auditWindowDays * 24 * time.Hour),
	})
	if err != nil {
		return nil, 0, err
	}

	categoryByEvent, err := c.mapping.CategoryBySourceEventID(businessID)
	if err != nil {
		return nil, 0, err
	}
	mapEntries, err := c.chart.ListMapEntries(businessID)
	if err != nil {
		return nil, 0, err
	}
	keyByCategory := make(map[int64]string, len(mapEntries))
	for _, entry := range mapEntries {
		keyByCategory[entry.CategoryID] = entry.SystemKey
	}
	keyByEvent := make(map[string]string, len(categoryByEvent))
	for eventID, categoryID := range categoryByEvent {
		if key, ok := keyByCategory[categoryID]; ok {
			keyByEvent[eventID] = key
		}
	}

	uncategorized, err := c.uncat.UncategorizedCount(businessID)
	if err != nil {
		return nil, 0, err
	}

	return &detectors.Snapshot{
		Now:                now,
		BusinessID:         businessID,
		Txns:               txns,
		AuditEntries:       entries,
		SystemKeyByEventID: keyByEvent,
		UncategorizedCount: uncategorized,
	}, len(fails), nil
}

// Status returns the runtime view for a business. A business that has never
// pulsed reports HasRun=false rather than an error.
func (c *Coordinator) Status(businessID string) (*Status, error) {
	rt, err := c.runtime.Get(businessID)
	if err != nil {
		return nil, err
	}
	if rt == nil {
		return &Status{BusinessID: businessID}, nil
	}

	status := &Status{
		BusinessID:  businessID,
		LastPulseAt: rt.LastPulseAt,
		SignalCount: rt.LastSignalCount,
		HasRun:      true,
	}
	if summary, err := decodeSummary(rt.Snapshot); err == nil {
		status.Summary = summary
	}
	return status, nil
}

// DeleteByBusiness removes the runtime state for a business.
func (c *Coordinator) DeleteByBusiness(businessID string) (int64, error) {
	return c.runtime.DeleteByBusiness(businessID)
}

func decodeSummary(snapshot []byte) (*PulseSummary, error) {
	var summary PulseSummary
	if err := msgpack.Unmarshal(snapshot, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (c *Coordinator) emit(summary *PulseSummary) {
	if c.bus == nil {
		return
	}
	detected := 0
	if summary.Ran {
		detected = summary.Detected
	}
	c.bus.Emit("monitor", &events.PulseCompletedData{
		BusinessID:  summary.BusinessID,
		Ran:         summary.Ran,
		SignalCount: summary.ActiveSignals,
		Detected:    detected,
	})
}
