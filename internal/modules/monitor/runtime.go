// Package monitor coordinates pulse runs: the detector battery plus signal
// reconciliation, gated by an event cursor and a cooldown so idle businesses
// cost nothing. Runtime state lives in the cache-profile database; losing it
// only forces the next pulse to run cold.
package monitor

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Runtime is the persisted per-business pulse state.
type Runtime struct {
	BusinessID          string `json:"business_id"`
	CursorSourceEventID string `json:"cursor_source_event_id"`
	Snapshot            []byte `json:"-"`
	CursorOccurredAt    int64  `json:"cursor_occurred_at"`
	LastPulseAt         int64  `json:"last_pulse_at"`
	LastSignalCount     int    `json:"last_signal_count"`
	UpdatedAt           int64  `json:"updated_at"`
}

// RuntimeRepository handles monitor runtime persistence.
type RuntimeRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRuntimeRepository creates a runtime repository on the runtime database.
func NewRuntimeRepository(db *sql.DB, log zerolog.Logger) *RuntimeRepository {
	return &RuntimeRepository{
		db:  db,
		log: log.With().Str("repo", "monitor_runtime").Logger(),
	}
}

// Get returns the runtime row or nil when the business has never pulsed.
func (r *RuntimeRepository) Get(businessID string) (*Runtime, error) {
	var rt Runtime
	var snapshot []byte
	err := r.db.QueryRow(`
		SELECT business_id, cursor_occurred_at, cursor_source_event_id, snapshot,
		       last_pulse_at, last_signal_count, updated_at
		FROM monitor_runtime WHERE business_id = ?`, businessID).
		Scan(&rt.BusinessID, &rt.CursorOccurredAt, &rt.CursorSourceEventID, &snapshot,
			&rt.LastPulseAt, &rt.LastSignalCount, &rt.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read monitor runtime: %w", err)
	}
	rt.Snapshot = snapshot
	return &rt, nil
}

// Upsert writes the runtime row for a business.
func (r *RuntimeRepository) Upsert(rt *Runtime) error {
	rt.UpdatedAt = time.Now().UTC().Unix()
	_, err := r.db.Exec(`
		INSERT INTO monitor_runtime (business_id, cursor_occurred_at, cursor_source_event_id,
			snapshot, last_pulse_at, last_signal_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (business_id) DO UPDATE SET
			cursor_occurred_at = excluded.cursor_occurred_at,
			cursor_source_event_id = excluded.cursor_source_event_id,
			snapshot = excluded.snapshot,
			last_pulse_at = excluded.last_pulse_at,
			last_signal_count = excluded.last_signal_count,
			updated_at = excluded.updated_at`,
		rt.BusinessID, rt.CursorOccurredAt, rt.CursorSourceEventID,
		rt.Snapshot, rt.LastPulseAt, rt.LastSignalCount, rt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert monitor runtime: %w", err)
	}
	return nil
}

// DeleteByBusiness removes the runtime row for a business.
func (r *RuntimeRepository) DeleteByBusiness(businessID string) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM monitor_runtime WHERE business_id = ?`, businessID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete monitor runtime: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}
