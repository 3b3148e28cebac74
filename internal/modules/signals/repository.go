// Package signals persists detector findings and runs the reconciliation
// state machine over them. A signal's identity never changes; its status
// walks open -> in_progress -> resolved with ignored as a user-held override
// that re-detection cannot lift.
package signals

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
)

// Repository handles signal state persistence in core.db.
type Repository struct {
	coreDB *sql.DB
	log    zerolog.Logger
}

// NewRepository creates a signal repository.
func NewRepository(coreDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		coreDB: coreDB,
		log:    log.With().Str("repo", "signals").Logger(),
	}
}

const signalColumns = `business_id, signal_id, signal_type, fingerprint, status,
	severity, title, summary, payload_json, detected_at, last_seen_at, resolved_at, updated_at`

// GetBySignalID returns one signal or nil when absent.
func (r *Repository) GetBySignalID(businessID, signalID string) (*domain.SignalState, error) {
	row := r.coreDB.QueryRow(`
		SELECT `+signalColumns+`
		FROM signal_states WHERE business_id = ? AND signal_id = ?`,
		businessID, signalID)

	state, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal %s: %w", signalID, err)
	}
	return state, nil
}

// ListFilter narrows List results. Zero values mean "all".
type ListFilter struct {
	Status     domain.SignalStatus
	SignalType string
}

// List returns signals for a business ordered by (detected_at DESC, signal_id)
// so the newest findings lead.
func (r *Repository) List(businessID string, filter ListFilter) ([]domain.SignalState, error) {
	query := `SELECT ` + signalColumns + ` FROM signal_states WHERE business_id = ?`
	args := []interface{}{businessID}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.SignalType != "" {
		query += " AND signal_type = ?"
		args = append(args, filter.SignalType)
	}
	query += " ORDER BY detected_at DESC, signal_id ASC"

	rows, err := r.coreDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()

	var states []domain.SignalState
	for rows.Next() {
		state, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		states = append(states, *state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate signals: %w", err)
	}
	return states, nil
}

// ListActive returns every open or in_progress signal.
func (r *Repository) ListActive(businessID string) ([]domain.SignalState, error) {
	rows, err := r.coreDB.Query(`
		SELECT `+signalColumns+`
		FROM signal_states
		WHERE business_id = ? AND status IN ('open', 'in_progress')
		ORDER BY detected_at DESC, signal_id ASC`, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active signals: %w", err)
	}
	defer rows.Close()

	var states []domain.SignalState
	for rows.Next() {
		state, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		states = append(states, *state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active signals: %w", err)
	}
	return states, nil
}

// ListNonResolved returns every signal that still carries score weight:
// open, in_progress, and ignored rows.
func (r *Repository) ListNonResolved(businessID string) ([]domain.SignalState, error) {
	rows, err := r.coreDB.Query(`
		SELECT `+signalColumns+`
		FROM signal_states
		WHERE business_id = ? AND status != 'resolved'
		ORDER BY detected_at DESC, signal_id ASC`, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list non-resolved signals: %w", err)
	}
	defer rows.Close()

	var states []domain.SignalState
	for rows.Next() {
		state, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		states = append(states, *state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate non-resolved signals: %w", err)
	}
	return states, nil
}

// CountActive returns the number of open or in_progress signals.
func (r *Repository) CountActive(businessID string) (int, error) {
	var n int
	err := r.coreDB.QueryRow(`
		SELECT COUNT(*) FROM signal_states
		WHERE business_id = ? AND status IN ('open', 'in_progress')`, businessID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active signals: %w", err)
	}
	return n, nil
}

// Insert persists a new signal row.
func (r *Repository) Insert(state *domain.SignalState) error {
	payloadJSON, err := json.Marshal(state.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal signal payload: %w", err)
	}

	_, err = r.coreDB.Exec(`
		INSERT INTO signal_states (`+signalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.BusinessID, state.SignalID, state.SignalType, state.Fingerprint,
		string(state.Status), string(state.Severity), state.Title, state.Summary,
		string(payloadJSON), state.DetectedAt.Unix(), state.LastSeenAt.Unix(),
		nullableUnix(state.ResolvedAt), state.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal %s: %w", state.SignalID, err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing row.
func (r *Repository) Update(state *domain.SignalState) error {
	payloadJSON, err := json.Marshal(state.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal signal payload: %w", err)
	}

	result, err := r.coreDB.Exec(`
		UPDATE signal_states
		SET status = ?, severity = ?, title = ?, summary = ?, payload_json = ?,
		    last_seen_at = ?, resolved_at = ?, updated_at = ?
		WHERE business_id = ? AND signal_id = ?`,
		string(state.Status), string(state.Severity), state.Title, state.Summary,
		string(payloadJSON), state.LastSeenAt.Unix(), nullableUnix(state.ResolvedAt),
		state.UpdatedAt.Unix(), state.BusinessID, state.SignalID,
	)
	if err != nil {
		return fmt.Errorf("failed to update signal %s: %w", state.SignalID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("signal %s: %w", state.SignalID, domain.ErrNotFound)
	}
	return nil
}

// DeleteByBusiness removes every signal for a business. Part of the business
// delete cascade.
func (r *Repository) DeleteByBusiness(businessID string) (int64, error) {
	result, err := r.coreDB.Exec("DELETE FROM signal_states WHERE business_id = ?", businessID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete signals for %s: %w", businessID, err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSignal(row rowScanner) (*domain.SignalState, error) {
	var state domain.SignalState
	var status, severity, payloadJSON string
	var detectedAt, lastSeenAt, updatedAt int64
	var resolvedAt sql.NullInt64

	err := row.Scan(
		&state.BusinessID, &state.SignalID, &state.SignalType, &state.Fingerprint,
		&status, &severity, &state.Title, &state.Summary, &payloadJSON,
		&detectedAt, &lastSeenAt, &resolvedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	state.Status = domain.SignalStatus(status)
	state.Severity = domain.Severity(severity)
	state.DetectedAt = time.Unix(detectedAt, 0).UTC()
	state.LastSeenAt = time.Unix(lastSeenAt, 0).UTC()
	state.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if resolvedAt.Valid {
		t := time.Unix(resolvedAt.Int64, 0).UTC()
		state.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(payloadJSON), &state.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode signal payload: %w", err)
	}
	return &state, nil
}

func nullableUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
