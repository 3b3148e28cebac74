// Package processing drives each raw event to its terminal state: normalized,
// categorized, or error. State lives in processing_event_state keyed by
// (business_id, source_event_id), which is what makes re-entry idempotent.
package processing

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Processing event states
const (
	StatusNew         = "new"
	StatusNormalized  = "normalized"
	StatusCategorized = "categorized"
	StatusError       = "error"
)

// EventState tracks one event through the pipeline.
type EventState struct {
	BusinessID    string `json:"business_id"`
	SourceEventID string `json:"source_event_id"`
	Status        string `json:"status"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorDetail   string `json:"error_detail,omitempty"`
	ID            int64  `json:"id"`
	ProcessedAt   int64  `json:"processed_at,omitempty"`
	UpdatedAt     int64  `json:"updated_at"`
}

// Terminal reports whether the state needs no further processing.
// Errored events stay terminal until an explicit reprocess resets them.
func (s EventState) Terminal() bool {
	return s.Status == StatusCategorized || s.Status == StatusError
}

// Categorization is one txn -> category assignment.
type Categorization struct {
	BusinessID    string  `json:"business_id"`
	SourceEventID string  `json:"source_event_id"`
	Source        string  `json:"source"`
	Note          string  `json:"note,omitempty"`
	ID            int64   `json:"id"`
	CategoryID    int64   `json:"category_id"`
	Confidence    float64 `json:"confidence"`
	CreatedAt     int64   `json:"created_at"`
	UpdatedAt     int64   `json:"updated_at"`
}

// Repository persists pipeline state and categorizations in the core database.
type Repository struct {
	coreDB *sql.DB
	log    zerolog.Logger
}

// NewRepository creates a new processing repository
func NewRepository(coreDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		coreDB: coreDB,
		log:    log.With().Str("repo", "processing").Logger(),
	}
}

// UpsertState records the state for an event. The unique key makes this safe
// to call from concurrent pipeline runs; last writer wins.
func (r *Repository) UpsertState(state EventState) error {
	now := time.Now().Unix()
	_, err := r.coreDB.Exec(`
		INSERT INTO processing_event_state
			(business_id, source_event_id, status, error_code, error_detail, processed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (business_id, source_event_id) DO UPDATE SET
			status = excluded.status,
			error_code = excluded.error_code,
			error_detail = excluded.error_detail,
			processed_at = excluded.processed_at,
			updated_at = excluded.updated_at`,
		state.BusinessID, state.SourceEventID, state.Status,
		nullableString(state.ErrorCode), nullableString(state.ErrorDetail),
		nullableInt(state.ProcessedAt), now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert processing state: %w", err)
	}
	return nil
}

// GetState fetches one event's state. Returns nil when the event has never
// been seen by the pipeline.
func (r *Repository) GetState(businessID, sourceEventID string) (*EventState, error) {
	row := r.coreDB.QueryRow(`
		SELECT id, business_id, source_event_id, status,
		       COALESCE(error_code, ''), COALESCE(error_detail, ''),
		       COALESCE(processed_at, 0), updated_at
		FROM processing_event_state
		WHERE business_id = ? AND source_event_id = ?`,
		businessID, sourceEventID)

	var s EventState
	err := row.Scan(&s.ID, &s.BusinessID, &s.SourceEventID, &s.Status,
		&s.ErrorCode, &s.ErrorDetail, &s.ProcessedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processing state: %w", err)
	}
	return &s, nil
}

// StatesBySourceEventID loads pipeline state for a business in one query.
func (r *Repository) StatesBySourceEventID(businessID string) (map[string]EventState, error) {
	rows, err := r.coreDB.Query(`
		SELECT id, business_id, source_event_id, status,
		       COALESCE(error_code, ''), COALESCE(error_detail, ''),
		       COALESCE(processed_at, 0), updated_at
		FROM processing_event_state WHERE business_id = ?`, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to load processing states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]EventState)
	for rows.Next() {
		var s EventState
		if err := rows.Scan(&s.ID, &s.BusinessID, &s.SourceEventID, &s.Status,
			&s.ErrorCode, &s.ErrorDetail, &s.ProcessedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan processing state: %w", err)
		}
		states[s.SourceEventID] = s
	}
	return states, rows.Err()
}

// CountByStatus returns the ingestion funnel: status -> row count.
func (r *Repository) CountByStatus(businessID string) (map[string]int, error) {
	rows, err := r.coreDB.Query(`
		SELECT status, COUNT(*) FROM processing_event_state
		WHERE business_id = ? GROUP BY status`, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to count processing states: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ResetErrors flips errored events back to new so a reprocess can retry them.
// Returns the number of events reset.
func (r *Repository) ResetErrors(businessID string) (int64, error) {
	result, err := r.coreDB.Exec(`
		UPDATE processing_event_state
		SET status = ?, error_code = NULL, error_detail = NULL, updated_at = ?
		WHERE business_id = ? AND status = ?`,
		StatusNew, time.Now().Unix(), businessID, StatusError)
	if err != nil {
		return 0, fmt.Errorf("failed to reset errored events: %w", err)
	}
	return result.RowsAffected()
}

// UpsertCategorization assigns a category to a transaction. Manual assignments
// always win; automatic sources never overwrite a manual row.
func (r *Repository) UpsertCategorization(c Categorization) error {
	now := time.Now().Unix()
	if c.Source == "manual" {
		_, err := r.coreDB.Exec(`
			INSERT INTO txn_categorizations
				(business_id, source_event_id, category_id, source, confidence, note, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (business_id, source_event_id) DO UPDATE SET
				category_id = excluded.category_id,
				source = excluded.source,
				confidence = excluded.confidence,
				note = excluded.note,
				updated_at = excluded.updated_at`,
			c.BusinessID, c.SourceEventID, c.CategoryID, c.Source, c.Confidence,
			nullableString(c.Note), now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert categorization: %w", err)
		}
		return nil
	}

	_, err := r.coreDB.Exec(`
		INSERT INTO txn_categorizations
			(business_id, source_event_id, category_id, source, confidence, note, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (business_id, source_event_id) DO UPDATE SET
			category_id = excluded.category_id,
			source = excluded.source,
			confidence = excluded.confidence,
			note = excluded.note,
			updated_at = excluded.updated_at
		WHERE txn_categorizations.source != 'manual'`,
		c.BusinessID, c.SourceEventID, c.CategoryID, c.Source, c.Confidence,
		nullableString(c.Note), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert categorization: %w", err)
	}
	return nil
}

// GetCategorization fetches the assignment for one event. Returns nil when
// the transaction is uncategorized.
func (r *Repository) GetCategorization(businessID, sourceEventID string) (*Categorization, error) {
	row := r.coreDB.QueryRow(`
		SELECT id, business_id, source_event_id, category_id, source, confidence,
		       COALESCE(note, ''), created_at, updated_at
		FROM txn_categorizations
		WHERE business_id = ? AND source_event_id = ?`,
		businessID, sourceEventID)

	var c Categorization
	err := row.Scan(&c.ID, &c.BusinessID, &c.SourceEventID, &c.CategoryID, &c.Source,
		&c.Confidence, &c.Note, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get categorization: %w", err)
	}
	return &c, nil
}

// CategoryBySourceEventID returns source_event_id -> category_id for a
// business. The ledger joins this against the projection.
func (r *Repository) CategoryBySourceEventID(businessID string) (map[string]int64, error) {
	rows, err := r.coreDB.Query(`
		SELECT source_event_id, category_id FROM txn_categorizations
		WHERE business_id = ?`, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to load categorizations: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var id string
		var categoryID int64
		if err := rows.Scan(&id, &categoryID); err != nil {
			return nil, fmt.Errorf("failed to scan categorization: %w", err)
		}
		result[id] = categoryID
	}
	return result, rows.Err()
}

// DeleteByBusiness removes all pipeline rows for a business.
func (r *Repository) DeleteByBusiness(businessID string) (int64, error) {
	var total int64
	for _, table := range []string{"txn_categorizations", "processing_event_state"} {
		result, err := r.coreDB.Exec("DELETE FROM "+table+" WHERE business_id = ?", businessID)
		if err != nil {
			return total, fmt.Errorf("failed to delete from %s: %w", table, err)
		}
		n, _ := result.RowsAffected()
		total += n
	}
	return total, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
