// Package audit provides the append-only per-business change log.
// Every signal, case, action, plan, and work transition is recorded here with
// before/after JSON snapshots. The health score explain-change flow and the
// daily brief both read this log, so rows are never updated or deleted and
// consumers must order by (created_at, id).
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one audit log row. BeforeState is nil on creates, AfterState is
// nil on deletes.
type Entry struct {
	CreatedAt   time.Time              `json:"created_at"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
	EventID     string                 `json:"event_id"`
	BusinessID  string                 `json:"business_id"`
	EventType   string                 `json:"event_type"`
	EntityType  string                 `json:"entity_type"`
	EntityID    string                 `json:"entity_id"`
	BeforeState json.RawMessage        `json:"before_state,omitempty"`
	AfterState  json.RawMessage        `json:"after_state,omitempty"`
	ID          int64                  `json:"id"`
}

// Repository persists audit entries in audit.db (ledger durability profile).
type Repository struct {
	auditDB *sql.DB
	log     zerolog.Logger
}

// NewRepository creates a new audit repository.
//
// Parameters:
//   - auditDB: Database connection to audit.db
//   - log: Structured logger
//
// Returns:
//   - *Repository: Initialized repository instance
func NewRepository(auditDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		auditDB: auditDB,
		log:     log.With().Str("repo", "audit").Logger(),
	}
}

// Insert appends one entry. The caller fills EventID, timestamps default to
// now when zero.
func (r *Repository) Insert(entry *Entry) (*Entry, error) {
	if entry.BusinessID == "" {
		return nil, fmt.Errorf("audit entry requires business_id")
	}
	if entry.EventType == "" {
		return nil, fmt.Errorf("audit entry requires event_type")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	detailJSON := "{}"
	if entry.Detail != nil {
		b, err := json.Marshal(entry.Detail)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal audit detail: %w", err)
		}
		detailJSON = string(b)
	}

	var before, after interface{}
	if len(entry.BeforeState) > 0 {
		before = string(entry.BeforeState)
	}
	if len(entry.AfterState) > 0 {
		after = string(entry.AfterState)
	}

	result, err := r.auditDB.Exec(`
		INSERT INTO audit_log (event_id, business_id, event_type, entity_type, entity_id,
			before_state, after_state, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EventID, entry.BusinessID, entry.EventType, entry.EntityType, entry.EntityID,
		before, after, detailJSON, entry.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get audit entry id: %w", err)
	}
	entry.ID = id

	return entry, nil
}

// ListFilter narrows audit queries. Zero values mean "no constraint".
type ListFilter struct {
	Since      time.Time
	Until      time.Time
	EventTypes []string
	EntityType string
	EntityID   string
	Limit      int
}

// List returns entries for a business ordered by (created_at, id) ascending.
// That tuple is the total order consumers must rely on; id alone is not
// meaningful across databases restored from backup.
func (r *Repository) List(businessID string, filter ListFilter) ([]Entry, error) {
	query := `
		SELECT id, event_id, business_id, event_type, entity_type, entity_id,
			before_state, after_state, detail_json, created_at
		FROM audit_log
		WHERE business_id = ?`
	args := []interface{}{businessID}

	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.Unix())
	}
	if !filter.Until.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, filter.Until.Unix())
	}
	if len(filter.EventTypes) > 0 {
		placeholders := strings.Repeat("?,", len(filter.EventTypes))
		query += " AND event_type IN (" + placeholders[:len(placeholders)-1] + ")"
		for _, et := range filter.EventTypes {
			args = append(args, et)
		}
	}
	if filter.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, filter.EntityID)
	}

	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.auditDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	return r.scanEntries(rows)
}

// CountTransitions counts entries of the given event types for one entity
// since a point in time. Used by the flap-suppression rules.
func (r *Repository) CountTransitions(businessID, entityType, entityID string, eventTypes []string, since time.Time) (int, error) {
	if len(eventTypes) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(eventTypes))
	query := `
		SELECT COUNT(*)
		FROM audit_log
		WHERE business_id = ? AND entity_type = ? AND entity_id = ?
		AND event_type IN (` + placeholders[:len(placeholders)-1] + `)
		AND created_at >= ?`

	args := []interface{}{businessID, entityType, entityID}
	for _, et := range eventTypes {
		args = append(args, et)
	}
	args = append(args, since.Unix())

	var count int
	if err := r.auditDB.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count transitions: %w", err)
	}

	return count, nil
}

// DeleteByBusiness removes every audit row for a business. Only the business
// hard-delete cascade calls this.
func (r *Repository) DeleteByBusiness(businessID string) (int64, error) {
	result, err := r.auditDB.Exec("DELETE FROM audit_log WHERE business_id = ?", businessID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit entries: %w", err)
	}
	return result.RowsAffected()
}

func (r *Repository) scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var before, after, detail sql.NullString
		var createdAt int64

		if err := rows.Scan(&e.ID, &e.EventID, &e.BusinessID, &e.EventType, &e.EntityType,
			&e.EntityID, &before, &after, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		if before.Valid {
			e.BeforeState = json.RawMessage(before.String)
		}
		if after.Valid {
			e.AfterState = json.RawMessage(after.String)
		}
		if detail.Valid && detail.String != "" && detail.String != "{}" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				r.log.Warn().Err(err).Int64("entry_id", e.ID).Msg("Unparseable audit detail, skipping field")
			}
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}

	return entries, nil
}
