package actions

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
)

// Repository handles action persistence in core.db.
type Repository struct {
	coreDB *sql.DB
	log    zerolog.Logger
}

// NewRepository creates an action repository.
func NewRepository(coreDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		coreDB: coreDB,
		log:    log.With().Str("repo", "actions").Logger(),
	}
}

const actionColumns = `id, business_id, idempotency_key, action_type, priority, status, title,
	source_signal_id, evidence_json, rationale_json, assigned_to, resolved_at,
	resolution_reason, snoozed_until, updated_count, created_at, updated_at`

// GetByID returns one action or nil.
func (r *Repository) GetByID(id int64) (*Action, error) {
	row := r.coreDB.QueryRow(`SELECT `+actionColumns+` FROM action_items WHERE id = ?`, id)
	action, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action %d: %w", id, err)
	}
	return action, nil
}

// GetByKey returns the action with one idempotency key, or nil.
func (r *Repository) GetByKey(businessID, key string) (*Action, error) {
	row := r.coreDB.QueryRow(`
		SELECT `+actionColumns+` FROM action_items
		WHERE business_id = ? AND idempotency_key = ?`, businessID, key)
	action, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action %s: %w", key, err)
	}
	return action, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status     string
	ActionType string
}

// List returns a business's actions ordered by (priority desc, created_at, id).
func (r *Repository) List(businessID string, filter ListFilter) ([]Action, error) {
	query := `SELECT ` + actionColumns + ` FROM action_items WHERE business_id = ?`
	args := []interface{}{businessID}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.ActionType != "" {
		query += " AND action_type = ?"
		args = append(args, filter.ActionType)
	}
	query += " ORDER BY priority DESC, created_at ASC, id ASC"

	rows, err := r.coreDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, *action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate actions: %w", err)
	}
	return actions, nil
}

// Insert persists a new action and fills in its id.
func (r *Repository) Insert(a *Action) error {
	evidence, rationale, err := marshalPayloads(a)
	if err != nil {
		return err
	}

	result, err := r.coreDB.Exec(`
		INSERT INTO action_items (business_id, idempotency_key, action_type, priority, status,
			title, source_signal_id, evidence_json, rationale_json, assigned_to, resolved_at,
			resolution_reason, snoozed_until, updated_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.BusinessID, a.IdempotencyKey, a.ActionType, a.Priority, a.Status,
		a.Title, nullableString(a.SourceSignalID), evidence, rationale,
		nullableString(a.AssignedTo), nullableUnix(a.ResolvedAt),
		nullableString(a.ResolutionReason), nullableUnix(a.SnoozedUntil),
		a.UpdatedCount, a.CreatedAt.Unix(), a.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert action %s: %w", a.IdempotencyKey, err)
	}
	a.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read action id: %w", err)
	}
	return nil
}

// Update rewrites an action's mutable fields.
func (r *Repository) Update(a *Action) error {
	evidence, rationale, err := marshalPayloads(a)
	if err != nil {
		return err
	}

	result, err := r.coreDB.Exec(`
		UPDATE action_items
		SET priority = ?, status = ?, title = ?, evidence_json = ?, rationale_json = ?,
		    assigned_to = ?, resolved_at = ?, resolution_reason = ?, snoozed_until = ?,
		    updated_count = ?, updated_at = ?
		WHERE id = ?`,
		a.Priority, a.Status, a.Title, evidence, rationale,
		nullableString(a.AssignedTo), nullableUnix(a.ResolvedAt),
		nullableString(a.ResolutionReason), nullableUnix(a.SnoozedUntil),
		a.UpdatedCount, a.UpdatedAt.Unix(), a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update action %d: %w", a.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("action %d: %w", a.ID, domain.ErrNotFound)
	}
	return nil
}

// InsertEvent appends one row to an action's event history.
func (r *Repository) InsertEvent(e *StateEvent, businessID string) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal action event payload: %w", err)
	}
	if e.Payload == nil {
		payload = []byte("{}")
	}

	result, err := r.coreDB.Exec(`
		INSERT INTO action_events (action_id, business_id, event_type, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ActionID, businessID, e.EventType, string(payload), e.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert action event: %w", err)
	}
	e.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read action event id: %w", err)
	}
	return nil
}

// ListEvents returns an action's event history oldest first.
func (r *Repository) ListEvents(actionID int64) ([]StateEvent, error) {
	rows, err := r.coreDB.Query(`
		SELECT id, action_id, event_type, payload_json, created_at
		FROM action_events WHERE action_id = ?
		ORDER BY created_at ASC, id ASC`, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list action events: %w", err)
	}
	defer rows.Close()

	var events []StateEvent
	for rows.Next() {
		var e StateEvent
		var payload string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.ActionID, &e.EventType, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan action event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode action event payload: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate action events: %w", err)
	}
	return events, nil
}

// DeleteByBusiness removes every action and event for a business.
func (r *Repository) DeleteByBusiness(businessID string) (int64, error) {
	if _, err := r.coreDB.Exec("DELETE FROM action_events WHERE business_id = ?", businessID); err != nil {
		return 0, fmt.Errorf("failed to delete action events for %s: %w", businessID, err)
	}
	result, err := r.coreDB.Exec("DELETE FROM action_items WHERE business_id = ?", businessID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete actions for %s: %w", businessID, err)
	}
	return result.RowsAffected()
}

func marshalPayloads(a *Action) (string, string, error) {
	evidence := a.Evidence
	if evidence == nil {
		evidence = map[string]interface{}{}
	}
	rationale := a.Rationale
	if rationale == nil {
		rationale = map[string]interface{}{}
	}
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal action evidence: %w", err)
	}
	rationaleJSON, err := json.Marshal(rationale)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal action rationale: %w", err)
	}
	return string(evidenceJSON), string(rationaleJSON), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (*Action, error) {
	var a Action
	var createdAt, updatedAt int64
	var resolvedAt, snoozedUntil sql.NullInt64
	var sourceSignal, assignedTo, resolutionReason sql.NullString
	var evidenceJSON, rationaleJSON string

	err := row.Scan(&a.ID, &a.BusinessID, &a.IdempotencyKey, &a.ActionType, &a.Priority,
		&a.Status, &a.Title, &sourceSignal, &evidenceJSON, &rationaleJSON, &assignedTo,
		&resolvedAt, &resolutionReason, &snoozedUntil, &a.UpdatedCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(evidenceJSON), &a.Evidence); err != nil {
		return nil, fmt.Errorf("failed to decode action evidence: %w", err)
	}
	if err := json.Unmarshal([]byte(rationaleJSON), &a.Rationale); err != nil {
		return nil, fmt.Errorf("failed to decode action rationale: %w", err)
	}

	a.SourceSignalID = sourceSignal.String
	a.AssignedTo = assignedTo.String
	a.ResolutionReason = resolutionReason.String
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	a.ResolvedAt = optionalTime(resolvedAt)
	a.SnoozedUntil = optionalTime(snoozedUntil)
	return &a, nil
}

func optionalTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func nullableUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
