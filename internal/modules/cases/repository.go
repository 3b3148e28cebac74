package cases

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
)

// Repository handles case persistence in core.db.
type Repository struct {
	coreDB *sql.DB
	log    zerolog.Logger
}

// NewRepository creates a case repository.
func NewRepository(coreDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		coreDB: coreDB,
		log:    log.With().Str("repo", "cases").Logger(),
	}
}

const caseColumns = `id, business_id, domain, status, severity, primary_signal_type,
	opened_at, last_activity_at, closed_at, risk_score_snapshot, assigned_to, next_review_at`

// Create inserts a new case and returns it with its id.
func (r *Repository) Create(c *Case) (*Case, error) {
	snapshotJSON, err := marshalSnapshot(c.RiskScoreSnapshot)
	if err != nil {
		return nil, err
	}

	result, err := r.coreDB.Exec(`
		INSERT INTO cases (business_id, domain, status, severity, primary_signal_type,
			opened_at, last_activity_at, closed_at, risk_score_snapshot, assigned_to, next_review_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.BusinessID, string(c.Domain), string(c.Status), string(c.Severity),
		nullableString(c.PrimarySignalType), c.OpenedAt.Unix(), c.LastActivityAt.Unix(),
		nullableUnix(c.ClosedAt), snapshotJSON, nullableString(c.AssignedTo),
		nullableUnix(c.NextReviewAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create case: %w", err)
	}
	c.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read case id: %w", err)
	}
	return c, nil
}

// GetByID returns one case or nil when absent.
func (r *Repository) GetByID(id int64) (*Case, error) {
	row := r.coreDB.QueryRow(`SELECT `+caseColumns+` FROM cases WHERE id = ?`, id)
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get case %d: %w", id, err)
	}
	return c, nil
}

// FindOpenByDomain returns the earliest-opened active case for a domain, or
// nil. Ties break by id so concurrent detectors converge on one case.
func (r *Repository) FindOpenByDomain(businessID string, d domain.SignalDomain) (*Case, error) {
	row := r.coreDB.QueryRow(`
		SELECT `+caseColumns+` FROM cases
		WHERE business_id = ? AND domain = ? AND status IN ('open', 'monitoring', 'escalated')
		ORDER BY opened_at ASC, id ASC LIMIT 1`,
		businessID, string(d))
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open case for %s/%s: %w", businessID, d, err)
	}
	return c, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status CaseStatus
	Domain domain.SignalDomain
}

// List returns cases for a business, most recently active first.
func (r *Repository) List(businessID string, filter ListFilter) ([]Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE business_id = ?`
	args := []interface{}{businessID}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Domain != "" {
		query += " AND domain = ?"
		args = append(args, string(filter.Domain))
	}
	query += " ORDER BY last_activity_at DESC, id DESC"

	rows, err := r.coreDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}
	defer rows.Close()
	return collectCases(rows)
}

// ListActive returns every open/monitoring/escalated case for a business,
// ordered by (severity desc, last_activity desc, opened_at, id), which is
// the tick scheduler's candidate order.
func (r *Repository) ListActive(businessID string) ([]Case, error) {
	rows, err := r.coreDB.Query(`
		SELECT `+caseColumns+` FROM cases
		WHERE business_id = ? AND status IN ('open', 'monitoring', 'escalated')
		ORDER BY CASE severity
			WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END ASC,
			last_activity_at DESC, opened_at ASC, id ASC`, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active cases: %w", err)
	}
	defer rows.Close()
	return collectCases(rows)
}

// Update rewrites the mutable fields of a case.
func (r *Repository) Update(c *Case) error {
	snapshotJSON, err := marshalSnapshot(c.RiskScoreSnapshot)
	if err != nil {
		return err
	}

	result, err := r.coreDB.Exec(`
		UPDATE cases
		SET status = ?, severity = ?, primary_signal_type = ?, last_activity_at = ?,
		    closed_at = ?, risk_score_snapshot = ?, assigned_to = ?, next_review_at = ?
		WHERE id = ?`,
		string(c.Status), string(c.Severity), nullableString(c.PrimarySignalType),
		c.LastActivityAt.Unix(), nullableUnix(c.ClosedAt), snapshotJSON,
		nullableString(c.AssignedTo), nullableUnix(c.NextReviewAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update case %d: %w", c.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("case %d: %w", c.ID, domain.ErrNotFound)
	}
	return nil
}

// GetSignalBinding returns the case a signal is attached to, or nil.
func (r *Repository) GetSignalBinding(businessID, signalID string) (*CaseSignal, error) {
	row := r.coreDB.QueryRow(`
		SELECT id, business_id, signal_id, case_id, signal_type, severity, attached_at
		FROM case_signals WHERE business_id = ? AND signal_id = ?`,
		businessID, signalID)

	var cs CaseSignal
	var severity string
	var attachedAt int64
	err := row.Scan(&cs.ID, &cs.BusinessID, &cs.SignalID, &cs.CaseID, &cs.SignalType, &severity, &attachedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal binding %s: %w", signalID, err)
	}
	cs.Severity = domain.Severity(severity)
	cs.AttachedAt = time.Unix(attachedAt, 0).UTC()
	return &cs, nil
}

// AttachSignal inserts the case/signal binding.
func (r *Repository) AttachSignal(cs *CaseSignal) error {
	result, err := r.coreDB.Exec(`
		INSERT INTO case_signals (business_id, signal_id, case_id, signal_type, severity, attached_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cs.BusinessID, cs.SignalID, cs.CaseID, cs.SignalType, string(cs.Severity), cs.AttachedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to attach signal %s to case %d: %w", cs.SignalID, cs.CaseID, err)
	}
	cs.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read attachment id: %w", err)
	}
	return nil
}

// CountSignalsSince counts signals attached to a case within the window.
func (r *Repository) CountSignalsSince(caseID int64, since time.Time) (int, error) {
	var n int
	err := r.coreDB.QueryRow(`
		SELECT COUNT(*) FROM case_signals WHERE case_id = ? AND attached_at >= ?`,
		caseID, since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count case signals: %w", err)
	}
	return n, nil
}

// AttachedSignalState is the live status of one attached signal.
type AttachedSignalState struct {
	SignalID   string
	SignalType string
	Severity   domain.Severity
	Status     domain.SignalStatus
	AttachedAt time.Time
}

// ListAttachedSignalStates joins attachments with the live signal store so the
// recompute can reason over current signal statuses.
func (r *Repository) ListAttachedSignalStates(caseID int64) ([]AttachedSignalState, error) {
	rows, err := r.coreDB.Query(`
		SELECT cs.signal_id, cs.signal_type, ss.severity, ss.status, cs.attached_at
		FROM case_signals cs
		JOIN signal_states ss ON ss.business_id = cs.business_id AND ss.signal_id = cs.signal_id
		WHERE cs.case_id = ?
		ORDER BY cs.attached_at ASC, cs.id ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attached signals: %w", err)
	}
	defer rows.Close()

	var states []AttachedSignalState
	for rows.Next() {
		var s AttachedSignalState
		var severity, status string
		var attachedAt int64
		if err := rows.Scan(&s.SignalID, &s.SignalType, &severity, &status, &attachedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attached signal: %w", err)
		}
		s.Severity = domain.Severity(severity)
		s.Status = domain.SignalStatus(status)
		s.AttachedAt = time.Unix(attachedAt, 0).UTC()
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attached signals: %w", err)
	}
	return states, nil
}

// InsertEvent appends one timeline entry.
func (r *Repository) InsertEvent(event *CaseEvent) error {
	payloadJSON := "{}"
	if event.Payload != nil {
		b, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal case event payload: %w", err)
		}
		payloadJSON = string(b)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	result, err := r.coreDB.Exec(`
		INSERT INTO case_events (case_id, business_id, event_type, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		event.CaseID, event.BusinessID, event.EventType, payloadJSON, event.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert case event: %w", err)
	}
	event.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read case event id: %w", err)
	}
	return nil
}

// ListEvents returns a case's timeline oldest first.
func (r *Repository) ListEvents(caseID int64) ([]CaseEvent, error) {
	rows, err := r.coreDB.Query(`
		SELECT id, case_id, business_id, event_type, payload_json, created_at
		FROM case_events WHERE case_id = ?
		ORDER BY created_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list case events: %w", err)
	}
	defer rows.Close()

	var eventsOut []CaseEvent
	for rows.Next() {
		var e CaseEvent
		var payloadJSON string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.CaseID, &e.BusinessID, &e.EventType, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan case event: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode case event payload: %w", err)
		}
		eventsOut = append(eventsOut, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate case events: %w", err)
	}
	return eventsOut, nil
}

// LatestEventOfType returns the newest timeline entry of one type, or nil.
func (r *Repository) LatestEventOfType(caseID int64, eventType string) (*CaseEvent, error) {
	row := r.coreDB.QueryRow(`
		SELECT id, case_id, business_id, event_type, payload_json, created_at
		FROM case_events WHERE case_id = ? AND event_type = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, caseID, eventType)

	var e CaseEvent
	var payloadJSON string
	var createdAt int64
	err := row.Scan(&e.ID, &e.CaseID, &e.BusinessID, &e.EventType, &payloadJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest %s event: %w", eventType, err)
	}
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode case event payload: %w", err)
	}
	return &e, nil
}

// UpsertAnchor attaches a ledger anchor idempotently. Returns true when a new
// row was created.
func (r *Repository) UpsertAnchor(anchor *CaseAnchor) (bool, error) {
	payloadJSON := "{}"
	if anchor.Payload != nil {
		b, err := json.Marshal(anchor.Payload)
		if err != nil {
			return false, fmt.Errorf("failed to marshal anchor payload: %w", err)
		}
		payloadJSON = string(b)
	}

	result, err := r.coreDB.Exec(`
		INSERT INTO case_anchors (case_id, business_id, anchor_key, payload_json, attached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (case_id, anchor_key) DO NOTHING`,
		anchor.CaseID, anchor.BusinessID, anchor.AnchorKey, payloadJSON, anchor.AttachedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to attach anchor %s: %w", anchor.AnchorKey, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read anchor result: %w", err)
	}
	return affected > 0, nil
}

// DeleteAnchor removes an anchor. Returns true when a row was deleted.
func (r *Repository) DeleteAnchor(caseID int64, anchorKey string) (bool, error) {
	result, err := r.coreDB.Exec(
		"DELETE FROM case_anchors WHERE case_id = ? AND anchor_key = ?", caseID, anchorKey)
	if err != nil {
		return false, fmt.Errorf("failed to detach anchor %s: %w", anchorKey, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read detach result: %w", err)
	}
	return affected > 0, nil
}

// ListAnchors returns a case's anchors oldest first.
func (r *Repository) ListAnchors(caseID int64) ([]CaseAnchor, error) {
	rows, err := r.coreDB.Query(`
		SELECT id, case_id, business_id, anchor_key, payload_json, attached_at
		FROM case_anchors WHERE case_id = ?
		ORDER BY attached_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list case anchors: %w", err)
	}
	defer rows.Close()

	var anchors []CaseAnchor
	for rows.Next() {
		var a CaseAnchor
		var payloadJSON string
		var attachedAt int64
		if err := rows.Scan(&a.ID, &a.CaseID, &a.BusinessID, &a.AnchorKey, &payloadJSON, &attachedAt); err != nil {
			return nil, fmt.Errorf("failed to scan case anchor: %w", err)
		}
		a.AttachedAt = time.Unix(attachedAt, 0).UTC()
		if err := json.Unmarshal([]byte(payloadJSON), &a.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode anchor payload: %w", err)
		}
		anchors = append(anchors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate case anchors: %w", err)
	}
	return anchors, nil
}

// DeleteByBusiness removes every case row (cases, signals, events, anchors)
// for a business. Part of the business delete cascade.
func (r *Repository) DeleteByBusiness(businessID string) (int64, error) {
	var total int64
	for _, stmt := range []string{
		"DELETE FROM case_signals WHERE business_id = ?",
		"DELETE FROM case_events WHERE business_id = ?",
		"DELETE FROM case_anchors WHERE business_id = ?",
		"DELETE FROM cases WHERE business_id = ?",
	} {
		result, err := r.coreDB.Exec(stmt, businessID)
		if err != nil {
			return total, fmt.Errorf("failed to delete case rows for %s: %w", businessID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to read delete result: %w", err)
		}
		total += n
	}
	return total, nil
}

func collectCases(rows *sql.Rows) ([]Case, error) {
	var out []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cases: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCase(row rowScanner) (*Case, error) {
	var c Case
	var domainStr, status, severity string
	var primarySignalType, assignedTo, snapshotJSON sql.NullString
	var openedAt, lastActivityAt int64
	var closedAt, nextReviewAt sql.NullInt64

	err := row.Scan(&c.ID, &c.BusinessID, &domainStr, &status, &severity,
		&primarySignalType, &openedAt, &lastActivityAt, &closedAt,
		&snapshotJSON, &assignedTo, &nextReviewAt)
	if err != nil {
		return nil, err
	}

	c.Domain = domain.SignalDomain(domainStr)
	c.Status = CaseStatus(status)
	c.Severity = domain.CaseSeverity(severity)
	c.PrimarySignalType = primarySignalType.String
	c.AssignedTo = assignedTo.String
	c.OpenedAt = time.Unix(openedAt, 0).UTC()
	c.LastActivityAt = time.Unix(lastActivityAt, 0).UTC()
	if closedAt.Valid {
		t := time.Unix(closedAt.Int64, 0).UTC()
		c.ClosedAt = &t
	}
	if nextReviewAt.Valid {
		t := time.Unix(nextReviewAt.Int64, 0).UTC()
		c.NextReviewAt = &t
	}
	if snapshotJSON.Valid && snapshotJSON.String != "" {
		var snapshot domain.RiskSnapshot
		if err := json.Unmarshal([]byte(snapshotJSON.String), &snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode risk snapshot: %w", err)
		}
		c.RiskScoreSnapshot = &snapshot
	}
	return &c, nil
}

func marshalSnapshot(s *domain.RiskSnapshot) (interface{}, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal risk snapshot: %w", err)
	}
	return string(b), nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
