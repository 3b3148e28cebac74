package plans

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
)

// Repository handles plan persistence in core.db.
type Repository struct {
	coreDB *sql.DB
	log    zerolog.Logger
}

// NewRepository creates a plan repository.
func NewRepository(coreDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		coreDB: coreDB,
		log:    log.With().Str("repo", "plans").Logger(),
	}
}

const planColumns = `id, business_id, case_id, action_id, title, description, status,
	assigned_to, idempotency_key, outcome, created_at, activated_at, closed_at, updated_at`

// Create persists a plan with its conditions in one transaction-free pass;
// SQLite serializes the writes for us.
func (r *Repository) Create(p *Plan, conditions []Condition) error {
	result, err := r.coreDB.Exec(`
		INSERT INTO plans (business_id, case_id, action_id, title, description, status,
			assigned_to, idempotency_key, outcome, created_at, activated_at, closed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.BusinessID, nullableInt(p.CaseID), nullableInt(p.ActionID), p.Title, p.Description,
		p.Status, nullableString(p.AssignedTo), nullableString(p.IdempotencyKey),
		nullableString(p.Outcome), p.CreatedAt.Unix(), nullableUnix(p.ActivatedAt),
		nullableUnix(p.ClosedAt), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}
	p.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read plan id: %w", err)
	}

	for i := range conditions {
		conditions[i].PlanID = p.ID
		if err := r.insertCondition(&conditions[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) insertCondition(c *Condition) error {
	result, err := r.coreDB.Exec(`
		INSERT INTO plan_conditions (plan_id, type, source_signal_id, metric_key,
			baseline_window_days, evaluation_window_days, threshold, direction, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.PlanID, c.Type, nullableString(c.SourceSignalID), nullableString(c.MetricKey),
		c.BaselineWindowDays, c.EvaluationWindowDays, c.Threshold,
		nullableString(c.Direction), c.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert plan condition: %w", err)
	}
	c.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read plan condition id: %w", err)
	}
	return nil
}

// GetByID returns one plan or nil.
func (r *Repository) GetByID(id int64) (*Plan, error) {
	row := r.coreDB.QueryRow(`SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	plan, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan %d: %w", id, err)
	}
	return plan, nil
}

// GetByKey returns the plan with one idempotency key, or nil.
func (r *Repository) GetByKey(businessID, key string) (*Plan, error) {
	row := r.coreDB.QueryRow(`
		SELECT `+planColumns+` FROM plans
		WHERE business_id = ? AND idempotency_key = ?`, businessID, key)
	plan, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan by key %s: %w", key, err)
	}
	return plan, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status string
	CaseID int64
}

// List returns a business's plans newest first.
func (r *Repository) List(businessID string, filter ListFilter) ([]Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE business_id = ?`
	args := []interface{}{businessID}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.CaseID != 0 {
		query += " AND case_id = ?"
		args = append(args, filter.CaseID)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := r.coreDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, *plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plans: %w", err)
	}
	return plans, nil
}

// FindActiveForCase returns the earliest-created active plan bound to a case,
// or nil.
func (r *Repository) FindActiveForCase(businessID string, caseID int64) (*Plan, error) {
	row := r.coreDB.QueryRow(`
		SELECT `+planColumns+` FROM plans
		WHERE business_id = ? AND case_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC LIMIT 1`, businessID, caseID, StatusActive)
	plan, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active plan for case %d: %w", caseID, err)
	}
	return plan, nil
}

// Update rewrites a plan's mutable fields.
func (r *Repository) Update(p *Plan) error {
	result, err := r.coreDB.Exec(`
		UPDATE plans
		SET title = ?, description = ?, status = ?, assigned_to = ?, outcome = ?,
		    activated_at = ?, closed_at = ?, updated_at = ?
		WHERE id = ?`,
		p.Title, p.Description, p.Status, nullableString(p.AssignedTo),
		nullableString(p.Outcome), nullableUnix(p.ActivatedAt), nullableUnix(p.ClosedAt),
		p.UpdatedAt.Unix(), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update plan %d: %w", p.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("plan %d: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// ListConditions returns a plan's conditions in creation order.
func (r *Repository) ListConditions(planID int64) ([]Condition, error) {
	rows, err := r.coreDB.Query(`
		SELECT id, plan_id, type, source_signal_id, metric_key, baseline_window_days,
		       evaluation_window_days, threshold, direction, created_at
		FROM plan_conditions WHERE plan_id = ?
		ORDER BY id ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan conditions: %w", err)
	}
	defer rows.Close()

	var conditions []Condition
	for rows.Next() {
		var c Condition
		var sourceSignal, metricKey, direction sql.NullString
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.PlanID, &c.Type, &sourceSignal, &metricKey,
			&c.BaselineWindowDays, &c.EvaluationWindowDays, &c.Threshold, &direction, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan condition: %w", err)
		}
		c.SourceSignalID = sourceSignal.String
		c.MetricKey = metricKey.String
		c.Direction = direction.String
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		conditions = append(conditions, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plan conditions: %w", err)
	}
	return conditions, nil
}

// InsertObservation appends one Refresh outcome.
func (r *Repository) InsertObservation(o *Observation) error {
	payload, err := json.Marshal(o.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal observation payload: %w", err)
	}

	result, err := r.coreDB.Exec(`
		INSERT INTO plan_observations (plan_id, verdict, payload_json, observed_at)
		VALUES (?, ?, ?, ?)`,
		o.PlanID, o.Verdict, string(payload), o.ObservedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert plan observation: %w", err)
	}
	o.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read observation id: %w", err)
	}
	return nil
}

// ListObservations returns a plan's observations oldest first.
func (r *Repository) ListObservations(planID int64) ([]Observation, error) {
	rows, err := r.coreDB.Query(`
		SELECT id, plan_id, verdict, payload_json, observed_at
		FROM plan_observations WHERE plan_id = ?
		ORDER BY observed_at ASC, id ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan observations: %w", err)
	}
	defer rows.Close()

	var observations []Observation
	for rows.Next() {
		var o Observation
		var payload string
		var observedAt int64
		if err := rows.Scan(&o.ID, &o.PlanID, &o.Verdict, &payload, &observedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan observation: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &o.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode observation payload: %w", err)
		}
		o.ObservedAt = time.Unix(observedAt, 0).UTC()
		observations = append(observations, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plan observations: %w", err)
	}
	return observations, nil
}

// InsertEvent appends one row to a plan's event history.
func (r *Repository) InsertEvent(e *PlanEvent, businessID string) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal plan event payload: %w", err)
	}
	if e.Payload == nil {
		payload = []byte("{}")
	}

	result, err := r.coreDB.Exec(`
		INSERT INTO plan_events (plan_id, business_id, event_type, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.PlanID, businessID, e.EventType, string(payload), e.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert plan event: %w", err)
	}
	e.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read plan event id: %w", err)
	}
	return nil
}

// ListEvents returns a plan's event history oldest first.
func (r *Repository) ListEvents(planID int64) ([]PlanEvent, error) {
	rows, err := r.coreDB.Query(`
		SELECT id, plan_id, event_type, payload_json, created_at
		FROM plan_events WHERE plan_id = ?
		ORDER BY created_at ASC, id ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan events: %w", err)
	}
	defer rows.Close()

	var events []PlanEvent
	for rows.Next() {
		var e PlanEvent
		var payload string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.PlanID, &e.EventType, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode plan event payload: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plan events: %w", err)
	}
	return events, nil
}

// DeleteByBusiness removes every plan row for a business.
func (r *Repository) DeleteByBusiness(businessID string) (int64, error) {
	for _, stmt := range []string{
		`DELETE FROM plan_conditions WHERE plan_id IN (SELECT id FROM plans WHERE business_id = ?)`,
		`DELETE FROM plan_observations WHERE plan_id IN (SELECT id FROM plans WHERE business_id = ?)`,
		`DELETE FROM plan_events WHERE business_id = ?`,
	} {
		if _, err := r.coreDB.Exec(stmt, businessID); err != nil {
			return 0, fmt.Errorf("failed to delete plan children for %s: %w", businessID, err)
		}
	}
	result, err := r.coreDB.Exec("DELETE FROM plans WHERE business_id = ?", businessID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete plans for %s: %w", businessID, err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (*Plan, error) {
	var p Plan
	var caseID, actionID sql.NullInt64
	var assignedTo, idempotencyKey, outcome sql.NullString
	var createdAt, updatedAt int64
	var activatedAt, closedAt sql.NullInt64

	err := row.Scan(&p.ID, &p.BusinessID, &caseID, &actionID, &p.Title, &p.Description,
		&p.Status, &assignedTo, &idempotencyKey, &outcome, &createdAt, &activatedAt,
		&closedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if caseID.Valid {
		p.CaseID = &caseID.Int64
	}
	if actionID.Valid {
		p.ActionID = &actionID.Int64
	}
	p.AssignedTo = assignedTo.String
	p.IdempotencyKey = idempotencyKey.String
	p.Outcome = outcome.String
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	p.ActivatedAt = optionalTime(activatedAt)
	p.ClosedAt = optionalTime(closedAt)
	return &p, nil
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

func nullableInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
