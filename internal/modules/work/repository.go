package work

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
)

// Repository handles work item persistence in core.db.
type Repository struct {
	coreDB *sql.DB
	log    zerolog.Logger
}

// NewRepository creates a work item repository.
func NewRepository(coreDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		coreDB: coreDB,
		log:    log.With().Str("repo", "work").Logger(),
	}
}

const itemColumns = `id, case_id, business_id, idempotency_key, type, priority, status,
	due_at, snoozed_until, resolved_at, created_at, updated_at`

// GetByID returns one work item or nil.
func (r *Repository) GetByID(id int64) (*Item, error) {
	row := r.coreDB.QueryRow(`SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work item %d: %w", id, err)
	}
	return item, nil
}

// ListByCase returns a case's non-completed items keyed for reconciliation.
func (r *Repository) ListByCase(caseID int64) ([]Item, error) {
	rows, err := r.coreDB.Query(`
		SELECT `+itemColumns+` FROM work_items
		WHERE case_id = ? AND status IN ('open', 'snoozed')
		ORDER BY priority DESC, id ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items for case %d: %w", caseID, err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// ListFilter narrows List results.
type ListFilter struct {
	Status string
	CaseID int64
}

// List returns work items for a business ordered by (priority desc, due_at).
func (r *Repository) List(businessID string, filter ListFilter) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE business_id = ?`
	args := []interface{}{businessID}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.CaseID != 0 {
		query += " AND case_id = ?"
		args = append(args, filter.CaseID)
	}
	query += " ORDER BY priority DESC, COALESCE(due_at, 1 << 62) ASC, type ASC, idempotency_key ASC"

	rows, err := r.coreDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// GetByKey returns the item with one idempotency key, or nil. Completed rows
// are returned too; the engine must never reopen them.
func (r *Repository) GetByKey(caseID int64, key string) (*Item, error) {
	row := r.coreDB.QueryRow(`
		SELECT `+itemColumns+` FROM work_items
		WHERE case_id = ? AND idempotency_key = ?`, caseID, key)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work item %s: %w", key, err)
	}
	return item, nil
}

// Insert persists a new item and returns it with its id.
func (r *Repository) Insert(item *Item) error {
	result, err := r.coreDB.Exec(`
		INSERT INTO work_items (case_id, business_id, idempotency_key, type, priority,
			status, due_at, snoozed_until, resolved_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.CaseID, item.BusinessID, item.IdempotencyKey, item.Type, item.Priority,
		item.Status, nullableUnix(item.DueAt), nullableUnix(item.SnoozedUntil),
		nullableUnix(item.ResolvedAt), item.CreatedAt.Unix(), item.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert work item %s: %w", item.IdempotencyKey, err)
	}
	item.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read work item id: %w", err)
	}
	return nil
}

// Update rewrites an item's mutable fields.
func (r *Repository) Update(item *Item) error {
	result, err := r.coreDB.Exec(`
		UPDATE work_items
		SET priority = ?, status = ?, due_at = ?, snoozed_until = ?, resolved_at = ?, updated_at = ?
		WHERE id = ?`,
		item.Priority, item.Status, nullableUnix(item.DueAt), nullableUnix(item.SnoozedUntil),
		nullableUnix(item.ResolvedAt), item.UpdatedAt.Unix(), item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update work item %d: %w", item.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("work item %d: %w", item.ID, domain.ErrNotFound)
	}
	return nil
}

// DeleteByBusiness removes every work item for a business.
func (r *Repository) DeleteByBusiness(businessID string) (int64, error) {
	result, err := r.coreDB.Exec("DELETE FROM work_items WHERE business_id = ?", businessID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete work items for %s: %w", businessID, err)
	}
	return result.RowsAffected()
}

func collectItems(rows *sql.Rows) ([]Item, error) {
	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate work items: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var createdAt, updatedAt int64
	var dueAt, snoozedUntil, resolvedAt sql.NullInt64

	err := row.Scan(&item.ID, &item.CaseID, &item.BusinessID, &item.IdempotencyKey,
		&item.Type, &item.Priority, &item.Status, &dueAt, &snoozedUntil, &resolvedAt,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	item.CreatedAt = time.Unix(createdAt, 0).UTC()
	item.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	item.DueAt = optionalTime(dueAt)
	item.SnoozedUntil = optionalTime(snoozedUntil)
	item.ResolvedAt = optionalTime(resolvedAt)
	return &item, nil
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
