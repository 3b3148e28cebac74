// Package business manages the tenant entity every other row hangs off.
// Deleting a business hard-deletes every scoped row across all databases;
// the cascade is assembled in the service from per-module purgers.
package business

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
)

// Repository handles business persistence in core.db.
type Repository struct {
	coreDB *sql.DB
	log    zerolog.Logger
}

// NewRepository creates a new business repository.
func NewRepository(coreDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		coreDB: coreDB,
		log:    log.With().Str("repo", "business").Logger(),
	}
}

// Create inserts a new business row.
func (r *Repository) Create(b *domain.Business) (*domain.Business, error) {
	if b.ID == "" {
		return nil, fmt.Errorf("business requires an id")
	}
	if b.Name == "" {
		return nil, fmt.Errorf("business requires a name")
	}

	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	if b.Timezone == "" {
		b.Timezone = "UTC"
	}

	_, err := r.coreDB.Exec(`
		INSERT INTO businesses (id, org_id, name, timezone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.OrgID, b.Name, b.Timezone, b.CreatedAt.Unix(), b.UpdatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create business: %w", err)
	}

	return b, nil
}

// GetByID returns a business or nil when absent.
func (r *Repository) GetByID(id string) (*domain.Business, error) {
	row := r.coreDB.QueryRow(`
		SELECT id, org_id, name, timezone, created_at, updated_at
		FROM businesses WHERE id = ?`, id)

	var b domain.Business
	var createdAt, updatedAt int64
	err := row.Scan(&b.ID, &b.OrgID, &b.Name, &b.Timezone, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get business %s: %w", id, err)
	}

	b.CreatedAt = time.Unix(createdAt, 0).UTC()
	b.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &b, nil
}

// List returns all businesses ordered by creation time.
func (r *Repository) List() ([]domain.Business, error) {
	rows, err := r.coreDB.Query(`
		SELECT id, org_id, name, timezone, created_at, updated_at
		FROM businesses ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list businesses: %w", err)
	}
	defer rows.Close()

	var businesses []domain.Business
	for rows.Next() {
		var b domain.Business
		var createdAt, updatedAt int64
		if err := rows.Scan(&b.ID, &b.OrgID, &b.Name, &b.Timezone, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan business: %w", err)
		}
		b.CreatedAt = time.Unix(createdAt, 0).UTC()
		b.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		businesses = append(businesses, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate businesses: %w", err)
	}

	return businesses, nil
}

// Delete removes the business row itself. The service cascades scoped rows
// first; this runs last.
func (r *Repository) Delete(id string) (bool, error) {
	result, err := r.coreDB.Exec("DELETE FROM businesses WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete business %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delete result: %w", err)
	}
	return affected > 0, nil
}
