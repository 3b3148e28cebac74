// Package briefs persists the daily metric snapshot each business gets. The
// rows double as the metric history plans evaluate against, so generation is
// idempotent per (business, date).
package briefs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Brief is one persisted daily brief row.
type Brief struct {
	CreatedAt  time.Time          `json:"created_at"`
	Metrics    map[string]float64 `json:"metrics"`
	BusinessID string             `json:"business_id"`
	BriefDate  string             `json:"brief_date"`
	Headline   string             `json:"headline"`
	ID         int64              `json:"id"`
}

// Repository handles brief persistence in core.db.
type Repository struct {
	coreDB *sql.DB
	log    zerolog.Logger
}

// NewRepository creates a brief repository.
func NewRepository(coreDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		coreDB: coreDB,
		log:    log.With().Str("repo", "briefs").Logger(),
	}
}

// Upsert writes one brief row, replacing any previous row for the same date.
func (r *Repository) Upsert(b *Brief) error {
	metrics, err := json.Marshal(b.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal brief metrics: %w", err)
	}

	result, err := r.coreDB.Exec(`
		INSERT INTO brief_messages (business_id, brief_date, headline, metrics_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (business_id, brief_date)
		DO UPDATE SET headline = excluded.headline, metrics_json = excluded.metrics_json`,
		b.BusinessID, b.BriefDate, b.Headline, string(metrics), b.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert brief for %s: %w", b.BriefDate, err)
	}

	if id, err := result.LastInsertId(); err == nil && id != 0 {
		b.ID = id
	}
	// On conflict LastInsertId is unreliable, re-read the row id.
	if b.ID == 0 {
		existing, err := r.GetByDate(b.BusinessID, b.BriefDate)
		if err != nil {
			return err
		}
		if existing != nil {
			b.ID = existing.ID
		}
	}
	return nil
}

// GetByDate returns the brief for one date, or nil.
func (r *Repository) GetByDate(businessID, date string) (*Brief, error) {
	row := r.coreDB.QueryRow(`
		SELECT id, business_id, brief_date, headline, metrics_json, created_at
		FROM brief_messages WHERE business_id = ? AND brief_date = ?`, businessID, date)
	brief, err := scanBrief(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get brief for %s: %w", date, err)
	}
	return brief, nil
}

// List returns the newest briefs first, up to limit (0 = all).
func (r *Repository) List(businessID string, limit int) ([]Brief, error) {
	query := `
		SELECT id, business_id, brief_date, headline, metrics_json, created_at
		FROM brief_messages WHERE business_id = ?
		ORDER BY brief_date DESC`
	args := []interface{}{businessID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.coreDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list briefs: %w", err)
	}
	defer rows.Close()
	return collectBriefs(rows)
}

// ListRange returns briefs with brief_date in [startDate, endDate] inclusive,
// oldest first. Plans average metric values over these rows.
func (r *Repository) ListRange(businessID, startDate, endDate string) ([]Brief, error) {
	rows, err := r.coreDB.Query(`
		SELECT id, business_id, brief_date, headline, metrics_json, created_at
		FROM brief_messages
		WHERE business_id = ? AND brief_date >= ? AND brief_date <= ?
		ORDER BY brief_date ASC`, businessID, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to list briefs in range: %w", err)
	}
	defer rows.Close()
	return collectBriefs(rows)
}

// DeleteByBusiness removes every brief for a business.
func (r *Repository) DeleteByBusiness(businessID string) (int64, error) {
	result, err := r.coreDB.Exec("DELETE FROM brief_messages WHERE business_id = ?", businessID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete briefs for %s: %w", businessID, err)
	}
	return result.RowsAffected()
}

func collectBriefs(rows *sql.Rows) ([]Brief, error) {
	var briefs []Brief
	for rows.Next() {
		brief, err := scanBrief(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan brief: %w", err)
		}
		briefs = append(briefs, *brief)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate briefs: %w", err)
	}
	return briefs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBrief(row rowScanner) (*Brief, error) {
	var b Brief
	var metricsJSON string
	var createdAt int64

	if err := row.Scan(&b.ID, &b.BusinessID, &b.BriefDate, &b.Headline, &metricsJSON, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metricsJSON), &b.Metrics); err != nil {
		return nil, fmt.Errorf("failed to decode brief metrics: %w", err)
	}
	b.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &b, nil
}
