// Package tick orchestrates the per-business engine cascade in fixed time
// buckets. A bucket runs exactly once: the UNIQUE(business_id, bucket) row in
// tick_runs is the serialization point, and losers of an insert race adopt
// the winning row.
package tick

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Run is one tick_runs row.
type Run struct {
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	RunID      string     `json:"run_id"`
	BusinessID string     `json:"business_id"`
	Bucket     string     `json:"bucket"`
	ResultJSON string     `json:"-"`
	ID         int64      `json:"id"`
}

// Finished reports whether the run completed and stored its result.
func (r *Run) Finished() bool {
	return r.FinishedAt != nil
}

// Repository persists tick runs in core.db.
type Repository struct {
	coreDB *sql.DB
	log    zerolog.Logger
}

// NewRepository creates a tick run repository.
func NewRepository(coreDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		coreDB: coreDB,
		log:    log.With().Str("repo", "tick").Logger(),
	}
}

// Insert claims a bucket. Returns (nil, false) without error when another run
// already holds it; the caller re-fetches and adopts.
func (r *Repository) Insert(run *Run) (bool, error) {
	result, err := r.coreDB.Exec(`
		INSERT INTO tick_runs (run_id, business_id, bucket, started_at)
		VALUES (?, ?, ?, ?)`,
		run.RunID, run.BusinessID, run.Bucket, run.StartedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert tick run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to read tick run id: %w", err)
	}
	run.ID = id
	return true, nil
}

// GetByBucket returns the run holding a bucket, nil when unclaimed.
func (r *Repository) GetByBucket(businessID, bucket string) (*Run, error) {
	row := r.coreDB.QueryRow(`
		SELECT id, run_id, business_id, bucket, started_at, finished_at, result_json
		FROM tick_runs WHERE business_id = ? AND bucket = ?`, businessID, bucket)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tick run: %w", err)
	}
	return run, nil
}

// GetLast returns the most recently started run for a business, nil when the
// business has never ticked.
func (r *Repository) GetLast(businessID string) (*Run, error) {
	row := r.coreDB.QueryRow(`
		SELECT id, run_id, business_id, bucket, started_at, finished_at, result_json
		FROM tick_runs WHERE business_id = ?
		ORDER BY started_at DESC, id DESC LIMIT 1`, businessID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last tick run: %w", err)
	}
	return run, nil
}

// Finish stores the result and stamps completion.
func (r *Repository) Finish(runID int64, finishedAt time.Time, resultJSON string) error {
	_, err := r.coreDB.Exec(`
		UPDATE tick_runs SET finished_at = ?, result_json = ? WHERE id = ?`,
		finishedAt.Unix(), resultJSON, runID)
	if err != nil {
		return fmt.Errorf("failed to finish tick run %d: %w", runID, err)
	}
	return nil
}

// DeleteByBusiness removes every tick run for a business. Part of the
// business delete cascade.
func (r *Repository) DeleteByBusiness(businessID string) (int64, error) {
	result, err := r.coreDB.Exec("DELETE FROM tick_runs WHERE business_id = ?", businessID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tick runs for %s: %w", businessID, err)
	}
	return result.RowsAffected()
}

func scanRun(row *sql.Row) (*Run, error) {
	var run Run
	var startedAt int64
	var finishedAt sql.NullInt64
	var resultJSON sql.NullString

	err := row.Scan(&run.ID, &run.RunID, &run.BusinessID, &run.Bucket,
		&startedAt, &finishedAt, &resultJSON)
	if err != nil {
		return nil, err
	}

	run.StartedAt = time.Unix(startedAt, 0).UTC()
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0).UTC()
		run.FinishedAt = &t
	}
	if resultJSON.Valid {
		run.ResultJSON = resultJSON.String
	}
	return &run, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
