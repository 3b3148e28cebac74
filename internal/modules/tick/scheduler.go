package tick

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/cases"
	"github.com/clarityhq/clarity/internal/modules/work"
	"github.com/clarityhq/clarity/internal/utils"
)

// Options control one tick run.
type Options struct {
	ApplyRecompute  bool `json:"apply_recompute"`
	MaterializeWork bool `json:"materialize_work"`
	LimitCases      int  `json:"limit_cases,omitempty"`
}

// Counters are the per-run accumulators.
type Counters struct {
	CasesProcessed        int `json:"cases_processed"`
	CasesRecomputeChanged int `json:"cases_recompute_changed"`
	CasesRecomputeApplied int `json:"cases_recompute_applied"`
	WorkItemsCreated      int `json:"work_items_created"`
	WorkItemsUpdated      int `json:"work_items_updated"`
	WorkItemsAutoResolved int `json:"work_items_auto_resolved"`
	WorkItemsUnchanged    int `json:"work_items_unchanged"`
}

// CaseError is one per-case failure captured without aborting the run.
type CaseError struct {
	CaseID int64  `json:"case_id"`
	Stage  string `json:"stage"`
	Error  string `json:"error"`
}

// Result is the stored outcome of one bucket. Replayed calls return the
// persisted JSON byte for byte.
type Result struct {
	RunID      string      `json:"run_id"`
	BusinessID string      `json:"business_id"`
	Bucket     string      `json:"bucket"`
	StartedAt  string      `json:"started_at"`
	FinishedAt string      `json:"finished_at"`
	Counters   Counters    `json:"counters"`
	Errors     []CaseError `json:"errors"`
	Replayed   bool        `json:"-"`
}

// Scheduler runs the case/work cascade for one business and bucket.
type Scheduler struct {
	repo       *Repository
	caseRepo   *cases.Repository
	caseEngine *cases.Engine
	workEngine *work.Engine
	bus        *events.Bus
	log        zerolog.Logger
}

// NewScheduler creates a tick scheduler.
func NewScheduler(repo *Repository, caseRepo *cases.Repository, caseEngine *cases.Engine, workEngine *work.Engine, bus *events.Bus, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		repo:       repo,
		caseRepo:   caseRepo,
		caseEngine: caseEngine,
		workEngine: workEngine,
		bus:        bus,
		log:        log.With().Str("service", "tick_scheduler").Logger(),
	}
}

// RunTick executes one bucket exactly once. A finished run for the same
// bucket short-circuits to its stored result; an unfinished run (crashed or
// racing) is adopted and completed.
func (s *Scheduler) RunTick(businessID, bucket string, opts Options, now time.Time) (*Result, error) {
	defer utils.OperationTimer("tick", s.log)()

	now = now.UTC()
	run := &Run{
		RunID:      uuid.New().String(),
		BusinessID: businessID,
		Bucket:     bucket,
		StartedAt:  now,
	}

	claimed, err := s.repo.Insert(run)
	if err != nil {
		return nil, err
	}
	if !claimed {
		existing, err := s.repo.GetByBucket(businessID, bucket)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("tick bucket %s/%s vanished after insert conflict", businessID, bucket)
		}
		if existing.Finished() {
			return storedResult(existing)
		}
		run = existing
	}

	result := s.execute(run, opts, now)

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tick result: %w", err)
	}
	finishedAt := time.Now().UTC()
	if err := s.repo.Finish(run.ID, finishedAt, string(resultJSON)); err != nil {
		return nil, err
	}

	s.emit(result)
	s.log.Info().
		Str("business_id", businessID).
		Str("bucket", bucket).
		Int("cases_processed", result.Counters.CasesProcessed).
		Int("errors", len(result.Errors)).
		Msg("Tick completed")
	return result, nil
}

func (s *Scheduler) execute(run *Run, opts Options, now time.Time) *Result {
	result := &Result{
		RunID:      run.RunID,
		BusinessID: run.BusinessID,
		Bucket:     run.Bucket,
		StartedAt:  now.Format(time.RFC3339),
		Errors:     []CaseError{},
	}

	candidates, err := s.caseRepo.ListActive(run.BusinessID)
	if err != nil {
		result.Errors = append(result.Errors, CaseError{Stage: "list_cases", Error: err.Error()})
		result.FinishedAt = time.Now().UTC().Format(time.RFC3339)
		return result
	}
	if opts.LimitCases > 0 && len(candidates) > opts.LimitCases {
		candidates = candidates[:opts.LimitCases]
	}

	for _, c := range candidates {
		result.Counters.CasesProcessed++

		recompute, err := s.caseEngine.Recompute(c.ID, opts.ApplyRecompute, now)
		if err != nil {
			result.Errors = append(result.Errors, CaseError{CaseID: c.ID, Stage: "recompute", Error: err.Error()})
			continue
		}
		if recompute.Changed() {
			result.Counters.CasesRecomputeChanged++
		}
		if recompute.Applied {
			result.Counters.CasesRecomputeApplied++
		}

		if !opts.MaterializeWork {
			continue
		}
		materialized, err := s.workEngine.Materialize(c.ID, now)
		if err != nil {
			result.Errors = append(result.Errors, CaseError{CaseID: c.ID, Stage: "materialize", Error: err.Error()})
			continue
		}
		result.Counters.WorkItemsCreated += materialized.Created
		result.Counters.WorkItemsUpdated += materialized.Updated
		result.Counters.WorkItemsAutoResolved += materialized.AutoResolved
		result.Counters.WorkItemsUnchanged += materialized.Unchanged
	}

	result.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	return result
}

// LastRun returns the most recent run with its parsed result.
func (s *Scheduler) LastRun(businessID string) (*Run, *Result, error) {
	run, err := s.repo.GetLast(businessID)
	if err != nil || run == nil {
		return nil, nil, err
	}
	if !run.Finished() {
		return run, nil, nil
	}
	result, err := storedResult(run)
	if err != nil {
		return run, nil, err
	}
	return run, result, nil
}

func storedResult(run *Run) (*Result, error) {
	var result Result
	if err := json.Unmarshal([]byte(run.ResultJSON), &result); err != nil {
		return nil, fmt.Errorf("failed to decode stored tick result: %w", err)
	}
	result.Replayed = true
	return &result, nil
}

func (s *Scheduler) emit(result *Result) {
	if s.bus == nil {
		return
	}
	s.bus.Emit("tick", &events.TickCompletedData{
		BusinessID:            result.BusinessID,
		Bucket:                result.Bucket,
		CasesProcessed:        result.Counters.CasesProcessed,
		RecomputeApplied:      result.Counters.CasesRecomputeApplied,
		WorkItemsCreated:      result.Counters.WorkItemsCreated,
		WorkItemsAutoResolved: result.Counters.WorkItemsAutoResolved,
		Errors:                len(result.Errors),
	})
}
