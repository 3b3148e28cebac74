package processing

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/audit"
	"github.com/clarityhq/clarity/internal/modules/categories"
	"github.com/clarityhq/clarity/internal/modules/projection"
	"github.com/clarityhq/clarity/internal/modules/rawevents"
)

// EventSource is the slice of the raw event store the pipeline reads.
type EventSource interface {
	LatestPerCanonical(businessID, source string, includeRemoved bool) ([]rawevents.RawEvent, error)
	GetBySourceEventIDs(businessID string, sourceEventIDs []string) ([]rawevents.RawEvent, error)
}

// Resolver maps a transaction to a category via hints and rules.
type Resolver interface {
	Resolve(businessID, description, counterparty, categoryHint string) (*categories.Resolution, error)
}

// Result summarizes one pipeline run.
type Result struct {
	BusinessID  string `json:"business_id"`
	Candidates  int    `json:"candidates"`
	Skipped     int    `json:"skipped"`
	Normalized  int    `json:"normalized"`
	Categorized int    `json:"categorized"`
	Errored     int    `json:"errored"`
}

// Pipeline normalizes and categorizes raw events. Runs are idempotent:
// events already in a terminal state are skipped, and one bad event never
// blocks its siblings.
type Pipeline struct {
	repo     *Repository
	source   EventSource
	resolver Resolver
	auditor  *audit.Writer
	bus      *events.Bus
	log      zerolog.Logger
}

// NewPipeline creates a processing pipeline.
func NewPipeline(repo *Repository, source EventSource, resolver Resolver, auditor *audit.Writer, bus *events.Bus, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		repo:     repo,
		source:   source,
		resolver: resolver,
		auditor:  auditor,
		bus:      bus,
		log:      log.With().Str("service", "processing").Logger(),
	}
}

// ProcessNewEvents runs the pipeline over candidate events. With no explicit
// ids the candidate set is the full projection basis; with ids it is exactly
// those rows.
func (p *Pipeline) ProcessNewEvents(businessID string, sourceEventIDs []string) (*Result, error) {
	var candidates []rawevents.RawEvent
	var err error
	if len(sourceEventIDs) > 0 {
		candidates, err = p.source.GetBySourceEventIDs(businessID, sourceEventIDs)
	} else {
		candidates, err = p.source.LatestPerCanonical(businessID, "", false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate events: %w", err)
	}

	states, err := p.repo.StatesBySourceEventID(businessID)
	if err != nil {
		return nil, err
	}

	result := &Result{BusinessID: businessID, Candidates: len(candidates)}
	p.auditor.Record(businessID, "processing_started", "pipeline", businessID, nil, nil,
		map[string]interface{}{"candidates": len(candidates)})

	for _, event := range candidates {
		if state, seen := states[event.SourceEventID]; seen && state.Terminal() {
			result.Skipped++
			continue
		}
		p.processOne(businessID, event, result)
	}

	p.auditor.Record(businessID, "processing_completed", "pipeline", businessID, nil, result, nil)
	p.bus.Emit("processing", &events.ProcessingStatusData{
		BusinessID:  businessID,
		Status:      "completed",
		Processed:   result.Normalized,
		Categorized: result.Categorized,
		Errored:     result.Errored,
	})

	p.log.Info().
		Str("business_id", businessID).
		Int("candidates", result.Candidates).
		Int("categorized", result.Categorized).
		Int("errored", result.Errored).
		Msg("Processing run finished")

	return result, nil
}

// processOne drives a single event to its terminal state. Errors are recorded
// on the event and never returned; the caller keeps iterating.
func (p *Pipeline) processOne(businessID string, event rawevents.RawEvent, result *Result) {
	txn, fail := projection.ParseEvent(event)
	if fail != nil {
		result.Errored++
		p.recordError(businessID, event.SourceEventID, fail.Code, fail.Detail)
		return
	}

	result.Normalized++
	now := txnNow()
	if err := p.repo.UpsertState(EventState{
		BusinessID:    businessID,
		SourceEventID: event.SourceEventID,
		Status:        StatusNormalized,
		ProcessedAt:   now,
	}); err != nil {
		result.Errored++
		p.log.Error().Err(err).Str("source_event_id", event.SourceEventID).Msg("Failed to persist normalized state")
		return
	}

	resolution, err := p.resolver.Resolve(businessID, txn.Description, txn.Counterparty, txn.CategoryHint)
	if err != nil {
		result.Errored++
		p.recordError(businessID, event.SourceEventID, "categorization_failed", err.Error())
		return
	}
	if resolution == nil {
		// Normalized but uncategorized is a valid resting state; the
		// hygiene detector and fix_mapping action pick these up.
		return
	}

	if err := p.repo.UpsertCategorization(Categorization{
		BusinessID:    businessID,
		SourceEventID: event.SourceEventID,
		CategoryID:    resolution.CategoryID,
		Source:        resolution.Source,
		Confidence:    resolution.Confidence,
	}); err != nil {
		result.Errored++
		p.recordError(businessID, event.SourceEventID, "categorization_write_failed", err.Error())
		return
	}

	if err := p.repo.UpsertState(EventState{
		BusinessID:    businessID,
		SourceEventID: event.SourceEventID,
		Status:        StatusCategorized,
		ProcessedAt:   now,
	}); err != nil {
		p.log.Error().Err(err).Str("source_event_id", event.SourceEventID).Msg("Failed to persist categorized state")
		return
	}
	result.Categorized++
}

func (p *Pipeline) recordError(businessID, sourceEventID, code, detail string) {
	perr := &domain.ProcessingError{SourceEventID: sourceEventID, Code: code, Detail: detail}
	if err := p.repo.UpsertState(EventState{
		BusinessID:    businessID,
		SourceEventID: sourceEventID,
		Status:        StatusError,
		ErrorCode:     code,
		ErrorDetail:   detail,
	}); err != nil {
		p.log.Error().Err(err).Str("source_event_id", sourceEventID).Msg("Failed to persist error state")
	}
	p.auditor.Record(businessID, "processing_error", "raw_event", sourceEventID, nil, nil,
		map[string]interface{}{"error_code": code, "error_detail": detail})
	p.log.Warn().Str("business_id", businessID).Str("source_event_id", sourceEventID).
		Str("error_code", code).Msg(perr.Error())
}

// Categorize applies a manual category assignment and marks the event
// categorized. Used by the manual recategorization endpoint.
func (p *Pipeline) Categorize(businessID, sourceEventID string, categoryID int64, note string) error {
	if err := p.repo.UpsertCategorization(Categorization{
		BusinessID:    businessID,
		SourceEventID: sourceEventID,
		CategoryID:    categoryID,
		Source:        categories.SourceManual,
		Confidence:    1.0,
		Note:          note,
	}); err != nil {
		return err
	}
	if err := p.repo.UpsertState(EventState{
		BusinessID:    businessID,
		SourceEventID: sourceEventID,
		Status:        StatusCategorized,
		ProcessedAt:   txnNow(),
	}); err != nil {
		return err
	}
	p.auditor.Record(businessID, "txn_categorized", "raw_event", sourceEventID, nil,
		map[string]interface{}{"category_id": categoryID, "source": categories.SourceManual}, nil)
	return nil
}

func txnNow() int64 {
	return time.Now().Unix()
}

// UncategorizedCount reports how many posted transactions lack a category.
// Drives the hygiene detector and the fix_mapping action.
func (p *Pipeline) UncategorizedCount(businessID string) (int, error) {
	latest, err := p.source.LatestPerCanonical(businessID, "", false)
	if err != nil {
		return 0, err
	}
	categorized, err := p.repo.CategoryBySourceEventID(businessID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, event := range latest {
		if _, ok := categorized[event.SourceEventID]; !ok {
			count++
		}
	}
	return count, nil
}
