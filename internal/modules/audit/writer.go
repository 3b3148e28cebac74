package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Writer is the single path every module uses to record a state transition.
// It snapshots before/after values as JSON and never fails the caller's
// operation: an unwritable audit row is logged and dropped rather than
// aborting the business mutation that produced it. Callers that need the
// audit row inside their transaction use the repository directly.
type Writer struct {
	repo *Repository
	log  zerolog.Logger
}

// NewWriter creates an audit writer on top of the repository.
func NewWriter(repo *Repository, log zerolog.Logger) *Writer {
	return &Writer{
		repo: repo,
		log:  log.With().Str("component", "audit_writer").Logger(),
	}
}

// Record appends one transition. Before/after may be any JSON-marshalable
// value or nil (nil before = create, nil after = delete).
func (w *Writer) Record(businessID, eventType, entityType, entityID string, before, after interface{}, detail map[string]interface{}) {
	entry := &Entry{
		EventID:    uuid.New().String(),
		BusinessID: businessID,
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}

	var err error
	if entry.BeforeState, err = marshalState(before); err != nil {
		w.log.Error().Err(err).Str("event_type", eventType).Msg("Failed to marshal before state")
		return
	}
	if entry.AfterState, err = marshalState(after); err != nil {
		w.log.Error().Err(err).Str("event_type", eventType).Msg("Failed to marshal after state")
		return
	}

	if _, err := w.repo.Insert(entry); err != nil {
		w.log.Error().Err(err).
			Str("business_id", businessID).
			Str("event_type", eventType).
			Str("entity_id", entityID).
			Msg("Failed to write audit entry")
	}
}

// RecordAt is Record with an explicit timestamp, used by replays and tests
// that construct historical transitions.
func (w *Writer) RecordAt(at time.Time, businessID, eventType, entityType, entityID string, before, after interface{}, detail map[string]interface{}) {
	entry := &Entry{
		EventID:    uuid.New().String(),
		BusinessID: businessID,
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  at.UTC(),
	}

	var err error
	if entry.BeforeState, err = marshalState(before); err != nil {
		w.log.Error().Err(err).Str("event_type", eventType).Msg("Failed to marshal before state")
		return
	}
	if entry.AfterState, err = marshalState(after); err != nil {
		w.log.Error().Err(err).Str("event_type", eventType).Msg("Failed to marshal after state")
		return
	}

	if _, err := w.repo.Insert(entry); err != nil {
		w.log.Error().Err(err).
			Str("business_id", businessID).
			Str("event_type", eventType).
			Msg("Failed to write audit entry")
	}
}

func marshalState(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
