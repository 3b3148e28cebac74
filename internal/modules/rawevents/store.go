// Package rawevents owns the append-only raw event log in the ledger
// database. Rows are immutable; provider revisions and removals arrive as
// new rows sharing a canonical id, and the projection basis is the latest
// version per canonical id.
package rawevents

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Event types carried in payload meta
const (
	EventTypeAdded    = "added"
	EventTypeModified = "modified"
	EventTypeRemoved  = "removed"
)

// RawEvent is one immutable provider event row
type RawEvent struct {
	BusinessID       string `json:"business_id"`
	Source           string `json:"source"`
	SourceEventID    string `json:"source_event_id"`
	CanonicalID      string `json:"canonical_source_event_id"`
	PayloadJSON      string `json:"payload_json"`
	EventType        string `json:"event_type"`
	EventFingerprint string `json:"event_fingerprint,omitempty"`
	ID               int64  `json:"id"`
	OccurredAt       int64  `json:"occurred_at"`
	EventVersion     int64  `json:"event_version"`
	ReceivedAt       int64  `json:"received_at"`
	IsRemoved        bool   `json:"is_removed"`
}

// payloadMeta is the optional meta block providers attach to payloads
type payloadMeta struct {
	CanonicalSourceEventID string `json:"canonical_source_event_id"`
	EventType              string `json:"event_type"`
	EventVersion           *int64 `json:"event_version"`
	IsRemoved              bool   `json:"is_removed"`
}

type payloadEnvelope struct {
	Meta        *payloadMeta `json:"meta"`
	Transaction *struct {
		TransactionID string `json:"transaction_id"`
	} `json:"transaction"`
}

// InsertRequest carries one event into the store
type InsertRequest struct {
	BusinessID    string
	Source        string
	SourceEventID string
	CanonicalID   string // optional, derived from payload when empty
	PayloadJSON   string
	OccurredAt    int64
}

// Store handles raw event persistence
type Store struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewStore creates a new raw event store
func NewStore(ledgerDB *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "rawevents").Logger(),
	}
}

// Insert appends one event. Returns false without error when the dedupe key
// (business_id, source, source_event_id) already exists, so batch ingestion
// never aborts on replayed events.
func (s *Store) Insert(req InsertRequest) (bool, error) {
	if req.BusinessID == "" || req.Source == "" || req.SourceEventID == "" {
		return false, fmt.Errorf("business_id, source and source_event_id are required")
	}
	if req.PayloadJSON == "" {
		req.PayloadJSON = "{}"
	}

	var envelope payloadEnvelope
	if err := json.Unmarshal([]byte(req.PayloadJSON), &envelope); err != nil {
		return false, fmt.Errorf("payload is not valid JSON: %w", err)
	}

	canonical := req.CanonicalID
	if canonical == "" {
		canonical = deriveCanonicalID(req.SourceEventID, envelope)
	}

	eventType := EventTypeAdded
	isRemoved := false
	var version int64
	if envelope.Meta != nil {
		if envelope.Meta.EventType != "" {
			eventType = envelope.Meta.EventType
		}
		isRemoved = envelope.Meta.IsRemoved || envelope.Meta.EventType == EventTypeRemoved
		if envelope.Meta.EventVersion != nil {
			version = *envelope.Meta.EventVersion
		}
	}
	if version == 0 {
		// No explicit version: next after whatever this canonical id has seen.
		max, err := s.maxVersion(req.BusinessID, canonical)
		if err != nil {
			return false, err
		}
		version = max + 1
	}

	fingerprint := sha256.Sum256([]byte(req.PayloadJSON))

	result, err := s.ledgerDB.Exec(`
		INSERT INTO raw_events (
			business_id, source, source_event_id, canonical_source_event_id,
			occurred_at, payload_json, event_version, event_type, is_removed,
			event_fingerprint, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (business_id, source, source_event_id) DO NOTHING`,
		req.BusinessID, req.Source, req.SourceEventID, canonical,
		req.OccurredAt, req.PayloadJSON, version, eventType, boolToInt(isRemoved),
		hex.EncodeToString(fingerprint[:]), time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert raw event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return affected > 0, nil
}

func deriveCanonicalID(sourceEventID string, envelope payloadEnvelope) string {
	if envelope.Meta != nil && envelope.Meta.CanonicalSourceEventID != "" {
		return envelope.Meta.CanonicalSourceEventID
	}
	if envelope.Transaction != nil && envelope.Transaction.TransactionID != "" {
		return envelope.Transaction.TransactionID
	}
	return sourceEventID
}

func (s *Store) maxVersion(businessID, canonicalID string) (int64, error) {
	var max sql.NullInt64
	err := s.ledgerDB.QueryRow(`
		SELECT MAX(event_version) FROM raw_events
		WHERE business_id = ? AND canonical_source_event_id = ?`,
		businessID, canonicalID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read max event version: %w", err)
	}
	return max.Int64, nil
}

// LatestPerCanonical returns the projection basis: for every canonical id the
// row with the highest (event_version, occurred_at, source_event_id), with
// tombstoned canonical ids dropped unless includeRemoved is set.
func (s *Store) LatestPerCanonical(businessID, source string, includeRemoved bool) ([]RawEvent, error) {
	query := `
		SELECT id, business_id, source, source_event_id, canonical_source_event_id,
		       occurred_at, payload_json, event_version, event_type, is_removed,
		       COALESCE(event_fingerprint, ''), received_at
		FROM raw_events
		WHERE business_id = ?`
	args := []interface{}{businessID}
	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}
	query += " ORDER BY canonical_source_event_id, event_version, occurred_at, source_event_id"

	rows, err := s.ledgerDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw events: %w", err)
	}
	defer rows.Close()

	// Rows arrive version-ascending per canonical id, so the last row
	// of each group is the winner.
	var latest []RawEvent
	var current *RawEvent
	flush := func() {
		if current == nil {
			return
		}
		if includeRemoved || !current.IsRemoved {
			latest = append(latest, *current)
		}
		current = nil
	}

	for rows.Next() {
		var e RawEvent
		var removed int
		if err := rows.Scan(&e.ID, &e.BusinessID, &e.Source, &e.SourceEventID, &e.CanonicalID,
			&e.OccurredAt, &e.PayloadJSON, &e.EventVersion, &e.EventType, &removed,
			&e.EventFingerprint, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan raw event: %w", err)
		}
		e.IsRemoved = removed != 0

		if current != nil && current.CanonicalID != e.CanonicalID {
			flush()
		}
		e2 := e
		current = &e2
	}
	flush()

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return latest, nil
}

// GetBySourceEventIDs fetches specific rows by their source event ids
func (s *Store) GetBySourceEventIDs(businessID string, sourceEventIDs []string) ([]RawEvent, error) {
	if len(sourceEventIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, business_id, source, source_event_id, canonical_source_event_id,
		       occurred_at, payload_json, event_version, event_type, is_removed,
		       COALESCE(event_fingerprint, ''), received_at
		FROM raw_events
		WHERE business_id = ? AND source_event_id IN (?` +
		repeatPlaceholder(len(sourceEventIDs)-1) + `)
		ORDER BY occurred_at, source_event_id`

	args := make([]interface{}, 0, len(sourceEventIDs)+1)
	args = append(args, businessID)
	for _, id := range sourceEventIDs {
		args = append(args, id)
	}

	rows, err := s.ledgerDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw events by id: %w", err)
	}
	defer rows.Close()

	var events []RawEvent
	for rows.Next() {
		var e RawEvent
		var removed int
		if err := rows.Scan(&e.ID, &e.BusinessID, &e.Source, &e.SourceEventID, &e.CanonicalID,
			&e.OccurredAt, &e.PayloadJSON, &e.EventVersion, &e.EventType, &removed,
			&e.EventFingerprint, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan raw event: %w", err)
		}
		e.IsRemoved = removed != 0
		events = append(events, e)
	}
	return events, rows.Err()
}

// NewestCursor returns the highest (occurred_at, source_event_id) pair for a
// business, or (0, "") when the log is empty. Pulse uses it to decide whether
// anything new arrived since the last run.
func (s *Store) NewestCursor(businessID string) (int64, string, error) {
	var occurredAt int64
	var sourceEventID string
	err := s.ledgerDB.QueryRow(`
		SELECT occurred_at, source_event_id FROM raw_events
		WHERE business_id = ?
		ORDER BY occurred_at DESC, source_event_id DESC
		LIMIT 1`, businessID).Scan(&occurredAt, &sourceEventID)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to read newest cursor: %w", err)
	}
	return occurredAt, sourceEventID, nil
}

// Count returns the number of raw rows for a business
func (s *Store) Count(businessID string) (int64, error) {
	var n int64
	err := s.ledgerDB.QueryRow(
		"SELECT COUNT(*) FROM raw_events WHERE business_id = ?", businessID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count raw events: %w", err)
	}
	return n, nil
}

// DeleteByBusiness removes all raw events for a business and reports the count
func (s *Store) DeleteByBusiness(businessID string) (int64, error) {
	result, err := s.ledgerDB.Exec("DELETE FROM raw_events WHERE business_id = ?", businessID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete raw events: %w", err)
	}
	return result.RowsAffected()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
