package testing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clarityhq/clarity/internal/domain"
)

// NewBusinessFixture returns a deterministic business for tests.
func NewBusinessFixture(id string) domain.Business {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return domain.Business{
		ID:        id,
		OrgID:     "org-" + id,
		Name:      "Fixture Coffee Co " + id,
		Timezone:  "UTC",
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// NewPostedTxn builds a posted transaction on the given calendar day (UTC).
// Amount is absolute; direction decides the sign downstream.
func NewPostedTxn(businessID, sourceEventID, date string, amount float64, direction domain.Direction, vendor string) domain.PostedTransaction {
	occurred, err := time.Parse("2006-01-02", date)
	if err != nil {
		panic(fmt.Sprintf("fixture date %q: %v", date, err))
	}
	return domain.PostedTransaction{
		BusinessID:    businessID,
		Source:        "sim",
		SourceEventID: sourceEventID,
		CanonicalID:   sourceEventID,
		OccurredAt:    occurred.UTC(),
		Amount:        amount,
		Direction:     direction,
		Description:   vendor + " payment",
		Counterparty:  vendor,
		MerchantKey:   vendor,
		EventVersion:  1,
	}
}

// DailyTxns seeds one transaction per day for `days` consecutive days starting
// at startDate. Source event ids are derived from the prefix and day index.
func DailyTxns(businessID, idPrefix, startDate string, days int, amountPerDay float64, direction domain.Direction, vendor string) []domain.PostedTransaction {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		panic(fmt.Sprintf("fixture date %q: %v", startDate, err))
	}
	txns := make([]domain.PostedTransaction, 0, days)
	for i := 0; i < days; i++ {
		day := start.AddDate(0, 0, i).Format("2006-01-02")
		txns = append(txns, NewPostedTxn(businessID, fmt.Sprintf("%s-%03d", idPrefix, i), day, amountPerDay, direction, vendor))
	}
	return txns
}

// RawEventPayload builds the provider payload JSON for ingest tests. A
// negative amount means money out, matching the bank-statement convention the
// normalizer applies when no explicit direction is present.
func RawEventPayload(amount float64, description, counterparty string) string {
	payload := map[string]interface{}{
		"transaction": map[string]interface{}{
			"amount":       amount,
			"description":  description,
			"counterparty": counterparty,
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("fixture payload: %v", err))
	}
	return string(b)
}

// RawEventPayloadVersioned builds a payload carrying explicit revision meta.
func RawEventPayloadVersioned(amount float64, description, counterparty, canonicalID string, version int64, eventType string) string {
	payload := map[string]interface{}{
		"transaction": map[string]interface{}{
			"amount":       amount,
			"description":  description,
			"counterparty": counterparty,
		},
		"meta": map[string]interface{}{
			"canonical_source_event_id": canonicalID,
			"event_version":             version,
			"event_type":                eventType,
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("fixture payload: %v", err))
	}
	return string(b)
}
