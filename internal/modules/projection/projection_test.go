package projection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/rawevents"
)

func rawEvent(id string, occurredAt int64, payload string) rawevents.RawEvent {
	return rawevents.RawEvent{
		BusinessID:    "biz-1",
		Source:        "plaid",
		SourceEventID: id,
		CanonicalID:   id,
		OccurredAt:    occurredAt,
		PayloadJSON:   payload,
		EventVersion:  1,
	}
}

func TestParseEvent_SignConvention(t *testing.T) {
	txn, fail := ParseEvent(rawEvent("e1", 1000, `{"transaction":{"amount":-42.105,"description":"AWS"}}`))
	require.Nil(t, fail)
	assert.Equal(t, domain.DirectionOutflow, txn.Direction)
	assert.Equal(t, 42.11, txn.Amount, "stored amount is absolute and cent-rounded")
	assert.Equal(t, -42.11, txn.SignedAmount())

	txn, fail = ParseEvent(rawEvent("e2", 1000, `{"transaction":{"amount":100,"description":"Stripe payout"}}`))
	require.Nil(t, fail)
	assert.Equal(t, domain.DirectionInflow, txn.Direction)
	assert.Equal(t, 100.0, txn.SignedAmount())
}

func TestParseEvent_ExplicitDirectionWins(t *testing.T) {
	// A provider that always reports positive amounts with a direction field.
	txn, fail := ParseEvent(rawEvent("e1", 1000, `{"transaction":{"amount":55,"direction":"outflow","description":"Rent"}}`))
	require.Nil(t, fail)
	assert.Equal(t, domain.DirectionOutflow, txn.Direction)
	assert.Equal(t, -55.0, txn.SignedAmount())
}

func TestParseEvent_Failures(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantCode string
	}{
		{"not json", `{{{`, ErrCodeBadPayload},
		{"no transaction", `{"meta":{}}`, ErrCodeMissingTransaction},
		{"missing amount", `{"transaction":{"description":"x"}}`, ErrCodeInvalidAmount},
		{"bad direction", `{"transaction":{"amount":5,"direction":"sideways"}}`, ErrCodeInvalidDirection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txn, fail := ParseEvent(rawEvent("e1", 1000, tt.payload))
			assert.Nil(t, txn)
			require.NotNil(t, fail)
			assert.Equal(t, tt.wantCode, fail.Code)
			assert.Equal(t, "e1", fail.SourceEventID)
		})
	}
}

func TestParseEvent_MerchantKeyFallback(t *testing.T) {
	txn, fail := ParseEvent(rawEvent("e1", 1000,
		`{"transaction":{"amount":-10,"description":"ACME Cleaning #4421","counterparty":"ACME Cleaning LLC 4421"}}`))
	require.Nil(t, fail)
	assert.Equal(t, "acme cleaning llc", txn.MerchantKey)

	// Explicit merchant keys normalize too, so provider-supplied casing or
	// punctuation never diverges from derived keys.
	txn, fail = ParseEvent(rawEvent("e2", 1000,
		`{"transaction":{"amount":-10,"merchant_key":"ACME-Cleaning","description":"x"}}`))
	require.Nil(t, fail)
	assert.Equal(t, "acme cleaning", txn.MerchantKey)
}

func TestProject_OrderingAndIsolation(t *testing.T) {
	day := func(d string) int64 {
		ts, _ := time.Parse("2006-01-02", d)
		return ts.Unix()
	}

	events := []rawevents.RawEvent{
		rawEvent("evt-b", day("2026-01-10"), `{"transaction":{"amount":-5,"description":"later"}}`),
		rawEvent("evt-broken", day("2026-01-07"), `{"transaction":{}}`),
		rawEvent("evt-a", day("2026-01-10"), `{"transaction":{"amount":-5,"description":"same day"}}`),
		rawEvent("evt-c", day("2026-01-05"), `{"transaction":{"amount":20,"description":"earliest"}}`),
	}

	txns, fails := Project(events)
	require.Len(t, txns, 3, "broken event is excluded, siblings survive")
	require.Len(t, fails, 1)
	assert.Equal(t, "evt-broken", fails[0].SourceEventID)

	assert.Equal(t, "evt-c", txns[0].SourceEventID)
	assert.Equal(t, "evt-a", txns[1].SourceEventID, "same-day ties break by source_event_id")
	assert.Equal(t, "evt-b", txns[2].SourceEventID)
}

func TestParseEvent_DefaultCurrency(t *testing.T) {
	txn, fail := ParseEvent(rawEvent("e1", 1000, `{"transaction":{"amount":5}}`))
	require.Nil(t, fail)
	assert.Equal(t, "USD", txn.Currency)

	txn, fail = ParseEvent(rawEvent("e2", 1000, `{"transaction":{"amount":5,"currency":"EUR"}}`))
	require.Nil(t, fail)
	assert.Equal(t, "EUR", txn.Currency)
}
