package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalChangedData_TypeSwitch(t *testing.T) {
	tests := map[string]EventType{
		"detected":       SignalDetected,
		"updated":        SignalUpdated,
		"resolved":       SignalResolved,
		"status_changed": SignalStatusChanged,
	}
	for change, want := range tests {
		d := &SignalChangedData{Change: change}
		assert.Equal(t, want, d.EventType(), "change %q", change)
	}
}

func TestCaseChangedData_TypeSwitch(t *testing.T) {
	assert.Equal(t, CaseCreated, (&CaseChangedData{Change: "created"}).EventType())
	assert.Equal(t, CaseEscalated, (&CaseChangedData{Change: "escalated"}).EventType())
	assert.Equal(t, CaseRecomputeApplied, (&CaseChangedData{Change: "recompute_applied"}).EventType())
	assert.Equal(t, CaseStatusChanged, (&CaseChangedData{Change: "status_changed"}).EventType())
}

func TestProcessingStatusData_TypeSwitch(t *testing.T) {
	assert.Equal(t, ProcessingStarted, (&ProcessingStatusData{Status: "started"}).EventType())
	assert.Equal(t, ProcessingCompleted, (&ProcessingStatusData{Status: "completed"}).EventType())
	assert.Equal(t, ProcessingErrored, (&ProcessingStatusData{Status: "error"}).EventType())
}

func TestEventWithData_RoundTrip(t *testing.T) {
	original := &EventWithData{
		Type:      SignalDetected,
		Timestamp: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		Module:    "signals",
		Data: &SignalChangedData{
			BusinessID: "biz-1",
			SignalID:   "low_cash_runway:abc123",
			SignalType: "low_cash_runway",
			Status:     "open",
			Severity:   "high",
			Change:     "detected",
		},
	}

	jsonData, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), "low_cash_runway:abc123")

	var decoded EventWithData
	require.NoError(t, json.Unmarshal(jsonData, &decoded))

	signalData, ok := decoded.Data.(*SignalChangedData)
	require.True(t, ok, "decoded data should be SignalChangedData, got %T", decoded.Data)
	assert.Equal(t, "biz-1", signalData.BusinessID)
	assert.Equal(t, "high", signalData.Severity)
	assert.Equal(t, SignalDetected, decoded.Type)
}

func TestEventWithData_UnknownTypeFallsBack(t *testing.T) {
	raw := `{"type":"mystery_event","timestamp":"2026-02-01T12:00:00Z","module":"x","data":{"k":"v"}}`

	var decoded EventWithData
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))

	generic, ok := decoded.Data.(*GenericEventData)
	require.True(t, ok)
	assert.Equal(t, EventType("mystery_event"), generic.EventType())
	assert.Equal(t, "v", generic.Data["k"])
}

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got []*Event
	bus.Subscribe(TickCompleted, func(e *Event) {
		got = append(got, e)
	})

	bus.Publish(&Event{Type: TickCompleted, Module: "tick"})
	bus.Publish(&Event{Type: PulseCompleted, Module: "monitor"})

	require.Len(t, got, 1, "only subscribed type should arrive")
	assert.Equal(t, TickCompleted, got[0].Type)
	assert.False(t, got[0].Timestamp.IsZero(), "publish stamps missing timestamps")
}

func TestBus_Wildcard(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	count := 0
	bus.SubscribeAll(func(e *Event) { count++ })

	bus.Publish(&Event{Type: TickCompleted})
	bus.Publish(&Event{Type: ActionCreated})
	bus.Publish(nil)

	assert.Equal(t, 2, count)
}

func TestBus_EmitTypedPayload(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got *Event
	bus.Subscribe(BriefGenerated, func(e *Event) { got = e })

	bus.Emit("briefs", &BriefGeneratedData{BusinessID: "biz-1", BriefDate: "2026-02-01", HealthScore: 82.5})

	require.NotNil(t, got)
	assert.Equal(t, "briefs", got.Module)
	assert.Equal(t, "biz-1", got.Data["business_id"])
	assert.Equal(t, 82.5, got.Data["health_score"])
}
