package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler receives published events. Handlers must not block; slow consumers
// (the SSE stream) buffer internally and drop on overflow.
type Handler func(*Event)

// Bus is a simple synchronous in-process pub/sub bus. All state lives in the
// database; the bus only exists so the HTTP event stream and log observers
// can watch transitions as they happen.
type Bus struct {
	log      zerolog.Logger
	handlers map[EventType][]Handler
	wildcard []Handler
	mu       sync.RWMutex
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:      log.With().Str("component", "event_bus").Logger(),
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, handler)
}

// Publish delivers the event to all matching handlers synchronously. A nil
// event is ignored.
func (b *Bus) Publish(event *Event) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	typed := make([]Handler, len(b.handlers[event.Type]))
	copy(typed, b.handlers[event.Type])
	wildcard := make([]Handler, len(b.wildcard))
	copy(wildcard, b.wildcard)
	b.mu.RUnlock()

	for _, h := range typed {
		h(event)
	}
	for _, h := range wildcard {
		h(event)
	}
}

// Emit builds an event from a typed payload and publishes it. Payloads are
// round-tripped through JSON so the bus carries plain maps regardless of the
// publisher's concrete type.
func (b *Bus) Emit(module string, data EventData) {
	if data == nil {
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		b.log.Error().Err(err).Str("module", module).Msg("Failed to marshal event payload")
		return
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err != nil {
		b.log.Error().Err(err).Str("module", module).Msg("Failed to decode event payload")
		return
	}

	b.Publish(&Event{
		Type:      data.EventType(),
		Module:    module,
		Timestamp: time.Now().UTC(),
		Data:      asMap,
	})
}
