// Package serialization provides a registry-based system for serializing and
// deserializing domain events. It acts as the translation layer between typed
// application events and the transport-neutral envelopes the event log stores.
//
// The package implements a registry pattern where a deserialization function
// is registered for each event type, populated once at startup by each module
// registering its own event types. This approach:
//   - Keeps the domain layer clean of serialization concerns
//   - Makes an unresolvable discriminator a startup-detectable class of bug
//     for registered modules
//   - Avoids any runtime type scanning: resolution is one map lookup
package serialization

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/outbox-armada/internal/domain/events"
	serializationerrors "github.com/ahrav/outbox-armada/internal/infra/eventbus/serialization/errors"
)

// DeserializeFunc converts a serialized payload back into a typed domain event.
type DeserializeFunc func(data []byte) (events.DomainEvent, error)

// Global registry mapping event types to their deserialization functions.
// Registration happens during module init, before any event processing.
var (
	registryMu           sync.RWMutex
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterDeserializeFunc registers a deserialization function for a given
// event type. Registering the same type twice replaces the earlier function.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	deserializerRegistry[eventType] = fn
}

// RegisterJSONEvent registers the standard JSON deserializer for a concrete
// event type. Most modules only need this form.
func RegisterJSONEvent[T events.DomainEvent](eventType events.EventType) {
	RegisterDeserializeFunc(eventType, func(data []byte) (events.DomainEvent, error) {
		var evt T
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, serializationerrors.MalformedPayloadError{EventType: string(eventType), Err: err}
		}
		return evt, nil
	})
}

// Registered reports whether a deserializer exists for the given event type.
func Registered(eventType events.EventType) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := deserializerRegistry[eventType]
	return ok
}

// EventName returns the stable discriminator for a typed event.
func EventName(event events.DomainEvent) string { return string(event.EventType()) }

// SerializeOption configures the metadata attached to a serialized envelope.
type SerializeOption func(*events.EventEnvelope)

// WithCorrelationID sets the correlation id grouping all events caused by one
// originating request.
func WithCorrelationID(id string) SerializeOption {
	return func(e *events.EventEnvelope) { e.CorrelationID = id }
}

// WithCausationID points the envelope at the event or command that directly
// caused it.
func WithCausationID(id string) SerializeOption {
	return func(e *events.EventEnvelope) { e.CausationID = id }
}

// WithActorID records the principal on whose behalf the event was raised.
func WithActorID(id string) SerializeOption {
	return func(e *events.EventEnvelope) { e.ActorID = id }
}

// WithEventID overrides the generated event id. Used by callers that derive
// ids deterministically for idempotent retries.
func WithEventID(id string) SerializeOption {
	return func(e *events.EventEnvelope) { e.EventID = id }
}

// Serialize converts a typed event into a transport-neutral envelope with a
// freshly assigned event id. The payload is JSON so any consumer can decode it
// without a central schema registry.
func Serialize(event events.DomainEvent, opts ...SerializeOption) (events.EventEnvelope, error) {
	if event == nil {
		return events.EventEnvelope{}, serializationerrors.ErrNilEvent{}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return events.EventEnvelope{}, fmt.Errorf("marshal %s payload: %w", event.EventType(), err)
	}

	envelope := events.EventEnvelope{
		EventID: uuid.NewString(),
		Type:    event.EventType(),
		Payload: payload,
	}
	for _, opt := range opts {
		opt(&envelope)
	}

	return envelope, nil
}

// Deserialize resolves the discriminator through the registry and decodes the
// payload back into a typed event.
//
// Returns UnknownEventTypeError when no deserializer is registered for the
// type and MalformedPayloadError when decoding a resolved type fails. Both
// are fatal for the event and must not be retried.
func Deserialize(eventType events.EventType, payload []byte) (events.DomainEvent, error) {
	registryMu.RLock()
	fn, ok := deserializerRegistry[eventType]
	registryMu.RUnlock()
	if !ok {
		return nil, serializationerrors.UnknownEventTypeError{EventType: string(eventType)}
	}

	return fn(payload)
}

// DeserializeStored decodes a persisted event, annotating codec failures with
// the event's stream and position so the operator can locate the bad row.
func DeserializeStored(stored events.StoredEvent) (events.DomainEvent, error) {
	event, err := Deserialize(stored.Type, stored.Payload)
	if err != nil {
		switch e := err.(type) {
		case serializationerrors.UnknownEventTypeError:
			e.StreamID = stored.StreamID
			e.Position = stored.Position
			return nil, e
		case serializationerrors.MalformedPayloadError:
			e.StreamID = stored.StreamID
			e.Position = stored.Position
			return nil, e
		}
		return nil, err
	}
	return event, nil
}
