// Package serializationerrors defines the error types the codec surfaces when
// an envelope cannot be turned back into a typed event. Both are fatal for the
// event in question and are never retried.
package serializationerrors

import "fmt"

// UnknownEventTypeError indicates the discriminator could not be resolved to a
// registered event type. This is a programmer error: the owning module failed
// to register the type at startup.
type UnknownEventTypeError struct {
	EventType string
	StreamID  string
	Position  int64
}

func (e UnknownEventTypeError) Error() string {
	if e.StreamID == "" {
		return fmt.Sprintf("no deserializer registered for event type %q", e.EventType)
	}
	return fmt.Sprintf("no deserializer registered for event type %q (stream %s, position %d)",
		e.EventType, e.StreamID, e.Position)
}

// MalformedPayloadError indicates a resolved type whose payload failed to
// deserialize. The replay runner must not silently skip the event.
type MalformedPayloadError struct {
	EventType string
	StreamID  string
	Position  int64
	Err       error
}

func (e MalformedPayloadError) Error() string {
	if e.StreamID == "" {
		return fmt.Sprintf("malformed payload for event type %q: %v", e.EventType, e.Err)
	}
	return fmt.Sprintf("malformed payload for event type %q (stream %s, position %d): %v",
		e.EventType, e.StreamID, e.Position, e.Err)
}

func (e MalformedPayloadError) Unwrap() error { return e.Err }

// ErrNilEvent indicates that a nil event was provided for serialization.
type ErrNilEvent struct{ EventType string }

func (e ErrNilEvent) Error() string { return fmt.Sprintf("nil %s event", e.EventType) }
