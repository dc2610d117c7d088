// Package events provides the domain model for the append-only event log:
// typed domain events, their serialized envelopes, and the ports the rest of
// the system uses to append, read, dispatch, and replay them.
package events

import "time"

// EventType is the stable discriminator for a domain event. It is persisted
// alongside the payload and later resolved back to a concrete type through the
// serialization registry, so it must never change for a given event shape.
type EventType string

// DomainEvent is implemented by every typed application event that flows
// through the log. Business modules define their own event structs and
// register them with the serialization registry at startup.
type DomainEvent interface {
	// EventType returns the discriminator used for routing, storage, and
	// payload resolution.
	EventType() EventType

	// OccurredAt returns when the event happened in the domain, which may
	// predate its persistence.
	OccurredAt() time.Time
}
