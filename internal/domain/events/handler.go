package events

import "context"

// HandlerFunc processes one decoded domain event during dispatch. The stored
// metadata carries the event's position, stream, and correlation context.
type HandlerFunc func(ctx context.Context, stored StoredEvent, event DomainEvent) error

// EventHandler is implemented by components that consume dispatched events.
// The dispatcher routes events to handlers based on the event type.
type EventHandler interface {
	// HandleEvent processes a domain event and returns an error if processing fails.
	HandleEvent(ctx context.Context, stored StoredEvent, event DomainEvent) error

	// SupportedEvents returns the event types this handler can process.
	SupportedEvents() []EventType
}
