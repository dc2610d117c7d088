package events

import (
	"fmt"
	"time"
)

// TenantAll is the tenant id used while the system is not yet tenant-partitioned.
const TenantAll = "*"

// EventEnvelope is the transport-neutral, in-flight form of a domain event.
// It exists only for the duration of one append call: the codec produces it
// from a typed event, the store persists it, and it is discarded.
type EventEnvelope struct {
	// EventID uniquely identifies this event instance across the whole system.
	EventID string

	// Type is the discriminator used to resolve the payload back to a
	// concrete type.
	Type EventType

	// Payload is the serialized event body.
	Payload []byte

	// CorrelationID groups all events caused by one originating request.
	CorrelationID string

	// CausationID points at the event or command that directly caused this one.
	CausationID string

	// ActorID identifies the principal on whose behalf the event was raised.
	ActorID string
}

// StoredEvent is a durably persisted envelope. Once written it is immutable
// except for the single null -> non-null transition of DispatchedAt.
type StoredEvent struct {
	// Position is the globally unique, strictly increasing sequence number
	// assigned by the store at insert time. It is the log's total order and
	// the sort key for global reads and outbox draining.
	Position int64

	TenantID   string
	StreamID   string
	StreamType string

	// Version is the 1-based, per-stream sequence number. Together with the
	// stream id it forms the aggregate's local order.
	Version int64

	EventID       string
	Type          EventType
	Payload       []byte
	CorrelationID string
	CausationID   string
	ActorID       string

	CreatedAt time.Time

	// DispatchedAt is nil until the outbox has successfully published the
	// event. It is set exactly once and never cleared.
	DispatchedAt *time.Time
}

// Dispatched reports whether the outbox has already published this event.
func (e StoredEvent) Dispatched() bool { return e.DispatchedAt != nil }

// IdempotencyKey derives the secondary uniqueness key guarding against a
// retried transaction re-inserting the same append.
func (e StoredEvent) IdempotencyKey() string {
	return IdempotencyKey(e.StreamID, e.Version, e.EventID)
}

// IdempotencyKey builds the stream-scoped idempotency key for one event.
func IdempotencyKey(streamID string, version int64, eventID string) string {
	return fmt.Sprintf("%s:%d:%s", streamID, version, eventID)
}
