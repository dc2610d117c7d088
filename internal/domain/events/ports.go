package events

import (
	"context"
	"time"

	"github.com/ahrav/outbox-armada/internal/db"
)

// EventStore is the append-only, per-stream-versioned event log. Appends are
// idempotent under retry and serialized per stream by the storage layer's
// uniqueness constraints; reads never fail on empty results.
type EventStore interface {
	// AppendEvents persists the envelopes under the given stream, assigning
	// consecutive versions continuing from the stream's current maximum. It
	// runs against the caller-provided tx so the caller's own state mutation
	// and the append form one atomic unit. An empty envelope slice is a no-op
	// that touches neither storage nor version allocation.
	//
	// Returns a *ConcurrencyConflictError when a version or idempotency-key
	// collision is detected, in which case the caller's enclosing transaction
	// must roll back and the whole business operation be retried.
	AppendEvents(ctx context.Context, tx db.DBTX, tenantID, streamID, streamType string, envelopes []EventEnvelope) error

	// ReadStream returns events for exactly one stream with position greater
	// than fromPosition, ascending, capped at batchSize.
	ReadStream(ctx context.Context, tenantID, streamID string, fromPosition int64, batchSize int) ([]StoredEvent, error)

	// ReadByStreamType returns events across all streams of one type,
	// ascending by position. A non-nil asOf restricts results to events
	// created at or before it. Passing TenantAll widens the read across
	// every tenant; ReadByStreamTypes and ReadAll honor it too.
	ReadByStreamType(ctx context.Context, tenantID, streamType string, fromPosition int64, batchSize int, asOf *time.Time) ([]StoredEvent, error)

	// ReadByStreamTypes is ReadByStreamType over a set of stream types,
	// merged in global position order by the store.
	ReadByStreamTypes(ctx context.Context, tenantID string, streamTypes []string, fromPosition int64, batchSize int, asOf *time.Time) ([]StoredEvent, error)

	// ReadAll returns events across the whole tenant log, ascending by
	// position, optionally bounded by asOf.
	ReadAll(ctx context.Context, tenantID string, fromPosition int64, batchSize int, asOf *time.Time) ([]StoredEvent, error)

	// ReadUndispatched returns the outbox queue: events whose DispatchedAt is
	// still null, ascending by position, capped at batchSize.
	ReadUndispatched(ctx context.Context, batchSize int) ([]StoredEvent, error)

	// MarkDispatched records that the event at the given position has been
	// published. Marking an already-dispatched event is a harmless no-op.
	MarkDispatched(ctx context.Context, position int64) error

	// MarkDispatchedBatch marks a set of positions in one round trip.
	MarkDispatchedBatch(ctx context.Context, positions []int64) error
}

// CheckpointStore is the durable cursor recording how far each projection has
// replayed, one row per (projection, tenant).
type CheckpointStore interface {
	// Load returns the last processed position for the projection, or 0 when
	// no checkpoint exists yet.
	Load(ctx context.Context, projectionName, tenantID string) (int64, error)

	// Save upserts the checkpoint. It takes a tx so the save participates in
	// the same atomic unit as the projection's own writes for the batch.
	Save(ctx context.Context, tx db.DBTX, projectionName, tenantID string, position int64) error

	// Delete removes the checkpoint, joining the caller's transaction so a
	// reset deletes projection rows and cursor as one atomic unit. Deleting a
	// missing checkpoint is not an error.
	Delete(ctx context.Context, tx db.DBTX, projectionName, tenantID string) error
}

// Publisher is the sink the outbox dispatcher pushes decoded events into. It
// must tolerate being invoked more than once for the same event in
// crash-recovery edge cases, even though the dispatcher targets
// exactly-once-per-success.
type Publisher interface {
	// Publish delivers one decoded event together with its stored metadata.
	// A returned error leaves the event undispatched for a later retry.
	Publish(ctx context.Context, stored StoredEvent, event DomainEvent) error
}
