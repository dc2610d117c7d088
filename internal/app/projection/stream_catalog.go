package projection

import (
	"context"
	"fmt"

	"github.com/ahrav/outbox-armada/internal/db"
	"github.com/ahrav/outbox-armada/internal/domain/events"
)

// StreamCatalogName identifies the built-in stream catalog projection.
const StreamCatalogName = "stream_catalog"

var (
	_ Projection = (*StreamCatalog)(nil)
	_ RawApplier = (*StreamCatalog)(nil)
)

// StreamCatalog maintains one row per stream summarizing its latest state:
// current version, last global position, and last event time. It replays the
// whole log regardless of stream type, and its upsert is guarded on position
// so re-applying an already-seen event is a no-op.
type StreamCatalog struct{}

// NewStreamCatalog constructs the built-in stream catalog projection.
func NewStreamCatalog() *StreamCatalog { return &StreamCatalog{} }

// ApplyRaw marks the catalog as metadata-only; its Apply never inspects the
// decoded event.
func (*StreamCatalog) ApplyRaw() {}

// Name implements Projection.
func (*StreamCatalog) Name() string { return StreamCatalogName }

// StreamTypes implements Projection; the catalog covers every stream type.
func (*StreamCatalog) StreamTypes() []string { return nil }

// Reset implements Projection.
func (*StreamCatalog) Reset(ctx context.Context, tx db.DBTX) error {
	if _, err := tx.Exec(ctx, `DELETE FROM stream_catalog`); err != nil {
		return fmt.Errorf("failed to truncate stream catalog: %w", err)
	}
	return nil
}

// Apply implements Projection. The decoded event is unused; the catalog is
// derived entirely from stored metadata.
func (*StreamCatalog) Apply(ctx context.Context, tx db.DBTX, stored events.StoredEvent, _ events.DomainEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO stream_catalog (tenant_id, stream_id, stream_type, last_version, last_position, last_event_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, stream_id)
		DO UPDATE SET
			last_version  = EXCLUDED.last_version,
			last_position = EXCLUDED.last_position,
			last_event_at = EXCLUDED.last_event_at
		WHERE stream_catalog.last_position < EXCLUDED.last_position`,
		stored.TenantID, stored.StreamID, stored.StreamType,
		stored.Version, stored.Position, stored.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert stream catalog row for %s: %w", stored.StreamID, err)
	}
	return nil
}
