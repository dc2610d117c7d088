// Package postgres provides the PostgreSQL implementation of the projection
// checkpoint store.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/outbox-armada/internal/db"
	"github.com/ahrav/outbox-armada/internal/domain/events"
	"github.com/ahrav/outbox-armada/internal/infra/storage"
)

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

var _ events.CheckpointStore = (*checkpointStore)(nil)

// checkpointStore persists one durable cursor per (projection, tenant),
// enabling resumable replays across process restarts.
type checkpointStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewCheckpointStore creates a new PostgreSQL-backed checkpoint store using
// the provided database connection.
func NewCheckpointStore(pool *pgxpool.Pool, tracer trace.Tracer) *checkpointStore {
	return &checkpointStore{pool: pool, tracer: tracer}
}

// Load retrieves the last processed position for a projection. Returns 0 when
// no checkpoint exists yet.
func (p *checkpointStore) Load(ctx context.Context, projectionName, tenantID string) (int64, error) {
	var position int64
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("projection_name", projectionName),
		attribute.String("tenant_id", tenantID),
	)
	err := storage.ExecuteAndTrace(ctx, p.tracer, "postgres.load_checkpoint", dbAttrs, func(ctx context.Context) error {
		err := p.pool.QueryRow(ctx,
			`SELECT position FROM projection_checkpoints WHERE projection_name = $1 AND tenant_id = $2`,
			projectionName, tenantID,
		).Scan(&position)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				position = 0
				return nil
			}
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		return nil
	})
	return position, err
}

// Save upserts the checkpoint inside the caller's transaction so the cursor
// advances atomically with the projection's own writes for the batch.
func (p *checkpointStore) Save(ctx context.Context, tx db.DBTX, projectionName, tenantID string, position int64) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("projection_name", projectionName),
		attribute.String("tenant_id", tenantID),
		attribute.Int64("position", position),
	)
	return storage.ExecuteAndTrace(ctx, p.tracer, "postgres.save_checkpoint", dbAttrs, func(ctx context.Context) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO projection_checkpoints (projection_name, tenant_id, position, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (projection_name, tenant_id)
			DO UPDATE SET position = EXCLUDED.position, updated_at = EXCLUDED.updated_at`,
			projectionName, tenantID, position,
		)
		if err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		return nil
	})
}

// Delete removes a projection's checkpoint inside the caller's transaction.
// It is not an error if the checkpoint does not exist.
func (p *checkpointStore) Delete(ctx context.Context, tx db.DBTX, projectionName, tenantID string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("projection_name", projectionName),
		attribute.String("tenant_id", tenantID),
	)
	return storage.ExecuteAndTrace(ctx, p.tracer, "postgres.delete_checkpoint", dbAttrs, func(ctx context.Context) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM projection_checkpoints WHERE projection_name = $1 AND tenant_id = $2`,
			projectionName, tenantID,
		); err != nil {
			return fmt.Errorf("failed to delete checkpoint: %w", err)
		}
		return nil
	})
}
