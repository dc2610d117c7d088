// Package postgres provides the PostgreSQL implementation of the append-only
// event log store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/outbox-armada/internal/db"
	"github.com/ahrav/outbox-armada/internal/domain/events"
	"github.com/ahrav/outbox-armada/internal/infra/storage"
)

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

var _ events.EventStore = (*eventStore)(nil)

// eventStore is the PostgreSQL-backed event log. Versions are allocated from
// the stream's current maximum inside the caller's transaction; the unique
// constraints on (tenant_id, stream_id, version) and
// (tenant_id, idempotency_key) enforce optimistic concurrency, with the
// database sequence on position providing the log's total order.
type eventStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewEventStore creates a new PostgreSQL-backed event log store using the
// provided connection pool.
func NewEventStore(pool *pgxpool.Pool, tracer trace.Tracer) *eventStore {
	return &eventStore{pool: pool, tracer: tracer}
}

const storedEventColumns = `position, tenant_id, stream_id, stream_type, version,
	event_id, event_type, payload, correlation_id, causation_id, actor_id,
	created_at, dispatched_at`

// AppendEvents implements events.EventStore. It runs entirely against the
// caller-provided tx so a failure rolls back the caller's own state changes
// together with the append.
func (s *eventStore) AppendEvents(
	ctx context.Context,
	tx db.DBTX,
	tenantID, streamID, streamType string,
	envelopes []events.EventEnvelope,
) error {
	// An empty append must not touch storage or allocate a version.
	if len(envelopes) == 0 {
		return nil
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("stream_id", streamID),
		attribute.String("stream_type", streamType),
		attribute.Int("event_count", len(envelopes)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.append_events", dbAttrs, func(ctx context.Context) error {
		var currentVersion int64
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM events WHERE tenant_id = $1 AND stream_id = $2`,
			tenantID, streamID,
		).Scan(&currentVersion)
		if err != nil {
			return fmt.Errorf("failed to read current stream version: %w", err)
		}

		for i := range envelopes {
			env := &envelopes[i]
			version := currentVersion + int64(i) + 1

			_, err := tx.Exec(ctx, `
				INSERT INTO events (
					tenant_id, stream_id, stream_type, version,
					event_id, event_type, payload, idempotency_key,
					correlation_id, causation_id, actor_id
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				tenantID,
				streamID,
				streamType,
				version,
				env.EventID,
				string(env.Type),
				env.Payload,
				events.IdempotencyKey(streamID, version, env.EventID),
				env.CorrelationID,
				env.CausationID,
				env.ActorID,
			)
			if err != nil {
				if isUniqueViolation(err) {
					return &events.ConcurrencyConflictError{
						TenantID: tenantID,
						StreamID: streamID,
						Version:  version,
						Err:      err,
					}
				}
				return fmt.Errorf("failed to insert event %d: %w", i, err)
			}
		}

		return nil
	})
}

// ReadStream implements events.EventStore.
func (s *eventStore) ReadStream(
	ctx context.Context,
	tenantID, streamID string,
	fromPosition int64,
	batchSize int,
) ([]events.StoredEvent, error) {
	var result []events.StoredEvent
	dbAttrs := append(defaultDBAttributes, attribute.String("stream_id", streamID))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.read_stream", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM events
			WHERE tenant_id = $1 AND stream_id = $2 AND position > $3
			ORDER BY position ASC
			LIMIT $4`, storedEventColumns),
			tenantID, streamID, fromPosition, batchSize,
		)
		if err != nil {
			return fmt.Errorf("failed to query stream events: %w", err)
		}
		result, err = scanStoredEvents(rows)
		return err
	})
	return result, err
}

// ReadByStreamType implements events.EventStore.
func (s *eventStore) ReadByStreamType(
	ctx context.Context,
	tenantID, streamType string,
	fromPosition int64,
	batchSize int,
	asOf *time.Time,
) ([]events.StoredEvent, error) {
	return s.ReadByStreamTypes(ctx, tenantID, []string{streamType}, fromPosition, batchSize, asOf)
}

// ReadByStreamTypes implements events.EventStore. The stream types are merged
// in global position order by the database rather than client-side, keeping a
// multi-type projection's page reads to one round trip. events.TenantAll
// widens the read across every tenant.
func (s *eventStore) ReadByStreamTypes(
	ctx context.Context,
	tenantID string,
	streamTypes []string,
	fromPosition int64,
	batchSize int,
	asOf *time.Time,
) ([]events.StoredEvent, error) {
	var result []events.StoredEvent
	dbAttrs := append(
		defaultDBAttributes,
		attribute.StringSlice("stream_types", streamTypes),
		attribute.Int64("from_position", fromPosition),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.read_by_stream_types", dbAttrs, func(ctx context.Context) error {
		query := fmt.Sprintf(`
			SELECT %s FROM events
			WHERE stream_type = ANY($1) AND position > $2`, storedEventColumns)
		args := []any{streamTypes, fromPosition}
		if tenantID != events.TenantAll {
			query += fmt.Sprintf(" AND tenant_id = $%d", len(args)+1)
			args = append(args, tenantID)
		}
		if asOf != nil {
			query += fmt.Sprintf(" AND created_at <= $%d", len(args)+1)
			args = append(args, *asOf)
		}
		query += fmt.Sprintf(" ORDER BY position ASC LIMIT $%d", len(args)+1)
		args = append(args, batchSize)

		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query events by stream type: %w", err)
		}
		result, err = scanStoredEvents(rows)
		return err
	})
	return result, err
}

// ReadAll implements events.EventStore.
func (s *eventStore) ReadAll(
	ctx context.Context,
	tenantID string,
	fromPosition int64,
	batchSize int,
	asOf *time.Time,
) ([]events.StoredEvent, error) {
	var result []events.StoredEvent
	dbAttrs := append(defaultDBAttributes, attribute.Int64("from_position", fromPosition))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.read_all", dbAttrs, func(ctx context.Context) error {
		query := fmt.Sprintf(`
			SELECT %s FROM events
			WHERE position > $1`, storedEventColumns)
		args := []any{fromPosition}
		if tenantID != events.TenantAll {
			query += fmt.Sprintf(" AND tenant_id = $%d", len(args)+1)
			args = append(args, tenantID)
		}
		if asOf != nil {
			query += fmt.Sprintf(" AND created_at <= $%d", len(args)+1)
			args = append(args, *asOf)
		}
		query += fmt.Sprintf(" ORDER BY position ASC LIMIT $%d", len(args)+1)
		args = append(args, batchSize)

		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query all events: %w", err)
		}
		result, err = scanStoredEvents(rows)
		return err
	})
	return result, err
}

// ReadUndispatched implements events.EventStore. This is the outbox queue:
// rows the dispatcher has not yet successfully published, oldest first.
func (s *eventStore) ReadUndispatched(ctx context.Context, batchSize int) ([]events.StoredEvent, error) {
	var result []events.StoredEvent
	dbAttrs := append(defaultDBAttributes, attribute.Int("batch_size", batchSize))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.read_undispatched", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM events
			WHERE dispatched_at IS NULL
			ORDER BY position ASC
			LIMIT $1`, storedEventColumns),
			batchSize,
		)
		if err != nil {
			return fmt.Errorf("failed to query undispatched events: %w", err)
		}
		result, err = scanStoredEvents(rows)
		return err
	})
	return result, err
}

// MarkDispatched implements events.EventStore. Marking an already-dispatched
// row is a no-op; dispatched_at transitions null -> non-null exactly once.
func (s *eventStore) MarkDispatched(ctx context.Context, position int64) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("position", position))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_dispatched", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`UPDATE events SET dispatched_at = now() WHERE position = $1 AND dispatched_at IS NULL`,
			position,
		)
		if err != nil {
			return fmt.Errorf("failed to mark event dispatched: %w", err)
		}
		return nil
	})
}

// MarkDispatchedBatch implements events.EventStore.
func (s *eventStore) MarkDispatchedBatch(ctx context.Context, positions []int64) error {
	if len(positions) == 0 {
		return nil
	}

	dbAttrs := append(defaultDBAttributes, attribute.Int("position_count", len(positions)))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_dispatched_batch", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`UPDATE events SET dispatched_at = now() WHERE position = ANY($1) AND dispatched_at IS NULL`,
			positions,
		)
		if err != nil {
			return fmt.Errorf("failed to mark event batch dispatched: %w", err)
		}
		return nil
	})
}

func scanStoredEvents(rows pgx.Rows) ([]events.StoredEvent, error) {
	defer rows.Close()

	var result []events.StoredEvent
	for rows.Next() {
		var (
			evt       events.StoredEvent
			eventType string
		)
		if err := rows.Scan(
			&evt.Position,
			&evt.TenantID,
			&evt.StreamID,
			&evt.StreamType,
			&evt.Version,
			&evt.EventID,
			&eventType,
			&evt.Payload,
			&evt.CorrelationID,
			&evt.CausationID,
			&evt.ActorID,
			&evt.CreatedAt,
			&evt.DispatchedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		evt.Type = events.EventType(eventType)
		result = append(result, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows error: %w", err)
	}
	return result, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505), which on append means a lost version race.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
