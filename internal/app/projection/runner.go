// Package projection provides the checkpointed replay engine that rebuilds
// read-optimized projections from the event log.
package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/outbox-armada/internal/db"
	"github.com/ahrav/outbox-armada/internal/domain/events"
	"github.com/ahrav/outbox-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/outbox-armada/internal/infra/storage"
	"github.com/ahrav/outbox-armada/pkg/common/logger"
)

// ErrReplayInProgress indicates another run of the same projection already
// holds the replay lock. Runs for different projections are independent and
// may proceed concurrently.
var ErrReplayInProgress = errors.New("replay already in progress for this projection")

// Projection is a derived read model rebuilt by replaying the event log. Its
// handlers are idempotent upserts keyed by the domain entity's own id, so
// at-least-once replay of a batch on crash-recovery is harmless.
type Projection interface {
	// Name uniquely identifies this projection for checkpoint tracking.
	Name() string

	// StreamTypes scopes the replay to the given aggregate kinds. An empty
	// slice replays the whole log.
	StreamTypes() []string

	// Reset deletes every row owned by this projection, joining the runner's
	// transaction so rows and checkpoint disappear as one atomic unit.
	Reset(ctx context.Context, tx db.DBTX) error

	// Apply processes one event inside the batch transaction. Returning an
	// error aborts the run without advancing the checkpoint past this event.
	Apply(ctx context.Context, tx db.DBTX, stored events.StoredEvent, event events.DomainEvent) error
}

// RawApplier marks projections that consume only stored metadata and the raw
// payload. The runner skips payload decoding for them and passes a nil event
// to Apply, so they work even in processes with no event types registered.
type RawApplier interface {
	ApplyRaw()
}

// Options configures one replay run.
type Options struct {
	// TenantID scopes the run; defaults to events.TenantAll.
	TenantID string

	// Reset truncates the projection and deletes its checkpoint before any
	// batch is read, forcing a full rebuild from position 0.
	Reset bool

	// BatchSize bounds each page read and each transaction's row count.
	BatchSize int

	// AsOf restricts the replay to events created at or before the given
	// time, for as-of-time rebuilds and debugging.
	AsOf *time.Time
}

// Summary reports what a completed run did. It is operator-facing only and
// carries no correctness weight.
type Summary struct {
	ProcessedCount int
	LastEventTime  time.Time
	LastPosition   int64
}

// Runner pages through the log from a projection's last checkpoint,
// deserializes each event, invokes the projection's handler, and advances the
// checkpoint transactionally with the batch. A handler or codec failure is
// fatal for the run: the checkpoint never advances past the failing event, so
// a subsequent run resumes at the same point and retries it.
type Runner struct {
	pool        *pgxpool.Pool
	store       events.EventStore
	checkpoints events.CheckpointStore

	logger *logger.Logger
	tracer trace.Tracer
}

// NewRunner constructs a replay runner over the given stores.
func NewRunner(
	pool *pgxpool.Pool,
	store events.EventStore,
	checkpoints events.CheckpointStore,
	log *logger.Logger,
	tracer trace.Tracer,
) *Runner {
	return &Runner{
		pool:        pool,
		store:       store,
		checkpoints: checkpoints,
		logger:      log.With("component", "projection_runner"),
		tracer:      tracer,
	}
}

// Run replays the log through the projection until no further events remain,
// then returns a summary. Cancellation stops before the next batch read;
// in-flight batch transactions are not rolled back by cancellation.
func (r *Runner) Run(ctx context.Context, projection Projection, opts Options) (Summary, error) {
	if opts.TenantID == "" {
		opts.TenantID = events.TenantAll
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}

	log := r.logger.With(
		"projection", projection.Name(),
		"tenant_id", opts.TenantID,
	)
	ctx, span := r.tracer.Start(ctx, "projection_runner.run",
		trace.WithAttributes(
			attribute.String("projection", projection.Name()),
			attribute.String("tenant_id", opts.TenantID),
			attribute.Bool("reset", opts.Reset),
			attribute.Int("batch_size", opts.BatchSize),
		))
	defer span.End()

	// Replay of the same projection must not run concurrently with itself;
	// the checkpoint read-then-write would race.
	lockName := fmt.Sprintf("projection_replay:%s:%s", projection.Name(), opts.TenantID)
	lock, acquired, err := storage.AcquireAdvisoryLock(ctx, r.pool, lockName)
	if err != nil {
		return Summary{}, err
	}
	if !acquired {
		span.SetStatus(codes.Error, ErrReplayInProgress.Error())
		return Summary{}, ErrReplayInProgress
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			log.Error(releaseCtx, "failed to release replay lock", "error", err)
		}
	}()

	if opts.Reset {
		if err := r.reset(ctx, projection, opts.TenantID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Summary{}, err
		}
		log.Info(ctx, "projection reset; rebuilding from position 0")
	}

	fromPosition, err := r.checkpoints.Load(ctx, projection.Name(), opts.TenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Summary{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var summary Summary
	summary.LastPosition = fromPosition

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		batch, err := r.readBatch(ctx, projection, opts, fromPosition)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return summary, err
		}
		if len(batch) == 0 {
			break
		}

		fromPosition, err = r.processBatch(ctx, projection, opts.TenantID, batch, &summary)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return summary, err
		}

		log.Debug(ctx, "batch replayed",
			"batch_events", len(batch),
			"checkpoint", fromPosition,
		)
	}

	span.SetAttributes(
		attribute.Int("events_processed", summary.ProcessedCount),
		attribute.Int64("last_position", summary.LastPosition),
	)
	span.SetStatus(codes.Ok, "replay complete")
	log.Info(ctx, "replay complete",
		"events_processed", summary.ProcessedCount,
		"last_position", summary.LastPosition,
	)
	return summary, nil
}

func (r *Runner) readBatch(
	ctx context.Context,
	projection Projection,
	opts Options,
	fromPosition int64,
) ([]events.StoredEvent, error) {
	streamTypes := projection.StreamTypes()
	if len(streamTypes) == 0 {
		return r.store.ReadAll(ctx, opts.TenantID, fromPosition, opts.BatchSize, opts.AsOf)
	}
	return r.store.ReadByStreamTypes(ctx, opts.TenantID, streamTypes, fromPosition, opts.BatchSize, opts.AsOf)
}

// processBatch applies one page of events and saves the checkpoint in a single
// transaction, so a crash between projection writes and cursor advancement can
// never split them.
func (r *Runner) processBatch(
	ctx context.Context,
	projection Projection,
	tenantID string,
	batch []events.StoredEvent,
	summary *Summary,
) (int64, error) {
	var (
		lastPosition  int64
		lastEventTime time.Time
		processed     int
	)
	_, rawOnly := projection.(RawApplier)

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, stored := range batch {
			var event events.DomainEvent
			if !rawOnly {
				var err error
				if event, err = serialization.DeserializeStored(stored); err != nil {
					return err
				}
			}

			if err := projection.Apply(ctx, tx, stored, event); err != nil {
				return fmt.Errorf("projection %s failed at position %d (stream %s): %w",
					projection.Name(), stored.Position, stored.StreamID, err)
			}

			lastPosition = stored.Position
			lastEventTime = stored.CreatedAt
			processed++
		}

		return r.checkpoints.Save(ctx, tx, projection.Name(), tenantID, lastPosition)
	})
	if err != nil {
		return 0, err
	}

	// The summary only counts committed work; a rolled back batch must not
	// report events it did not durably apply.
	summary.ProcessedCount += processed
	summary.LastEventTime = lastEventTime
	summary.LastPosition = lastPosition
	return lastPosition, nil
}

// reset truncates the projection's rows and deletes its checkpoint in one
// transaction, before any batch is read.
func (r *Runner) reset(ctx context.Context, projection Projection, tenantID string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := projection.Reset(ctx, tx); err != nil {
			return fmt.Errorf("failed to reset projection %s: %w", projection.Name(), err)
		}
		if err := r.checkpoints.Delete(ctx, tx, projection.Name(), tenantID); err != nil {
			return err
		}
		return nil
	})
}
