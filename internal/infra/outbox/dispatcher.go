// Package outbox implements the background drain loop that turns durably
// stored events into published ones. It is the single dispatch mechanism in
// the system: there is no synchronous post-commit publish path, so every
// event reaches its consumers through this loop exactly once per success.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/outbox-armada/internal/domain/events"
	"github.com/ahrav/outbox-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/outbox-armada/internal/infra/storage"
	"github.com/ahrav/outbox-armada/pkg/common"
	"github.com/ahrav/outbox-armada/pkg/common/logger"
)

// DefaultLockName is the advisory lock guarding single-active-dispatcher
// semantics across all deployments sharing one database.
const DefaultLockName = "outbox_dispatcher"

// Metrics defines the metric operations needed to monitor the drain loop.
type Metrics interface {
	IncEventsDispatched(ctx context.Context, eventType string)
	IncDispatchFailures(ctx context.Context, eventType string)
}

// Config bounds a single drain pass and the polling cadence between passes.
type Config struct {
	// BatchSize caps how many undispatched rows one pass reads.
	BatchSize int

	// PollInterval is how long the loop idles when the outbox is empty.
	PollInterval time.Duration

	// PublishRate bounds publishes per second; zero means unlimited.
	PublishRate float64

	// LockName overrides DefaultLockName, letting tests isolate locks.
	LockName string
}

// Dispatcher drains undispatched events in global position order and pushes
// them into the publish sink, marking each batch's successes durably. A
// failure never advances dispatch state past the failed event; the next pass
// retries from it.
type Dispatcher struct {
	cfg       Config
	store     events.EventStore
	publisher events.Publisher
	pool      *pgxpool.Pool

	limiter *common.RateLimiter
	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// New constructs a Dispatcher around the given store and publish sink.
func New(
	cfg Config,
	store events.EventStore,
	publisher events.Publisher,
	pool *pgxpool.Pool,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics Metrics,
) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LockName == "" {
		cfg.LockName = DefaultLockName
	}

	var limiter *common.RateLimiter
	if cfg.PublishRate > 0 {
		limiter = common.NewRateLimiter(cfg.PublishRate, 1)
	}

	return &Dispatcher{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		pool:      pool,
		limiter:   limiter,
		logger:    log.With("component", "outbox_dispatcher"),
		tracer:    tracer,
		metrics:   metrics,
	}
}

// Run drains the outbox until the context is cancelled. It first acquires the
// dispatcher advisory lock so two deployments sharing a database cannot race
// to mark the same rows, then alternates drain passes with idle polling.
// Transient storage errors back off exponentially and never kill the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	lock, err := d.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			d.logger.Error(releaseCtx, "failed to release dispatcher lock", "error", err)
		}
	}()

	d.logger.Info(ctx, "outbox dispatcher started",
		"batch_size", d.cfg.BatchSize,
		"poll_interval", d.cfg.PollInterval.String(),
	)

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0 // retry forever; the loop only stops on cancellation

	for {
		processed, err := d.DrainOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()

		case err != nil:
			wait := retry.NextBackOff()
			d.logger.Error(ctx, "drain pass failed; backing off",
				"error", err,
				"processed", processed,
				"backoff", wait.String(),
			)
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}

		case processed == 0:
			retry.Reset()
			if !sleepCtx(ctx, d.cfg.PollInterval) {
				return ctx.Err()
			}

		default:
			retry.Reset()
		}
	}
}

// DrainOnce performs a single pass: read up to BatchSize undispatched events
// in position order, publish each, and durably mark the successes. On the
// first failure the pass stops without advancing past the failed event, so a
// subsequent pass retries it; events already published in this pass are still
// marked. Returns how many events were successfully published.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	ctx, span := d.tracer.Start(ctx, "outbox_dispatcher.drain",
		trace.WithAttributes(attribute.Int("batch_size", d.cfg.BatchSize)),
	)
	defer span.End()

	batch, err := d.store.ReadUndispatched(ctx, d.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to read undispatched events: %w", err)
	}
	if len(batch) == 0 {
		span.SetStatus(codes.Ok, "outbox empty")
		return 0, nil
	}

	dispatched := make([]int64, 0, len(batch))
	var publishErr error

	for _, stored := range batch {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				publishErr = err
				break
			}
		}

		if err := d.publishOne(ctx, stored); err != nil {
			if d.metrics != nil {
				d.metrics.IncDispatchFailures(ctx, string(stored.Type))
			}
			publishErr = fmt.Errorf("failed to publish event at position %d: %w", stored.Position, err)
			break
		}

		if d.metrics != nil {
			d.metrics.IncEventsDispatched(ctx, string(stored.Type))
		}
		dispatched = append(dispatched, stored.Position)
	}

	// Successes are marked even when the pass stops early, so the next pass
	// resumes exactly at the failed event.
	if len(dispatched) > 0 {
		if err := d.store.MarkDispatchedBatch(ctx, dispatched); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return len(dispatched), errors.Join(publishErr, fmt.Errorf("failed to mark events dispatched: %w", err))
		}
	}

	if publishErr != nil {
		span.RecordError(publishErr)
		span.SetStatus(codes.Error, publishErr.Error())
		return len(dispatched), publishErr
	}

	span.SetAttributes(attribute.Int("events_dispatched", len(dispatched)))
	span.SetStatus(codes.Ok, "drain pass complete")
	return len(dispatched), nil
}

func (d *Dispatcher) publishOne(ctx context.Context, stored events.StoredEvent) error {
	event, err := serialization.DeserializeStored(stored)
	if err != nil {
		// Codec failures are fatal for the event and will never succeed on
		// retry, but they still must not advance dispatch state: the operator
		// has to fix the registration or the row.
		return err
	}
	return d.publisher.Publish(ctx, stored, event)
}

func (d *Dispatcher) acquireLock(ctx context.Context) (*storage.AdvisoryLock, error) {
	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = 10 * time.Second
	retry.MaxElapsedTime = 0

	for {
		lock, acquired, err := storage.AcquireAdvisoryLock(ctx, d.pool, d.cfg.LockName)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire dispatcher lock: %w", err)
		}
		if acquired {
			return lock, nil
		}

		wait := retry.NextBackOff()
		d.logger.Info(ctx, "dispatcher lock held elsewhere; waiting", "retry_in", wait.String())
		if !sleepCtx(ctx, wait) {
			return nil, ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
