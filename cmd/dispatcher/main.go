// Command dispatcher runs the outbox drain loop as a long-lived service: it
// reads undispatched events from the log in position order, publishes them to
// Kafka, and durably marks successes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/outbox-armada/internal/app/config"
	"github.com/ahrav/outbox-armada/internal/app/dispatch"
	"github.com/ahrav/outbox-armada/internal/infra/eventbus/kafka"
	"github.com/ahrav/outbox-armada/internal/infra/outbox"
	eventStore "github.com/ahrav/outbox-armada/internal/infra/storage/events/postgres"
	"github.com/ahrav/outbox-armada/pkg/common"
	"github.com/ahrav/outbox-armada/pkg/common/logger"
	"github.com/ahrav/outbox-armada/pkg/common/otel"
)

const serviceType = "dispatcher"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("DISPATCHER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	logg := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logg.Error(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	tp, telemetryTeardown, err := otel.InitTelemetry(logg, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		logg.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(cfg.Telemetry.ServiceName)

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			logg.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.ConnString())
	if err != nil {
		logg.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = cfg.Postgres.MinConns
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logg.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		logg.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}

	logg.Info(ctx, "Migrations applied successfully. Starting dispatcher...")

	mp := otel.GetMeterProvider()
	metricCollector, err := dispatch.NewDispatchMetrics(mp)
	if err != nil {
		logg.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	publisher, err := kafka.NewPublisher(&kafka.Config{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		ClientID: cfg.Kafka.ClientID,
	}, logg, metricCollector, tracer)
	if err != nil {
		logg.Error(ctx, "failed to create kafka publisher", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logg.Error(ctx, "failed to close kafka publisher", "error", err)
		}
	}()

	store := eventStore.NewEventStore(pool, tracer)
	dispatcher := outbox.New(
		outbox.Config{
			BatchSize:    cfg.Outbox.BatchSize,
			PollInterval: cfg.Outbox.PollInterval,
			PublishRate:  cfg.Outbox.PublishRate,
		},
		store,
		publisher,
		pool,
		logg,
		tracer,
		metricCollector,
	)

	ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logg.Info(ctx, "Received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logg.Error(ctx, "Dispatcher error", "error", err)
		os.Exit(1)
	}
}

// runMigrations uses golang-migrate to apply all up migrations from
// "db/migrations". It acquires a single pgx connection from the pool, runs
// migrations, and then releases the connection back to the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
