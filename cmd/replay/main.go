// Command replay rebuilds a projection from the event log. It acquires the
// projection's replay lock, optionally resets the projection, and pages
// through the log from the last checkpoint until caught up.
//
// Usage:
//
//	replay --projection stream_catalog [--tenant t1] [--reset] [--batch-size 500] [--as-of 2026-01-02T15:04:05Z]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/outbox-armada/internal/app/config"
	"github.com/ahrav/outbox-armada/internal/app/projection"
	"github.com/ahrav/outbox-armada/internal/domain/events"
	eventStore "github.com/ahrav/outbox-armada/internal/infra/storage/events/postgres"
	checkpointStore "github.com/ahrav/outbox-armada/internal/infra/storage/projections/postgres"
	"github.com/ahrav/outbox-armada/pkg/common/logger"
	"github.com/ahrav/outbox-armada/pkg/common/otel"
)

func main() {
	var (
		projectionName = flag.String("projection", "", "projection to replay (required)")
		tenantID       = flag.String("tenant", events.TenantAll, "tenant scope for the replay")
		reset          = flag.Bool("reset", false, "truncate the projection and rebuild from position 0")
		batchSize      = flag.Int("batch-size", 100, "events per batch transaction")
		asOfFlag       = flag.String("as-of", "", "replay only events created at or before this RFC3339 time")
		listFlag       = flag.Bool("list", false, "list available projections and exit")
	)
	flag.Parse()

	if err := projection.Register(projection.NewStreamCatalog()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register projections: %v\n", err)
		os.Exit(1)
	}

	if *listFlag {
		fmt.Println(strings.Join(projection.Names(), "\n"))
		return
	}

	if *projectionName == "" {
		fmt.Fprintln(os.Stderr, "--projection is required; use --list to see available projections")
		os.Exit(1)
	}

	proj, ok := projection.Lookup(*projectionName)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown projection %q; available: %s\n",
			*projectionName, strings.Join(projection.Names(), ", "))
		os.Exit(1)
	}

	var asOf *time.Time
	if *asOfFlag != "" {
		t, err := time.Parse(time.RFC3339, *asOfFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --as-of value %q: %v\n", *asOfFlag, err)
			os.Exit(1)
		}
		asOf = &t
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }
	log := logger.New(os.Stdout, logger.LevelInfo, "replay", traceIDFn)

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Error(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	var tracer trace.Tracer = noop.NewTracerProvider().Tracer("replay")
	if cfg.Telemetry.Enabled {
		tp, teardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      cfg.Telemetry.ServiceName,
			ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
			Probability:      cfg.Telemetry.SamplingRatio,
			InsecureExporter: true,
		})
		if err != nil {
			log.Error(ctx, "failed to initialize telemetry", "error", err)
			os.Exit(1)
		}
		defer teardown(ctx)
		tracer = tp.Tracer("replay")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.ConnString())
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}

	runner := projection.NewRunner(
		pool,
		eventStore.NewEventStore(pool, tracer),
		checkpointStore.NewCheckpointStore(pool, tracer),
		log,
		tracer,
	)

	summary, err := runner.Run(ctx, proj, projection.Options{
		TenantID:  *tenantID,
		Reset:     *reset,
		BatchSize: *batchSize,
		AsOf:      asOf,
	})
	if err != nil {
		log.Error(ctx, "replay failed",
			"projection", *projectionName,
			"error", err,
			"events_processed", summary.ProcessedCount,
			"last_position", summary.LastPosition,
		)
		os.Exit(1)
	}

	log.Info(ctx, "replay finished",
		"projection", *projectionName,
		"events_processed", summary.ProcessedCount,
		"last_position", summary.LastPosition,
		"last_event_at", summary.LastEventTime.UTC().Format(time.RFC3339),
	)
}

// runMigrations applies all up migrations from "db/migrations" so the replay
// can run against a fresh database.
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
