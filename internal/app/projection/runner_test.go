package projection

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/outbox-armada/internal/db"
	"github.com/ahrav/outbox-armada/internal/domain/events"
	"github.com/ahrav/outbox-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/outbox-armada/internal/infra/storage"
	eventStore "github.com/ahrav/outbox-armada/internal/infra/storage/events/postgres"
	checkpointStore "github.com/ahrav/outbox-armada/internal/infra/storage/projections/postgres"
	"github.com/ahrav/outbox-armada/pkg/common/logger"
)

const accountCreditedType = events.EventType("test.account_credited")

type accountCredited struct {
	AccountID string    `json:"account_id"`
	Amount    int64     `json:"amount"`
	At        time.Time `json:"at"`
}

func (e accountCredited) EventType() events.EventType { return accountCreditedType }
func (e accountCredited) OccurredAt() time.Time       { return e.At }

func init() {
	serialization.RegisterJSONEvent[accountCredited](accountCreditedType)
}

// balanceProjection sums credits per account into a test table. Its failAt
// hook lets tests abort mid-batch at a chosen position.
type balanceProjection struct {
	name        string
	failAt      int64
	applied     []int64
	resetCalled bool
}

func (p *balanceProjection) Name() string          { return p.name }
func (p *balanceProjection) StreamTypes() []string { return []string{"Account"} }

func (p *balanceProjection) Reset(ctx context.Context, tx db.DBTX) error {
	p.resetCalled = true
	_, err := tx.Exec(ctx, `DELETE FROM account_balances`)
	return err
}

func (p *balanceProjection) Apply(ctx context.Context, tx db.DBTX, stored events.StoredEvent, event events.DomainEvent) error {
	if p.failAt != 0 && stored.Position >= p.failAt {
		return errors.New("handler failure injected")
	}

	credited, ok := event.(accountCredited)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	p.applied = append(p.applied, stored.Position)
	_, err := tx.Exec(ctx, `
		INSERT INTO account_balances (tenant_id, account_id, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, account_id)
		DO UPDATE SET balance = account_balances.balance + EXCLUDED.balance`,
		stored.TenantID, credited.AccountID, credited.Amount,
	)
	return err
}

func setupRunnerTest(t *testing.T) (*pgxpool.Pool, *Runner, events.EventStore, events.CheckpointStore, func()) {
	t.Helper()

	pool, cleanup := storage.SetupTestContainer(t)

	ctx := context.Background()
	_, err := pool.Exec(ctx, `
		CREATE TABLE account_balances (
			tenant_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			balance BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, account_id)
		)`)
	require.NoError(t, err)

	store := eventStore.NewEventStore(pool, storage.NoOpTracer())
	checkpoints := checkpointStore.NewCheckpointStore(pool, storage.NoOpTracer())
	runner := NewRunner(pool, store, checkpoints, logger.Noop(), storage.NoOpTracer())

	return pool, runner, store, checkpoints, cleanup
}

func appendCredit(t *testing.T, pool *pgxpool.Pool, store events.EventStore, tenantID, accountID string, amount int64) {
	t.Helper()
	ctx := context.Background()

	envelope, err := serialization.Serialize(accountCredited{
		AccountID: accountID,
		Amount:    amount,
		At:        time.Now().UTC(),
	})
	require.NoError(t, err)

	streamID := events.StreamID("Account", accountID)
	require.NoError(t, pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return store.AppendEvents(ctx, tx, tenantID, streamID, "Account", []events.EventEnvelope{envelope})
	}))
}

func balance(t *testing.T, pool *pgxpool.Pool, tenantID, accountID string) int64 {
	t.Helper()
	var got int64
	err := pool.QueryRow(context.Background(),
		`SELECT balance FROM account_balances WHERE tenant_id = $1 AND account_id = $2`,
		tenantID, accountID,
	).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0
	}
	require.NoError(t, err)
	return got
}

func TestRunnerReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pool, runner, store, checkpoints, cleanup := setupRunnerTest(t)
	defer cleanup()

	ctx := context.Background()

	appendOffFilter := func(t *testing.T, id string) {
		t.Helper()
		envelope, err := serialization.Serialize(accountCredited{AccountID: id, Amount: 1, At: time.Now().UTC()})
		require.NoError(t, err)
		require.NoError(t, pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			return store.AppendEvents(ctx, tx, "t1", events.StreamID("User", id), "User", []events.EventEnvelope{envelope})
		}))
	}

	t.Run("full replay applies only filtered events and saves the checkpoint", func(t *testing.T) {
		appendCredit(t, pool, store, "t1", "a1", 100)
		appendOffFilter(t, "u1")
		appendCredit(t, pool, store, "t1", "a1", 50)
		appendCredit(t, pool, store, "t1", "a2", 25)
		appendOffFilter(t, "u2")

		proj := &balanceProjection{name: "balances_full"}
		summary, err := runner.Run(ctx, proj, Options{TenantID: "t1"})
		require.NoError(t, err)
		assert.Equal(t, 3, summary.ProcessedCount, "off-filter stream types are not replayed")
		assert.False(t, summary.LastEventTime.IsZero())

		// The checkpoint lands on the last Account event, not the last event
		// in the log overall.
		accountEvents, err := store.ReadByStreamType(ctx, "t1", "Account", 0, 1000, nil)
		require.NoError(t, err)
		assert.Equal(t, accountEvents[len(accountEvents)-1].Position, summary.LastPosition)

		assert.Equal(t, int64(150), balance(t, pool, "t1", "a1"))
		assert.Equal(t, int64(25), balance(t, pool, "t1", "a2"))

		saved, err := checkpoints.Load(ctx, "balances_full", "t1")
		require.NoError(t, err)
		assert.Equal(t, summary.LastPosition, saved)
	})

	t.Run("second run resumes from the checkpoint", func(t *testing.T) {
		proj := &balanceProjection{name: "balances_resume"}
		_, err := runner.Run(ctx, proj, Options{TenantID: "t1"})
		require.NoError(t, err)
		firstApplied := len(proj.applied)

		appendCredit(t, pool, store, "t1", "a1", 7)

		summary, err := runner.Run(ctx, proj, Options{TenantID: "t1"})
		require.NoError(t, err)
		assert.Equal(t, 1, summary.ProcessedCount, "only the new event is replayed")
		assert.Len(t, proj.applied, firstApplied+1)
	})

	t.Run("caught-up run with no new events is a successful no-op", func(t *testing.T) {
		proj := &balanceProjection{name: "balances_noop"}
		_, err := runner.Run(ctx, proj, Options{TenantID: "t1"})
		require.NoError(t, err)

		summary, err := runner.Run(ctx, proj, Options{TenantID: "t1"})
		require.NoError(t, err)
		assert.Zero(t, summary.ProcessedCount)
	})

	t.Run("handler failure aborts the batch without advancing the checkpoint", func(t *testing.T) {
		proj := &balanceProjection{name: "balances_fail"}
		all, err := store.ReadByStreamType(ctx, "t1", "Account", 0, 1000, nil)
		require.NoError(t, err)
		require.NotEmpty(t, all)

		// Fail at the first event so nothing may be applied or checkpointed.
		proj.failAt = all[0].Position
		_, err = runner.Run(ctx, proj, Options{TenantID: "t1"})
		require.Error(t, err)

		saved, loadErr := checkpoints.Load(ctx, proj.name, "t1")
		require.NoError(t, loadErr)
		assert.Zero(t, saved, "checkpoint must not advance past a failed event")

		// Clearing the fault lets the same run repair itself from scratch.
		proj.failAt = 0
		summary, err := runner.Run(ctx, proj, Options{TenantID: "t1"})
		require.NoError(t, err)
		assert.Equal(t, len(all), summary.ProcessedCount)
	})

	t.Run("mid-batch failure rolls the whole batch back", func(t *testing.T) {
		proj := &balanceProjection{name: "balances_midfail"}
		all, err := store.ReadByStreamType(ctx, "t1", "Account", 0, 1000, nil)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(all), 2)

		before1 := balance(t, pool, "t1", "a1")

		// Fail at the second event: the first event's write happened in the
		// same transaction and must be rolled back with it.
		proj.failAt = all[1].Position
		summary, err := runner.Run(ctx, proj, Options{TenantID: "t1", BatchSize: len(all)})
		require.Error(t, err)

		assert.Equal(t, before1, balance(t, pool, "t1", "a1"), "partial batch writes must not persist")
		assert.Zero(t, summary.ProcessedCount, "rolled back events are not counted")
		assert.Zero(t, summary.LastPosition)

		saved, loadErr := checkpoints.Load(ctx, proj.name, "t1")
		require.NoError(t, loadErr)
		assert.Zero(t, saved)
	})

	t.Run("reset truncates the projection and rebuilds from zero", func(t *testing.T) {
		// Two distinct projections share the balances table, so after both run
		// every credit has been applied twice and the table is polluted.
		seed := &balanceProjection{name: "balances_reset_seed"}
		_, err := runner.Run(ctx, seed, Options{TenantID: "t1"})
		require.NoError(t, err)

		proj := &balanceProjection{name: "balances_reset"}
		_, err = runner.Run(ctx, proj, Options{TenantID: "t1"})
		require.NoError(t, err)

		// The expected post-reset state comes from the log itself: the sum of
		// a single application of each credit.
		all, err := store.ReadByStreamType(ctx, "t1", "Account", 0, 1000, nil)
		require.NoError(t, err)
		var want int64
		for _, stored := range all {
			event, decodeErr := serialization.DeserializeStored(stored)
			require.NoError(t, decodeErr)
			if credited := event.(accountCredited); credited.AccountID == "a1" {
				want += credited.Amount
			}
		}
		require.Positive(t, want)
		require.NotEqual(t, want, balance(t, pool, "t1", "a1"), "double application left the table polluted")

		summary, err := runner.Run(ctx, proj, Options{TenantID: "t1", Reset: true})
		require.NoError(t, err)
		assert.True(t, proj.resetCalled)
		assert.Equal(t, len(all), summary.ProcessedCount, "reset forces a full rebuild")
		assert.Equal(t, want, balance(t, pool, "t1", "a1"), "rebuild applies each credit exactly once")
	})

	t.Run("small batch sizes page through the log", func(t *testing.T) {
		proj := &balanceProjection{name: "balances_paged"}
		summary, err := runner.Run(ctx, proj, Options{TenantID: "t1", BatchSize: 1})
		require.NoError(t, err)
		assert.Equal(t, len(proj.applied), summary.ProcessedCount)

		for i := 1; i < len(proj.applied); i++ {
			assert.Greater(t, proj.applied[i], proj.applied[i-1], "events replay in position order")
		}
	})

	t.Run("stream catalog projection replays from metadata only", func(t *testing.T) {
		catalog := NewStreamCatalog()
		summary, err := runner.Run(ctx, catalog, Options{TenantID: "t1"})
		require.NoError(t, err)
		assert.Positive(t, summary.ProcessedCount)

		var lastVersion int64
		streamID := events.StreamID("Account", "a1")
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT last_version FROM stream_catalog WHERE tenant_id = 't1' AND stream_id = $1`,
			streamID,
		).Scan(&lastVersion))
		assert.Positive(t, lastVersion)
	})
}
