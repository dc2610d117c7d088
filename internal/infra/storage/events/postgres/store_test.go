package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/outbox-armada/internal/domain/events"
	"github.com/ahrav/outbox-armada/internal/infra/storage"
)

func testEnvelope(eventID string, payload string) events.EventEnvelope {
	return events.EventEnvelope{
		EventID: eventID,
		Type:    events.EventType("test.thing_happened"),
		Payload: []byte(payload),
	}
}

func TestEventStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := NewEventStore(pool, storage.NoOpTracer())

	appendEvents := func(t *testing.T, tenantID, streamID, streamType string, envelopes ...events.EventEnvelope) error {
		t.Helper()
		return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			return store.AppendEvents(ctx, tx, tenantID, streamID, streamType, envelopes)
		})
	}

	t.Run("append assigns consecutive versions and global positions", func(t *testing.T) {
		streamID := "Account:ver-1"
		require.NoError(t, appendEvents(t, "t1", streamID, "Account",
			testEnvelope("evt-a", `{"n":1}`),
			testEnvelope("evt-b", `{"n":2}`),
		))
		require.NoError(t, appendEvents(t, "t1", streamID, "Account",
			testEnvelope("evt-c", `{"n":3}`),
		))

		got, err := store.ReadStream(ctx, "t1", streamID, 0, 10)
		require.NoError(t, err)
		require.Len(t, got, 3)

		for i, evt := range got {
			assert.Equal(t, int64(i+1), evt.Version, "versions are 1-based and consecutive")
			assert.Equal(t, streamID, evt.StreamID)
			assert.Equal(t, "Account", evt.StreamType)
			assert.False(t, evt.Dispatched(), "fresh events start undispatched")
			assert.False(t, evt.CreatedAt.IsZero())
			if i > 0 {
				assert.Greater(t, evt.Position, got[i-1].Position, "positions follow append order")
			}
		}
	})

	t.Run("empty append is a no-op", func(t *testing.T) {
		streamID := "Account:empty-1"
		require.NoError(t, appendEvents(t, "t1", streamID, "Account"))
		require.NoError(t, appendEvents(t, "t1", streamID, "Account",
			testEnvelope("evt-first", `{}`),
		))

		got, err := store.ReadStream(ctx, "t1", streamID, 0, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(1), got[0].Version, "empty append must not consume a version")
	})

	t.Run("lost version race surfaces a concurrency conflict", func(t *testing.T) {
		streamID := "Account:race-1"
		require.NoError(t, appendEvents(t, "t1", streamID, "Account", testEnvelope("evt-base", `{}`)))

		// Both writers read MAX(version)=1 and try to insert version 2; the
		// second insert blocks on the uniqueness index until the winner commits,
		// then fails with 23505.
		tx1, err := pool.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, store.AppendEvents(ctx, tx1, "t1", streamID, "Account",
			[]events.EventEnvelope{testEnvelope("evt-winner", `{}`)}))

		errCh := make(chan error, 1)
		go func() {
			errCh <- pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
				return store.AppendEvents(ctx, tx, "t1", streamID, "Account",
					[]events.EventEnvelope{testEnvelope("evt-loser", `{}`)})
			})
		}()

		time.Sleep(200 * time.Millisecond)
		require.NoError(t, tx1.Commit(ctx))

		raceErr := <-errCh
		require.Error(t, raceErr)

		var conflict *events.ConcurrencyConflictError
		require.ErrorAs(t, raceErr, &conflict)
		assert.Equal(t, streamID, conflict.StreamID)
		assert.Equal(t, int64(2), conflict.Version)
		assert.True(t, events.IsConcurrencyConflict(raceErr))

		got, err := store.ReadStream(ctx, "t1", streamID, 0, 10)
		require.NoError(t, err)
		require.Len(t, got, 2, "the losing append must leave no partial write")
		assert.Equal(t, "evt-winner", got[1].EventID)
	})

	t.Run("replayed append with the same event id is rejected", func(t *testing.T) {
		streamID := "Account:dup-1"

		// Both writers carry the same event id, as a retried command would.
		// The loser collides on the idempotency key as well as the version
		// index and must leave exactly one copy behind.
		tx1, err := pool.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, store.AppendEvents(ctx, tx1, "t1", streamID, "Account",
			[]events.EventEnvelope{testEnvelope("evt-dup", `{"n":1}`)}))

		errCh := make(chan error, 1)
		go func() {
			errCh <- pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
				return store.AppendEvents(ctx, tx, "t1", streamID, "Account",
					[]events.EventEnvelope{testEnvelope("evt-dup", `{"n":1}`)})
			})
		}()

		time.Sleep(200 * time.Millisecond)
		require.NoError(t, tx1.Commit(ctx))

		dupErr := <-errCh
		require.Error(t, dupErr)
		assert.True(t, events.IsConcurrencyConflict(dupErr))

		got, err := store.ReadStream(ctx, "t1", streamID, 0, 10)
		require.NoError(t, err)
		require.Len(t, got, 1, "the duplicate append must not produce a second copy")
		assert.Equal(t, "evt-dup", got[0].EventID)
		assert.Equal(t, events.IdempotencyKey(streamID, 1, "evt-dup"), got[0].IdempotencyKey())
	})

	t.Run("concurrent appends to different streams do not conflict", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			streamID := fmt.Sprintf("Account:iso-%d", i)
			require.NoError(t, appendEvents(t, "t1", streamID, "Account",
				testEnvelope(fmt.Sprintf("evt-iso-%d", i), `{}`),
			))
		}
	})

	t.Run("read by stream types merges in position order", func(t *testing.T) {
		require.NoError(t, appendEvents(t, "t2", "Order:o1", "Order", testEnvelope("evt-o1", `{}`)))
		require.NoError(t, appendEvents(t, "t2", "Invoice:i1", "Invoice", testEnvelope("evt-i1", `{}`)))
		require.NoError(t, appendEvents(t, "t2", "Order:o1", "Order", testEnvelope("evt-o2", `{}`)))
		require.NoError(t, appendEvents(t, "t2", "Shipment:s1", "Shipment", testEnvelope("evt-s1", `{}`)))

		got, err := store.ReadByStreamTypes(ctx, "t2", []string{"Order", "Invoice"}, 0, 10, nil)
		require.NoError(t, err)
		require.Len(t, got, 3, "shipment events are excluded")
		for i := 1; i < len(got); i++ {
			assert.Greater(t, got[i].Position, got[i-1].Position)
		}

		single, err := store.ReadByStreamType(ctx, "t2", "Order", 0, 10, nil)
		require.NoError(t, err)
		require.Len(t, single, 2)
	})

	t.Run("as-of bound excludes later events", func(t *testing.T) {
		require.NoError(t, appendEvents(t, "t3", "Order:asof", "Order", testEnvelope("evt-asof-1", `{}`)))

		var cutoff time.Time
		require.NoError(t, pool.QueryRow(ctx, `SELECT now()`).Scan(&cutoff))
		time.Sleep(10 * time.Millisecond)

		require.NoError(t, appendEvents(t, "t3", "Order:asof", "Order", testEnvelope("evt-asof-2", `{}`)))

		got, err := store.ReadByStreamType(ctx, "t3", "Order", 0, 10, &cutoff)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "evt-asof-1", got[0].EventID)

		all, err := store.ReadAll(ctx, "t3", 0, 10, nil)
		require.NoError(t, err)
		require.Len(t, all, 2)
	})

	t.Run("pagination resumes from position", func(t *testing.T) {
		streamID := "Account:page-1"
		for i := 0; i < 5; i++ {
			require.NoError(t, appendEvents(t, "t4", streamID, "Account",
				testEnvelope(fmt.Sprintf("evt-page-%d", i), `{}`),
			))
		}

		first, err := store.ReadStream(ctx, "t4", streamID, 0, 2)
		require.NoError(t, err)
		require.Len(t, first, 2)

		second, err := store.ReadStream(ctx, "t4", streamID, first[1].Position, 10)
		require.NoError(t, err)
		require.Len(t, second, 3)
		assert.Greater(t, second[0].Position, first[1].Position)
	})

	t.Run("mark dispatched removes events from the outbox queue", func(t *testing.T) {
		require.NoError(t, appendEvents(t, "t5", "Account:outbox", "Account",
			testEnvelope("evt-out-1", `{}`),
			testEnvelope("evt-out-2", `{}`),
			testEnvelope("evt-out-3", `{}`),
		))

		pending, err := store.ReadUndispatched(ctx, 1000)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(pending), 3)
		for i := 1; i < len(pending); i++ {
			assert.Greater(t, pending[i].Position, pending[i-1].Position, "outbox drains in position order")
		}

		var mine []int64
		for _, evt := range pending {
			if evt.StreamID == "Account:outbox" {
				mine = append(mine, evt.Position)
			}
		}
		require.Len(t, mine, 3)

		require.NoError(t, store.MarkDispatchedBatch(ctx, mine[:2]))
		require.NoError(t, store.MarkDispatched(ctx, mine[2]))
		// Marking again is a harmless no-op.
		require.NoError(t, store.MarkDispatched(ctx, mine[2]))
		require.NoError(t, store.MarkDispatchedBatch(ctx, nil))

		remaining, err := store.ReadUndispatched(ctx, 1000)
		require.NoError(t, err)
		assert.Len(t, remaining, len(pending)-3)

		got, err := store.ReadStream(ctx, "t5", "Account:outbox", 0, 10)
		require.NoError(t, err)
		for _, evt := range got {
			assert.True(t, evt.Dispatched())
			require.NotNil(t, evt.DispatchedAt)
		}
	})

	t.Run("tenants are isolated", func(t *testing.T) {
		require.NoError(t, appendEvents(t, "tenant-a", "Account:shared", "Account", testEnvelope("evt-ta", `{}`)))
		require.NoError(t, appendEvents(t, "tenant-b", "Account:shared", "Account", testEnvelope("evt-tb", `{}`)))

		gotA, err := store.ReadStream(ctx, "tenant-a", "Account:shared", 0, 10)
		require.NoError(t, err)
		require.Len(t, gotA, 1)
		assert.Equal(t, "evt-ta", gotA[0].EventID)
		assert.Equal(t, int64(1), gotA[0].Version, "per-tenant streams version independently")
	})

	t.Run("tenant-all widens reads across tenants", func(t *testing.T) {
		require.NoError(t, appendEvents(t, "wide-a", "Widget:w1", "Widget", testEnvelope("evt-wa", `{}`)))
		require.NoError(t, appendEvents(t, "wide-b", "Widget:w2", "Widget", testEnvelope("evt-wb", `{}`)))

		got, err := store.ReadByStreamType(ctx, events.TenantAll, "Widget", 0, 10, nil)
		require.NoError(t, err)
		require.Len(t, got, 2)

		scoped, err := store.ReadByStreamType(ctx, "wide-a", "Widget", 0, 10, nil)
		require.NoError(t, err)
		require.Len(t, scoped, 1)
	})

	t.Run("rolled back append leaves no trace", func(t *testing.T) {
		streamID := "Account:rollback"
		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, store.AppendEvents(ctx, tx, "t6", streamID, "Account", []events.EventEnvelope{
			testEnvelope("evt-gone", `{}`),
		}))
		require.NoError(t, tx.Rollback(ctx))

		got, err := store.ReadStream(ctx, "t6", streamID, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, got)

		pending, err := store.ReadUndispatched(ctx, 1000)
		require.NoError(t, err)
		for _, evt := range pending {
			assert.NotEqual(t, "evt-gone", evt.EventID, "rolled back events never reach the outbox")
		}
	})
}
