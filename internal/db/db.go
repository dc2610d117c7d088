// Package db provides the shared database plumbing used by the
// postgres-backed stores: the transaction-or-pool interface every query
// method accepts, so callers decide the atomicity boundary.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn, and pgx.Tx. Store methods
// that must participate in a caller's transaction take a DBTX so the caller's
// own state mutation and the event append commit or roll back together.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
