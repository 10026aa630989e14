// Package postgres provides PostgreSQL database adapters.
//
// It implements the durable job store ports for data persistence.
// The package provides type-safe database operations with
// connection pooling and claim-time row locking.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// staleThreshold is how long a processing row may sit unfinished before
// the sweeper treats its worker as dead. Kept well above the render
// timeout so a slow-but-alive job is never stolen.
const staleThreshold = 5 * time.Minute
