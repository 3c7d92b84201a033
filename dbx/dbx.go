// Package dbx provides the minimal, pool-shaped database access surface
// shared by store, polling, dispatch and cleanup: a bounded connection
// pool with a guaranteed-lifecycle transaction helper. It follows the
// teacher toolbox's habit (kv.PostgresStore, pubsub.Postgres) of taking a
// *pgxpool.Pool directly rather than wrapping the driver behind a bespoke
// interface, while narrowing the surface callers depend on to Querier so
// tests can substitute a fake.
package dbx

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultMaxConns is the default bound on the handler connection pool
// (spec.md §5: "a connection pool for handler operations (bounded,
// default 10)").
const DefaultMaxConns = 10

// Rows is the subset of pgx.Rows callers need to drain a multi-row
// result set. A real *pgxpool.Pool/pgx.Tx's Query already returns
// something satisfying this narrower interface structurally, so no
// adapter is needed; tests can substitute a small fake instead of
// implementing pgx.Rows's full method set (Values, RawValues,
// FieldDescriptions, CommandTag, Conn).
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close()
	Err() error
}

// Querier is the subset of *pgxpool.Pool / pgx.Tx used by outboxkit
// components. Narrowing to this interface lets tests substitute an
// in-memory fake instead of a real database.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx is the transaction handle outboxkit components depend on: Querier
// plus the two ways to end it, plus a route back to the real pgx.Tx for
// handlers that need COPY FROM, batching, or other pgx-specific
// capability. Narrowing to this (rather than depending on pgx.Tx's full
// method set everywhere) lets tests substitute a fake transaction.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// Unwrap returns the underlying pgx.Tx, as handed to caller-supplied
	// Handler funcs that need it.
	Unwrap() pgx.Tx
}

// Beginner can start a transaction. Use NewBeginner to adapt a
// *pgxpool.Pool.
type Beginner interface {
	Querier
	Begin(ctx context.Context) (Tx, error)
}

// NewPool opens a connection pool bounded to maxConns (DefaultMaxConns if
// zero) for handler-role database access.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// poolTx adapts a real pgx.Tx to the narrower Tx interface.
type poolTx struct{ pgx.Tx }

func (t poolTx) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return t.Tx.Query(ctx, sql, args...)
}

func (t poolTx) Unwrap() pgx.Tx { return t.Tx }

// poolBeginner adapts a *pgxpool.Pool (or pgx.Tx, for nested use) to
// Beginner.
type poolBeginner struct {
	inner interface {
		Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
		Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
		Begin(ctx context.Context) (pgx.Tx, error)
	}
}

// NewBeginner wraps a *pgxpool.Pool so it satisfies Beginner.
func NewBeginner(pool *pgxpool.Pool) Beginner {
	return poolBeginner{inner: pool}
}

func (b poolBeginner) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return b.inner.Exec(ctx, sql, args...)
}

func (b poolBeginner) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return b.inner.Query(ctx, sql, args...)
}

func (b poolBeginner) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return b.inner.QueryRow(ctx, sql, args...)
}

func (b poolBeginner) Begin(ctx context.Context) (Tx, error) {
	tx, err := b.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return poolTx{tx}, nil
}

// FaultInjector lets tests observe and interfere with a transaction
// immediately before it commits, simulating a process crash between
// starting and finishing a dispatch attempt. Grounded on the teacher
// corpus's chaos-injection dialect wrapper
// (_examples/DBAShand-cdc-sink-redshift/internal/source/logical/chaos.go).
// Production callers leave this nil, which is a complete no-op.
type FaultInjector func(ctx context.Context) error

// WithTx runs fn inside a fresh transaction on db, committing on success
// and rolling back on any error (including a panic, which is
// re-thrown after rollback). If inject is non-nil it runs immediately
// before commit and its error, if any, aborts the transaction instead.
func WithTx(ctx context.Context, db Beginner, inject FaultInjector, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if inject != nil {
			if injErr := inject(ctx); injErr != nil {
				_ = tx.Rollback(ctx)
				err = injErr
				return
			}
		}
		err = tx.Commit(ctx)
	}()

	err = fn(ctx, tx)
	return err
}

// WithTimeout derives a context bounded by d from parent, following the
// per-message processing timeout of spec.md §4.6/§5: cancelling the
// context cancels any in-flight pgx query through the driver's native
// context support, surfacing context.DeadlineExceeded as the handling
// failure rather than relying on the server to kill the connection.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
