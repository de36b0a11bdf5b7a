package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	// TxKey carries an open transaction so repositories participate in the
	// caller's transaction instead of opening their own.
	TxKey contextKey = "db_tx"

	// ConnKey carries a dedicated pooled connection.
	ConnKey contextKey = "db_conn"
)

// WithTx returns a context carrying the given transaction.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, TxKey, tx)
}

// TxFromContext retrieves the transaction from context, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(TxKey).(pgx.Tx)
	return tx
}

// WithConn returns a context carrying a dedicated pooled connection.
func WithConn(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, ConnKey, conn)
}

// ConnFromContext retrieves the pooled connection from context, or nil.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(ConnKey).(*pgxpool.Conn)
	return conn
}

// RunInTx begins a transaction, runs fn, and commits. Any error rolls the
// whole transaction back and is returned translated to the persistence
// taxonomy. If the context already carries a transaction, fn joins it and
// commit/rollback stays with the outer owner.
func RunInTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if outer := TxFromContext(ctx); outer != nil {
		return fn(ctx, outer)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return Translate(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(WithTx(ctx, tx), tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return Translate(err)
	}
	return nil
}
