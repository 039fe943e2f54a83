package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// DB holds the pool shared by every store. Stores created from the same DB
// join a transaction started by InTx through the context.
type DB struct {
	pool *pgxpool.Pool
}

// New wraps pool. It panics if pool is nil.
func New(pool *pgxpool.Pool) *DB {
	if pool == nil {
		panic("pgstore: pool is required")
	}
	return &DB{pool: pool}
}

// InTx runs fn in a transaction. Nested calls reuse the outer transaction.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func (db *DB) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return db.pool
}

// Subscriptions returns a subscription.Store backed by db.
func (db *DB) Subscriptions() *SubscriptionStore { return &SubscriptionStore{DB: db} }

// Webhooks returns a webhook.Store backed by db.
func (db *DB) Webhooks() *WebhookStore { return &WebhookStore{db: db} }

// Limits returns a limits.Store backed by db.
func (db *DB) Limits() *LimitStore { return &LimitStore{db: db} }

// Entitlements returns an entitlement.Store backed by db.
func (db *DB) Entitlements() *EntitlementStore { return &EntitlementStore{db: db} }
