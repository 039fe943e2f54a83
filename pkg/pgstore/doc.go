// Package pgstore stores subscriptions, invoices, webhook events, limits and
// entitlement grants in PostgreSQL through pgx.
//
// All stores share one DB so that subscription writes, invoice writes and
// notification claims made inside DB.InTx commit or roll back together.
// Versioned updates are conditional UPDATE statements; limit increments are
// a single conditional UPDATE so concurrent writers never lose counts.
//
// Usage:
//
//	pool, err := pgstore.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	if cfg.AutoMigrate {
//		if err := pgstore.Migrate(ctx, pool, cfg, log); err != nil {
//			return err
//		}
//	}
//
//	db := pgstore.New(pool)
//	subs := subscription.NewService(db.Subscriptions(), catalog, providers, subscription.WithPublisher(bus))
//	tracker := limits.NewTracker(db.Limits())
//
// The schema lives in migrations/ and is embedded into the binary; Migrate
// applies it with goose.
package pgstore
