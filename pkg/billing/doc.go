// Package billing assembles a complete billing instance.
//
// New wires one event bus, the subscription service, the limit tracker,
// the entitlement resolver, the webhook pipeline with its retry worker and
// the dunning sweeper with its cron runner. Nothing is global: several
// instances can live in one process, each with its own stores and bus.
//
// Plan limits follow the subscription through a bus handler: they are set
// when a subscription is created, changes plan or becomes live again, and
// revoked when it stops being live. Plan entitlements are not stored; the
// resolver derives them from the customer's live subscriptions on every
// lookup.
//
// Usage:
//
//	var cfg billing.Config
//	config.MustLoad(&cfg)
//
//	b, err := billing.New(cfg, billing.PostgresStores(pgstore.New(pool)), catalog, providers,
//		billing.WithLogger(log),
//		billing.WithMetrics(collectors),
//	)
//	if err != nil {
//		return err
//	}
//	defer b.Close()
//
//	b.Subscribe(events.InvoicePaymentFailed, notifyCustomer, events.Async())
//
//	r := chi.NewRouter()
//	r.Mount("/webhooks", b.Webhooks.Handle())
//	g.Go(func() error { return b.Run(ctx) })
package billing
