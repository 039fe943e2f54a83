package billing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billingkit/pkg/dunning"
	"github.com/dmitrymomot/billingkit/pkg/entitlement"
	"github.com/dmitrymomot/billingkit/pkg/events"
	"github.com/dmitrymomot/billingkit/pkg/limits"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/metrics"
	"github.com/dmitrymomot/billingkit/pkg/pgstore"
	"github.com/dmitrymomot/billingkit/pkg/provider"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

// Stores bundles the persistence of every component.
type Stores struct {
	Subscriptions subscription.Store
	Webhooks      webhook.Store
	Limits        limits.Store
	Entitlements  entitlement.Store
}

// MemoryStores returns in-process stores for tests and single instance use.
func MemoryStores() Stores {
	return Stores{
		Subscriptions: subscription.NewMemoryStore(),
		Webhooks:      webhook.NewMemoryStore(),
		Limits:        limits.NewMemoryStore(),
		Entitlements:  entitlement.NewMemoryStore(),
	}
}

// PostgresStores returns stores sharing db's transactions.
func PostgresStores(db *pgstore.DB) Stores {
	return Stores{
		Subscriptions: db.Subscriptions(),
		Webhooks:      db.Webhooks(),
		Limits:        db.Limits(),
		Entitlements:  db.Entitlements(),
	}
}

// Option configures New.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	clock   func() time.Time
	metrics *metrics.Collectors
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock of every component.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMetrics records webhook and sweep metrics.
func WithMetrics(m *metrics.Collectors) Option {
	return func(o *options) { o.metrics = m }
}

// Billing is one billing instance: it owns the event bus and wires the
// subscription service, limits, entitlements, webhook ingestion and the
// dunning sweep together. Instances are independent of each other.
type Billing struct {
	Bus           *events.Bus
	Subscriptions *subscription.Service
	Limits        *limits.Tracker
	Entitlements  *entitlement.Resolver
	Webhooks      *webhook.Pipeline
	Sweeper       *dunning.Sweeper
	Runner        *dunning.Runner
	Worker        *webhook.Worker

	catalog   subscription.Catalog
	logger    *slog.Logger
	disposers []func()

	closeOnce sync.Once
}

// New builds an instance. cfg must be valid; stores missing from the
// bundle fall back to memory stores.
func New(cfg Config, stores Stores, catalog subscription.Catalog, providers *provider.Registry, opts ...Option) (*Billing, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{
		logger: slog.Default(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	stores = withDefaults(stores)

	b := &Billing{
		Bus:     events.NewBus(events.WithLogger(o.logger)),
		catalog: catalog,
		logger:  o.logger.With(logger.Component("billing")),
	}

	b.Subscriptions = subscription.NewService(stores.Subscriptions, catalog, providers,
		subscription.WithPublisher(b.Bus),
		subscription.WithDunningPolicy(cfg.DunningPolicy()),
		subscription.WithClock(o.clock),
		subscription.WithLogger(o.logger),
	)
	b.Limits = limits.NewTracker(stores.Limits,
		limits.WithClock(o.clock),
		limits.WithLogger(o.logger),
	)
	b.Entitlements = entitlement.NewResolver(stores.Entitlements,
		entitlement.WithPlanGrants(b.planGrants),
		entitlement.WithConflictPolicy(entitlement.ConflictPolicy(cfg.EntitlementPolicy)),
		entitlement.WithClock(o.clock),
		entitlement.WithLogger(o.logger),
	)
	b.Webhooks = webhook.NewPipeline(stores.Webhooks, providers, b.applyProviderEvent,
		webhook.WithLogger(o.logger),
		webhook.WithClock(o.clock),
		webhook.WithMaxAttempts(cfg.WebhookMaxAttempts),
		webhook.WithBackoff(cfg.webhookBackoff()),
		webhook.WithLockTimeout(cfg.WebhookLockTimeout),
		webhook.WithInlineProcessing(cfg.WebhookInline),
		webhook.WithConcurrency(cfg.WebhookProcConcurrency),
		webhook.WithMetrics(o.metrics),
	)
	b.Worker = webhook.NewWorker(b.Webhooks,
		webhook.WithPollInterval(cfg.WebhookPollInterval),
		webhook.WithBatchSize(cfg.WebhookPollBatchSize),
	)
	b.Sweeper = dunning.NewSweeper(b.Subscriptions,
		dunning.WithLogger(o.logger),
		dunning.WithBatchSize(cfg.SweepBatchSize),
		dunning.WithConcurrency(cfg.SweepConcurrency),
		dunning.WithMetrics(o.metrics),
	)
	runner, err := dunning.NewRunner(b.Sweeper, cfg.DunningSchedule,
		dunning.WithRunnerLogger(o.logger),
		dunning.WithSweepTimeout(cfg.SweepTimeout),
		dunning.WithRunOnStart(cfg.SweepOnStart),
		dunning.WithRunnerClock(o.clock),
	)
	if err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	b.Runner = runner

	if err := b.subscribeProvisioning(); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func withDefaults(s Stores) Stores {
	mem := MemoryStores()
	if s.Subscriptions == nil {
		s.Subscriptions = mem.Subscriptions
	}
	if s.Webhooks == nil {
		s.Webhooks = mem.Webhooks
	}
	if s.Limits == nil {
		s.Limits = mem.Limits
	}
	if s.Entitlements == nil {
		s.Entitlements = mem.Entitlements
	}
	return s
}

// Subscribe registers h on the instance bus. Call the returned function to
// unsubscribe.
func (b *Billing) Subscribe(t events.Type, h events.Handler, opts ...events.SubscribeOption) (func(), error) {
	return b.Bus.Subscribe(t, h, opts...)
}

// Run drives the background work, the dunning runner and the webhook
// retry worker, until ctx is done.
func (b *Billing) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Runner.Start(ctx) })
	g.Go(b.Worker.Run(ctx))
	return g.Wait()
}

// Close unsubscribes internal handlers and waits for async deliveries.
func (b *Billing) Close() error {
	var err error
	b.closeOnce.Do(func() {
		for _, dispose := range b.disposers {
			dispose()
		}
		err = b.Bus.Close()
	})
	return err
}

func (b *Billing) applyProviderEvent(ctx context.Context, providerName string, ev provider.Event) error {
	_, err := b.Subscriptions.ApplyProviderEvent(ctx, providerName, ev)
	return err
}
