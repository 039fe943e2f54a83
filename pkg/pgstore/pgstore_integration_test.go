//go:build integration

package pgstore_test

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/entitlement"
	"github.com/dmitrymomot/billingkit/pkg/limits"
	"github.com/dmitrymomot/billingkit/pkg/limits/limitstest"
	"github.com/dmitrymomot/billingkit/pkg/pgstore"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

// startPostgres runs a throwaway database and applies migrations.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("billing_test"),
		postgres.WithUsername("billing"),
		postgres.WithPassword("billing"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") ||
			strings.Contains(err.Error(), "docker not found") {
			t.Skip("docker is not available")
		}
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := pgstore.Config{
		ConnectionString: dsn,
		MaxOpenConns:     20,
		MaxIdleConns:     2,
		RetryAttempts:    3,
		RetryInterval:    time.Second,
		MigrationsTable:  "billing_schema_migrations",
	}
	pool, err := pgstore.Connect(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, pgstore.Migrate(ctx, pool, cfg, nil))
	require.NoError(t, pgstore.Healthcheck(pool)(ctx))
	return pool
}

func TestPostgresStores(t *testing.T) {
	pool := startPostgres(t)
	db := pgstore.New(pool)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	var seq atomic.Int64
	nextID := func(prefix string) string { return fmt.Sprintf("%s_%d", prefix, seq.Add(1)) }

	newSub := func(customerID string) *subscription.Subscription {
		return &subscription.Subscription{
			ID:                 nextID("sub"),
			CustomerID:         customerID,
			PlanID:             "basic",
			Quantity:           1,
			Status:             subscription.StatusActive,
			BillingAnchor:      now,
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   now.AddDate(0, 1, 0),
			Collection:         subscription.CollectionAutomatic,
			Metadata:           map[string]string{"source": "test"},
			Version:            1,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
	}

	t.Run("limits store", func(t *testing.T) {
		limitstest.Run(t, func(t *testing.T) limits.Store {
			_, err := pool.Exec(ctx, `TRUNCATE billing_limits, billing_usage_events`)
			require.NoError(t, err)
			return db.Limits()
		})
	})

	t.Run("subscription versioned update", func(t *testing.T) {
		subs := db.Subscriptions()
		sub := newSub("cus_v")
		require.NoError(t, subs.Create(ctx, sub))
		assert.ErrorIs(t, subs.Create(ctx, sub), billingerr.ErrDuplicate)

		got, err := subs.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, sub.CurrentPeriodEnd, got.CurrentPeriodEnd)
		assert.Equal(t, "test", got.Metadata["source"])

		got.Status = subscription.StatusPastDue
		require.NoError(t, subs.Update(ctx, got, 1))
		assert.Equal(t, int64(2), got.Version)

		stale := sub.Clone()
		assert.ErrorIs(t, subs.Update(ctx, stale, 1), billingerr.ErrOptimisticLock)

		missing := newSub("cus_v")
		assert.ErrorIs(t, subs.Update(ctx, missing, 1), subscription.ErrSubscriptionNotFound)
	})

	t.Run("provider ids are unique", func(t *testing.T) {
		subs := db.Subscriptions()
		a := newSub("cus_p")
		a.ProviderSubscriptionIDs = map[string]string{"stripe": "sub_ext_1"}
		require.NoError(t, subs.Create(ctx, a))

		got, err := subs.GetByProviderID(ctx, "stripe", "sub_ext_1")
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)

		b := newSub("cus_p")
		b.ProviderSubscriptionIDs = map[string]string{"stripe": "sub_ext_1"}
		assert.ErrorIs(t, subs.Create(ctx, b), billingerr.ErrDuplicate)

		_, err = subs.Get(ctx, b.ID)
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound, "failed create is rolled back")
	})

	t.Run("find applies the filter", func(t *testing.T) {
		subs := db.Subscriptions()
		due := newSub("cus_f")
		due.CurrentPeriodEnd = now
		require.NoError(t, subs.Create(ctx, due))

		claimed := newSub("cus_f")
		claimed.CurrentPeriodEnd = now
		claimed.ClaimedUntil = ptr(now.Add(time.Minute))
		require.NoError(t, subs.Create(ctx, claimed))

		later := newSub("cus_f")
		require.NoError(t, subs.Create(ctx, later))

		found, err := subs.Find(ctx, subscription.Filter{
			CustomerID:      "cus_f",
			Statuses:        []subscription.Status{subscription.StatusActive},
			PeriodEndBefore: &now,
			UnclaimedAt:     &now,
			Limit:           10,
		})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, due.ID, found[0].ID)

		all, err := subs.ListByCustomer(ctx, "cus_f")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("transactions roll back", func(t *testing.T) {
		subs := db.Subscriptions()
		sub := newSub("cus_tx")
		err := subs.InTx(ctx, func(ctx context.Context) error {
			require.NoError(t, subs.Create(ctx, sub))
			return billingerr.Validation("test.abort", "abort")
		})
		require.Error(t, err)

		_, err = subs.Get(ctx, sub.ID)
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	})

	t.Run("invoices and items", func(t *testing.T) {
		subs := db.Subscriptions()
		sub := newSub("cus_i")
		require.NoError(t, subs.Create(ctx, sub))

		require.NoError(t, subs.AddInvoiceItem(ctx, subscription.InvoiceItem{
			ID: nextID("ii"), SubscriptionID: sub.ID, CreatedAt: now,
			Line: subscription.InvoiceLine{Description: "proration", Amount: -250, Proration: true},
		}))
		pending, err := subs.PendingInvoiceItems(ctx, sub.ID)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, int64(-250), pending[0].Line.Amount)

		inv := &subscription.Invoice{
			ID: nextID("in"), SubscriptionID: sub.ID, CustomerID: sub.CustomerID,
			Status: subscription.InvoiceOpen, Reason: subscription.ReasonSubscriptionCreate, Currency: "usd",
			Lines:       []subscription.InvoiceLine{{Description: "basic", Amount: 1000, Quantity: 1}},
			Total:       1000,
			PeriodStart: now, PeriodEnd: now.AddDate(0, 1, 0),
			Version: 1, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, subs.CreateInvoice(ctx, inv))
		require.NoError(t, subs.AttachInvoiceItems(ctx, sub.ID, inv.ID))
		pending, err = subs.PendingInvoiceItems(ctx, sub.ID)
		require.NoError(t, err)
		assert.Empty(t, pending)

		inv.Status = subscription.InvoicePaid
		require.NoError(t, subs.UpdateInvoice(ctx, inv, 1))
		open, err := subs.ListInvoices(ctx, sub.ID, subscription.InvoiceOpen)
		require.NoError(t, err)
		assert.Empty(t, open)

		got, err := subs.GetInvoice(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, inv.Lines, got.Lines)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("notifications are claimed once", func(t *testing.T) {
		subs := db.Subscriptions()
		won, err := subs.ClaimNotification(ctx, "sub_n", "trial_will_end", "2026-04-15", now)
		require.NoError(t, err)
		assert.True(t, won)
		won, err = subs.ClaimNotification(ctx, "sub_n", "trial_will_end", "2026-04-15", now)
		require.NoError(t, err)
		assert.False(t, won)
	})

	t.Run("webhook events", func(t *testing.T) {
		events := db.Webhooks()
		ev := &webhook.Event{
			ID: nextID("whe"), Provider: "local", ProviderEventID: "evt_1", Type: "invoice.paid",
			Payload: []byte(`{"id":"evt_1"}`), PayloadHash: webhook.HashPayload([]byte(`{"id":"evt_1"}`)),
			Status: webhook.StatusPending, ReceivedAt: now, UpdatedAt: now, Version: 1,
		}
		require.NoError(t, events.Create(ctx, ev))
		dup := *ev
		dup.ID = nextID("whe")
		assert.ErrorIs(t, events.Create(ctx, &dup), billingerr.ErrDuplicate)

		due, err := events.FindDue(ctx, now, 0)
		require.NoError(t, err)
		require.Len(t, due, 1)

		locked := due[0]
		locked.LockedUntil = ptr(now.Add(time.Minute))
		require.NoError(t, events.Update(ctx, locked, 1))
		assert.ErrorIs(t, events.Update(ctx, due[0].Clone(), 1), billingerr.ErrOptimisticLock)

		due, err = events.FindDue(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		got, err := events.GetByProviderEventID(ctx, "local", "evt_1")
		require.NoError(t, err)
		assert.Equal(t, ev.Payload, got.Payload)

		pending, err := events.FindByStatus(ctx, webhook.StatusPending, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})

	t.Run("entitlement grants", func(t *testing.T) {
		grants := db.Entitlements()
		g, err := grants.Insert(ctx, entitlement.Grant{
			ID: nextID("grt"), CustomerID: "cus_e", Key: "seats", Source: entitlement.SourceAddon,
			GrantedAt: now, Limit: &entitlement.Numeric{Mode: entitlement.ModeIncrement, Value: 5},
		})
		require.NoError(t, err)

		got, err := grants.Get(ctx, g.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Limit)
		assert.Equal(t, int64(5), got.Limit.Value)

		require.NoError(t, grants.Revoke(ctx, g.ID, now))
		list, err := grants.List(ctx, "cus_e")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.NotNil(t, list[0].RevokedAt)

		assert.ErrorIs(t, grants.Revoke(ctx, "grt_missing", now), entitlement.ErrGrantNotFound)
	})
}

func ptr[T any](v T) *T { return &v }
