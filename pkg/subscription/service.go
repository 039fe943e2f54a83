package subscription

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/events"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/provider"
)

const (
	defaultClaimTTL    = 5 * time.Minute
	defaultLockRetries = 3
)

// ErrClaimed is returned when another worker holds the renewal claim.
var ErrClaimed = billingerr.Conflict("subscription.claimed", "subscription is being renewed by another worker")

// errUnchanged lets a mutate callback skip the write. The callback must
// return it before touching the subscription.
var errUnchanged = errors.New("subscription: unchanged")

// Service owns subscription state. Every write goes through the transition
// table, is persisted with an optimistic lock and emits domain events once
// the transaction commits.
type Service struct {
	store       Store
	tx          Transactor
	catalog     Catalog
	providers   *provider.Registry
	publisher   events.Publisher
	policy      DunningPolicy
	clock       func() time.Time
	logger      *slog.Logger
	claimTTL    time.Duration
	lockRetries uint64
}

// NewService creates a Service.
// Panics if store, catalog or providers is nil.
func NewService(store Store, catalog Catalog, providers *provider.Registry, opts ...ServiceOption) *Service {
	if store == nil {
		panic("subscription: store is required")
	}
	if catalog == nil {
		panic("subscription: catalog is required")
	}
	if providers == nil {
		panic("subscription: provider registry is required")
	}

	s := &Service{
		store:       store,
		catalog:     catalog,
		providers:   providers,
		policy:      DefaultDunningPolicy(),
		clock:       func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
		claimTTL:    defaultClaimTTL,
		lockRetries: defaultLockRetries,
	}
	if tx, ok := store.(Transactor); ok {
		s.tx = tx
	} else {
		s.tx = noTx{}
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("subscription"))
	return s
}

// Policy returns the dunning configuration in effect.
func (s *Service) Policy() DunningPolicy { return s.policy }

// Get returns a subscription by id.
func (s *Service) Get(ctx context.Context, id string) (*Subscription, error) {
	return s.store.Get(ctx, id)
}

// GetByProviderID returns the subscription bound to an external id.
func (s *Service) GetByProviderID(ctx context.Context, providerName, externalID string) (*Subscription, error) {
	return s.store.GetByProviderID(ctx, providerName, externalID)
}

// ListByCustomer returns the customer's subscriptions.
func (s *Service) ListByCustomer(ctx context.Context, customerID string) ([]*Subscription, error) {
	return s.store.ListByCustomer(ctx, customerID)
}

// Invoices lists the invoices of a subscription.
func (s *Service) Invoices(ctx context.Context, subscriptionID string, statuses ...InvoiceStatus) ([]*Invoice, error) {
	return s.store.ListInvoices(ctx, subscriptionID, statuses...)
}

// PendingItems lists proration items waiting for the next invoice.
func (s *Service) PendingItems(ctx context.Context, subscriptionID string) ([]InvoiceItem, error) {
	return s.store.PendingInvoiceItems(ctx, subscriptionID)
}

type noTx struct{}

func (noTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// withTx runs fn in a transaction with an outbox. Queued events are
// published after commit, or left to the caller's outbox when one is
// already attached to ctx.
func (s *Service) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := events.OutboxFromContext(ctx); ok {
		return s.tx.InTx(ctx, fn)
	}

	txCtx, outbox := events.WithOutbox(ctx)
	if err := s.tx.InTx(txCtx, fn); err != nil {
		outbox.Discard()
		return err
	}
	if err := outbox.Flush(ctx, s.publisher); err != nil {
		// The write is committed; a failing subscriber must not undo it.
		s.logger.ErrorContext(ctx, "failed to publish subscription events", logger.Error(err))
	}
	return nil
}

// mutate loads the subscription, applies fn and writes it back guarded by
// the version it read. expectedVersion > 0 additionally requires the caller's
// version to match. fn returning errUnchanged skips the write.
func (s *Service) mutate(ctx context.Context, id string, expectedVersion int64, fn func(ctx context.Context, sub *Subscription) error) (*Subscription, error) {
	var out *Subscription
	err := s.withTx(ctx, func(ctx context.Context) error {
		sub, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if sub.IsDeleted() {
			return ErrSubscriptionNotFound
		}
		if expectedVersion > 0 && sub.Version != expectedVersion {
			return billingerr.OptimisticLock("subscription", id)
		}
		read := sub.Version
		if err := fn(ctx, sub); err != nil {
			if errors.Is(err, errUnchanged) {
				out = sub
				return nil
			}
			return err
		}
		sub.UpdatedAt = s.clock()
		if err := s.store.Update(ctx, sub, read); err != nil {
			return err
		}
		out = sub
		return nil
	})
	return out, err
}

// retryOnLock reruns op while it fails with a stale version.
func (s *Service) retryOnLock(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	return backoff.Retry(func() error {
		err := op()
		if err == nil || errors.Is(err, billingerr.ErrOptimisticLock) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, s.lockRetries), ctx))
}

// transition fires event on sub, returning a conflict when the table
// rejects it. sub is left unchanged on error.
func transition(ctx context.Context, sub *Subscription, event Event, data any) error {
	to, err := Transitions.Fire(ctx, sub.Status, event, data)
	if err != nil {
		return billingerr.InvalidTransition(string(sub.Status), string(event), err)
	}
	sub.Status = to.(Status)
	return nil
}

// allowed reports a conflict when event cannot fire from the current status.
func allowed(ctx context.Context, sub *Subscription, event Event, data any) error {
	if _, err := Transitions.Resolve(ctx, sub.Status, event, data); err != nil {
		return billingerr.InvalidTransition(string(sub.Status), string(event), err)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, livemode bool, t events.Type, payload any) error {
	return events.Emit(ctx, s.publisher, events.New(t, livemode, s.clock(), payload))
}

func (s *Service) emitSubscription(ctx context.Context, t events.Type, sub *Subscription, mod func(p *events.SubscriptionPayload)) error {
	p := sub.payload()
	if mod != nil {
		mod(&p)
	}
	return s.emit(ctx, sub.Livemode, t, p)
}

// providerFor returns the provider a subscription is bound to.
func (s *Service) providerFor(sub *Subscription) (provider.Provider, error) {
	if sub.Provider == "" {
		return nil, ErrNoProvider
	}
	return s.providers.Get(sub.Provider)
}

// mirror applies a change to the provider subscription when one is bound.
// Operations the provider does not support are skipped.
func (s *Service) mirror(ctx context.Context, sub *Subscription, op string, fn func(provider.Subscriptions, string) error) error {
	ext := sub.ProviderSubscriptionID()
	if ext == "" {
		return nil
	}
	p, err := s.providerFor(sub)
	if err != nil {
		return err
	}
	if err := fn(p.Subscriptions(), ext); err != nil {
		if errors.Is(err, provider.ErrUnsupported) {
			s.logger.WarnContext(ctx, "provider does not support operation, skipping mirror",
				logger.SubscriptionID(sub.ID), logger.Provider(sub.Provider), slog.String("operation", op))
			return nil
		}
		return err
	}
	return nil
}

// chargeResult is the outcome of one payment attempt for an invoice.
type chargeResult struct {
	payment provider.Payment
	err     error
}

func (r chargeResult) succeeded() bool {
	return r.err == nil && r.payment.Status == provider.PaymentSucceeded
}

func (r chargeResult) failureCode() string {
	switch {
	case r.payment.FailureCode != "":
		return r.payment.FailureCode
	case r.err != nil:
		if e, ok := billingerr.As(r.err); ok && e.Code != "" {
			return e.Code
		}
		return "provider_error"
	default:
		return string(r.payment.Status)
	}
}

func (r chargeResult) failureMessage() string {
	if r.payment.FailureMessage != "" {
		return r.payment.FailureMessage
	}
	if r.err != nil {
		return r.err.Error()
	}
	return ""
}

// charge attempts to collect an invoice. Provider failures are returned in
// the result, never as an error.
func (s *Service) charge(ctx context.Context, sub *Subscription, inv *Invoice) chargeResult {
	if inv.Total <= 0 {
		return chargeResult{payment: provider.Payment{Status: provider.PaymentSucceeded, Currency: inv.Currency}}
	}
	p, err := s.providerFor(sub)
	if err != nil {
		return chargeResult{err: err}
	}
	customer := sub.ProviderCustomerID
	if customer == "" {
		customer = sub.CustomerID
	}
	attempt := inv.AttemptCount + 1
	pay, err := p.Payments().Create(ctx, provider.PaymentParams{
		CustomerID:     customer,
		Amount:         inv.Total,
		Currency:       inv.Currency,
		Description:    "Invoice " + inv.ID,
		IdempotencyKey: inv.ID + ":" + strconv.Itoa(attempt),
		Metadata: map[string]string{
			"invoice_id":      inv.ID,
			"subscription_id": sub.ID,
			"customer_id":     sub.CustomerID,
		},
	})
	if err != nil {
		s.logger.WarnContext(ctx, "payment attempt failed",
			logger.SubscriptionID(sub.ID),
			logger.InvoiceID(inv.ID),
			logger.Provider(sub.Provider),
			logger.Attempt(attempt),
			slog.Bool("retryable", billingerr.IsRetryable(err)),
			logger.Error(err),
		)
	}
	return chargeResult{payment: pay, err: err}
}

func newID() string { return uuid.NewString() }
