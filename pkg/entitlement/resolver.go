package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/validator"
)

// PlanGrantsFunc returns the grants implied by a customer's live
// subscriptions (plan entitlements and plan-bundled add-ons).
type PlanGrantsFunc func(ctx context.Context, customerID string) ([]Grant, error)

// Resolver merges plan, add-on and manual grants into effective entitlements.
type Resolver struct {
	store      Store
	planGrants PlanGrantsFunc
	policy     ConflictPolicy
	clock      func() time.Time
	logger     *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPlanGrants plugs in plan-derived grants.
func WithPlanGrants(fn PlanGrantsFunc) Option {
	return func(r *Resolver) { r.planGrants = fn }
}

// WithConflictPolicy sets how competing set grants are resolved.
// Panics on an unknown policy.
func WithConflictPolicy(p ConflictPolicy) Option {
	return func(r *Resolver) {
		if !p.valid() {
			panic(ErrInvalidPolicy)
		}
		r.policy = p
	}
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(r *Resolver) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver creates a Resolver. Panics if store is nil.
func NewResolver(store Store, opts ...Option) *Resolver {
	if store == nil {
		panic("entitlement: store is required")
	}
	r := &Resolver{
		store:  store,
		policy: PolicyMax,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns every effective entitlement of a customer.
func (r *Resolver) Resolve(ctx context.Context, customerID string) (map[string]Entitlement, error) {
	grants, err := r.store.List(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if r.planGrants != nil {
		planned, err := r.planGrants(ctx, customerID)
		if err != nil {
			return nil, err
		}
		grants = append(grants, planned...)
	}
	return Merge(grants, r.clock(), r.policy), nil
}

// Check reports whether the customer holds key. The returned entitlement
// carries the merged numeric value when there is one.
func (r *Resolver) Check(ctx context.Context, customerID, key string) (Entitlement, bool, error) {
	all, err := r.Resolve(ctx, customerID)
	if err != nil {
		return Entitlement{}, false, err
	}
	e, ok := all[key]
	return e, ok, nil
}

// Grant stores an explicit grant. Source defaults to manual.
func (r *Resolver) Grant(ctx context.Context, p GrantParams) (Grant, error) {
	if err := validator.Struct(p); err != nil {
		return Grant{}, err
	}
	now := r.clock()
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return Grant{}, ErrAlreadyExpired
	}
	if p.Limit != nil {
		if (p.Limit.Mode != ModeSet && p.Limit.Mode != ModeIncrement) || p.Limit.Value < Unlimited {
			return Grant{}, ErrInvalidNumeric
		}
	}
	if p.Source == "" {
		p.Source = SourceManual
	}

	g, err := r.store.Insert(ctx, Grant{
		ID:         uuid.NewString(),
		CustomerID: p.CustomerID,
		Key:        p.Key,
		Source:     p.Source,
		SourceID:   p.SourceID,
		GrantedAt:  now,
		ExpiresAt:  p.ExpiresAt,
		Limit:      p.Limit,
	})
	if err != nil {
		return Grant{}, err
	}
	r.logger.DebugContext(ctx, "entitlement granted",
		logger.CustomerID(g.CustomerID),
		slog.String("entitlement_key", g.Key),
		slog.String("source", string(g.Source)))
	return g, nil
}

// Revoke revokes a single stored grant.
func (r *Resolver) Revoke(ctx context.Context, grantID string) error {
	return r.store.Revoke(ctx, grantID, r.clock())
}

// RevokeKey revokes every stored, still active grant of key for a customer.
// Plan grants are unaffected; they follow the subscription.
func (r *Resolver) RevokeKey(ctx context.Context, customerID, key string) error {
	grants, err := r.store.List(ctx, customerID)
	if err != nil {
		return err
	}
	now := r.clock()
	var errs []error
	for _, g := range grants {
		if g.Key != key || !g.ActiveAt(now) {
			continue
		}
		if err := r.store.Revoke(ctx, g.ID, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
