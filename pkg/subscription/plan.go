package subscription

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dmitrymomot/billingkit/pkg/period"
)

// Unlimited as a plan limit disables the ceiling.
const Unlimited int64 = -1

// Plan describes what a subscription bills and grants.
// Price is the unit price in minor currency units.
type Plan struct {
	ID            string
	Name          string
	Price         int64
	Currency      string
	Interval      period.Interval
	IntervalCount int
	TrialDays     int

	// ProviderPrices maps a provider name to its price id for this plan.
	ProviderPrices map[string]string
	Limits         map[string]int64
	Entitlements   []string
}

// Validate checks the plan can be billed.
func (p Plan) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: plan id is required", ErrInvalidCatalog)
	case p.Price < 0:
		return fmt.Errorf("%w: plan %s has a negative price", ErrInvalidCatalog, p.ID)
	case p.Currency == "":
		return fmt.Errorf("%w: plan %s has no currency", ErrInvalidCatalog, p.ID)
	case !p.Interval.Valid():
		return fmt.Errorf("%w: plan %s has interval %q", ErrInvalidCatalog, p.ID, p.Interval)
	case p.IntervalCount <= 0:
		return fmt.Errorf("%w: plan %s has interval count %d", ErrInvalidCatalog, p.ID, p.IntervalCount)
	case p.TrialDays < 0:
		return fmt.Errorf("%w: plan %s has negative trial days", ErrInvalidCatalog, p.ID)
	}
	return nil
}

// PriceFor returns the provider price id bound to this plan.
func (p Plan) PriceFor(provider string) string {
	return p.ProviderPrices[provider]
}

// Compatible reports whether a subscription can move between the plans
// without restarting its billing cycle.
func (p Plan) Compatible(other Plan) bool {
	return p.Currency == other.Currency && p.Interval == other.Interval && p.IntervalCount == other.IntervalCount
}

// Catalog resolves plans by id or by a provider price.
type Catalog interface {
	Plan(ctx context.Context, id string) (Plan, error)
	PlanByProviderPrice(ctx context.Context, provider, priceID string) (Plan, error)
}

// MemoryCatalog is a static Catalog built from configuration.
type MemoryCatalog struct {
	mu      sync.RWMutex
	plans   map[string]Plan
	byPrice map[string]string
}

// NewMemoryCatalog validates plans and indexes their provider prices.
func NewMemoryCatalog(plans ...Plan) (*MemoryCatalog, error) {
	c := &MemoryCatalog{
		plans:   make(map[string]Plan, len(plans)),
		byPrice: make(map[string]string),
	}
	for _, p := range plans {
		if err := c.Add(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add registers a plan. Plan ids and provider prices must be unique.
func (c *MemoryCatalog) Add(p Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.plans[p.ID]; ok {
		return fmt.Errorf("%w: duplicate plan %s", ErrInvalidCatalog, p.ID)
	}
	for provider, price := range p.ProviderPrices {
		key := priceKey(provider, price)
		if owner, ok := c.byPrice[key]; ok {
			return fmt.Errorf("%w: %s price %s already bound to plan %s", ErrInvalidCatalog, provider, price, owner)
		}
		c.byPrice[key] = p.ID
	}
	c.plans[p.ID] = p
	return nil
}

func (c *MemoryCatalog) Plan(_ context.Context, id string) (Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return p, nil
}

func (c *MemoryCatalog) PlanByProviderPrice(_ context.Context, provider, priceID string) (Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byPrice[priceKey(provider, priceID)]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return c.plans[id], nil
}

func priceKey(provider, price string) string { return provider + "\x00" + price }

// PlanComparison lists the differences between two plans.
type PlanComparison struct {
	NewEntitlements  []string
	LostEntitlements []string
	IncreasedLimits  map[string]LimitChange
	DecreasedLimits  map[string]LimitChange
	NewLimits        map[string]int64
	RemovedLimits    map[string]int64
}

// LimitChange is a ceiling that differs between two plans.
type LimitChange struct {
	From int64
	To   int64
}

// HasDecreases reports whether the target plan grants less.
func (c *PlanComparison) HasDecreases() bool {
	return len(c.DecreasedLimits) > 0 || len(c.RemovedLimits) > 0 || len(c.LostEntitlements) > 0
}

// ComparePlans returns the differences between current and target plans.
func ComparePlans(current, target *Plan) *PlanComparison {
	if current == nil || target == nil {
		return nil
	}

	cmp := &PlanComparison{
		IncreasedLimits: make(map[string]LimitChange),
		DecreasedLimits: make(map[string]LimitChange),
		NewLimits:       make(map[string]int64),
		RemovedLimits:   make(map[string]int64),
	}

	for _, e := range target.Entitlements {
		if !slices.Contains(current.Entitlements, e) {
			cmp.NewEntitlements = append(cmp.NewEntitlements, e)
		}
	}
	for _, e := range current.Entitlements {
		if !slices.Contains(target.Entitlements, e) {
			cmp.LostEntitlements = append(cmp.LostEntitlements, e)
		}
	}

	for key, to := range target.Limits {
		from, ok := current.Limits[key]
		if !ok {
			cmp.NewLimits[key] = to
			continue
		}
		if from == to {
			continue
		}
		change := LimitChange{From: from, To: to}
		// Unlimited to limited is a decrease even though the number grows.
		switch {
		case from == Unlimited:
			cmp.DecreasedLimits[key] = change
		case to == Unlimited, to > from:
			cmp.IncreasedLimits[key] = change
		default:
			cmp.DecreasedLimits[key] = change
		}
	}

	for key, from := range current.Limits {
		if _, ok := target.Limits[key]; !ok {
			cmp.RemovedLimits[key] = from
		}
	}
	return cmp
}
