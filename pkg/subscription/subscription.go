package subscription

import (
	"maps"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/events"
	"github.com/dmitrymomot/billingkit/pkg/period"
)

// Collection says who collects renewal payments.
type Collection string

const (
	// CollectionAutomatic subscriptions are charged by the renewal sweep.
	CollectionAutomatic Collection = "automatic"
	// CollectionProvider subscriptions are billed by the provider; their
	// state follows provider webhooks.
	CollectionProvider Collection = "provider"
)

// Subscription is a customer's recurring agreement for a plan.
// Cross references (customer, plan, invoices) are opaque ids.
type Subscription struct {
	ID         string
	CustomerID string
	PlanID     string
	Quantity   int64
	Status     Status

	// BillingAnchor is the instant period ends are derived from.
	BillingAnchor      time.Time
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time

	CancelAt          *time.Time
	CanceledAt        *time.Time
	CancelAtPeriodEnd bool
	CancelReason      string
	PausedAt          *time.Time

	RetryCount  int
	NextRetryAt *time.Time
	GraceEndsAt *time.Time

	// ClaimedUntil marks a renewal in flight on some worker.
	ClaimedUntil *time.Time

	LatestInvoiceID string
	PromoCodeID     string

	Collection              Collection
	Provider                string
	ProviderCustomerID      string
	ProviderSubscriptionIDs map[string]string

	Metadata map[string]string
	Livemode bool

	// Version increases by one on every persisted write.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Period returns the current billing period.
func (s *Subscription) Period() period.Bounds {
	return period.Bounds{Start: s.CurrentPeriodStart, End: s.CurrentPeriodEnd}
}

// ProviderSubscriptionID returns the external id for the bound provider.
func (s *Subscription) ProviderSubscriptionID() string {
	if s.Provider == "" {
		return ""
	}
	return s.ProviderSubscriptionIDs[s.Provider]
}

// IsDeleted reports whether the subscription was soft deleted.
func (s *Subscription) IsDeleted() bool { return s.DeletedAt != nil }

// Clone returns a deep copy safe to mutate.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.TrialStart = copyTime(s.TrialStart)
	c.TrialEnd = copyTime(s.TrialEnd)
	c.CancelAt = copyTime(s.CancelAt)
	c.CanceledAt = copyTime(s.CanceledAt)
	c.PausedAt = copyTime(s.PausedAt)
	c.NextRetryAt = copyTime(s.NextRetryAt)
	c.GraceEndsAt = copyTime(s.GraceEndsAt)
	c.ClaimedUntil = copyTime(s.ClaimedUntil)
	c.DeletedAt = copyTime(s.DeletedAt)
	c.ProviderSubscriptionIDs = maps.Clone(s.ProviderSubscriptionIDs)
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}

func (s *Subscription) clearDunning() {
	s.RetryCount = 0
	s.NextRetryAt = nil
	s.GraceEndsAt = nil
}

// payload builds the event payload describing s.
func (s *Subscription) payload() events.SubscriptionPayload {
	return events.SubscriptionPayload{
		SubscriptionID:     s.ID,
		CustomerID:         s.CustomerID,
		PlanID:             s.PlanID,
		Status:             string(s.Status),
		Quantity:           s.Quantity,
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		TrialEnd:           copyTime(s.TrialEnd),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }
