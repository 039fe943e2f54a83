package subscription

import (
	"context"
	"slices"
	"time"
)

// Store persists subscriptions and their invoices.
//
// Update must be a conditional write: it succeeds only when the stored
// version equals expectedVersion, then stores expectedVersion+1 and sets
// it on sub. A mismatch returns billingerr.OptimisticLock and leaves the
// stored row untouched. UpdateInvoice follows the same rule.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByProviderID(ctx context.Context, provider, externalID string) (*Subscription, error)
	Update(ctx context.Context, sub *Subscription, expectedVersion int64) error
	ListByCustomer(ctx context.Context, customerID string) ([]*Subscription, error)
	// Find returns non-deleted subscriptions matching f, oldest first.
	Find(ctx context.Context, f Filter) ([]*Subscription, error)

	CreateInvoice(ctx context.Context, inv *Invoice) error
	UpdateInvoice(ctx context.Context, inv *Invoice, expectedVersion int64) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	ListInvoices(ctx context.Context, subscriptionID string, statuses ...InvoiceStatus) ([]*Invoice, error)

	AddInvoiceItem(ctx context.Context, item InvoiceItem) error
	PendingInvoiceItems(ctx context.Context, subscriptionID string) ([]InvoiceItem, error)
	AttachInvoiceItems(ctx context.Context, subscriptionID, invoiceID string) error

	// ClaimNotification records a one-off notice and reports whether this
	// caller won it. The (subscriptionID, kind, key) triple is unique.
	ClaimNotification(ctx context.Context, subscriptionID, kind, key string, at time.Time) (bool, error)
}

// Transactor runs fn atomically. Stores that share a transaction pick it up
// from the context passed to fn.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Filter selects subscriptions for the dunning finders. Nil fields do not
// constrain the result.
type Filter struct {
	CustomerID string
	Statuses   []Status

	// PeriodEndBefore matches CurrentPeriodEnd <= t.
	PeriodEndBefore *time.Time
	// NextRetryBefore matches NextRetryAt <= t.
	NextRetryBefore *time.Time
	// GraceEndsBefore matches GraceEndsAt < t.
	GraceEndsBefore *time.Time
	// GraceEndsAfter matches GraceEndsAt >= t or no deadline.
	GraceEndsAfter *time.Time
	// TrialEndAfter matches TrialEnd > t.
	TrialEndAfter *time.Time
	// TrialEndBefore matches TrialEnd <= t.
	TrialEndBefore *time.Time
	// CreatedBefore matches CreatedAt <= t.
	CreatedBefore *time.Time

	Collection        Collection
	CancelAtPeriodEnd *bool
	// UnclaimedAt skips rows whose claim is still held at t.
	UnclaimedAt *time.Time

	Limit int
}

// Match reports whether s satisfies f. It is the reference semantics for
// store implementations.
func (f Filter) Match(s *Subscription) bool {
	if s.IsDeleted() {
		return false
	}
	if f.CustomerID != "" && s.CustomerID != f.CustomerID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, s.Status) {
		return false
	}
	if f.PeriodEndBefore != nil && s.CurrentPeriodEnd.After(*f.PeriodEndBefore) {
		return false
	}
	if f.NextRetryBefore != nil && (s.NextRetryAt == nil || s.NextRetryAt.After(*f.NextRetryBefore)) {
		return false
	}
	if f.GraceEndsBefore != nil && (s.GraceEndsAt == nil || !s.GraceEndsAt.Before(*f.GraceEndsBefore)) {
		return false
	}
	if f.GraceEndsAfter != nil && s.GraceEndsAt != nil && s.GraceEndsAt.Before(*f.GraceEndsAfter) {
		return false
	}
	if f.TrialEndAfter != nil && (s.TrialEnd == nil || !s.TrialEnd.After(*f.TrialEndAfter)) {
		return false
	}
	if f.TrialEndBefore != nil && (s.TrialEnd == nil || s.TrialEnd.After(*f.TrialEndBefore)) {
		return false
	}
	if f.CreatedBefore != nil && s.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	if f.Collection != "" && s.Collection != f.Collection {
		return false
	}
	if f.CancelAtPeriodEnd != nil && s.CancelAtPeriodEnd != *f.CancelAtPeriodEnd {
		return false
	}
	if f.UnclaimedAt != nil && s.ClaimedUntil != nil && s.ClaimedUntil.After(*f.UnclaimedAt) {
		return false
	}
	return true
}
