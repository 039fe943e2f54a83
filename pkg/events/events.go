package events

import (
	"time"

	"github.com/google/uuid"
)

// Type names a domain event.
type Type string

const (
	SubscriptionCreated     Type = "subscription.created"
	SubscriptionUpdated     Type = "subscription.updated"
	SubscriptionCanceled    Type = "subscription.canceled"
	SubscriptionPaused      Type = "subscription.paused"
	SubscriptionResumed     Type = "subscription.resumed"
	SubscriptionTrialEnding Type = "subscription.trial_ending"
	SubscriptionTrialEnded  Type = "subscription.trial_ended"

	PaymentSucceeded Type = "payment.succeeded"
	PaymentFailed    Type = "payment.failed"

	InvoiceCreated       Type = "invoice.created"
	InvoicePaid          Type = "invoice.paid"
	InvoicePaymentFailed Type = "invoice.payment_failed"
	InvoiceVoided        Type = "invoice.voided"

	// All subscribes a handler to every event type.
	All Type = "*"
)

// Event is an immutable domain event. Payload is one of the typed payload
// structs in this package.
type Event struct {
	ID         string
	Type       Type
	Livemode   bool
	OccurredAt time.Time
	Payload    any
}

// New builds an event with a fresh id.
func New(t Type, livemode bool, occurredAt time.Time, payload any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		Livemode:   livemode,
		OccurredAt: occurredAt,
		Payload:    payload,
	}
}

// SubscriptionPayload describes a subscription after a transition.
type SubscriptionPayload struct {
	SubscriptionID     string
	CustomerID         string
	PlanID             string
	PreviousPlanID     string
	Status             string
	PreviousStatus     string
	Quantity           int64
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialEnd           *time.Time
	CancelAtPeriodEnd  bool
	Reason             string
}

// PaymentPayload describes a charge attempt.
type PaymentPayload struct {
	SubscriptionID string
	CustomerID     string
	InvoiceID      string
	PaymentID      string
	Provider       string
	Amount         int64
	Currency       string
	Attempt        int
	FailureCode    string
	FailureMessage string
	NextRetryAt    *time.Time
}

// InvoicePayload describes an invoice state change.
type InvoicePayload struct {
	InvoiceID      string
	SubscriptionID string
	CustomerID     string
	Status         string
	Total          int64
	Currency       string
	Reason         string
}
