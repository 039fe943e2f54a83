package provider

import (
	"context"
	"net/http"
	"time"
)

// Provider is a payment provider adapter. Responses are normalized so the
// billing core never depends on a provider SDK.
type Provider interface {
	Name() string
	Livemode() bool
	Customers() Customers
	Subscriptions() Subscriptions
	Payments() Payments
	Prices() Prices
	Webhooks() Webhooks
}

type Customers interface {
	Create(ctx context.Context, p CustomerParams) (Customer, error)
	Get(ctx context.Context, id string) (Customer, error)
}

type Subscriptions interface {
	Create(ctx context.Context, p SubscriptionParams) (Subscription, error)
	Update(ctx context.Context, id string, p SubscriptionUpdateParams) (Subscription, error)
	Cancel(ctx context.Context, id string, atPeriodEnd bool) (Subscription, error)
	Pause(ctx context.Context, id string) (Subscription, error)
	Resume(ctx context.Context, id string) (Subscription, error)
	Retrieve(ctx context.Context, id string) (Subscription, error)
}

type Payments interface {
	Create(ctx context.Context, p PaymentParams) (Payment, error)
	Capture(ctx context.Context, id string) (Payment, error)
	Cancel(ctx context.Context, id string) (Payment, error)
	Refund(ctx context.Context, id string, amount int64) (Refund, error)
}

type Prices interface {
	Get(ctx context.Context, id string) (Price, error)
}

// Webhooks authenticates and decodes inbound notifications.
type Webhooks interface {
	// VerifySignature fails with ErrInvalidSignature when the payload was
	// not produced by the provider.
	VerifySignature(payload []byte, header http.Header) error
	// ConstructEvent decodes an already verified payload.
	ConstructEvent(payload []byte) (Event, error)
}

type CustomerParams struct {
	Email    string
	Name     string
	Metadata map[string]string
}

type Customer struct {
	ID       string
	Email    string
	Name     string
	Metadata map[string]string
}

type SubscriptionParams struct {
	CustomerID     string
	PriceID        string
	Quantity       int64
	TrialEnd       *time.Time
	Metadata       map[string]string
	IdempotencyKey string
}

type SubscriptionUpdateParams struct {
	PriceID           string
	Quantity          int64
	ProrationBehavior string
	IdempotencyKey    string
}

// Subscription is the provider's view of a subscription.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	Quantity           int64
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	TrialEnd           *time.Time
}

type PaymentStatus string

const (
	PaymentSucceeded      PaymentStatus = "succeeded"
	PaymentProcessing     PaymentStatus = "processing"
	PaymentRequiresAction PaymentStatus = "requires_action"
	PaymentFailed         PaymentStatus = "failed"
	PaymentCanceled       PaymentStatus = "canceled"
)

type PaymentParams struct {
	CustomerID     string
	Amount         int64
	Currency       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

type Payment struct {
	ID             string
	Status         PaymentStatus
	Amount         int64
	Currency       string
	FailureCode    string
	FailureMessage string
	// ActionURL is set when the customer must complete the payment.
	ActionURL string
}

type Refund struct {
	ID        string
	PaymentID string
	Amount    int64
	Status    string
}

type Price struct {
	ID            string
	ProductID     string
	Amount        int64
	Currency      string
	Interval      string
	IntervalCount int
	Active        bool
}
