package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v82"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/provider"
)

// Name is the registry name of the Stripe provider.
const Name = "stripe"

// Config holds Stripe credentials.
type Config struct {
	SecretKey     string        `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	Tolerance     time.Duration `env:"STRIPE_WEBHOOK_TOLERANCE" envDefault:"5m"`
}

// Provider adapts the Stripe API to provider.Provider.
type Provider struct {
	client *stripeapi.Client
	cfg    Config
}

// New creates a Stripe provider.
func New(cfg Config) (*Provider, error) {
	if cfg.SecretKey == "" {
		return nil, provider.ErrMissingAPIKey
	}
	if cfg.WebhookSecret == "" {
		return nil, provider.ErrMissingSecret
	}
	return &Provider{
		client: stripeapi.NewClient(cfg.SecretKey, nil),
		cfg:    cfg,
	}, nil
}

func (p *Provider) Name() string { return Name }

// Livemode reports whether the secret key is a live key.
func (p *Provider) Livemode() bool {
	return strings.HasPrefix(p.cfg.SecretKey, "sk_live_") || strings.HasPrefix(p.cfg.SecretKey, "rk_live_")
}

func (p *Provider) Customers() provider.Customers         { return customers{p} }
func (p *Provider) Subscriptions() provider.Subscriptions { return subscriptions{p} }
func (p *Provider) Payments() provider.Payments           { return payments{p} }
func (p *Provider) Prices() provider.Prices               { return prices{p} }
func (p *Provider) Webhooks() provider.Webhooks           { return Webhooks{Secret: p.cfg.WebhookSecret, Tolerance: p.cfg.Tolerance} }

type customers struct{ p *Provider }

func (c customers) Create(ctx context.Context, in provider.CustomerParams) (provider.Customer, error) {
	params := &stripeapi.CustomerCreateParams{Metadata: in.Metadata}
	if in.Email != "" {
		params.Email = stripeapi.String(in.Email)
	}
	if in.Name != "" {
		params.Name = stripeapi.String(in.Name)
	}
	cus, err := c.p.client.V1Customers.Create(ctx, params)
	if err != nil {
		return provider.Customer{}, classify("customers.create", err)
	}
	return toCustomer(cus), nil
}

func (c customers) Get(ctx context.Context, id string) (provider.Customer, error) {
	cus, err := c.p.client.V1Customers.Retrieve(ctx, id, nil)
	if err != nil {
		return provider.Customer{}, classify("customers.get", err)
	}
	return toCustomer(cus), nil
}

type subscriptions struct{ p *Provider }

func (s subscriptions) Create(ctx context.Context, in provider.SubscriptionParams) (provider.Subscription, error) {
	params := &stripeapi.SubscriptionCreateParams{
		Customer: stripeapi.String(in.CustomerID),
		Items: []*stripeapi.SubscriptionCreateItemParams{{
			Price:    stripeapi.String(in.PriceID),
			Quantity: stripeapi.Int64(max(in.Quantity, 1)),
		}},
		Metadata: in.Metadata,
	}
	if in.TrialEnd != nil {
		params.TrialEnd = stripeapi.Int64(in.TrialEnd.Unix())
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}
	sub, err := s.p.client.V1Subscriptions.Create(ctx, params)
	if err != nil {
		return provider.Subscription{}, classify("subscriptions.create", err)
	}
	return toSubscription(sub), nil
}

func (s subscriptions) Update(ctx context.Context, id string, in provider.SubscriptionUpdateParams) (provider.Subscription, error) {
	current, err := s.p.client.V1Subscriptions.Retrieve(ctx, id, nil)
	if err != nil {
		return provider.Subscription{}, classify("subscriptions.update", err)
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return provider.Subscription{}, billingerr.ProviderSync(Name, "subscriptions.update", false, errors.New("subscription has no items"))
	}

	item := &stripeapi.SubscriptionUpdateItemParams{ID: stripeapi.String(current.Items.Data[0].ID)}
	if in.PriceID != "" {
		item.Price = stripeapi.String(in.PriceID)
	}
	if in.Quantity > 0 {
		item.Quantity = stripeapi.Int64(in.Quantity)
	}
	params := &stripeapi.SubscriptionUpdateParams{Items: []*stripeapi.SubscriptionUpdateItemParams{item}}
	if in.ProrationBehavior != "" {
		params.ProrationBehavior = stripeapi.String(in.ProrationBehavior)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}
	sub, err := s.p.client.V1Subscriptions.Update(ctx, id, params)
	if err != nil {
		return provider.Subscription{}, classify("subscriptions.update", err)
	}
	return toSubscription(sub), nil
}

func (s subscriptions) Cancel(ctx context.Context, id string, atPeriodEnd bool) (provider.Subscription, error) {
	if atPeriodEnd {
		sub, err := s.p.client.V1Subscriptions.Update(ctx, id, &stripeapi.SubscriptionUpdateParams{
			CancelAtPeriodEnd: stripeapi.Bool(true),
		})
		if err != nil {
			return provider.Subscription{}, classify("subscriptions.cancel", err)
		}
		return toSubscription(sub), nil
	}
	sub, err := s.p.client.V1Subscriptions.Cancel(ctx, id, &stripeapi.SubscriptionCancelParams{})
	if err != nil {
		return provider.Subscription{}, classify("subscriptions.cancel", err)
	}
	return toSubscription(sub), nil
}

// Pause voids invoices while paused, which matches the local paused state
// where no renewal is attempted.
func (s subscriptions) Pause(ctx context.Context, id string) (provider.Subscription, error) {
	sub, err := s.p.client.V1Subscriptions.Update(ctx, id, &stripeapi.SubscriptionUpdateParams{
		PauseCollection: &stripeapi.SubscriptionUpdatePauseCollectionParams{
			Behavior: stripeapi.String("void"),
		},
	})
	if err != nil {
		return provider.Subscription{}, classify("subscriptions.pause", err)
	}
	return toSubscription(sub), nil
}

func (s subscriptions) Resume(ctx context.Context, id string) (provider.Subscription, error) {
	params := &stripeapi.SubscriptionUpdateParams{}
	// An empty value unsets pause_collection.
	params.AddExtra("pause_collection", "")
	sub, err := s.p.client.V1Subscriptions.Update(ctx, id, params)
	if err != nil {
		return provider.Subscription{}, classify("subscriptions.resume", err)
	}
	return toSubscription(sub), nil
}

func (s subscriptions) Retrieve(ctx context.Context, id string) (provider.Subscription, error) {
	sub, err := s.p.client.V1Subscriptions.Retrieve(ctx, id, nil)
	if err != nil {
		return provider.Subscription{}, classify("subscriptions.retrieve", err)
	}
	return toSubscription(sub), nil
}

type payments struct{ p *Provider }

// Create charges the customer's default payment method off-session.
func (pm payments) Create(ctx context.Context, in provider.PaymentParams) (provider.Payment, error) {
	params := &stripeapi.PaymentIntentCreateParams{
		Amount:     stripeapi.Int64(in.Amount),
		Currency:   stripeapi.String(strings.ToLower(in.Currency)),
		Customer:   stripeapi.String(in.CustomerID),
		OffSession: stripeapi.Bool(true),
		Confirm:    stripeapi.Bool(true),
		Metadata:   in.Metadata,
	}
	if in.Description != "" {
		params.Description = stripeapi.String(in.Description)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	pi, err := pm.p.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		pay := provider.Payment{Status: provider.PaymentFailed, Amount: in.Amount, Currency: in.Currency}
		var se *stripeapi.Error
		if errors.As(err, &se) {
			pay.FailureCode = failureCode(se)
			pay.FailureMessage = se.Msg
			if se.Code == stripeapi.ErrorCodeAuthenticationRequired {
				pay.Status = provider.PaymentRequiresAction
			}
		}
		return pay, classify("payments.create", err)
	}
	return toPayment(pi), nil
}

func (pm payments) Capture(ctx context.Context, id string) (provider.Payment, error) {
	pi, err := pm.p.client.V1PaymentIntents.Capture(ctx, id, &stripeapi.PaymentIntentCaptureParams{})
	if err != nil {
		return provider.Payment{}, classify("payments.capture", err)
	}
	return toPayment(pi), nil
}

func (pm payments) Cancel(ctx context.Context, id string) (provider.Payment, error) {
	pi, err := pm.p.client.V1PaymentIntents.Cancel(ctx, id, &stripeapi.PaymentIntentCancelParams{})
	if err != nil {
		return provider.Payment{}, classify("payments.cancel", err)
	}
	return toPayment(pi), nil
}

func (pm payments) Refund(ctx context.Context, id string, amount int64) (provider.Refund, error) {
	params := &stripeapi.RefundCreateParams{PaymentIntent: stripeapi.String(id)}
	if amount > 0 {
		params.Amount = stripeapi.Int64(amount)
	}
	re, err := pm.p.client.V1Refunds.Create(ctx, params)
	if err != nil {
		return provider.Refund{}, classify("payments.refund", err)
	}
	return provider.Refund{ID: re.ID, PaymentID: id, Amount: re.Amount, Status: string(re.Status)}, nil
}

type prices struct{ p *Provider }

func (pr prices) Get(ctx context.Context, id string) (provider.Price, error) {
	price, err := pr.p.client.V1Prices.Retrieve(ctx, id, nil)
	if err != nil {
		return provider.Price{}, classify("prices.get", err)
	}
	out := provider.Price{
		ID:       price.ID,
		Amount:   price.UnitAmount,
		Currency: string(price.Currency),
		Active:   price.Active,
	}
	if price.Product != nil {
		out.ProductID = price.Product.ID
	}
	if price.Recurring != nil {
		out.Interval = string(price.Recurring.Interval)
		out.IntervalCount = int(price.Recurring.IntervalCount)
	}
	return out, nil
}

// classify wraps a Stripe error as a provider sync error. Rate limits,
// server errors and transport failures are retryable; card and request
// errors are terminal.
func classify(op string, err error) error {
	var se *stripeapi.Error
	if !errors.As(err, &se) {
		return billingerr.ProviderSync(Name, op, true, err)
	}
	retryable := se.HTTPStatusCode == http.StatusTooManyRequests ||
		se.HTTPStatusCode >= http.StatusInternalServerError ||
		se.Type == stripeapi.ErrorTypeAPI ||
		se.Code == stripeapi.ErrorCodeLockTimeout
	return billingerr.ProviderSync(Name, op, retryable, fmt.Errorf("%s: %w", failureCode(se), err))
}

func failureCode(se *stripeapi.Error) string {
	if se.DeclineCode != "" {
		return string(se.DeclineCode)
	}
	if se.Code != "" {
		return string(se.Code)
	}
	return string(se.Type)
}

func toCustomer(c *stripeapi.Customer) provider.Customer {
	return provider.Customer{ID: c.ID, Email: c.Email, Name: c.Name, Metadata: c.Metadata}
}

func toSubscription(s *stripeapi.Subscription) provider.Subscription {
	out := provider.Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.TrialEnd > 0 {
		t := time.Unix(s.TrialEnd, 0).UTC()
		out.TrialEnd = &t
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		out.Quantity = item.Quantity
		out.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
	}
	return out
}

func toPayment(pi *stripeapi.PaymentIntent) provider.Payment {
	out := provider.Payment{
		ID:       pi.ID,
		Amount:   pi.Amount,
		Currency: string(pi.Currency),
		Status:   paymentStatus(pi.Status),
	}
	if pi.LastPaymentError != nil {
		out.FailureCode = failureCode(pi.LastPaymentError)
		out.FailureMessage = pi.LastPaymentError.Msg
	}
	return out
}

func paymentStatus(s stripeapi.PaymentIntentStatus) provider.PaymentStatus {
	switch s {
	case stripeapi.PaymentIntentStatusSucceeded:
		return provider.PaymentSucceeded
	case stripeapi.PaymentIntentStatusProcessing:
		return provider.PaymentProcessing
	case stripeapi.PaymentIntentStatusRequiresAction,
		stripeapi.PaymentIntentStatusRequiresConfirmation,
		stripeapi.PaymentIntentStatusRequiresCapture:
		return provider.PaymentRequiresAction
	case stripeapi.PaymentIntentStatusCanceled:
		return provider.PaymentCanceled
	default:
		return provider.PaymentFailed
	}
}
