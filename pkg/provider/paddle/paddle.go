package paddle

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/provider"
)

// Name is the registry name of the Paddle provider.
const Name = "paddle"

// Config holds configuration for the Paddle provider.
type Config struct {
	APIKey        string `env:"PADDLE_API_KEY"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// Provider adapts Paddle Billing to provider.Provider.
//
// Paddle collects renewals itself, so Payments.Create opens a checkout
// transaction and reports it as requiring customer action.
type Provider struct {
	client   *paddle.SDK
	webhooks *Webhooks
	config   Config
}

// New creates a Paddle provider.
func New(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, provider.ErrMissingAPIKey
	}
	if config.WebhookSecret == "" {
		return nil, provider.ErrMissingSecret
	}

	var client *paddle.SDK
	var err error

	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", config.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &Provider{
		client:   client,
		webhooks: NewWebhooks(config.WebhookSecret, !strings.EqualFold(config.Environment, "sandbox")),
		config:   config,
	}, nil
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Livemode() bool { return !strings.EqualFold(p.config.Environment, "sandbox") }

func (p *Provider) Customers() provider.Customers         { return customers{p} }
func (p *Provider) Subscriptions() provider.Subscriptions { return subscriptions{p} }
func (p *Provider) Payments() provider.Payments           { return payments{p} }
func (p *Provider) Prices() provider.Prices               { return prices{p} }
func (p *Provider) Webhooks() provider.Webhooks           { return p.webhooks }

type customers struct{ p *Provider }

func (c customers) Create(ctx context.Context, in provider.CustomerParams) (provider.Customer, error) {
	req := &paddle.CreateCustomerRequest{Email: in.Email}
	if in.Name != "" {
		req.Name = paddle.PtrTo(in.Name)
	}
	if len(in.Metadata) > 0 {
		req.CustomData = customData(in.Metadata)
	}
	res, err := c.p.client.CustomersClient.CreateCustomer(ctx, req)
	if err != nil {
		return provider.Customer{}, syncErr("customers.create", err)
	}
	return decodeCustomer(res)
}

func (c customers) Get(ctx context.Context, id string) (provider.Customer, error) {
	res, err := c.p.client.CustomersClient.GetCustomer(ctx, &paddle.GetCustomerRequest{CustomerID: id})
	if err != nil {
		return provider.Customer{}, syncErr("customers.get", err)
	}
	return decodeCustomer(res)
}

type subscriptions struct{ p *Provider }

// Create is not supported: Paddle subscriptions start from a completed
// checkout, which arrives as a subscription.created webhook.
func (s subscriptions) Create(context.Context, provider.SubscriptionParams) (provider.Subscription, error) {
	return provider.Subscription{}, provider.Unsupported(Name, "subscriptions.create")
}

func (s subscriptions) Update(context.Context, string, provider.SubscriptionUpdateParams) (provider.Subscription, error) {
	return provider.Subscription{}, provider.Unsupported(Name, "subscriptions.update")
}

func (s subscriptions) Cancel(ctx context.Context, id string, atPeriodEnd bool) (provider.Subscription, error) {
	effective := paddle.EffectiveFromImmediately
	if atPeriodEnd {
		effective = paddle.EffectiveFromNextBillingPeriod
	}
	res, err := s.p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: id,
		EffectiveFrom:  paddle.PtrTo(effective),
	})
	if err != nil {
		return provider.Subscription{}, syncErr("subscriptions.cancel", err)
	}
	return decodeSubscription(res)
}

func (s subscriptions) Pause(ctx context.Context, id string) (provider.Subscription, error) {
	res, err := s.p.client.SubscriptionsClient.PauseSubscription(ctx, &paddle.PauseSubscriptionRequest{SubscriptionID: id})
	if err != nil {
		return provider.Subscription{}, syncErr("subscriptions.pause", err)
	}
	return decodeSubscription(res)
}

func (s subscriptions) Resume(ctx context.Context, id string) (provider.Subscription, error) {
	res, err := s.p.client.SubscriptionsClient.ResumeSubscription(ctx, &paddle.ResumeSubscriptionRequest{SubscriptionID: id})
	if err != nil {
		return provider.Subscription{}, syncErr("subscriptions.resume", err)
	}
	return decodeSubscription(res)
}

func (s subscriptions) Retrieve(ctx context.Context, id string) (provider.Subscription, error) {
	res, err := s.p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{SubscriptionID: id})
	if err != nil {
		return provider.Subscription{}, syncErr("subscriptions.retrieve", err)
	}
	return decodeSubscription(res)
}

type payments struct{ p *Provider }

// Create opens a checkout transaction for the catalog price named by the
// "price_id" metadata key. The customer completes it through ActionURL.
func (pm payments) Create(ctx context.Context, in provider.PaymentParams) (provider.Payment, error) {
	priceID := in.Metadata["price_id"]
	if priceID == "" {
		return provider.Payment{}, billingerr.ProviderSync(Name, "payments.create", false, fmt.Errorf("%w: price_id metadata is required", provider.ErrUnsupported))
	}
	quantity := 1
	if q, err := strconv.Atoi(in.Metadata["quantity"]); err == nil && q > 0 {
		quantity = q
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  priceID,
		Quantity: quantity,
	})
	req := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomData: customData(in.Metadata),
	}
	if in.CustomerID != "" {
		req.CustomerID = paddle.PtrTo(in.CustomerID)
	}

	txn, err := pm.p.client.TransactionsClient.CreateTransaction(ctx, req)
	if err != nil {
		return provider.Payment{Status: provider.PaymentFailed, Amount: in.Amount, Currency: in.Currency}, syncErr("payments.create", err)
	}

	pay := provider.Payment{
		ID:          txn.ID,
		Status:      provider.PaymentRequiresAction,
		Amount:      in.Amount,
		Currency:    in.Currency,
		FailureCode: "checkout_required",
	}
	if txn.Checkout != nil && txn.Checkout.URL != nil {
		pay.ActionURL = *txn.Checkout.URL
	}
	return pay, nil
}

func (pm payments) Capture(context.Context, string) (provider.Payment, error) {
	return provider.Payment{}, provider.Unsupported(Name, "payments.capture")
}

func (pm payments) Cancel(context.Context, string) (provider.Payment, error) {
	return provider.Payment{}, provider.Unsupported(Name, "payments.cancel")
}

func (pm payments) Refund(context.Context, string, int64) (provider.Refund, error) {
	return provider.Refund{}, provider.Unsupported(Name, "payments.refund")
}

type prices struct{ p *Provider }

func (pr prices) Get(ctx context.Context, id string) (provider.Price, error) {
	res, err := pr.p.client.PricesClient.GetPrice(ctx, &paddle.GetPriceRequest{PriceID: id})
	if err != nil {
		return provider.Price{}, syncErr("prices.get", err)
	}
	var raw priceJSON
	if err := roundtrip(res, &raw); err != nil {
		return provider.Price{}, decodeErr("prices.get", err)
	}
	out := provider.Price{
		ID:        raw.ID,
		ProductID: raw.ProductID,
		Currency:  raw.UnitPrice.CurrencyCode,
		Active:    raw.Status == "active",
	}
	amount, err := parseAmount(raw.UnitPrice.Amount)
	if err != nil {
		return provider.Price{}, decodeErr("prices.get", err)
	}
	out.Amount = amount
	if raw.BillingCycle != nil {
		out.Interval = raw.BillingCycle.Interval
		out.IntervalCount = raw.BillingCycle.Frequency
	}
	return out, nil
}

// Paddle SDK errors carry no retry hint; every API failure is treated as
// transient and bounded by the caller's retry budget.
func syncErr(op string, err error) error {
	return billingerr.ProviderSync(Name, op, true, err)
}

// parseAmount reads a decimal string in the lowest denomination. An absent
// amount is zero.
func parseAmount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return n, nil
}

func decodeErr(op string, err error) error {
	return billingerr.ProviderSync(Name, op, false, fmt.Errorf("%w: %w", provider.ErrMalformedEvent, err))
}

func customData(m map[string]string) paddle.CustomData {
	out := make(paddle.CustomData, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// roundtrip copies an SDK response into a local struct through its JSON
// form, keeping the adapter on Paddle's documented field names.
func roundtrip(in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

type customerJSON struct {
	ID         string         `json:"id"`
	Email      string         `json:"email"`
	Name       *string        `json:"name"`
	CustomData map[string]any `json:"custom_data"`
}

type subscriptionJSON struct {
	ID                   string `json:"id"`
	Status               string `json:"status"`
	CustomerID           string `json:"customer_id"`
	CurrentBillingPeriod *struct {
		StartsAt time.Time `json:"starts_at"`
		EndsAt   time.Time `json:"ends_at"`
	} `json:"current_billing_period"`
	Items []struct {
		Quantity int64 `json:"quantity"`
		Price    struct {
			ID string `json:"id"`
		} `json:"price"`
		PriceID string `json:"price_id"`
	} `json:"items"`
	ScheduledChange *struct {
		Action      string    `json:"action"`
		EffectiveAt time.Time `json:"effective_at"`
	} `json:"scheduled_change"`
	CustomData map[string]any `json:"custom_data"`
}

type priceJSON struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Status    string `json:"status"`
	UnitPrice struct {
		Amount       string `json:"amount"`
		CurrencyCode string `json:"currency_code"`
	} `json:"unit_price"`
	BillingCycle *struct {
		Interval  string `json:"interval"`
		Frequency int    `json:"frequency"`
	} `json:"billing_cycle"`
}

func decodeCustomer(res any) (provider.Customer, error) {
	var raw customerJSON
	if err := roundtrip(res, &raw); err != nil {
		return provider.Customer{}, decodeErr("customers.decode", err)
	}
	out := provider.Customer{ID: raw.ID, Email: raw.Email, Metadata: stringMap(raw.CustomData)}
	if raw.Name != nil {
		out.Name = *raw.Name
	}
	return out, nil
}

func decodeSubscription(res any) (provider.Subscription, error) {
	var raw subscriptionJSON
	if err := roundtrip(res, &raw); err != nil {
		return provider.Subscription{}, decodeErr("subscriptions.decode", err)
	}
	return raw.toProvider(), nil
}

func (raw subscriptionJSON) toProvider() provider.Subscription {
	out := provider.Subscription{
		ID:                raw.ID,
		CustomerID:        raw.CustomerID,
		Status:            status(raw.Status),
		CancelAtPeriodEnd: raw.ScheduledChange != nil && raw.ScheduledChange.Action == "cancel",
	}
	if raw.CurrentBillingPeriod != nil {
		out.CurrentPeriodStart = raw.CurrentBillingPeriod.StartsAt
		out.CurrentPeriodEnd = raw.CurrentBillingPeriod.EndsAt
	}
	if len(raw.Items) > 0 {
		out.Quantity = raw.Items[0].Quantity
		out.PriceID = raw.Items[0].Price.ID
		if out.PriceID == "" {
			out.PriceID = raw.Items[0].PriceID
		}
	}
	return out
}

// status maps Paddle subscription statuses onto the engine's vocabulary.
func status(s string) string {
	switch strings.ToLower(s) {
	case "cancelled":
		return "canceled"
	default:
		return strings.ToLower(s)
	}
}

func stringMap(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
