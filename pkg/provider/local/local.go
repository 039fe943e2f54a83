package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/provider"
)

// Name is the default provider name.
const Name = "local"

// Config configures the local provider.
type Config struct {
	Name          string        `env:"LOCAL_PROVIDER_NAME" envDefault:"local"`
	WebhookSecret string        `env:"LOCAL_PROVIDER_WEBHOOK_SECRET" envDefault:"whsec_local"`
	Livemode      bool          `env:"LOCAL_PROVIDER_LIVEMODE" envDefault:"false"`
	Tolerance     time.Duration `env:"LOCAL_PROVIDER_SIGNATURE_TOLERANCE" envDefault:"5m"`
}

// Provider is an in-process payment provider for development and tests.
// Charges succeed unless failures are queued with FailCharges.
type Provider struct {
	cfg   Config
	clock func() time.Time

	mu            sync.Mutex
	customers     map[string]provider.Customer
	subscriptions map[string]provider.Subscription
	payments      map[string]provider.Payment
	idempotency   map[string]string
	failures      []failure
	charges       []provider.PaymentParams
}

type failure struct {
	code      string
	retryable bool
}

// Option configures the local provider.
type Option func(*Provider)

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(p *Provider) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// New creates a local provider.
func New(cfg Config, opts ...Option) *Provider {
	if cfg.Name == "" {
		cfg.Name = Name
	}
	p := &Provider{
		cfg:           cfg,
		clock:         time.Now,
		customers:     make(map[string]provider.Customer),
		subscriptions: make(map[string]provider.Subscription),
		payments:      make(map[string]provider.Payment),
		idempotency:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string                          { return p.cfg.Name }
func (p *Provider) Livemode() bool                        { return p.cfg.Livemode }
func (p *Provider) Customers() provider.Customers         { return customers{p} }
func (p *Provider) Subscriptions() provider.Subscriptions { return subscriptions{p} }
func (p *Provider) Payments() provider.Payments           { return payments{p} }
func (p *Provider) Prices() provider.Prices               { return prices{p} }
func (p *Provider) Webhooks() provider.Webhooks           { return webhooks{p} }

// FailCharges makes the next n charges fail with code.
func (p *Provider) FailCharges(n int, code string, retryable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for range n {
		p.failures = append(p.failures, failure{code: code, retryable: retryable})
	}
}

// Charges returns every charge request received, idempotent replays excluded.
func (p *Provider) Charges() []provider.PaymentParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provider.PaymentParams, len(p.charges))
	copy(out, p.charges)
	return out
}

// SignedRequest builds a signed webhook request for payload.
func (p *Provider) SignedRequest(ctx context.Context, url string, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header = SignedHeader(p.cfg.WebhookSecret, payload, p.clock())
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Sign returns the signature header value for payload.
func (p *Provider) Sign(payload []byte) http.Header {
	return SignedHeader(p.cfg.WebhookSecret, payload, p.clock())
}

type customers struct{ p *Provider }

func (c customers) Create(_ context.Context, params provider.CustomerParams) (provider.Customer, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	cus := provider.Customer{ID: "cus_" + uuid.NewString(), Email: params.Email, Name: params.Name, Metadata: params.Metadata}
	c.p.customers[cus.ID] = cus
	return cus, nil
}

func (c customers) Get(_ context.Context, id string) (provider.Customer, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	cus, ok := c.p.customers[id]
	if !ok {
		return provider.Customer{}, c.p.notFound("customers.get", id)
	}
	return cus, nil
}

type subscriptions struct{ p *Provider }

func (s subscriptions) Create(_ context.Context, params provider.SubscriptionParams) (provider.Subscription, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if id, ok := s.p.idempotency[params.IdempotencyKey]; ok && params.IdempotencyKey != "" {
		return s.p.subscriptions[id], nil
	}
	now := s.p.clock()
	sub := provider.Subscription{
		ID:                 "sub_" + uuid.NewString(),
		CustomerID:         params.CustomerID,
		Status:             "active",
		PriceID:            params.PriceID,
		Quantity:           max(params.Quantity, 1),
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		TrialEnd:           params.TrialEnd,
	}
	if params.TrialEnd != nil {
		sub.Status = "trialing"
		sub.CurrentPeriodEnd = *params.TrialEnd
	}
	s.p.subscriptions[sub.ID] = sub
	if params.IdempotencyKey != "" {
		s.p.idempotency[params.IdempotencyKey] = sub.ID
	}
	return sub, nil
}

func (s subscriptions) mutate(id, op string, fn func(*provider.Subscription)) (provider.Subscription, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	sub, ok := s.p.subscriptions[id]
	if !ok {
		return provider.Subscription{}, s.p.notFound(op, id)
	}
	fn(&sub)
	s.p.subscriptions[id] = sub
	return sub, nil
}

func (s subscriptions) Update(_ context.Context, id string, params provider.SubscriptionUpdateParams) (provider.Subscription, error) {
	return s.mutate(id, "subscriptions.update", func(sub *provider.Subscription) {
		if params.PriceID != "" {
			sub.PriceID = params.PriceID
		}
		if params.Quantity > 0 {
			sub.Quantity = params.Quantity
		}
	})
}

func (s subscriptions) Cancel(_ context.Context, id string, atPeriodEnd bool) (provider.Subscription, error) {
	return s.mutate(id, "subscriptions.cancel", func(sub *provider.Subscription) {
		if atPeriodEnd {
			sub.CancelAtPeriodEnd = true
			return
		}
		sub.Status = "canceled"
	})
}

func (s subscriptions) Pause(_ context.Context, id string) (provider.Subscription, error) {
	return s.mutate(id, "subscriptions.pause", func(sub *provider.Subscription) { sub.Status = "paused" })
}

func (s subscriptions) Resume(_ context.Context, id string) (provider.Subscription, error) {
	return s.mutate(id, "subscriptions.resume", func(sub *provider.Subscription) { sub.Status = "active" })
}

func (s subscriptions) Retrieve(_ context.Context, id string) (provider.Subscription, error) {
	return s.mutate(id, "subscriptions.retrieve", func(*provider.Subscription) {})
}

type payments struct{ p *Provider }

func (pm payments) Create(_ context.Context, params provider.PaymentParams) (provider.Payment, error) {
	p := pm.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if params.IdempotencyKey != "" {
		if id, ok := p.idempotency[params.IdempotencyKey]; ok {
			pay := p.payments[id]
			if pay.Status == provider.PaymentFailed {
				return pay, billingerr.ProviderSync(p.cfg.Name, "payments.create", false, fmt.Errorf("payment failed: %s", pay.FailureCode))
			}
			return pay, nil
		}
	}

	p.charges = append(p.charges, params)
	pay := provider.Payment{
		ID:       "pay_" + uuid.NewString(),
		Status:   provider.PaymentSucceeded,
		Amount:   params.Amount,
		Currency: params.Currency,
	}
	var fail *failure
	if len(p.failures) > 0 {
		fail = &p.failures[0]
		p.failures = p.failures[1:]
		pay.Status = provider.PaymentFailed
		pay.FailureCode = fail.code
		pay.FailureMessage = "charge failed: " + fail.code
	}
	p.payments[pay.ID] = pay
	if params.IdempotencyKey != "" && (fail == nil || !fail.retryable) {
		p.idempotency[params.IdempotencyKey] = pay.ID
	}
	if fail != nil {
		return pay, billingerr.ProviderSync(p.cfg.Name, "payments.create", fail.retryable, fmt.Errorf("payment failed: %s", fail.code))
	}
	return pay, nil
}

func (pm payments) setStatus(id, op string, status provider.PaymentStatus) (provider.Payment, error) {
	pm.p.mu.Lock()
	defer pm.p.mu.Unlock()
	pay, ok := pm.p.payments[id]
	if !ok {
		return provider.Payment{}, pm.p.notFound(op, id)
	}
	pay.Status = status
	pm.p.payments[id] = pay
	return pay, nil
}

func (pm payments) Capture(_ context.Context, id string) (provider.Payment, error) {
	return pm.setStatus(id, "payments.capture", provider.PaymentSucceeded)
}

func (pm payments) Cancel(_ context.Context, id string) (provider.Payment, error) {
	return pm.setStatus(id, "payments.cancel", provider.PaymentCanceled)
}

func (pm payments) Refund(_ context.Context, id string, amount int64) (provider.Refund, error) {
	pm.p.mu.Lock()
	defer pm.p.mu.Unlock()
	pay, ok := pm.p.payments[id]
	if !ok {
		return provider.Refund{}, pm.p.notFound("payments.refund", id)
	}
	if amount <= 0 || amount > pay.Amount {
		amount = pay.Amount
	}
	return provider.Refund{ID: "re_" + uuid.NewString(), PaymentID: id, Amount: amount, Status: "succeeded"}, nil
}

type prices struct{ p *Provider }

// Get returns a synthetic monthly price; the local provider has no catalog.
func (pr prices) Get(_ context.Context, id string) (provider.Price, error) {
	return provider.Price{ID: id, Interval: "month", IntervalCount: 1, Active: true}, nil
}

type webhooks struct{ p *Provider }

func (w webhooks) VerifySignature(payload []byte, header http.Header) error {
	return verify(w.p.cfg.WebhookSecret, payload, header.Get(SignatureHeader), w.p.clock(), w.p.cfg.Tolerance)
}

// EventPayload is the JSON body of a local webhook notification.
type EventPayload struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	Livemode  bool             `json:"livemode"`
	CreatedAt time.Time        `json:"created_at"`
	Data      EventPayloadData `json:"data"`
}

type EventPayloadData struct {
	SubscriptionID     string            `json:"subscription_id,omitempty"`
	CustomerID         string            `json:"customer_id,omitempty"`
	Status             string            `json:"status,omitempty"`
	PriceID            string            `json:"price_id,omitempty"`
	Quantity           int64             `json:"quantity,omitempty"`
	CurrentPeriodStart *time.Time        `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time        `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  *bool             `json:"cancel_at_period_end,omitempty"`
	Amount             int64             `json:"amount,omitempty"`
	Currency           string            `json:"currency,omitempty"`
	FailureCode        string            `json:"failure_code,omitempty"`
	FailureMessage     string            `json:"failure_message,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

func (w webhooks) ConstructEvent(payload []byte) (provider.Event, error) {
	var ev EventPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return provider.Event{}, fmt.Errorf("%w: %w", provider.ErrMalformedEvent, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return provider.Event{}, fmt.Errorf("%w: id and type are required", provider.ErrMalformedEvent)
	}
	raw, _ := json.Marshal(ev.Data)

	typ := provider.EventType(ev.Type)
	switch typ {
	case provider.EventSubscriptionCreated, provider.EventSubscriptionUpdated, provider.EventSubscriptionCanceled,
		provider.EventSubscriptionPaused, provider.EventSubscriptionResumed,
		provider.EventPaymentSucceeded, provider.EventPaymentFailed:
	default:
		typ = provider.EventUnknown
	}

	d := ev.Data
	return provider.Event{
		ID:                 ev.ID,
		Type:               typ,
		RawType:            ev.Type,
		Livemode:           ev.Livemode,
		CreatedAt:          ev.CreatedAt,
		SubscriptionID:     d.SubscriptionID,
		CustomerID:         d.CustomerID,
		Status:             d.Status,
		PriceID:            d.PriceID,
		Quantity:           d.Quantity,
		CurrentPeriodStart: d.CurrentPeriodStart,
		CurrentPeriodEnd:   d.CurrentPeriodEnd,
		CancelAtPeriodEnd:  d.CancelAtPeriodEnd,
		Amount:             d.Amount,
		Currency:           d.Currency,
		FailureCode:        d.FailureCode,
		FailureMessage:     d.FailureMessage,
		Metadata:           d.Metadata,
		Data:               raw,
	}, nil
}

func (p *Provider) notFound(op, id string) error {
	return billingerr.ProviderSync(p.cfg.Name, op, false, fmt.Errorf("resource %s not found", id))
}
