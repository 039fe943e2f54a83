package stripe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dmitrymomot/billingkit/pkg/provider"
)

// SignatureHeader is the header Stripe signs deliveries with.
const SignatureHeader = "Stripe-Signature"

var eventTypes = map[string]provider.EventType{
	"customer.subscription.created": provider.EventSubscriptionCreated,
	"customer.subscription.updated": provider.EventSubscriptionUpdated,
	"customer.subscription.deleted": provider.EventSubscriptionCanceled,
	"customer.subscription.paused":  provider.EventSubscriptionPaused,
	"customer.subscription.resumed": provider.EventSubscriptionResumed,
	"invoice.paid":                  provider.EventPaymentSucceeded,
	"invoice.payment_succeeded":     provider.EventPaymentSucceeded,
	"invoice.payment_failed":        provider.EventPaymentFailed,
	"payment_intent.succeeded":      provider.EventPaymentSucceeded,
	"payment_intent.payment_failed": provider.EventPaymentFailed,
}

// Webhooks verifies and decodes Stripe webhook deliveries. It needs no
// API key, so the webhook endpoint can run without one.
type Webhooks struct {
	Secret    string
	Tolerance time.Duration
}

func (w Webhooks) VerifySignature(payload []byte, header http.Header) error {
	if w.Secret == "" {
		return provider.ErrMissingSecret
	}
	tolerance := w.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, header.Get(SignatureHeader), w.Secret, tolerance); err != nil {
		return fmt.Errorf("%w: %w", provider.ErrInvalidSignature, err)
	}
	return nil
}

func (w Webhooks) ConstructEvent(payload []byte) (provider.Event, error) {
	var ev stripeapi.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return provider.Event{}, fmt.Errorf("%w: %w", provider.ErrMalformedEvent, err)
	}
	if ev.ID == "" || ev.Type == "" || ev.Data == nil {
		return provider.Event{}, fmt.Errorf("%w: id, type and data are required", provider.ErrMalformedEvent)
	}

	out := provider.Event{
		ID:        ev.ID,
		RawType:   string(ev.Type),
		Type:      provider.EventUnknown,
		Livemode:  ev.Livemode,
		CreatedAt: time.Unix(ev.Created, 0).UTC(),
		Data:      ev.Data.Raw,
	}
	if t, ok := eventTypes[string(ev.Type)]; ok {
		out.Type = t
	}

	var err error
	switch {
	case out.Type == provider.EventUnknown:
	case strings.HasPrefix(out.RawType, "customer.subscription."):
		err = decodeSubscription(&out)
	case strings.HasPrefix(out.RawType, "invoice."):
		err = decodeInvoice(&out)
	default:
		err = decodePaymentIntent(&out)
	}
	if err != nil {
		return provider.Event{}, fmt.Errorf("%w: %w", provider.ErrMalformedEvent, err)
	}
	return out, nil
}

func decodeSubscription(out *provider.Event) error {
	var sub stripeapi.Subscription
	if err := json.Unmarshal(out.Data, &sub); err != nil {
		return err
	}
	s := toSubscription(&sub)
	out.SubscriptionID = s.ID
	out.CustomerID = s.CustomerID
	out.Status = s.Status
	out.PriceID = s.PriceID
	out.Quantity = s.Quantity
	out.Metadata = sub.Metadata
	cancel := s.CancelAtPeriodEnd
	out.CancelAtPeriodEnd = &cancel
	if !s.CurrentPeriodStart.IsZero() && s.CurrentPeriodStart.Unix() > 0 {
		start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
		out.CurrentPeriodStart = &start
		out.CurrentPeriodEnd = &end
	}
	return nil
}

// invoice carries the fields read from invoice events. The subscription
// reference moved under parent.subscription_details in recent API
// versions; both locations are accepted.
type invoice struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	AmountPaid   int64             `json:"amount_paid"`
	AmountDue    int64             `json:"amount_due"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"metadata"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	LastFinalizationError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_finalization_error"`
}

func decodeInvoice(out *provider.Event) error {
	var inv invoice
	if err := json.Unmarshal(out.Data, &inv); err != nil {
		return err
	}
	out.CustomerID = inv.Customer
	out.SubscriptionID = inv.Subscription
	if out.SubscriptionID == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		out.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription
	}
	out.Currency = inv.Currency
	out.Metadata = inv.Metadata
	out.Amount = inv.AmountPaid
	if out.Type == provider.EventPaymentFailed {
		out.Amount = inv.AmountDue
		out.FailureCode = "invoice_payment_failed"
		if e := inv.LastFinalizationError; e != nil {
			out.FailureCode = e.Code
			out.FailureMessage = e.Message
		}
	}
	return nil
}

func decodePaymentIntent(out *provider.Event) error {
	var pi stripeapi.PaymentIntent
	if err := json.Unmarshal(out.Data, &pi); err != nil {
		return err
	}
	pay := toPayment(&pi)
	out.Amount = pay.Amount
	out.Currency = pay.Currency
	out.FailureCode = pay.FailureCode
	out.FailureMessage = pay.FailureMessage
	out.Metadata = pi.Metadata
	if pi.Customer != nil {
		out.CustomerID = pi.Customer.ID
	}
	out.SubscriptionID = pi.Metadata["provider_subscription_id"]
	return nil
}
