package paddle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/dmitrymomot/billingkit/pkg/provider"
)

// SignatureHeader is the header Paddle signs notifications with.
const SignatureHeader = "Paddle-Signature"

// Webhooks verifies and decodes Paddle notifications.
type Webhooks struct {
	verifier *paddle.WebhookVerifier
	secret   string
	livemode bool
}

// NewWebhooks creates a verifier for the notification destination secret.
// Paddle payloads carry no environment flag, so livemode is configured.
func NewWebhooks(secret string, livemode bool) *Webhooks {
	return &Webhooks{verifier: paddle.NewWebhookVerifier(secret), secret: secret, livemode: livemode}
}

func (w *Webhooks) VerifySignature(payload []byte, header http.Header) error {
	if w.secret == "" {
		return provider.ErrMissingSecret
	}
	sig := header.Get(SignatureHeader)
	if sig == "" {
		return provider.ErrInvalidSignature
	}

	// The SDK verifier reads the signature and body from a request.
	req, err := http.NewRequest(http.MethodPost, "/webhooks/paddle", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request for verification: %w", err)
	}
	req.Header.Set(SignatureHeader, sig)

	valid, err := w.verifier.Verify(req)
	if err != nil {
		return fmt.Errorf("%w: %w", provider.ErrInvalidSignature, err)
	}
	if !valid {
		return provider.ErrInvalidSignature
	}
	return nil
}

var eventTypes = map[string]provider.EventType{
	"subscription.created":       provider.EventSubscriptionCreated,
	"subscription.activated":     provider.EventSubscriptionUpdated,
	"subscription.trialing":      provider.EventSubscriptionUpdated,
	"subscription.updated":       provider.EventSubscriptionUpdated,
	"subscription.past_due":      provider.EventSubscriptionUpdated,
	"subscription.canceled":      provider.EventSubscriptionCanceled,
	"subscription.paused":        provider.EventSubscriptionPaused,
	"subscription.resumed":       provider.EventSubscriptionResumed,
	"transaction.completed":      provider.EventPaymentSucceeded,
	"transaction.paid":           provider.EventPaymentSucceeded,
	"transaction.payment_failed": provider.EventPaymentFailed,
}

type envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type transactionJSON struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	CustomerID     string         `json:"customer_id"`
	SubscriptionID string         `json:"subscription_id"`
	CurrencyCode   string         `json:"currency_code"`
	CustomData     map[string]any `json:"custom_data"`
	Details        struct {
		Totals struct {
			GrandTotal string `json:"grand_total"`
		} `json:"totals"`
	} `json:"details"`
	Payments []struct {
		Status    string `json:"status"`
		ErrorCode string `json:"error_code"`
	} `json:"payments"`
}

func (w *Webhooks) ConstructEvent(payload []byte) (provider.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return provider.Event{}, fmt.Errorf("%w: %w", provider.ErrMalformedEvent, err)
	}
	if env.EventID == "" || env.EventType == "" {
		return provider.Event{}, fmt.Errorf("%w: event_id and event_type are required", provider.ErrMalformedEvent)
	}

	out := provider.Event{
		ID:        env.EventID,
		RawType:   env.EventType,
		Type:      provider.EventUnknown,
		CreatedAt: env.OccurredAt,
		Livemode:  w.livemode,
		Data:      env.Data,
	}
	if t, ok := eventTypes[env.EventType]; ok {
		out.Type = t
	}

	switch {
	case out.Type == provider.EventUnknown:
	case strings.HasPrefix(env.EventType, "subscription."):
		var raw subscriptionJSON
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			return provider.Event{}, fmt.Errorf("%w: %w", provider.ErrMalformedEvent, err)
		}
		sub := raw.toProvider()
		out.SubscriptionID = sub.ID
		out.CustomerID = sub.CustomerID
		out.Status = sub.Status
		out.PriceID = sub.PriceID
		out.Quantity = sub.Quantity
		out.Metadata = stringMap(raw.CustomData)
		cancel := sub.CancelAtPeriodEnd
		out.CancelAtPeriodEnd = &cancel
		if raw.CurrentBillingPeriod != nil {
			start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
			out.CurrentPeriodStart = &start
			out.CurrentPeriodEnd = &end
		}
	case strings.HasPrefix(env.EventType, "transaction."):
		var txn transactionJSON
		if err := json.Unmarshal(env.Data, &txn); err != nil {
			return provider.Event{}, fmt.Errorf("%w: %w", provider.ErrMalformedEvent, err)
		}
		out.SubscriptionID = txn.SubscriptionID
		out.CustomerID = txn.CustomerID
		out.Status = txn.Status
		out.Currency = txn.CurrencyCode
		out.Metadata = stringMap(txn.CustomData)
		amount, err := parseAmount(txn.Details.Totals.GrandTotal)
		if err != nil {
			return provider.Event{}, fmt.Errorf("%w: %w", provider.ErrMalformedEvent, err)
		}
		out.Amount = amount
		if out.Type == provider.EventPaymentFailed {
			out.FailureCode = "payment_failed"
			if n := len(txn.Payments); n > 0 && txn.Payments[n-1].ErrorCode != "" {
				out.FailureCode = txn.Payments[n-1].ErrorCode
			}
		}
	}
	return out, nil
}
