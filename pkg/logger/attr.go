package logger

import (
	"log/slog"
	"strconv"
)

// Group creates a slog group attribute from the provided attributes.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}

// Errors groups multiple non-nil errors under the key "errors".
// If all errors are nil, it returns an empty Attr.
func Errors(errs ...error) slog.Attr {
	as := make([]slog.Attr, 0, len(errs))
	for i, err := range errs {
		if err != nil {
			as = append(as, slog.Any(strconv.Itoa(i), err))
		}
	}
	if len(as) == 0 {
		return slog.Attr{}
	}
	return slog.Attr{Key: "errors", Value: slog.GroupValue(as...)}
}

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

func idAttr(key, id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String(key, id)
}

// SubscriptionID records the subscription identifier.
// Empty ids produce an empty Attr.
func SubscriptionID(id string) slog.Attr { return idAttr("subscription_id", id) }

// CustomerID records the customer identifier.
func CustomerID(id string) slog.Attr { return idAttr("customer_id", id) }

// InvoiceID records the invoice identifier.
func InvoiceID(id string) slog.Attr { return idAttr("invoice_id", id) }

// PlanID records the plan identifier.
func PlanID(id string) slog.Attr { return idAttr("plan_id", id) }

// Provider records the payment provider name.
func Provider(name string) slog.Attr { return idAttr("provider", name) }

// WebhookEventID records the stored webhook event identifier.
func WebhookEventID(id string) slog.Attr { return idAttr("webhook_event_id", id) }

// ProviderEventID records the provider's own event identifier.
func ProviderEventID(id string) slog.Attr { return idAttr("provider_event_id", id) }

// LimitKey records a usage limit key.
func LimitKey(key string) slog.Attr { return idAttr("limit_key", key) }

// Status records an entity status.
func Status(status string) slog.Attr { return slog.String("status", status) }

// Transition records a status change as "from->to".
func Transition(from, to string) slog.Attr {
	return slog.String("transition", from+"->"+to)
}

// EventType records the event type under the key "event_type".
func EventType(eventType string) slog.Attr {
	return slog.String("event_type", eventType)
}

// RetryCount records the retry count under the key "retry_count".
func RetryCount(count int) slog.Attr {
	return slog.Int("retry_count", count)
}

// Attempt records a delivery or charge attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Duration records a duration under the key "duration".
func Duration(d any) slog.Attr {
	return slog.Any("duration", d)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Livemode records whether the entity belongs to live or test data.
func Livemode(live bool) slog.Attr {
	return slog.Bool("livemode", live)
}
