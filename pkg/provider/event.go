package provider

import (
	"encoding/json"
	"time"
)

// EventType is the normalized type of a provider notification.
type EventType string

const (
	EventSubscriptionCreated  EventType = "subscription.created"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionCanceled EventType = "subscription.canceled"
	EventSubscriptionPaused   EventType = "subscription.paused"
	EventSubscriptionResumed  EventType = "subscription.resumed"
	EventPaymentSucceeded     EventType = "payment.succeeded"
	EventPaymentFailed        EventType = "payment.failed"
	EventUnknown              EventType = "unknown"
)

// Event is a verified provider notification in normalized form.
// Optional fields are pointers or zero values when the provider did not
// send them; consumers must not infer missing values.
type Event struct {
	ID                 string
	Type               EventType
	RawType            string
	Livemode           bool
	CreatedAt          time.Time
	SubscriptionID     string
	CustomerID         string
	Status             string
	PriceID            string
	Quantity           int64
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  *bool
	Amount             int64
	Currency           string
	FailureCode        string
	FailureMessage     string
	Metadata           map[string]string
	Data               json.RawMessage
}
