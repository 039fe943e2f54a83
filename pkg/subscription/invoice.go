package subscription

import (
	"time"

	"github.com/dmitrymomot/billingkit/pkg/events"
)

// InvoiceStatus is the state of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceOpen          InvoiceStatus = "open"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceVoid          InvoiceStatus = "void"
	InvoiceUncollectible InvoiceStatus = "uncollectible"
)

// InvoiceReason records why an invoice was issued.
type InvoiceReason string

const (
	ReasonSubscriptionCreate InvoiceReason = "subscription_create"
	ReasonSubscriptionCycle  InvoiceReason = "subscription_cycle"
	ReasonSubscriptionUpdate InvoiceReason = "subscription_update"
)

// Invoice is an amount owed for a subscription.
type Invoice struct {
	ID             string
	SubscriptionID string
	CustomerID     string
	Status         InvoiceStatus
	Reason         InvoiceReason
	Currency       string
	Lines          []InvoiceLine
	Total          int64
	PeriodStart    time.Time
	PeriodEnd      time.Time
	AttemptCount   int
	PaymentID      string
	Provider       string
	Livemode       bool
	PaidAt         *time.Time
	VoidedAt       *time.Time
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InvoiceLine is a single amount on an invoice. Credits are negative.
type InvoiceLine struct {
	Description string
	PlanID      string
	Quantity    int64
	Amount      int64
	Proration   bool
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// InvoiceItem is a pending line waiting for the next invoice, typically a
// proration created by a mid-period change.
type InvoiceItem struct {
	ID             string
	SubscriptionID string
	InvoiceID      string
	Line           InvoiceLine
	CreatedAt      time.Time
}

// IsOpen reports whether the invoice still awaits payment.
func (i *Invoice) IsOpen() bool { return i.Status == InvoiceOpen }

// Clone returns a deep copy safe to mutate.
func (i *Invoice) Clone() *Invoice {
	if i == nil {
		return nil
	}
	c := *i
	c.Lines = append([]InvoiceLine(nil), i.Lines...)
	c.PaidAt = copyTime(i.PaidAt)
	c.VoidedAt = copyTime(i.VoidedAt)
	return &c
}

func sumLines(lines []InvoiceLine) int64 {
	var total int64
	for _, l := range lines {
		total += l.Amount
	}
	return total
}

func (i *Invoice) payload(reason string) events.InvoicePayload {
	return events.InvoicePayload{
		InvoiceID:      i.ID,
		SubscriptionID: i.SubscriptionID,
		CustomerID:     i.CustomerID,
		Status:         string(i.Status),
		Total:          i.Total,
		Currency:       i.Currency,
		Reason:         reason,
	}
}
