package subscription

import (
	"context"

	"github.com/dmitrymomot/billingkit/pkg/statemachine"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusPaused            Status = "paused"
	StatusUnpaid            Status = "unpaid"
	StatusCanceled          Status = "canceled"
)

// Name implements statemachine.State.
func (s Status) Name() string { return string(s) }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusIncomplete, StatusIncompleteExpired, StatusTrialing, StatusActive,
		StatusPastDue, StatusPaused, StatusUnpaid, StatusCanceled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}

// IsLive reports whether the customer keeps access to the plan.
// past_due is live because it is inside the grace period.
func (s Status) IsLive() bool {
	return s == StatusTrialing || s == StatusActive || s == StatusPastDue
}

// Event triggers a status transition.
type Event string

const (
	EventActivate      Event = "activate"
	EventExpire        Event = "expire"
	EventRenewed       Event = "renewed"
	EventRenewFailed   Event = "renew_failed"
	EventChange        Event = "change"
	EventPause         Event = "pause"
	EventResume        Event = "resume"
	EventCancel        Event = "cancel"
	EventGraceExpired  Event = "grace_expired"
	EventScheduleEnd   Event = "schedule_cancel"
	EventUnscheduleEnd Event = "unschedule_cancel"
)

// Name implements statemachine.Event.
func (e Event) Name() string { return string(e) }

type graceData struct{ action Status }

func graceTo(action Status) statemachine.Guard {
	return func(_ context.Context, _ statemachine.State, _ statemachine.Event, data any) bool {
		d, ok := data.(graceData)
		return ok && d.action == action
	}
}

// Transitions is the subscription transition table. Self transitions
// (active on renewed, past_due on renew_failed) record changes that keep
// the status.
var Transitions = statemachine.MustNew(
	statemachine.WithTerminal(StatusCanceled, StatusIncompleteExpired),
	statemachine.WithTransitions([]statemachine.TransitionDef{
		{From: StatusIncomplete, To: StatusActive, Event: EventActivate},
		{From: StatusIncomplete, To: StatusIncompleteExpired, Event: EventExpire},
		{From: StatusIncomplete, To: StatusCanceled, Event: EventCancel},

		{From: StatusTrialing, To: StatusActive, Event: EventRenewed},
		{From: StatusTrialing, To: StatusPastDue, Event: EventRenewFailed},
		{From: StatusTrialing, To: StatusTrialing, Event: EventChange},
		{From: StatusTrialing, To: StatusTrialing, Event: EventScheduleEnd},
		{From: StatusTrialing, To: StatusTrialing, Event: EventUnscheduleEnd},
		{From: StatusTrialing, To: StatusCanceled, Event: EventCancel},

		{From: StatusActive, To: StatusActive, Event: EventRenewed},
		{From: StatusActive, To: StatusPastDue, Event: EventRenewFailed},
		{From: StatusActive, To: StatusActive, Event: EventChange},
		{From: StatusActive, To: StatusActive, Event: EventScheduleEnd},
		{From: StatusActive, To: StatusActive, Event: EventUnscheduleEnd},
		{From: StatusActive, To: StatusPaused, Event: EventPause},
		{From: StatusActive, To: StatusCanceled, Event: EventCancel},

		{From: StatusPastDue, To: StatusActive, Event: EventRenewed},
		{From: StatusPastDue, To: StatusPastDue, Event: EventRenewFailed},
		{From: StatusPastDue, To: StatusPastDue, Event: EventChange},
		{From: StatusPastDue, To: StatusPastDue, Event: EventScheduleEnd},
		{From: StatusPastDue, To: StatusPastDue, Event: EventUnscheduleEnd},
		{From: StatusPastDue, To: StatusUnpaid, Event: EventGraceExpired, Guards: []statemachine.Guard{graceTo(StatusUnpaid)}},
		{From: StatusPastDue, To: StatusCanceled, Event: EventGraceExpired, Guards: []statemachine.Guard{graceTo(StatusCanceled)}},
		{From: StatusPastDue, To: StatusCanceled, Event: EventCancel},

		{From: StatusPaused, To: StatusActive, Event: EventResume},
		{From: StatusPaused, To: StatusCanceled, Event: EventCancel},

		{From: StatusUnpaid, To: StatusActive, Event: EventRenewed},
		{From: StatusUnpaid, To: StatusUnpaid, Event: EventRenewFailed},
		{From: StatusUnpaid, To: StatusCanceled, Event: EventCancel},
	}),
)

// InitialStatuses are the statuses a subscription can be created in.
var InitialStatuses = []Status{StatusIncomplete, StatusTrialing, StatusActive}

// eventTowards finds an event that moves from to to, used when a provider
// reports a status directly. Guarded transitions receive data.
func eventTowards(ctx context.Context, from, to Status, data any) (Event, bool) {
	for _, name := range Transitions.Events(from) {
		tr, err := Transitions.Resolve(ctx, from, Event(name), data)
		if err == nil && tr.To.Name() == to.Name() {
			return Event(name), true
		}
	}
	return "", false
}
