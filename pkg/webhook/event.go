package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"
)

// Status is the processing state of a stored webhook event.
type Status string

const (
	// StatusPending is a verified event awaiting its first processing attempt.
	StatusPending Status = "pending"
	// StatusProcessed events have been applied. Redeliveries are no-ops.
	StatusProcessed Status = "processed"
	// StatusFailed events are waiting for a retry at NextAttemptAt.
	StatusFailed Status = "failed"
	// StatusDeadLetter events exhausted their attempts or failed permanently.
	StatusDeadLetter Status = "dead_letter"
)

// IsFinal reports whether no further automatic processing happens.
func (s Status) IsFinal() bool {
	return s == StatusProcessed || s == StatusDeadLetter
}

// Event is a verified provider notification as stored by the pipeline.
// Provider plus ProviderEventID is unique.
type Event struct {
	ID              string
	Provider        string
	ProviderEventID string
	Type            string
	Livemode        bool
	Payload         []byte
	PayloadHash     string
	Status          Status
	Attempts        int
	LastError       string
	NextAttemptAt   *time.Time
	LockedUntil     *time.Time
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
	DeadLetteredAt  *time.Time
	Version         int64
	UpdatedAt       time.Time
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	c := *e
	c.Payload = slices.Clone(e.Payload)
	c.NextAttemptAt = copyTime(e.NextAttemptAt)
	c.LockedUntil = copyTime(e.LockedUntil)
	c.ProcessedAt = copyTime(e.ProcessedAt)
	c.DeadLetteredAt = copyTime(e.DeadLetteredAt)
	return &c
}

// Locked reports whether a worker holds the event at now.
func (e *Event) Locked(now time.Time) bool {
	return e.LockedUntil != nil && e.LockedUntil.After(now)
}

// Due reports whether the event should be processed at now.
func (e *Event) Due(now time.Time) bool {
	if e.Status != StatusPending && e.Status != StatusFailed {
		return false
	}
	if e.Locked(now) {
		return false
	}
	return e.NextAttemptAt == nil || !e.NextAttemptAt.After(now)
}

// Receipt is the result of Receive. Duplicate is set when the provider
// event id was already stored; Event is then the stored copy.
type Receipt struct {
	Event     *Event
	Duplicate bool
}

// HashPayload returns the hex SHA-256 of payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timePtr(t time.Time) *time.Time { return &t }
