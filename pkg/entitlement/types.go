package entitlement

import (
	"time"
)

// Unlimited as a numeric value means no ceiling.
const Unlimited int64 = -1

// Source records where a grant comes from.
type Source string

const (
	SourcePlan   Source = "plan"
	SourceAddon  Source = "addon"
	SourceManual Source = "manual"
)

// Mode says how a numeric grant combines with others for the same key.
type Mode string

const (
	// ModeSet proposes an absolute value. Competing set grants are
	// resolved by the resolver's ConflictPolicy.
	ModeSet Mode = "set"
	// ModeIncrement adds to whatever the set grants resolved to.
	ModeIncrement Mode = "increment"
)

// ConflictPolicy picks the base value among competing set grants.
type ConflictPolicy string

const (
	PolicyMax    ConflictPolicy = "max"
	PolicyMin    ConflictPolicy = "min"
	PolicyLatest ConflictPolicy = "latest"
)

// Numeric attaches a quantity to a grant.
type Numeric struct {
	Mode  Mode
	Value int64
}

// Grant is one source's claim that a customer has an entitlement.
type Grant struct {
	ID         string
	CustomerID string
	Key        string
	Source     Source
	SourceID   string
	GrantedAt  time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	Limit      *Numeric
}

// ActiveAt reports whether the grant counts at now. Expired grants are
// treated as absent without being deleted.
func (g Grant) ActiveAt(now time.Time) bool {
	if g.RevokedAt != nil {
		return false
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return false
	}
	return !g.GrantedAt.After(now)
}

// Entitlement is the merged view of every active grant for one key.
// Limit is nil for purely boolean entitlements.
type Entitlement struct {
	Key       string
	Granted   bool
	Limit     *int64
	Sources   []Source
	ExpiresAt *time.Time
}

// IsUnlimited reports whether the merged numeric value has no ceiling.
func (e Entitlement) IsUnlimited() bool {
	return e.Limit != nil && *e.Limit == Unlimited
}

// GrantParams describes a manual or add-on grant.
type GrantParams struct {
	CustomerID string `validate:"required"`
	Key        string `validate:"required"`
	Source     Source `validate:"omitempty,oneof=plan addon manual"`
	SourceID   string
	ExpiresAt  *time.Time
	Limit      *Numeric
}
