package entitlement

import (
	"slices"
	"time"

	"github.com/samber/lo"
)

// Merge folds grants into effective entitlements at now.
//
// Boolean access: any active grant for a key grants it.
// Numeric value: set grants are reduced to a base with policy, then every
// increment grant is added. Unlimited dominates under PolicyMax and is
// ignored by PolicyMin unless it is the only set grant.
func Merge(grants []Grant, now time.Time, policy ConflictPolicy) map[string]Entitlement {
	active := lo.Filter(grants, func(g Grant, _ int) bool { return g.ActiveAt(now) })
	byKey := lo.GroupBy(active, func(g Grant) string { return g.Key })

	out := make(map[string]Entitlement, len(byKey))
	for key, group := range byKey {
		e := Entitlement{
			Key:       key,
			Granted:   true,
			Sources:   lo.Uniq(lo.Map(group, func(g Grant, _ int) Source { return g.Source })),
			ExpiresAt: latestExpiry(group),
		}
		slices.Sort(e.Sources)
		e.Limit = mergeNumeric(group, policy)
		out[key] = e
	}
	return out
}

func mergeNumeric(group []Grant, policy ConflictPolicy) *int64 {
	sets := lo.Filter(group, func(g Grant, _ int) bool { return g.Limit != nil && g.Limit.Mode == ModeSet })
	incs := lo.Filter(group, func(g Grant, _ int) bool { return g.Limit != nil && g.Limit.Mode == ModeIncrement })
	if len(sets) == 0 && len(incs) == 0 {
		return nil
	}

	var base int64
	if len(sets) > 0 {
		base = resolveSets(sets, policy)
	}
	if base == Unlimited {
		return lo.ToPtr(Unlimited)
	}
	for _, g := range incs {
		if g.Limit.Value == Unlimited {
			return lo.ToPtr(Unlimited)
		}
		base += g.Limit.Value
	}
	return lo.ToPtr(base)
}

func resolveSets(sets []Grant, policy ConflictPolicy) int64 {
	switch policy {
	case PolicyLatest:
		latest := lo.MaxBy(sets, func(a, b Grant) bool { return a.GrantedAt.After(b.GrantedAt) })
		return latest.Limit.Value
	case PolicyMin:
		finite := lo.Filter(sets, func(g Grant, _ int) bool { return g.Limit.Value != Unlimited })
		if len(finite) == 0 {
			return Unlimited
		}
		return lo.Min(lo.Map(finite, func(g Grant, _ int) int64 { return g.Limit.Value }))
	default:
		if lo.SomeBy(sets, func(g Grant) bool { return g.Limit.Value == Unlimited }) {
			return Unlimited
		}
		return lo.Max(lo.Map(sets, func(g Grant, _ int) int64 { return g.Limit.Value }))
	}
}

func latestExpiry(group []Grant) *time.Time {
	var latest *time.Time
	for _, g := range group {
		if g.ExpiresAt == nil {
			return nil
		}
		if latest == nil || g.ExpiresAt.After(*latest) {
			latest = g.ExpiresAt
		}
	}
	return latest
}

func (p ConflictPolicy) valid() bool {
	switch p {
	case PolicyMax, PolicyMin, PolicyLatest:
		return true
	}
	return false
}
