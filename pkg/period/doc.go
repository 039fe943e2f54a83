// Package period implements billing period arithmetic.
//
// All functions are pure: the same input always yields the same output and
// nothing reads the wall clock. Month and year steps clamp to the last day of
// a shorter target month instead of overflowing into the next one:
//
//	end, _ := period.AddInterval(time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), period.Month, 1)
//	// 2024-02-29
//
// Renewals use NextBounds, which derives every period end from the original
// anchor so month-end subscriptions do not drift toward the 28th.
package period
