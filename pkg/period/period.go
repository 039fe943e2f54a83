package period

import (
	"fmt"
	"time"
)

// Interval is the unit a billing cycle is measured in.
type Interval string

const (
	Day   Interval = "day"
	Week  Interval = "week"
	Month Interval = "month"
	Year  Interval = "year"
)

// Valid reports whether the interval is one of the known units.
func (i Interval) Valid() bool {
	switch i {
	case Day, Week, Month, Year:
		return true
	}
	return false
}

// Bounds is a half-open billing period [Start, End).
type Bounds struct {
	Start time.Time
	End   time.Time
}

// Duration returns the length of the period.
func (b Bounds) Duration() time.Duration { return b.End.Sub(b.Start) }

// Contains reports whether t falls inside [Start, End).
func (b Bounds) Contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

// Validate checks that End is strictly after Start.
func (b Bounds) Validate() error {
	if !b.End.After(b.Start) {
		return fmt.Errorf("%w: [%s, %s)", ErrInvalidBounds, b.Start.Format(time.RFC3339), b.End.Format(time.RFC3339))
	}
	return nil
}

// AddInterval moves t forward by count intervals.
// Month and year steps clamp to the last day of the target month,
// so Jan 31 + 1 month is Feb 28 (Feb 29 in a leap year).
func AddInterval(t time.Time, iv Interval, count int) (time.Time, error) {
	if count <= 0 {
		return t, fmt.Errorf("%w: got %d", ErrInvalidCount, count)
	}
	switch iv {
	case Day:
		return t.AddDate(0, 0, count), nil
	case Week:
		return t.AddDate(0, 0, 7*count), nil
	case Month:
		return addMonthsClamped(t, count), nil
	case Year:
		return addMonthsClamped(t, 12*count), nil
	default:
		return t, fmt.Errorf("%w: %q", ErrInvalidInterval, iv)
	}
}

// PeriodBounds returns the first period starting at anchor.
func PeriodBounds(anchor time.Time, iv Interval, count int) (Bounds, error) {
	end, err := AddInterval(anchor, iv, count)
	if err != nil {
		return Bounds{}, err
	}
	b := Bounds{Start: anchor, End: end}
	return b, b.Validate()
}

// NextBounds returns the period that follows one ending at currentEnd.
// Period ends are always computed from the anchor rather than from the
// previous end, so a subscription anchored on the 31st returns to the 31st
// after passing through a shorter month.
func NextBounds(anchor time.Time, iv Interval, count int, currentEnd time.Time) (Bounds, error) {
	if count <= 0 {
		return Bounds{}, fmt.Errorf("%w: got %d", ErrInvalidCount, count)
	}
	if !iv.Valid() {
		return Bounds{}, fmt.Errorf("%w: %q", ErrInvalidInterval, iv)
	}

	n := estimateSteps(anchor, iv, count, currentEnd)
	for {
		end, err := AddInterval(anchor, iv, n*count)
		if err != nil {
			return Bounds{}, err
		}
		if end.After(currentEnd) {
			b := Bounds{Start: currentEnd, End: end}
			return b, b.Validate()
		}
		n++
	}
}

// TrialEnd returns the end of a trial of the given number of calendar days.
func TrialEnd(start time.Time, days int) time.Time {
	return start.AddDate(0, 0, days)
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()

	// time.Date normalises month overflow, day clamping is done by hand.
	target := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(target.Year(), target.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(target.Year(), target.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// estimateSteps skips most of the iterations for long-lived anchors.
// It undershoots on purpose; NextBounds walks forward from here.
func estimateSteps(anchor time.Time, iv Interval, count int, currentEnd time.Time) int {
	if !currentEnd.After(anchor) {
		return 1
	}
	var approx time.Duration
	switch iv {
	case Day:
		approx = 24 * time.Hour
	case Week:
		approx = 7 * 24 * time.Hour
	case Month:
		approx = 31 * 24 * time.Hour
	case Year:
		approx = 366 * 24 * time.Hour
	}
	n := int(currentEnd.Sub(anchor)/(approx*time.Duration(count))) - 1
	if n < 1 {
		return 1
	}
	return n
}
