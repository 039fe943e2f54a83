package proration

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Behavior controls how a mid-period change is billed.
type Behavior string

const (
	// CreateProrations records prorated items to be billed on the next invoice.
	CreateProrations Behavior = "create_prorations"
	// None skips proration entirely.
	None Behavior = "none"
	// AlwaysInvoice bills the prorated items immediately, even when they net to zero.
	AlwaysInvoice Behavior = "always_invoice"
)

// Valid reports whether b is a known behavior.
func (b Behavior) Valid() bool {
	switch b {
	case CreateProrations, None, AlwaysInvoice:
		return true
	}
	return false
}

// Params describes a plan or quantity change inside a billing period.
// Prices are unit prices in minor currency units.
type Params struct {
	OldPlanID   string
	NewPlanID   string
	OldPrice    int64
	NewPrice    int64
	OldQuantity int64
	NewQuantity int64
	Currency    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	ChangeAt    time.Time
	Behavior    Behavior
}

// Line is a single credit or charge produced by a change.
type Line struct {
	Description string
	PlanID      string
	Quantity    int64
	Amount      decimal.Decimal
	IsCredit    bool
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// AmountMinor rounds the line amount to whole minor units.
func (l Line) AmountMinor() int64 { return l.Amount.Round(0).IntPart() }

// Result is the outcome of a proration calculation.
// Credit is zero or negative, Charge is zero or positive, Net is their sum.
type Result struct {
	Behavior   Behavior
	Fraction   decimal.Decimal
	Credit     decimal.Decimal
	Charge     decimal.Decimal
	Net        decimal.Decimal
	Currency   string
	Lines      []Line
	InvoiceNow bool
}

// NetMinor rounds the net amount to whole minor units. Negative means the
// customer is owed a credit.
func (r Result) NetMinor() int64 { return r.Net.Round(0).IntPart() }

// IsZero reports whether the change produced nothing to bill.
func (r Result) IsZero() bool { return len(r.Lines) == 0 }

// RemainingFraction returns (end - at) / (end - start), clamped to [0, 1].
func RemainingFraction(start, end, at time.Time) (decimal.Decimal, error) {
	total := end.Sub(start)
	if total <= 0 {
		return decimal.Zero, ErrInvalidPeriod
	}
	remaining := end.Sub(at)
	switch {
	case remaining <= 0:
		return decimal.Zero, nil
	case remaining >= total:
		return decimal.NewFromInt(1), nil
	}
	return decimal.NewFromInt(int64(remaining)).Div(decimal.NewFromInt(int64(total))), nil
}

// Calculate computes the credit for unused time on the old price and the
// charge for the remaining time on the new price.
func Calculate(p Params) (Result, error) {
	if !p.Behavior.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidBehavior, p.Behavior)
	}
	res := Result{
		Behavior: p.Behavior,
		Fraction: decimal.Zero,
		Credit:   decimal.Zero,
		Charge:   decimal.Zero,
		Net:      decimal.Zero,
		Currency: p.Currency,
	}
	if p.Behavior == None {
		return res, nil
	}
	if p.OldPrice < 0 || p.NewPrice < 0 {
		return Result{}, ErrNegativePrice
	}
	if p.OldQuantity <= 0 || p.NewQuantity <= 0 {
		return Result{}, ErrInvalidQuantity
	}

	fraction, err := RemainingFraction(p.PeriodStart, p.PeriodEnd, p.ChangeAt)
	if err != nil {
		return Result{}, err
	}
	res.Fraction = fraction

	oldTotal := decimal.NewFromInt(p.OldPrice).Mul(decimal.NewFromInt(p.OldQuantity))
	newTotal := decimal.NewFromInt(p.NewPrice).Mul(decimal.NewFromInt(p.NewQuantity))
	res.Credit = oldTotal.Mul(fraction).Neg()
	res.Charge = newTotal.Mul(fraction)
	res.Net = res.Credit.Add(res.Charge)

	if !res.Credit.IsZero() {
		res.Lines = append(res.Lines, Line{
			Description: fmt.Sprintf("Unused time on %s (x%d)", planLabel(p.OldPlanID), p.OldQuantity),
			PlanID:      p.OldPlanID,
			Quantity:    p.OldQuantity,
			Amount:      res.Credit,
			IsCredit:    true,
			PeriodStart: p.ChangeAt,
			PeriodEnd:   p.PeriodEnd,
		})
	}
	if !res.Charge.IsZero() {
		res.Lines = append(res.Lines, Line{
			Description: fmt.Sprintf("Remaining time on %s (x%d)", planLabel(p.NewPlanID), p.NewQuantity),
			PlanID:      p.NewPlanID,
			Quantity:    p.NewQuantity,
			Amount:      res.Charge,
			PeriodStart: p.ChangeAt,
			PeriodEnd:   p.PeriodEnd,
		})
	}

	if p.Behavior == AlwaysInvoice {
		res.InvoiceNow = true
		if len(res.Lines) == 0 {
			res.Lines = append(res.Lines, Line{
				Description: fmt.Sprintf("Change to %s (no amount due)", planLabel(p.NewPlanID)),
				PlanID:      p.NewPlanID,
				Quantity:    p.NewQuantity,
				Amount:      decimal.Zero,
				PeriodStart: p.ChangeAt,
				PeriodEnd:   p.PeriodEnd,
			})
		}
	}
	return res, nil
}

func planLabel(id string) string {
	if id == "" {
		return "plan"
	}
	return id
}
