// Package proration computes fractional billing-cycle counts between a
// subscription's service dates and an invoicing target date. All arithmetic
// is exact decimal at a fixed scale so repeated invoice runs agree to the
// last digit.
package proration

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billway/internal/catalog"
)

// BillingMode selects whether recurring charges bill at the start of a cycle
// or once the cycle has elapsed.
type BillingMode string

const (
	BillingModeInAdvance BillingMode = "IN_ADVANCE"
	BillingModeInArrear  BillingMode = "IN_ARREAR"
)

// Scale is the decimal precision of cycle counts. Division rounds HALF_UP.
const Scale = 7

var (
	ErrInvalidDateSequence = errors.New("proration_invalid_date_sequence")
	ErrInvalidBillCycleDay = errors.New("proration_invalid_bill_cycle_day")
	ErrInvalidPeriod       = errors.New("proration_invalid_billing_period")
)

// Calculator computes billing cycle counts. It is stateless.
type Calculator struct{}

func NewCalculator() *Calculator { return &Calculator{} }

// NumberOfCycles returns the decimal count of billing cycles, prorated at
// both ends, elapsed or billable between startDate and targetDate.
//
// Dates are calendar dates; callers pass UTC midnights. billCycleDay anchors
// every cycle boundary. endDate, when non-nil, truncates the final period:
// targets on or past endDate saturate at the endDate-computed value.
func (c *Calculator) NumberOfCycles(
	startDate time.Time,
	endDate *time.Time,
	targetDate time.Time,
	billCycleDay int,
	period catalog.BillingPeriod,
	mode BillingMode,
) (decimal.Decimal, error) {
	if billCycleDay < 1 || billCycleDay > 31 {
		return decimal.Zero, ErrInvalidBillCycleDay
	}
	months := period.Months()
	if months <= 0 {
		return decimal.Zero, ErrInvalidPeriod
	}
	start := toDate(startDate)
	target := toDate(targetDate)
	if target.Before(start) {
		return decimal.Zero, ErrInvalidDateSequence
	}
	var end *time.Time
	if endDate != nil {
		e := toDate(*endDate)
		if e.Before(start) {
			return decimal.Zero, ErrInvalidDateSequence
		}
		end = &e
		// Never extrapolate past the end date.
		if target.After(e) {
			target = e
		}
	}

	firstBoundary := firstBillingCycleDateOnOrAfter(start, billCycleDay)

	total := decimal.Zero

	// Leading partial period, prorated against the actual calendar length of
	// the cycle ending at the first boundary.
	if firstBoundary.After(start) {
		periodStart := addMonthsAnchored(firstBoundary, -months, billCycleDay)
		leadingEnd := firstBoundary
		if end != nil && end.Before(firstBoundary) {
			leadingEnd = *end
		}
		leading := fraction(start, leadingEnd, periodStart, firstBoundary)
		if mode == BillingModeInAdvance || !target.Before(leadingEnd) {
			total = total.Add(leading)
		}
		if target.Before(firstBoundary) {
			return total, nil
		}
	}

	// Whole cycles plus the trailing truncated period, boundary by boundary.
	boundary := firstBoundary
	for !boundary.After(target) {
		if end != nil && !boundary.Before(*end) {
			break
		}
		next := addMonthsAnchored(boundary, months, billCycleDay)
		switch {
		case end != nil && end.Before(next):
			// Final truncated period against its actual calendar length.
			trailing := fraction(boundary, *end, boundary, next)
			if mode == BillingModeInAdvance || !target.Before(*end) {
				total = total.Add(trailing)
			}
		case mode == BillingModeInAdvance:
			total = total.Add(decimal.NewFromInt(1))
		default:
			// In arrear the cycle is only credited once it has elapsed.
			if !target.Before(next) {
				total = total.Add(decimal.NewFromInt(1))
			}
		}
		boundary = next
	}

	return total, nil
}

// fraction returns days(from, to) / days(periodStart, periodEnd) at the
// configured scale, HALF_UP. A zero-length period counts as one full cycle.
func fraction(from, to, periodStart, periodEnd time.Time) decimal.Decimal {
	num := daysBetween(from, to)
	den := daysBetween(periodStart, periodEnd)
	if den == 0 {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(num).DivRound(decimal.NewFromInt(den), Scale)
}

// firstBillingCycleDateOnOrAfter aligns start forward to the bill cycle day,
// clamping to short months.
func firstBillingCycleDateOnOrAfter(start time.Time, billCycleDay int) time.Time {
	candidate := anchorDay(start.Year(), start.Month(), billCycleDay)
	if candidate.Before(start) {
		next := start.AddDate(0, 1, -start.Day()+1) // first of next month
		candidate = anchorDay(next.Year(), next.Month(), billCycleDay)
	}
	return candidate
}

// addMonthsAnchored moves a boundary by whole months, re-anchoring to the
// bill cycle day so a clamped short month does not drift the cycle.
func addMonthsAnchored(boundary time.Time, months, billCycleDay int) time.Time {
	first := time.Date(boundary.Year(), boundary.Month(), 1, 0, 0, 0, 0, time.UTC)
	moved := first.AddDate(0, months, 0)
	return anchorDay(moved.Year(), moved.Month(), billCycleDay)
}

func anchorDay(year int, month time.Month, day int) time.Time {
	if max := daysInMonth(year, month); day > max {
		day = max
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func daysBetween(from, to time.Time) int64 {
	return int64(to.Sub(from).Hours() / 24)
}

func toDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
