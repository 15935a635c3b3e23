// Package proration reduces recurring weekly charges for a partial first month.
package proration

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoWeekdays indicates a proration request without any lesson weekday.
var ErrNoWeekdays = errors.New("proration: at least one weekday required")

// ErrShortReference indicates a reference month with fewer occurrences than remain in
// the start month.
var ErrShortReference = errors.New("proration: reference month has fewer lessons than remain")

// RatioPlaces is the number of decimal places kept on a ratio.
const RatioPlaces = 6

// Result carries the counts behind a ratio so callers can audit it.
type Result struct {
	Remaining int             `json:"remaining_count"`
	Total     int             `json:"total_count"`
	Ratio     decimal.Decimal `json:"ratio"`
}

// Calculate counts lesson occurrences from start (inclusive) through the end of start's
// month and divides by the occurrences across the reference month. A zero reference uses
// start's month. Counts are summed across weekdays before dividing. A reference whose
// count is below the remaining count yields ErrShortReference.
func Calculate(start time.Time, weekdays []time.Weekday, reference time.Time) (Result, error) {
	days := normalize(weekdays)
	if len(days) == 0 {
		return Result{}, ErrNoWeekdays
	}
	start = dateOnly(start)
	if reference.IsZero() {
		reference = start
	}
	refStart := time.Date(reference.Year(), reference.Month(), 1, 0, 0, 0, 0, time.UTC)
	refEnd := refStart.AddDate(0, 1, -1)
	monthEnd := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1)

	var remaining, total int
	for _, wd := range days {
		remaining += countWeekday(start, monthEnd, wd)
		total += countWeekday(refStart, refEnd, wd)
	}

	if remaining > total {
		return Result{}, ErrShortReference
	}
	res := Result{Remaining: remaining, Total: total}
	switch {
	case start.Day() == 1:
		res.Ratio = decimal.NewFromInt(1)
	case total == 0:
		res.Ratio = decimal.Zero
	default:
		res.Ratio = clamp(decimal.NewFromInt(int64(remaining)).DivRound(decimal.NewFromInt(int64(total)), RatioPlaces))
	}
	return res, nil
}

// Apply scales a yen amount by ratio, flooring to whole yen.
func Apply(amount int64, ratio decimal.Decimal) int64 {
	ratio = clamp(ratio)
	return decimal.NewFromInt(amount).Mul(ratio).Floor().IntPart()
}

// countWeekday counts occurrences of wd in [from, to].
func countWeekday(from, to time.Time, wd time.Weekday) int {
	if to.Before(from) {
		return 0
	}
	offset := (int(wd) - int(from.Weekday()) + 7) % 7
	first := from.AddDate(0, 0, offset)
	if first.After(to) {
		return 0
	}
	span := int(to.Sub(first).Hours()/24 + 0.5)
	return span/7 + 1
}

func clamp(r decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if r.IsNegative() {
		return decimal.Zero
	}
	if r.GreaterThan(one) {
		return one
	}
	return r
}

func normalize(in []time.Weekday) []time.Weekday {
	seen := make(map[time.Weekday]struct{}, len(in))
	out := make([]time.Weekday, 0, len(in))
	for _, wd := range in {
		if wd < time.Sunday || wd > time.Saturday {
			continue
		}
		if _, ok := seen[wd]; ok {
			continue
		}
		seen[wd] = struct{}{}
		out = append(out, wd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
