package shared

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidMonth indicates a malformed billing month.
var ErrInvalidMonth = errors.New("billing month invalid")

// BillingMonth identifies one calendar month a snapshot or batch belongs to.
type BillingMonth struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// NewBillingMonth validates and builds a BillingMonth.
func NewBillingMonth(year, month int) (BillingMonth, error) {
	if year < 2000 || year > 9999 || month < 1 || month > 12 {
		return BillingMonth{}, fmt.Errorf("%w: %d-%d", ErrInvalidMonth, year, month)
	}
	return BillingMonth{Year: year, Month: month}, nil
}

// ParseBillingMonth parses YYYY-MM or YYYYMM.
func ParseBillingMonth(s string) (BillingMonth, error) {
	for _, layout := range []string{"2006-01", "200601"} {
		if t, err := time.Parse(layout, s); err == nil {
			return BillingMonth{Year: t.Year(), Month: int(t.Month())}, nil
		}
	}
	return BillingMonth{}, fmt.Errorf("%w: %q", ErrInvalidMonth, s)
}

// Key returns the YYYYMM billing-month key used to tag ad-hoc records.
func (m BillingMonth) Key() string {
	return fmt.Sprintf("%04d%02d", m.Year, m.Month)
}

// String renders YYYY-MM.
func (m BillingMonth) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, m.Month)
}

// Start returns the first instant of the month in loc (UTC when nil).
func (m BillingMonth) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(m.Year, time.Month(m.Month), 1, 0, 0, 0, 0, loc)
}

// End returns the last calendar day of the month at midnight.
func (m BillingMonth) End(loc *time.Location) time.Time {
	return m.Start(loc).AddDate(0, 1, -1)
}

// DaysIn returns the number of days in the month.
func (m BillingMonth) DaysIn() int {
	return m.End(nil).Day()
}

// Day returns the given day of the month, clamped to the month's last day.
func (m BillingMonth) Day(day int, loc *time.Location) time.Time {
	if day < 1 {
		day = 1
	}
	if last := m.DaysIn(); day > last {
		day = last
	}
	return m.Start(loc).AddDate(0, 0, day-1)
}

// Next returns the following month.
func (m BillingMonth) Next() BillingMonth {
	t := m.Start(nil).AddDate(0, 1, 0)
	return BillingMonth{Year: t.Year(), Month: int(t.Month())}
}

// Contains reports whether t falls within the month (in t's location).
func (m BillingMonth) Contains(t time.Time) bool {
	return t.Year() == m.Year && int(t.Month()) == m.Month
}
