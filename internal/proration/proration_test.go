package proration

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestThursdayMidMonthExample(t *testing.T) {
	res, err := Calculate(date(2026, time.January, 15), []time.Weekday{time.Thursday}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 3, res.Remaining)
	require.Equal(t, 5, res.Total)
	require.True(t, res.Ratio.Equal(decimal.RequireFromString("0.6")), "ratio %s", res.Ratio)
}

func TestFirstOfMonthIsFullRatio(t *testing.T) {
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		for _, month := range []time.Month{time.January, time.February, time.June, time.December} {
			res, err := Calculate(date(2024, month, 1), []time.Weekday{wd}, time.Time{})
			require.NoError(t, err)
			require.True(t, res.Ratio.Equal(decimal.NewFromInt(1)), "weekday %s month %s", wd, month)
			require.Equal(t, res.Total, res.Remaining)
		}
	}
}

func TestRatioBoundsAndMonotonicity(t *testing.T) {
	for _, year := range []int{2023, 2024} {
		for month := time.January; month <= time.December; month++ {
			last := date(year, month, 1).AddDate(0, 1, -1).Day()
			for wd := time.Sunday; wd <= time.Saturday; wd++ {
				prev := -1
				for day := 1; day <= last; day++ {
					res, err := Calculate(date(year, month, day), []time.Weekday{wd}, time.Time{})
					require.NoError(t, err)
					require.False(t, res.Ratio.IsNegative())
					require.True(t, res.Ratio.LessThanOrEqual(decimal.NewFromInt(1)))
					require.LessOrEqual(t, res.Remaining, res.Total)
					if prev >= 0 {
						require.LessOrEqual(t, res.Remaining, prev, "%d-%02d-%02d %s", year, month, day, wd)
					}
					prev = res.Remaining
				}
			}
		}
	}
}

func TestMultiWeekdaySumsCounts(t *testing.T) {
	start := date(2026, time.January, 15)
	days := []time.Weekday{time.Monday, time.Thursday}
	multi, err := Calculate(start, days, time.Time{})
	require.NoError(t, err)

	var remaining, total int
	for _, wd := range days {
		single, err := Calculate(start, []time.Weekday{wd}, time.Time{})
		require.NoError(t, err)
		remaining += single.Remaining
		total += single.Total
	}
	require.Equal(t, remaining, multi.Remaining)
	require.Equal(t, total, multi.Total)
	// Mondays 19,26 + Thursdays 15,22,29 over 4 + 5.
	require.Equal(t, 5, multi.Remaining)
	require.Equal(t, 9, multi.Total)
}

func TestLeapYearFebruary(t *testing.T) {
	// 2024-02-29 is a Thursday; February 2024 has 5 Thursdays.
	res, err := Calculate(date(2024, time.February, 29), []time.Weekday{time.Thursday}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Remaining)
	require.Equal(t, 5, res.Total)

	res, err = Calculate(date(2023, time.February, 28), []time.Weekday{time.Tuesday}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Remaining)
	require.Equal(t, 4, res.Total)
}

func TestDuplicateWeekdaysAreIgnored(t *testing.T) {
	a, err := Calculate(date(2026, time.January, 15), []time.Weekday{time.Thursday, time.Thursday}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 3, a.Remaining)
	require.Equal(t, 5, a.Total)
}

func TestNoWeekdays(t *testing.T) {
	_, err := Calculate(date(2026, time.January, 15), nil, time.Time{})
	require.ErrorIs(t, err, ErrNoWeekdays)
}

func TestReferenceMonth(t *testing.T) {
	// January 2026 has five Fridays from the 2nd; February 2026 has four.
	_, err := Calculate(date(2026, time.January, 2), []time.Weekday{time.Friday}, date(2026, time.February, 1))
	require.ErrorIs(t, err, ErrShortReference)

	res, err := Calculate(date(2026, time.January, 16), []time.Weekday{time.Friday}, date(2026, time.February, 1))
	require.NoError(t, err)
	require.Equal(t, 3, res.Remaining)
	require.Equal(t, 4, res.Total)
	require.True(t, res.Ratio.Equal(decimal.RequireFromString("0.75")), "ratio %s", res.Ratio)
}

func TestApplyFloorsYen(t *testing.T) {
	require.Equal(t, int64(6000), Apply(10000, decimal.RequireFromString("0.6")))
	require.Equal(t, int64(3333), Apply(10000, decimal.RequireFromString("0.333333")))
	require.Equal(t, int64(10000), Apply(10000, decimal.RequireFromString("1.5")))
	require.Equal(t, int64(0), Apply(10000, decimal.RequireFromString("-0.1")))
}
