package generic

import (
	"time"
)

// =============================================================================
// DATE HELPERS - All cycle math runs on UTC calendar days
// =============================================================================

// DateLayout is the wire format for calendar days.
const DateLayout = "2006-01-02"

// MonthLayout is the wire format for calendar months.
const MonthLayout = "2006-01"

// Date builds a UTC midnight for the given calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// StartOfDay truncates t to midnight of its UTC calendar day.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return Date(t.Year(), t.Month(), t.Day())
}

func StartOfMonth(year int, month time.Month) time.Time { return Date(year, month, 1) }

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ClampedDate returns (year, month, day), with day clamped to the last day
// of the month. Month overflow is normalized first, so month 13 is January
// of the following year.
func ClampedDate(year int, month time.Month, day int) time.Time {
	first := StartOfMonth(year, month)
	last := DaysIn(first.Year(), first.Month())
	if day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return Date(first.Year(), first.Month(), day)
}

// AddMonthsClamped shifts t by n months keeping the anchor day-of-month,
// clamped to the length of the target month.
func AddMonthsClamped(t time.Time, n int, anchorDay int) time.Time {
	return ClampedDate(t.Year(), t.Month()+time.Month(n), anchorDay)
}

// DaysBetween returns whole days from `from` to `to` (negative if to < from).
func DaysBetween(from, to time.Time) int {
	return int(StartOfDay(to).Sub(StartOfDay(from)).Hours() / 24)
}
