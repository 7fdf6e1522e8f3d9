// Package dates provides the date handling shared across the visit engine:
// UK-preference (day-first) parsing of free-form date strings, calendar-aware
// month offsets, and UK financial-year (April to March) helpers.
package dates

import (
	"fmt"
	"strings"
	"time"
)

// Accepted day-first layouts, tried in order. Two-digit years resolve via
// Go's default pivot (69 -> 1969, 68 -> 2068).
var ukLayouts = []string{
	"02/01/06",
	"02/01/2006",
	"02-01-06",
	"02-01-2006",
	"02.01.06",
	"02.01.2006",
}

// ISO layouts accepted as a fallback for data arriving from exports.
var isoLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
}

// ParseUK parses a date string day-first, trying the UK layouts before the
// ISO fallbacks. The result is normalized to UTC midnight.
func ParseUK(s string) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("parsing date: empty string")
	}

	for _, layout := range ukLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return Normalize(t), nil
		}
	}

	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return Normalize(t), nil
		}
	}

	return time.Time{}, fmt.Errorf("parsing date %q: no accepted layout matched", s)
}

// Normalize strips the time-of-day component, leaving UTC midnight.
func Normalize(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// AddMonths adds n calendar months, clamping to the last day of the target
// month instead of rolling over: 31 Jan + 1 month is 28/29 Feb, never 2/3 Mar.
func AddMonths(t time.Time, n int) time.Time {
	t = Normalize(t)

	year, month, day := t.Year(), int(t.Month()), t.Day()
	month += n
	// Normalize month into 1..12, carrying into years.
	year += (month - 1) / 12
	month = (month-1)%12 + 1
	if month <= 0 {
		month += 12
		year--
	}

	if last := daysIn(year, time.Month(month)); day > last {
		day = last
	}

	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// FinancialYearStart returns 1 April of the UK financial year containing d.
func FinancialYearStart(d time.Time) time.Time {
	year := d.Year()
	if d.Month() < time.April {
		year--
	}
	return time.Date(year, time.April, 1, 0, 0, 0, 0, time.UTC)
}

// FinancialYearEnd returns 31 March closing the UK financial year containing d.
func FinancialYearEnd(d time.Time) time.Time {
	return FinancialYearStart(d).AddDate(1, 0, -1)
}

// FinancialYearLabel formats the financial year containing d as e.g. "2024/25".
func FinancialYearLabel(d time.Time) string {
	start := FinancialYearStart(d)
	return fmt.Sprintf("%d/%02d", start.Year(), (start.Year()+1)%100)
}

// FinancialQuarter returns the quarter (1-4) of the UK financial year
// containing d. Q1 is April to June.
func FinancialQuarter(d time.Time) int {
	m := int(d.Month()) - int(time.April)
	if m < 0 {
		m += 12
	}
	return m/3 + 1
}

// MonthLabel formats d's calendar month as e.g. "2024-03".
func MonthLabel(d time.Time) string {
	return d.Format("2006-01")
}

// DaysBetween returns the whole days from a to b, negative when b precedes a.
func DaysBetween(a, b time.Time) int {
	return int(Normalize(b).Sub(Normalize(a)).Hours() / 24)
}
