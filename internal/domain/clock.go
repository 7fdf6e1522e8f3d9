package domain

import "time"

// Clock supplies "today" to the engine. Resolution never reads the wall
// clock directly; the caller injects a Clock so tests can pin any date.
type Clock interface {
	Today() time.Time
}

// SystemClock is the production Clock, truncating to UTC midnight so that
// date comparisons are whole-day comparisons.
type SystemClock struct{}

// Today returns the current UTC date at midnight.
func (SystemClock) Today() time.Time {
	return DateOnly(time.Now().UTC())
}

// FixedClock pins today to a single date.
type FixedClock struct {
	Date time.Time
}

// Today returns the pinned date.
func (c FixedClock) Today() time.Time {
	return DateOnly(c.Date)
}

// DateOnly strips the time-of-day component, leaving a UTC midnight date.
// All engine date math operates on these normalized values.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DatePtr returns a pointer to the normalized date. Convenience for the
// nullable date fields on resolved visits.
func DatePtr(t time.Time) *time.Time {
	d := DateOnly(t)
	return &d
}
