package service

import (
	"time"

	"github.com/trial-visit-engine/internal/domain"
	"github.com/trial-visit-engine/pkg/dates"
)

// ExpectedDate computes the concrete date a template visit is expected to
// occur for a patient with the given baseline date.
//
// Day-offset mode: baseline + (Day - 1), so the Day-1 entry lands on the
// baseline date itself. Month mode: baseline + IntervalValue calendar months,
// clamped at month ends; Day then governs only sort order. A month entry
// with a missing or non-positive IntervalValue falls back silently to the
// day calculation. The baseline entry is always anchored to the literal
// baseline date regardless of interval unit.
func ExpectedDate(entry *domain.ScheduleTemplateEntry, baseline time.Time) time.Time {
	baseline = dates.Normalize(baseline)

	if entry.IsBaseline() {
		return baseline
	}

	if entry.UsesMonthArithmetic() {
		return dates.AddMonths(baseline, entry.IntervalValue)
	}

	return baseline.AddDate(0, 0, entry.Day-1)
}

// ToleranceWindow returns the inclusive acceptance window around an expected
// date. Tolerances default to zero, making the window the exact date only.
func ToleranceWindow(entry *domain.ScheduleTemplateEntry, expected time.Time) (start, end time.Time) {
	expected = dates.Normalize(expected)
	return expected.AddDate(0, 0, -entry.ToleranceBefore), expected.AddDate(0, 0, entry.ToleranceAfter)
}

// PredictVisits builds the raw predicted sequence for one patient from the
// resolved schedule: one ResolvedVisit per predictable entry, in schedule
// order, each in state predicted with its tolerance window attached.
// Day-0 entries are optional extras and never predicted.
func PredictVisits(entries []domain.ScheduleTemplateEntry, patient *domain.Patient) []domain.ResolvedVisit {
	baseline := dates.Normalize(patient.ScreeningDate)

	out := make([]domain.ResolvedVisit, 0, len(entries))
	for i := range entries {
		entry := &entries[i]
		if entry.Day < 1 {
			continue
		}

		expected := ExpectedDate(entry, baseline)
		start, end := ToleranceWindow(entry, expected)

		out = append(out, domain.ResolvedVisit{
			PatientID:      patient.PatientID,
			Study:          entry.Study,
			VisitName:      entry.VisitName,
			VisitDay:       entry.Day,
			ExpectedDate:   domain.DatePtr(expected),
			ToleranceStart: domain.DatePtr(start),
			ToleranceEnd:   domain.DatePtr(end),
			FinalState:     domain.PREDICTED,
			VisitType:      entry.VisitType,
			Site:           entry.SiteForVisit,
			Payment:        entry.Payment,
		})
	}
	return out
}
