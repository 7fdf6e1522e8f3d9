package service

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trial-visit-engine/internal/domain"
)

// SuppressionEngine decides which still-predicted visits are hidden from the
// final calendar. Rules apply in a fixed order, and a visit suppressed by an
// earlier rule is never reconsidered by a later one:
//
//  1. Terminal-status cutoff - no predictions past the stoppage date.
//  2. Proposed-override - a booked visit supersedes its prediction (applied
//     upstream by the matcher, which turns the prediction into the booking).
//  3. Gap-suppression - no orphan predictions between today and the latest
//     proposed booking.
//  4. Terminal-proposed truncation - a booked final visit suppresses
//     everything scheduled after it.
//  5. Missed-visit suppression - past predictions superseded by a later
//     actual visit are missed, not overdue.
//
// Rule 5 is what separates "missed" (historical, non-actionable) from
// "overdue" (current, actionable): a prediction is overdue only when it is
// the oldest un-actioned one since the patient's last real contact.
type SuppressionEngine struct {
	logger *logrus.Logger
	policy *ResolutionPolicy
}

// NewSuppressionEngine creates a suppression engine.
func NewSuppressionEngine(logger *logrus.Logger, policy *ResolutionPolicy) *SuppressionEngine {
	return &SuppressionEngine{logger: logger, policy: policy}
}

// Apply walks the resolved sequence and rewrites the state of visits still
// in PREDICTED: suppressed states for rules 1, 3 and 4, MISSED_SUPPRESSED or
// OVERDUE for rule 5. Visits already resolved to other states are untouched.
func (s *SuppressionEngine) Apply(
	visits []domain.ResolvedVisit,
	events []domain.VisitEvent,
	schedule []domain.ScheduleTemplateEntry,
	stoppage *time.Time,
	today time.Time,
) {
	latestProposed, proposedAtLatest := latestProposedEvent(events, today)
	truncateAfter := s.truncationBoundary(latestProposed, proposedAtLatest, schedule)

	for i := range visits {
		v := &visits[i]
		if v.FinalState != domain.PREDICTED || v.ExpectedDate == nil {
			continue
		}
		expected := *v.ExpectedDate

		// Rule 1: terminal-status cutoff.
		if stoppage != nil && expected.After(*stoppage) {
			v.FinalState = domain.TERMINAL_SUPPRESSED
			continue
		}

		// Rule 3: gap-suppression between today and the latest booking.
		if latestProposed != nil && expected.After(today) && !expected.After(*latestProposed) {
			v.FinalState = domain.GAP_SUPPRESSED
			continue
		}

		// Rule 4: truncation past a booked end-of-study visit.
		if truncateAfter != nil && expected.After(*truncateAfter) {
			v.FinalState = domain.TERMINAL_SUPPRESSED
			continue
		}

		// Rule 5: missed vs overdue for past predictions.
		if expected.Before(today) {
			if laterActualExists(events, expected, today) {
				v.FinalState = domain.MISSED_SUPPRESSED
			} else {
				v.FinalState = domain.OVERDUE
			}
		}
	}
}

// latestProposedEvent returns the latest future booking date L across the
// patient's events, plus every proposed event dated exactly L.
func latestProposedEvent(events []domain.VisitEvent, today time.Time) (*time.Time, []domain.VisitEvent) {
	var latest *time.Time
	for i := range events {
		ev := &events[i]
		if !ev.IsProposed(today) {
			continue
		}
		if latest == nil || ev.ActualDate.After(*latest) {
			d := ev.ActualDate
			latest = &d
		}
	}
	if latest == nil {
		return nil, nil
	}

	var atLatest []domain.VisitEvent
	for _, ev := range events {
		if ev.ActualDate.Equal(*latest) {
			atLatest = append(atLatest, ev)
		}
	}
	return latest, atLatest
}

// truncationBoundary returns L when the proposed event at L is the
// schedule's final entry or carries an end-of-study marker name, meaning
// everything scheduled after L is suppressed. Nil when no truncation applies.
func (s *SuppressionEngine) truncationBoundary(
	latest *time.Time,
	proposedAtLatest []domain.VisitEvent,
	schedule []domain.ScheduleTemplateEntry,
) *time.Time {
	if latest == nil || len(proposedAtLatest) == 0 {
		return nil
	}

	finalName := finalScheduledVisitName(schedule)
	for _, ev := range proposedAtLatest {
		if s.policy.IsEndOfStudyName(ev.VisitName) {
			s.logger.WithField("visit_name", ev.VisitName).Debug("End-of-study booking truncates schedule")
			return latest
		}
		if finalName != "" && strings.EqualFold(ev.VisitName, finalName) {
			s.logger.WithField("visit_name", ev.VisitName).Debug("Final-visit booking truncates schedule")
			return latest
		}
	}
	return nil
}

// finalScheduledVisitName returns the name of the last predictable entry in
// schedule order, skipping Day-0 extras.
func finalScheduledVisitName(schedule []domain.ScheduleTemplateEntry) string {
	name := ""
	for _, e := range schedule {
		if e.Day >= 1 {
			name = e.VisitName
		}
	}
	return name
}

// laterActualExists reports whether any completed visit falls on or after
// the expected date. Boundary dates count as suppressing.
func laterActualExists(events []domain.VisitEvent, expected, today time.Time) bool {
	for i := range events {
		ev := &events[i]
		if ev.IsActual(today) && !ev.ActualDate.Before(expected) {
			return true
		}
	}
	return false
}
