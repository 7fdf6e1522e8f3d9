package service

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trial-visit-engine/internal/domain"
)

// ClassifyVisitType derives an event's effective visit type from its name.
// A name exactly equal to "SIV" (any case) is a site-initiation event; a name
// containing "monitor" (any case) is a monitoring event. Both bypass
// per-patient matching and resolve at study level. Everything else keeps the
// declared type, defaulting to a patient visit when none was recorded.
//
// Pure classification: input records are never mutated, so the recorded
// name and type stay intact for audit.
func ClassifyVisitType(visitName string, declared domain.VisitType) domain.VisitType {
	lower := strings.ToLower(strings.TrimSpace(visitName))

	if lower == "siv" {
		return domain.SIV_VISIT
	}
	if strings.Contains(lower, "monitor") {
		return domain.MONITOR_VISIT
	}

	if declared.IsValid() {
		return declared
	}
	return domain.PATIENT_VISIT
}

// MatchResult is the matcher's verdict for one predicted visit name.
type MatchResult struct {
	// Governing is the event that decides the visit's state: the latest
	// past actual if any, otherwise the soonest future proposed booking.
	// Nil when no event matches the name.
	Governing *domain.VisitEvent

	// All holds every event matching the name, reschedules included.
	All []domain.VisitEvent

	// CaseMismatch reports that the governing match differed from the
	// template name in case only.
	CaseMismatch bool
}

// Matched reports whether any event matched the visit name.
func (mr *MatchResult) Matched() bool {
	return mr.Governing != nil
}

// Matcher pairs recorded visit events with predicted visits by name.
type Matcher struct {
	logger *logrus.Logger
}

// NewMatcher creates a visit event matcher.
func NewMatcher(logger *logrus.Logger) *Matcher {
	return &Matcher{logger: logger}
}

// Match finds the events governing one predicted visit. Exact name matches
// win; case-insensitive matches are accepted as a fallback and flagged.
// When several events share the name (reschedules), the governing record is
// the latest one dated today or earlier, else the earliest future one.
func (m *Matcher) Match(events []domain.VisitEvent, visitName string, today time.Time) MatchResult {
	var exact, folded []domain.VisitEvent
	for _, ev := range events {
		if ev.VisitName == visitName {
			exact = append(exact, ev)
		} else if strings.EqualFold(ev.VisitName, visitName) {
			folded = append(folded, ev)
		}
	}

	matches := exact
	caseMismatch := false
	if len(matches) == 0 && len(folded) > 0 {
		matches = folded
		caseMismatch = true
		m.logger.WithFields(logrus.Fields{
			"visit_name": visitName,
			"event_name": folded[0].VisitName,
		}).Warn("Visit matched only case-insensitively")
	}

	if len(matches) == 0 {
		return MatchResult{}
	}

	governing := selectGoverning(matches, today)
	return MatchResult{
		Governing:    governing,
		All:          matches,
		CaseMismatch: caseMismatch,
	}
}

// selectGoverning picks the record that wins among reschedules: most recent
// correction for completed visits, nearest upcoming booking for tentative ones.
func selectGoverning(matches []domain.VisitEvent, today time.Time) *domain.VisitEvent {
	var latestPast, earliestFuture *domain.VisitEvent

	for i := range matches {
		ev := &matches[i]
		if ev.IsActual(today) {
			if latestPast == nil || ev.ActualDate.After(latestPast.ActualDate) {
				latestPast = ev
			}
		} else {
			if earliestFuture == nil || ev.ActualDate.Before(earliestFuture.ActualDate) {
				earliestFuture = ev
			}
		}
	}

	if latestPast != nil {
		return latestPast
	}
	return earliestFuture
}

func equalFoldName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// UnmatchedEvents returns the patient-level events whose names correspond to
// no schedule entry at all, case-insensitively. They are retained in output
// as unmatched resolved visits, never discarded.
func (m *Matcher) UnmatchedEvents(events []domain.VisitEvent, entries []domain.ScheduleTemplateEntry) []domain.VisitEvent {
	known := make(map[string]bool, len(entries))
	for _, e := range entries {
		known[strings.ToLower(e.VisitName)] = true
	}

	var out []domain.VisitEvent
	for _, ev := range events {
		if ClassifyVisitType(ev.VisitName, ev.VisitType).IsStudyLevel() {
			continue
		}
		if !known[strings.ToLower(ev.VisitName)] {
			out = append(out, ev)
		}
	}
	return out
}

// SplitStudyLevel partitions events into the per-patient stream and the
// study-level SIV/monitor stream, using name classification alone.
func SplitStudyLevel(events []domain.VisitEvent) (patient, study []domain.VisitEvent) {
	for _, ev := range events {
		if ClassifyVisitType(ev.VisitName, ev.VisitType).IsStudyLevel() {
			study = append(study, ev)
		} else {
			patient = append(patient, ev)
		}
	}
	return patient, study
}
