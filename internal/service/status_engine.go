package service

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trial-visit-engine/internal/domain"
)

// markerRule pairs a lifecycle marker predicate with the status it implies.
// The rules are evaluated in declaration order over the full event history;
// the first rule with any matching event wins and later rules are skipped.
type markerRule struct {
	Name   string
	Match  func(notes string) bool
	Status domain.PatientStatus
	// ClearsRandomization removes any randomization date: a screening
	// failure precedes and precludes randomization.
	ClearsRandomization bool
}

func containsMarker(marker string) func(string) bool {
	return func(notes string) bool {
		return strings.Contains(strings.ToLower(notes), marker)
	}
}

// lifecycleMarkers in precedence order: screenfail > withdrawn > died.
var lifecycleMarkers = []markerRule{
	{Name: "screenfail", Match: containsMarker("screenfail"), Status: domain.SCREEN_FAILED, ClearsRandomization: true},
	{Name: "withdrawn", Match: containsMarker("withdrawn"), Status: domain.WITHDRAWN},
	{Name: "died", Match: containsMarker("died"), Status: domain.DECEASED},
}

// StatusEngine derives a patient's lifecycle status and key dates from the
// recorded visit history. It only computes the should-be values; writing
// them back is an explicit command left to the caller.
type StatusEngine struct {
	logger *logrus.Logger
	policy *ResolutionPolicy
}

// NewStatusEngine creates a status transition engine.
func NewStatusEngine(logger *logrus.Logger, policy *ResolutionPolicy) *StatusEngine {
	return &StatusEngine{logger: logger, policy: policy}
}

// Derive scans the patient's full event history for lifecycle markers and
// the randomization visit, returning the derived status, randomization date,
// and stoppage date.
//
// Marker rules run in precedence order; the earliest matching event supplies
// the stoppage date. When no marker fires, a completed randomization visit
// transitions screening to randomized. Manually assigned statuses that this
// engine never derives (dna_screening, completed, lost_to_followup) pass
// through untouched.
func (se *StatusEngine) Derive(
	patient *domain.Patient,
	events []domain.VisitEvent,
	randomizationVisit *domain.ScheduleTemplateEntry,
	today time.Time,
) (*domain.StatusDerivation, []domain.Warning) {
	history := make([]domain.VisitEvent, len(events))
	copy(history, events)
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].ActualDate.Before(history[j].ActualDate)
	})

	derivation := &domain.StatusDerivation{
		PatientID:         patient.PatientID,
		Study:             patient.Study,
		Status:            patient.Status,
		RandomizationDate: patient.RandomizationDate,
	}
	var warnings []domain.Warning

	matched := se.matchMarkers(history)
	randomizationEvent := se.findRandomizationEvent(history, randomizationVisit, today)

	if len(matched) > 1 {
		names := make([]string, 0, len(matched))
		for _, m := range matched {
			names = append(names, m.rule.Name)
		}
		warnings = append(warnings, domain.NewAmbiguousStatusWarning(
			patient.PatientID, patient.Study,
			fmt.Sprintf("conflicting lifecycle markers in notes history: %s", strings.Join(names, ", "))))
	}

	if len(matched) > 0 {
		winner := matched[0]
		derivation.Status = winner.rule.Status
		derivation.StoppageDate = domain.DatePtr(winner.earliest)
		if winner.rule.ClearsRandomization {
			derivation.RandomizationDate = nil
		}

		if randomizationEvent != nil && randomizationEvent.ActualDate.After(winner.earliest) {
			warnings = append(warnings, domain.NewAmbiguousStatusWarning(
				patient.PatientID, patient.Study,
				fmt.Sprintf("randomization visit %q recorded after %s marker", randomizationEvent.VisitName, winner.rule.Name)))
		}

		se.logger.WithFields(logrus.Fields{
			"patient_id": patient.PatientID,
			"study":      patient.Study,
			"marker":     winner.rule.Name,
			"status":     derivation.Status,
			"stoppage":   winner.earliest.Format("2006-01-02"),
		}).Debug("Lifecycle marker set patient status")
	} else if randomizationEvent != nil {
		// Manual terminal assignments stay as given; the randomization
		// date is still recorded when missing.
		if !patient.Status.IsTerminal() {
			derivation.Status = domain.RANDOMIZED
		}
		if derivation.RandomizationDate == nil {
			derivation.RandomizationDate = domain.DatePtr(randomizationEvent.ActualDate)
		}
	}

	derivation.Changed = derivation.Status != patient.Status
	return derivation, warnings
}

type markerHit struct {
	rule     markerRule
	earliest time.Time
}

// matchMarkers returns every marker rule with at least one matching event,
// in precedence order, each paired with the earliest matching event date.
func (se *StatusEngine) matchMarkers(history []domain.VisitEvent) []markerHit {
	var hits []markerHit
	for _, rule := range lifecycleMarkers {
		for _, ev := range history {
			if rule.Match(ev.Notes) {
				// History is date-sorted, so the first match is earliest.
				hits = append(hits, markerHit{rule: rule, earliest: ev.ActualDate})
				break
			}
		}
	}
	return hits
}

// findRandomizationEvent returns the earliest completed event matching the
// schedule's randomization visit, by flagged entry name when the template
// designates one, else by the policy's name pattern. Future bookings do not
// randomize.
func (se *StatusEngine) findRandomizationEvent(
	history []domain.VisitEvent,
	randomizationVisit *domain.ScheduleTemplateEntry,
	today time.Time,
) *domain.VisitEvent {
	for i := range history {
		ev := &history[i]
		if !ev.IsActual(today) {
			continue
		}

		if randomizationVisit != nil {
			if strings.EqualFold(ev.VisitName, randomizationVisit.VisitName) {
				return ev
			}
			continue
		}

		if se.policy.IsRandomizationName(ev.VisitName) {
			return ev
		}
	}
	return nil
}
