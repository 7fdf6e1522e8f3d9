package service

import (
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trial-visit-engine/internal/domain"
)

// Assembler combines the resolver, calculator, matcher, status engine and
// suppression engine into the final per-patient visit sequence. It is a pure
// function of its inputs: nothing is written to any store.
type Assembler struct {
	logger      *logrus.Logger
	resolver    *TemplateResolver
	matcher     *Matcher
	statuses    *StatusEngine
	suppression *SuppressionEngine
	policy      *ResolutionPolicy
}

// NewAssembler wires the engine components together around one template
// resolver and policy.
func NewAssembler(logger *logrus.Logger, resolver *TemplateResolver, policy *ResolutionPolicy) *Assembler {
	return &Assembler{
		logger:      logger,
		resolver:    resolver,
		matcher:     NewMatcher(logger),
		statuses:    NewStatusEngine(logger, policy),
		suppression: NewSuppressionEngine(logger, policy),
		policy:      policy,
	}
}

// ResolvePatient produces one patient's complete resolved visit sequence,
// derived status, and collected warnings. Failures are scoped to the
// patient: a bad record or a misconfigured schedule sets Err and leaves
// every other patient in the batch unaffected.
func (a *Assembler) ResolvePatient(patient *domain.Patient, events []domain.VisitEvent, today time.Time) domain.PatientResolution {
	resolution := domain.PatientResolution{
		PatientID: patient.PatientID,
		Study:     patient.Study,
	}

	if err := patient.Validate(); err != nil {
		resolution.Err = domain.NewDataIntegrityError(patient.PatientID, patient.Study, err.Error())
		return resolution
	}

	if !a.resolver.HasStudy(patient.Study) {
		resolution.Err = domain.NewDataIntegrityError(patient.PatientID, patient.Study,
			"study has no schedule template")
		return resolution
	}

	pathway := patient.PathwayOrDefault()
	schedule, err := a.resolver.Resolve(patient.Study, pathway)
	if err != nil {
		resolution.Err = err
		return resolution
	}

	patientEvents, _ := SplitStudyLevel(events)

	derivation, statusWarnings := a.statuses.Derive(
		patient, patientEvents, a.resolver.RandomizationVisit(patient.Study, pathway), today)
	resolution.Status = derivation
	resolution.Warnings = append(resolution.Warnings, statusWarnings...)

	visits := PredictVisits(schedule, patient)
	a.matchPredictions(visits, patient, patientEvents, today, &resolution)
	visits = append(visits, a.extraOccurrences(schedule, patient, patientEvents, today)...)
	visits = append(visits, a.unmatchedRecords(schedule, patient, patientEvents, today, &resolution)...)

	a.suppression.Apply(visits, patientEvents, schedule, derivation.StoppageDate, today)

	sortResolved(visits)
	resolution.Visits = visits

	a.logger.WithFields(logrus.Fields{
		"patient_id": patient.PatientID,
		"study":      patient.Study,
		"pathway":    pathway,
		"visits":     len(visits),
		"warnings":   len(resolution.Warnings),
		"status":     derivation.Status,
	}).Debug("Resolved patient visit sequence")

	return resolution
}

// matchPredictions pairs each predicted visit with its governing event and
// rewrites its state in place: completed or out-of-protocol for a past
// event depending on the tolerance window, proposed for a future booking.
func (a *Assembler) matchPredictions(
	visits []domain.ResolvedVisit,
	patient *domain.Patient,
	events []domain.VisitEvent,
	today time.Time,
	resolution *domain.PatientResolution,
) {
	for i := range visits {
		v := &visits[i]

		match := a.matcher.Match(events, v.VisitName, today)
		if !match.Matched() {
			continue
		}
		if match.CaseMismatch {
			resolution.Warnings = append(resolution.Warnings,
				domain.NewCaseMismatchWarning(patient.PatientID, patient.Study,
					match.Governing.VisitName, v.VisitName))
		}

		governing := match.Governing
		v.ActualDate = domain.DatePtr(governing.ActualDate)
		v.Notes = governing.Notes

		if governing.IsActual(today) {
			if v.WithinTolerance(governing.ActualDate) {
				v.FinalState = domain.COMPLETED
			} else {
				v.FinalState = domain.OUT_OF_PROTOCOL
			}
		} else {
			// Proposed-override: the booking supersedes the prediction.
			v.FinalState = domain.PROPOSED
		}
	}
}

// extraOccurrences resolves events recorded against Day-0 optional extras.
// Extras are never predicted, so they only appear when an event names them.
func (a *Assembler) extraOccurrences(
	schedule []domain.ScheduleTemplateEntry,
	patient *domain.Patient,
	events []domain.VisitEvent,
	today time.Time,
) []domain.ResolvedVisit {
	day0 := make(map[string]*domain.ScheduleTemplateEntry)
	for i := range schedule {
		if schedule[i].Day == 0 {
			day0[strings.ToLower(schedule[i].VisitName)] = &schedule[i]
		}
	}
	if len(day0) == 0 {
		return nil
	}

	var out []domain.ResolvedVisit
	for _, ev := range events {
		entry, ok := day0[strings.ToLower(ev.VisitName)]
		if !ok {
			continue
		}

		state := domain.COMPLETED
		if ev.IsProposed(today) {
			state = domain.PROPOSED
		}

		out = append(out, domain.ResolvedVisit{
			PatientID:  patient.PatientID,
			Study:      patient.Study,
			VisitName:  entry.VisitName,
			VisitDay:   0,
			ActualDate: domain.DatePtr(ev.ActualDate),
			FinalState: state,
			VisitType:  domain.EXTRA_VISIT,
			Site:       entry.SiteForVisit,
			Payment:    entry.Payment,
			Notes:      ev.Notes,
		})
	}
	return out
}

// unmatchedRecords retains events with no schedule entry at all as
// unmatched resolved visits, flagged for operator review.
func (a *Assembler) unmatchedRecords(
	schedule []domain.ScheduleTemplateEntry,
	patient *domain.Patient,
	events []domain.VisitEvent,
	today time.Time,
	resolution *domain.PatientResolution,
) []domain.ResolvedVisit {
	unmatched := a.matcher.UnmatchedEvents(events, schedule)

	out := make([]domain.ResolvedVisit, 0, len(unmatched))
	for _, ev := range unmatched {
		resolution.Warnings = append(resolution.Warnings,
			domain.NewUnmatchedVisitWarning(patient.PatientID, patient.Study, ev.VisitName, ev.ActualDate))

		out = append(out, domain.ResolvedVisit{
			PatientID:  patient.PatientID,
			Study:      patient.Study,
			VisitName:  ev.VisitName,
			ActualDate: domain.DatePtr(ev.ActualDate),
			FinalState: domain.UNMATCHED,
			VisitType:  ClassifyVisitType(ev.VisitName, ev.VisitType),
			Site:       ev.Site,
			Notes:      ev.Notes,
		})
	}
	return out
}

// sortResolved orders a sequence by expected/actual date ascending, with
// the schedule day breaking ties. A single final sort, never incremental.
func sortResolved(visits []domain.ResolvedVisit) {
	sort.SliceStable(visits, func(i, j int) bool {
		di, dj := visits[i].SortDate(), visits[j].SortDate()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return visits[i].VisitDay < visits[j].VisitDay
	})
}
