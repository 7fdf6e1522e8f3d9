package service

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trial-visit-engine/internal/domain"
)

// StudyEventPass resolves the study-level SIV and monitoring events: the
// structurally patient-less counterpart to per-patient resolution. Every
// event is either occurred or not yet occurred; no tolerance, suppression,
// or missed/overdue logic applies.
type StudyEventPass struct {
	logger  *logrus.Logger
	matcher *Matcher
	policy  *ResolutionPolicy
}

// NewStudyEventPass creates a study-level event resolver.
func NewStudyEventPass(logger *logrus.Logger, policy *ResolutionPolicy) *StudyEventPass {
	return &StudyEventPass{
		logger:  logger,
		matcher: NewMatcher(logger),
		policy:  policy,
	}
}

// Resolve matches a study's siv/monitor template entries against the
// study-level event stream. Events and template entries carrying an empty
// or placeholder contract site are rejected per record and surfaced as
// warnings, never silently defaulted.
func (sp *StudyEventPass) Resolve(
	study, pathway string,
	templates []domain.ScheduleTemplateEntry,
	events []domain.VisitEvent,
	today time.Time,
) domain.StudyResolution {
	resolution := domain.StudyResolution{Study: study, Pathway: pathway}

	valid := make([]domain.VisitEvent, 0, len(events))
	for _, ev := range events {
		if !sp.policy.IsValidSite(ev.Site) {
			sp.logger.WithFields(logrus.Fields{
				"study":      study,
				"visit_name": ev.VisitName,
				"site":       ev.Site,
			}).Warn("Rejected study event with invalid contract site")
			resolution.Warnings = append(resolution.Warnings,
				domain.NewInvalidSiteWarning(study, ev.VisitName, ev.Site))
			continue
		}
		valid = append(valid, ev)
	}

	for i := range templates {
		entry := &templates[i]

		if !sp.policy.IsValidSite(entry.SiteForVisit) {
			sp.logger.WithFields(logrus.Fields{
				"study":      study,
				"visit_name": entry.VisitName,
				"site":       entry.SiteForVisit,
			}).Warn("Skipped schedule entry with invalid contract site")
			resolution.Warnings = append(resolution.Warnings,
				domain.NewInvalidSiteWarning(study, entry.VisitName, entry.SiteForVisit))
			continue
		}

		rv := domain.ResolvedVisit{
			Study:      study,
			VisitName:  entry.VisitName,
			VisitDay:   entry.Day,
			FinalState: domain.PREDICTED,
			VisitType:  entry.VisitType,
			Site:       entry.SiteForVisit,
			Payment:    entry.Payment,
		}

		match := sp.matcher.Match(valid, entry.VisitName, today)
		if match.Matched() {
			rv.ActualDate = domain.DatePtr(match.Governing.ActualDate)
			rv.Notes = match.Governing.Notes
			if match.Governing.IsActual(today) {
				rv.FinalState = domain.COMPLETED
			} else {
				rv.FinalState = domain.PROPOSED
			}
		}

		resolution.Events = append(resolution.Events, rv)
	}

	// Ad hoc siv/monitor events outside the template still surface.
	for _, ev := range valid {
		if sp.templateCovers(templates, ev.VisitName) {
			continue
		}

		state := domain.COMPLETED
		if ev.IsProposed(today) {
			state = domain.PROPOSED
		}
		resolution.Events = append(resolution.Events, domain.ResolvedVisit{
			Study:      study,
			VisitName:  ev.VisitName,
			ActualDate: domain.DatePtr(ev.ActualDate),
			FinalState: state,
			VisitType:  ClassifyVisitType(ev.VisitName, ev.VisitType),
			Site:       ev.Site,
			Notes:      ev.Notes,
		})
	}

	sortResolved(resolution.Events)
	return resolution
}

func (sp *StudyEventPass) templateCovers(templates []domain.ScheduleTemplateEntry, visitName string) bool {
	for i := range templates {
		if equalFoldName(templates[i].VisitName, visitName) {
			return true
		}
	}
	return false
}
