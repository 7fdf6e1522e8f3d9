package service

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trial-visit-engine/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func d(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

// standardSchedule is a three-visit weekly pathway: Baseline on day 1,
// V1 on day 8, V2 on day 15, each with a -3/+7 tolerance window.
func standardSchedule(study string) []domain.ScheduleTemplateEntry {
	return []domain.ScheduleTemplateEntry{
		{Study: study, Pathway: "standard", Day: 1, VisitName: "Baseline",
			VisitType: domain.PATIENT_VISIT, Payment: 100},
		{Study: study, Pathway: "standard", Day: 8, VisitName: "V1",
			ToleranceBefore: 3, ToleranceAfter: 7, VisitType: domain.PATIENT_VISIT, Payment: 150},
		{Study: study, Pathway: "standard", Day: 15, VisitName: "V2",
			ToleranceBefore: 3, ToleranceAfter: 7, VisitType: domain.PATIENT_VISIT, Payment: 150},
	}
}

// longSchedule extends the standard pathway with a final EOS visit on day 90
// plus a day-0 optional extra and a study-level SIV entry.
func longSchedule(study string) []domain.ScheduleTemplateEntry {
	entries := standardSchedule(study)
	entries = append(entries,
		domain.ScheduleTemplateEntry{Study: study, Pathway: "standard", Day: 30, VisitName: "V3",
			ToleranceBefore: 3, ToleranceAfter: 7, VisitType: domain.PATIENT_VISIT, Payment: 150},
		domain.ScheduleTemplateEntry{Study: study, Pathway: "standard", Day: 60, VisitName: "V4",
			ToleranceBefore: 3, ToleranceAfter: 7, VisitType: domain.PATIENT_VISIT, Payment: 150},
		domain.ScheduleTemplateEntry{Study: study, Pathway: "standard", Day: 90, VisitName: "V5 EOS",
			ToleranceBefore: 3, ToleranceAfter: 7, VisitType: domain.PATIENT_VISIT, Payment: 200},
		domain.ScheduleTemplateEntry{Study: study, Pathway: "standard", Day: 0, VisitName: "Extra Bloods",
			VisitType: domain.EXTRA_VISIT, Payment: 25},
		domain.ScheduleTemplateEntry{Study: study, Pathway: "standard", Day: 1, VisitName: "SIV",
			VisitType: domain.SIV_VISIT, SiteForVisit: "Royal Infirmary", Payment: 500},
	)
	return entries
}

func screeningPatient(id, study string, baseline time.Time) domain.Patient {
	return domain.Patient{
		PatientID:     id,
		Study:         study,
		ScreeningDate: baseline,
		Status:        domain.SCREENING,
		Pathway:       "standard",
	}
}

func findVisit(visits []domain.ResolvedVisit, name string) *domain.ResolvedVisit {
	for i := range visits {
		if visits[i].VisitName == name {
			return &visits[i]
		}
	}
	return nil
}
