package service

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trial-visit-engine/internal/domain"
	"github.com/trial-visit-engine/pkg/dates"
)

// OverdueExportRow is one line of the bulk overdue-visit export handed to
// site coordinators. Column set matches the legacy workbook so downstream
// tooling keeps working.
type OverdueExportRow struct {
	ExportGeneratedAt string  `json:"export_generated_at"`
	PatientID         string  `json:"patient_id"`
	Study             string  `json:"study"`
	VisitName         string  `json:"visit_name"`
	VisitDay          int     `json:"visit_day"`
	ScheduledDate     string  `json:"scheduled_date"`
	SiteOfVisit       string  `json:"site_of_visit"`
	Payment           float64 `json:"payment"`
	VisitType         string  `json:"visit_type"`
	ActualDate        string  `json:"actual_date"`
	Outcome           string  `json:"outcome"`
	Notes             string  `json:"notes"`
	ExtrasPerformed   string  `json:"extras_performed"`
}

// OverdueExporter builds the overdue export from a batch result.
type OverdueExporter struct {
	logger *logrus.Logger
	clock  domain.Clock
}

// NewOverdueExporter creates an overdue export builder.
func NewOverdueExporter(logger *logrus.Logger, clock domain.Clock) *OverdueExporter {
	return &OverdueExporter{logger: logger, clock: clock}
}

// Build collects every overdue visit whose expected date falls inside
// [from, to] inclusive, sorted by scheduled date, study, then patient.
// Zero from/to default to the current UK financial year.
func (e *OverdueExporter) Build(result *domain.BatchResult, from, to time.Time) []OverdueExportRow {
	today := e.clock.Today()
	if from.IsZero() {
		from = dates.FinancialYearStart(today)
	}
	if to.IsZero() {
		to = dates.FinancialYearEnd(today)
	}
	generatedAt := today.Format("02/01/2006")

	var rows []OverdueExportRow
	for _, pr := range result.Patients {
		if pr.Err != nil {
			continue
		}
		for _, v := range pr.Visits {
			if v.FinalState != domain.OVERDUE || v.ExpectedDate == nil {
				continue
			}
			if v.ExpectedDate.Before(from) || v.ExpectedDate.After(to) {
				continue
			}

			rows = append(rows, OverdueExportRow{
				ExportGeneratedAt: generatedAt,
				PatientID:         v.PatientID,
				Study:             v.Study,
				VisitName:         v.VisitName,
				VisitDay:          v.VisitDay,
				ScheduledDate:     v.ExpectedDate.Format("02/01/2006"),
				SiteOfVisit:       v.Site,
				Payment:           v.Payment,
				VisitType:         string(v.VisitType),
				Notes:             v.Notes,
			})
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ScheduledDate != rows[j].ScheduledDate {
			di, _ := dates.ParseUK(rows[i].ScheduledDate)
			dj, _ := dates.ParseUK(rows[j].ScheduledDate)
			return di.Before(dj)
		}
		if rows[i].Study != rows[j].Study {
			return rows[i].Study < rows[j].Study
		}
		return rows[i].PatientID < rows[j].PatientID
	})

	e.logger.WithFields(logrus.Fields{
		"rows": len(rows),
		"from": from.Format("2006-01-02"),
		"to":   to.Format("2006-01-02"),
	}).Info("Built overdue visit export")

	return rows
}

// Outcome token sets for completed-visit uploads. An empty outcome counts
// as positive: coordinators leave the column blank when the visit happened.
var (
	positiveOutcomes = map[string]bool{
		"": true, "happened": true, "completed": true, "yes": true,
		"y": true, "true": true, "t": true, "1": true,
	}
	negativeOutcomes = map[string]bool{
		"no": true, "did not happen": true, "cancelled": true,
		"canceled": true, "missed": true, "n": true, "false": true,
		"f": true, "0": true,
	}
)

// CompletedVisitRow is one already-parsed row of a completed-visit upload,
// typically a filled-in overdue export coming back from a site.
type CompletedVisitRow struct {
	PatientID       string
	Study           string
	VisitName       string
	ActualDate      string
	Outcome         string
	Notes           string
	ExtrasPerformed string
}

// RowError ties an upload parsing failure to its row number.
type RowError struct {
	Row int
	Err error
}

func (re RowError) Error() string {
	return fmt.Sprintf("row %d: %v", re.Row, re.Err)
}

// UploadParser turns completed-visit upload rows back into visit events.
type UploadParser struct {
	logger   *logrus.Logger
	resolver *TemplateResolver
}

// NewUploadParser creates an upload parser against the schedule registry.
func NewUploadParser(logger *logrus.Logger, resolver *TemplateResolver) *UploadParser {
	return &UploadParser{logger: logger, resolver: resolver}
}

// Parse converts upload rows into visit events. Rows with a negative
// outcome are skipped (the visit did not happen); unknown outcome tokens
// and unparseable dates fail per row without stopping the rest. Extras
// performed expand into additional events against the pathway's extra-type
// entries, one per named extra.
func (p *UploadParser) Parse(rows []CompletedVisitRow, pathway string) ([]domain.VisitEvent, []RowError) {
	if strings.TrimSpace(pathway) == "" {
		pathway = domain.DefaultPathway
	}

	var events []domain.VisitEvent
	var rowErrors []RowError

	for i, row := range rows {
		rowNum := i + 1

		outcome := strings.ToLower(strings.TrimSpace(row.Outcome))
		if negativeOutcomes[outcome] {
			continue
		}
		if !positiveOutcomes[outcome] {
			rowErrors = append(rowErrors, RowError{rowNum, fmt.Errorf("unrecognized outcome %q", row.Outcome)})
			continue
		}

		if row.PatientID == "" || row.Study == "" || row.VisitName == "" {
			rowErrors = append(rowErrors, RowError{rowNum, fmt.Errorf("patient ID, study and visit name are required")})
			continue
		}

		actual, err := dates.ParseUK(row.ActualDate)
		if err != nil {
			rowErrors = append(rowErrors, RowError{rowNum, err})
			continue
		}

		events = append(events, domain.VisitEvent{
			PatientID:  row.PatientID,
			Study:      row.Study,
			VisitName:  row.VisitName,
			ActualDate: actual,
			Notes:      row.Notes,
		})

		events = append(events, p.expandExtras(row, pathway, actual, &rowErrors, rowNum)...)
	}

	p.logger.WithFields(logrus.Fields{
		"rows":   len(rows),
		"events": len(events),
		"errors": len(rowErrors),
	}).Info("Parsed completed-visit upload")

	return events, rowErrors
}

// expandExtras resolves the comma-separated extras column against the
// study's extra-type schedule entries. Names with no extra entry fail the
// expansion for that name only.
func (p *UploadParser) expandExtras(row CompletedVisitRow, pathway string, actual time.Time, rowErrors *[]RowError, rowNum int) []domain.VisitEvent {
	raw := strings.TrimSpace(row.ExtrasPerformed)
	if raw == "" {
		return nil
	}

	schedule, err := p.resolver.Resolve(row.Study, pathway)
	if err != nil {
		*rowErrors = append(*rowErrors, RowError{rowNum, err})
		return nil
	}

	extras := make(map[string]*domain.ScheduleTemplateEntry)
	for i := range schedule {
		if schedule[i].VisitType == domain.EXTRA_VISIT {
			extras[strings.ToLower(schedule[i].VisitName)] = &schedule[i]
		}
	}

	var events []domain.VisitEvent
	for _, name := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' }) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		entry, ok := extras[strings.ToLower(name)]
		if !ok {
			*rowErrors = append(*rowErrors, RowError{rowNum, fmt.Errorf("extra %q not defined for study %s", name, row.Study)})
			continue
		}

		events = append(events, domain.VisitEvent{
			PatientID:  row.PatientID,
			Study:      row.Study,
			VisitName:  entry.VisitName,
			ActualDate: actual,
			VisitType:  domain.EXTRA_VISIT,
		})
	}
	return events
}
