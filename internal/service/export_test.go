package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-visit-engine/internal/domain"
)

func TestOverdueExportBuild(t *testing.T) {
	clock := domain.FixedClock{Date: d(2024, 6, 1)}
	engine := newEngine(standardSchedule("STUDY-A"), clock)

	patients := []domain.Patient{
		screeningPatient("P002", "STUDY-A", d(2024, 4, 1)),
		screeningPatient("P001", "STUDY-A", d(2024, 4, 1)),
	}

	result := engine.ResolveBatch(context.Background(), patients, nil, nil)
	rows := NewOverdueExporter(testLogger(), clock).Build(result, d(2024, 4, 1), d(2025, 3, 31))

	// Every prediction is overdue with no visit ever recorded: three visits
	// for each of two patients.
	require.Len(t, rows, 6)

	for _, row := range rows {
		assert.Equal(t, "01/06/2024", row.ExportGeneratedAt)
		assert.Equal(t, "STUDY-A", row.Study)
		assert.NotEmpty(t, row.ScheduledDate)
	}

	// Sorted by scheduled date, then study, then patient.
	assert.Equal(t, "01/04/2024", rows[0].ScheduledDate)
	assert.Equal(t, "P001", rows[0].PatientID)
	assert.Equal(t, "P002", rows[1].PatientID)
	assert.Equal(t, "15/04/2024", rows[4].ScheduledDate)
}

func TestOverdueExportDefaultWindow(t *testing.T) {
	clock := domain.FixedClock{Date: d(2024, 6, 1)}
	engine := newEngine(standardSchedule("STUDY-A"), clock)

	// Baseline in the previous financial year: outside the default window.
	patients := []domain.Patient{
		screeningPatient("P001", "STUDY-A", d(2024, 2, 1)),
	}

	result := engine.ResolveBatch(context.Background(), patients, nil, nil)
	rows := NewOverdueExporter(testLogger(), clock).Build(result, time.Time{}, time.Time{})
	assert.Empty(t, rows)
}

func TestUploadParserOutcomes(t *testing.T) {
	resolver := NewTemplateResolver(testLogger(), longSchedule("STUDY-A"))
	parser := NewUploadParser(testLogger(), resolver)

	rows := []CompletedVisitRow{
		{PatientID: "P001", Study: "STUDY-A", VisitName: "V1", ActualDate: "08/03/2024", Outcome: "happened"},
		{PatientID: "P001", Study: "STUDY-A", VisitName: "V2", ActualDate: "15/03/2024", Outcome: ""},
		{PatientID: "P001", Study: "STUDY-A", VisitName: "V3", ActualDate: "30/03/2024", Outcome: "did not happen"},
		{PatientID: "P001", Study: "STUDY-A", VisitName: "V4", ActualDate: "30/04/2024", Outcome: "maybe"},
		{PatientID: "P001", Study: "STUDY-A", VisitName: "V5 EOS", ActualDate: "not a date", Outcome: "yes"},
		{PatientID: "", Study: "STUDY-A", VisitName: "V1", ActualDate: "08/03/2024", Outcome: "y"},
	}

	events, rowErrors := parser.Parse(rows, "standard")

	// Two positives parsed; the negative skipped silently; three errored.
	require.Len(t, events, 2)
	assert.Equal(t, "V1", events[0].VisitName)
	assert.True(t, events[0].ActualDate.Equal(d(2024, 3, 8)))
	assert.Equal(t, "V2", events[1].VisitName)

	require.Len(t, rowErrors, 3)
	assert.Equal(t, 4, rowErrors[0].Row)
	assert.Contains(t, rowErrors[0].Err.Error(), "outcome")
	assert.Equal(t, 5, rowErrors[1].Row)
	assert.Equal(t, 6, rowErrors[2].Row)
}

func TestUploadParserExtrasExpansion(t *testing.T) {
	resolver := NewTemplateResolver(testLogger(), longSchedule("STUDY-A"))
	parser := NewUploadParser(testLogger(), resolver)

	rows := []CompletedVisitRow{
		{PatientID: "P001", Study: "STUDY-A", VisitName: "V1", ActualDate: "08/03/2024",
			Outcome: "completed", ExtrasPerformed: "Extra Bloods, Unknown Extra"},
	}

	events, rowErrors := parser.Parse(rows, "standard")

	require.Len(t, events, 2)
	assert.Equal(t, "V1", events[0].VisitName)
	assert.Equal(t, "Extra Bloods", events[1].VisitName)
	assert.Equal(t, domain.EXTRA_VISIT, events[1].VisitType)
	assert.True(t, events[1].ActualDate.Equal(d(2024, 3, 8)))

	require.Len(t, rowErrors, 1)
	assert.Contains(t, rowErrors[0].Err.Error(), "Unknown Extra")
}
