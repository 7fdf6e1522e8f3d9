package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-visit-engine/internal/domain"
)

func newEngine(templates []domain.ScheduleTemplateEntry, today domain.Clock) *ResolutionService {
	return NewResolutionService(testLogger(), templates, DefaultResolutionPolicy(), today)
}

// Patient completes Baseline and V1 on schedule; V2 falls due with no later
// contact, so it surfaces as overdue, and the completed V1 randomizes.
func TestResolveScreeningToOverdue(t *testing.T) {
	clock := domain.FixedClock{Date: d(2024, 4, 1)}
	engine := newEngine(standardSchedule("STUDY-A"), clock)

	patient := screeningPatient("P001", "STUDY-A", d(2024, 3, 1))
	events := []domain.VisitEvent{
		{PatientID: "P001", Study: "STUDY-A", VisitName: "Baseline", ActualDate: d(2024, 3, 1)},
		{PatientID: "P001", Study: "STUDY-A", VisitName: "V1", ActualDate: d(2024, 3, 8)},
	}

	resolution := engine.ResolvePatient(&patient, events)
	require.NoError(t, resolution.Err)
	require.Len(t, resolution.Visits, 3)

	baseline := findVisit(resolution.Visits, "Baseline")
	require.NotNil(t, baseline)
	assert.Equal(t, domain.COMPLETED, baseline.FinalState)

	v1 := findVisit(resolution.Visits, "V1")
	require.NotNil(t, v1)
	assert.Equal(t, domain.COMPLETED, v1.FinalState)

	v2 := findVisit(resolution.Visits, "V2")
	require.NotNil(t, v2)
	assert.Equal(t, domain.OVERDUE, v2.FinalState)
	assert.True(t, v2.ExpectedDate.Equal(d(2024, 3, 15)))

	// The completed V1 visit randomized the patient.
	require.NotNil(t, resolution.Status)
	assert.Equal(t, domain.RANDOMIZED, resolution.Status.Status)
	require.NotNil(t, resolution.Status.RandomizationDate)
	assert.True(t, resolution.Status.RandomizationDate.Equal(d(2024, 3, 8)))
}

// A screen failure at screening stops the whole later schedule.
func TestResolveScreenFailure(t *testing.T) {
	clock := domain.FixedClock{Date: d(2024, 4, 1)}
	engine := newEngine(standardSchedule("STUDY-A"), clock)

	patient := screeningPatient("P002", "STUDY-A", d(2024, 3, 10))
	events := []domain.VisitEvent{
		{PatientID: "P002", Study: "STUDY-A", VisitName: "Baseline",
			ActualDate: d(2024, 3, 10), Notes: "ScreenFail - BP too high"},
	}

	resolution := engine.ResolvePatient(&patient, events)
	require.NoError(t, resolution.Err)

	require.NotNil(t, resolution.Status)
	assert.Equal(t, domain.SCREEN_FAILED, resolution.Status.Status)
	assert.Nil(t, resolution.Status.RandomizationDate)
	require.NotNil(t, resolution.Status.StoppageDate)
	assert.True(t, resolution.Status.StoppageDate.Equal(d(2024, 3, 10)))

	baseline := findVisit(resolution.Visits, "Baseline")
	require.NotNil(t, baseline)
	assert.Equal(t, domain.COMPLETED, baseline.FinalState)

	for _, name := range []string{"V1", "V2"} {
		v := findVisit(resolution.Visits, name)
		require.NotNil(t, v)
		assert.Equal(t, domain.TERMINAL_SUPPRESSED, v.FinalState, "visit %s", name)
	}
}

// A booked final visit supersedes its own prediction and truncates the
// schedule behind it.
func TestResolveBookedFinalVisit(t *testing.T) {
	clock := domain.FixedClock{Date: d(2024, 6, 1)}
	engine := newEngine(longSchedule("STUDY-A"), clock)

	patient := screeningPatient("P003", "STUDY-A", d(2024, 5, 20))
	events := []domain.VisitEvent{
		{PatientID: "P003", Study: "STUDY-A", VisitName: "V5 EOS", ActualDate: d(2024, 6, 15)},
	}

	resolution := engine.ResolvePatient(&patient, events)
	require.NoError(t, resolution.Err)

	eos := findVisit(resolution.Visits, "V5 EOS")
	require.NotNil(t, eos)
	assert.Equal(t, domain.PROPOSED, eos.FinalState)
	require.NotNil(t, eos.ActualDate)
	assert.True(t, eos.ActualDate.Equal(d(2024, 6, 15)))

	v2 := findVisit(resolution.Visits, "V2") // due 3 June, inside the gap
	require.NotNil(t, v2)
	assert.Equal(t, domain.GAP_SUPPRESSED, v2.FinalState)

	for _, name := range []string{"V3", "V4"} { // due after the booking
		v := findVisit(resolution.Visits, name)
		require.NotNil(t, v)
		assert.Equal(t, domain.TERMINAL_SUPPRESSED, v.FinalState, "visit %s", name)
	}
}

func TestResolveToleranceVerdicts(t *testing.T) {
	clock := domain.FixedClock{Date: d(2024, 6, 1)}

	// V1 expected 8 March with a -3/+7 window: 5 to 15 March inclusive.
	tests := []struct {
		name   string
		actual time.Time
		want   domain.FinalState
	}{
		{"window start", d(2024, 3, 5), domain.COMPLETED},
		{"window end", d(2024, 3, 15), domain.COMPLETED},
		{"exact date", d(2024, 3, 8), domain.COMPLETED},
		{"one day early of window", d(2024, 3, 4), domain.OUT_OF_PROTOCOL},
		{"one day late of window", d(2024, 3, 16), domain.OUT_OF_PROTOCOL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newEngine(standardSchedule("STUDY-A"), clock)
			patient := screeningPatient("P001", "STUDY-A", d(2024, 3, 1))

			events := []domain.VisitEvent{
				{PatientID: "P001", Study: "STUDY-A", VisitName: "V1", ActualDate: tt.actual},
			}

			resolution := engine.ResolvePatient(&patient, events)
			require.NoError(t, resolution.Err)

			v1 := findVisit(resolution.Visits, "V1")
			require.NotNil(t, v1)
			assert.Equal(t, tt.want, v1.FinalState)
		})
	}
}

func TestResolveUnmatchedEventRetained(t *testing.T) {
	clock := domain.FixedClock{Date: d(2024, 6, 1)}
	engine := newEngine(standardSchedule("STUDY-A"), clock)

	patient := screeningPatient("P001", "STUDY-A", d(2024, 3, 1))
	events := []domain.VisitEvent{
		{PatientID: "P001", Study: "STUDY-A", VisitName: "Unscheduled Check", ActualDate: d(2024, 3, 20)},
	}

	resolution := engine.ResolvePatient(&patient, events)
	require.NoError(t, resolution.Err)

	unmatched := findVisit(resolution.Visits, "Unscheduled Check")
	require.NotNil(t, unmatched)
	assert.Equal(t, domain.UNMATCHED, unmatched.FinalState)
	assert.Nil(t, unmatched.ExpectedDate)

	var kinds []domain.WarningKind
	for _, w := range resolution.Warnings {
		kinds = append(kinds, w.Kind)
	}
	assert.Contains(t, kinds, domain.UNMATCHED_VISIT_WARNING)
}

func TestResolveExtraOccurrence(t *testing.T) {
	clock := domain.FixedClock{Date: d(2024, 6, 1)}
	engine := newEngine(longSchedule("STUDY-A"), clock)

	patient := screeningPatient("P001", "STUDY-A", d(2024, 3, 1))
	events := []domain.VisitEvent{
		{PatientID: "P001", Study: "STUDY-A", VisitName: "Extra Bloods", ActualDate: d(2024, 3, 20)},
	}

	resolution := engine.ResolvePatient(&patient, events)
	require.NoError(t, resolution.Err)

	extra := findVisit(resolution.Visits, "Extra Bloods")
	require.NotNil(t, extra)
	assert.Equal(t, domain.COMPLETED, extra.FinalState)
	assert.Equal(t, domain.EXTRA_VISIT, extra.VisitType)
	assert.Equal(t, 25.0, extra.Payment)

	// Not flagged as unmatched: the day-0 entry covers it.
	for _, w := range resolution.Warnings {
		assert.NotEqual(t, domain.UNMATCHED_VISIT_WARNING, w.Kind)
	}
}

// The final sequence is date-sorted regardless of rule application order.
func TestResolveSequenceOrdering(t *testing.T) {
	clock := domain.FixedClock{Date: d(2024, 6, 1)}
	engine := newEngine(longSchedule("STUDY-A"), clock)

	patient := screeningPatient("P001", "STUDY-A", d(2024, 3, 1))
	events := []domain.VisitEvent{
		{PatientID: "P001", Study: "STUDY-A", VisitName: "V1", ActualDate: d(2024, 3, 9)},
		{PatientID: "P001", Study: "STUDY-A", VisitName: "Unscheduled Check", ActualDate: d(2024, 3, 20)},
		{PatientID: "P001", Study: "STUDY-A", VisitName: "Baseline", ActualDate: d(2024, 3, 1)},
	}

	resolution := engine.ResolvePatient(&patient, events)
	require.NoError(t, resolution.Err)

	isSorted := sort.SliceIsSorted(resolution.Visits, func(i, j int) bool {
		return resolution.Visits[i].SortDate().Before(resolution.Visits[j].SortDate())
	})
	assert.True(t, isSorted, "resolved sequence must be date-sorted")
}

func TestResolveBatchIsolatesFailures(t *testing.T) {
	clock := domain.FixedClock{Date: d(2024, 6, 1)}
	engine := newEngine(standardSchedule("STUDY-A"), clock)

	patients := []domain.Patient{
		screeningPatient("P001", "STUDY-A", d(2024, 3, 1)),
		screeningPatient("P002", "UNKNOWN-STUDY", d(2024, 3, 1)),
		screeningPatient("P003", "STUDY-A", d(2024, 3, 5)),
		screeningPatient("P003", "STUDY-A", d(2024, 3, 6)), // duplicate key
	}

	result := engine.ResolveBatch(context.Background(), patients, nil, nil)
	require.Len(t, result.Patients, 4)
	assert.NotEmpty(t, result.RunID)

	byID := make(map[string][]domain.PatientResolution)
	for _, pr := range result.Patients {
		byID[pr.PatientID] = append(byID[pr.PatientID], pr)
	}

	require.NoError(t, byID["P001"][0].Err)

	var integrityErr *domain.DataIntegrityError
	require.Error(t, byID["P002"][0].Err)
	require.True(t, errors.As(byID["P002"][0].Err, &integrityErr))

	for _, pr := range byID["P003"] {
		require.Error(t, pr.Err)
		require.True(t, errors.As(pr.Err, &integrityErr))
		assert.Contains(t, integrityErr.Reason, "duplicate")
	}

	assert.Len(t, result.Failed(), 3)
}

func TestResolveBatchReportsConfigErrors(t *testing.T) {
	clock := domain.FixedClock{Date: d(2024, 6, 1)}
	bad := []domain.ScheduleTemplateEntry{
		{Study: "BAD", Pathway: "standard", Day: 8, VisitName: "V1", VisitType: domain.PATIENT_VISIT},
	}
	engine := newEngine(append(standardSchedule("GOOD"), bad...), clock)

	patients := []domain.Patient{screeningPatient("P001", "GOOD", d(2024, 3, 1))}
	result := engine.ResolveBatch(context.Background(), patients, nil, nil)

	require.NoError(t, result.Patients[0].Err)

	var found bool
	for _, sr := range result.Studies {
		if sr.Study == "BAD" && sr.Err != nil {
			var cfgErr *domain.ConfigurationError
			require.True(t, errors.As(sr.Err, &cfgErr))
			found = true
		}
	}
	assert.True(t, found, "BAD study configuration error must surface in batch result")
}

func TestResolveBatchStudyEvents(t *testing.T) {
	clock := domain.FixedClock{Date: d(2024, 6, 1)}
	engine := newEngine(longSchedule("STUDY-A"), clock)

	events := []domain.VisitEvent{
		{Study: "STUDY-A", VisitName: "SIV", ActualDate: d(2024, 2, 1), Site: "Royal Infirmary"},
		{Study: "STUDY-A", VisitName: "Monitoring Visit 1", ActualDate: d(2024, 7, 1), Site: "Royal Infirmary"},
	}

	result := engine.ResolveBatch(context.Background(), nil, events, nil)

	var study *domain.StudyResolution
	for i := range result.Studies {
		if result.Studies[i].Study == "STUDY-A" && result.Studies[i].Err == nil {
			study = &result.Studies[i]
		}
	}
	require.NotNil(t, study)

	siv := findVisit(study.Events, "SIV")
	require.NotNil(t, siv)
	assert.Equal(t, domain.COMPLETED, siv.FinalState)

	monitor := findVisit(study.Events, "Monitoring Visit 1")
	require.NotNil(t, monitor)
	assert.Equal(t, domain.PROPOSED, monitor.FinalState)
}

func TestResolveBatchCancellationMarksSkippedPatients(t *testing.T) {
	clock := domain.FixedClock{Date: d(2024, 6, 1)}
	engine := newEngine(standardSchedule("STUDY-A"), clock)

	var patients []domain.Patient
	for i := 0; i < 40; i++ {
		patients = append(patients,
			screeningPatient(fmt.Sprintf("P%03d", i), "STUDY-A", d(2024, 3, 1)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := engine.ResolveBatch(ctx, patients, nil, nil)
	require.Len(t, result.Patients, 40)

	for _, pr := range result.Patients {
		assert.NotEmpty(t, pr.PatientID, "skipped units must keep their identity")
		if pr.Err != nil {
			assert.ErrorIs(t, pr.Err, context.Canceled)
		} else {
			assert.NotEmpty(t, pr.Visits)
		}
	}
}

func TestResolveBatchProgress(t *testing.T) {
	clock := domain.FixedClock{Date: d(2024, 6, 1)}
	engine := newEngine(standardSchedule("STUDY-A"), clock)

	patients := []domain.Patient{
		screeningPatient("P001", "STUDY-A", d(2024, 3, 1)),
		screeningPatient("P002", "STUDY-A", d(2024, 3, 2)),
		screeningPatient("P003", "STUDY-A", d(2024, 3, 3)),
	}

	var calls int
	var lastDone, lastTotal int
	engine.ResolveBatch(context.Background(), patients, nil, func(done, total int) {
		calls++
		lastDone, lastTotal = done, total
	})

	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, lastDone)
	assert.Equal(t, 3, lastTotal)
}
