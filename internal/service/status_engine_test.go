package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-visit-engine/internal/domain"
)

func newStatusEngine() *StatusEngine {
	return NewStatusEngine(testLogger(), DefaultResolutionPolicy())
}

func TestStatusEngineMarkers(t *testing.T) {
	today := d(2024, 6, 1)
	engine := newStatusEngine()

	tests := []struct {
		name         string
		notes        []string
		wantStatus   domain.PatientStatus
		wantStoppage bool
	}{
		{"screenfail marker", []string{"ScreenFail - BP too high"}, domain.SCREEN_FAILED, true},
		{"withdrawn marker", []string{"Patient Withdrawn consent"}, domain.WITHDRAWN, true},
		{"died marker", []string{"patient died overnight"}, domain.DECEASED, true},
		{"no marker", []string{"all fine", ""}, domain.SCREENING, false},
		{"marker is case insensitive", []string{"SCREENFAIL"}, domain.SCREEN_FAILED, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patient := screeningPatient("P001", "STUDY-A", d(2024, 3, 1))
			var events []domain.VisitEvent
			for i, n := range tt.notes {
				events = append(events, domain.VisitEvent{
					PatientID: "P001", Study: "STUDY-A", VisitName: "Visit",
					ActualDate: d(2024, 3, 10+i), Notes: n,
				})
			}

			derivation, _ := engine.Derive(&patient, events, nil, today)
			assert.Equal(t, tt.wantStatus, derivation.Status)
			if tt.wantStoppage {
				require.NotNil(t, derivation.StoppageDate)
			} else {
				assert.Nil(t, derivation.StoppageDate)
			}
		})
	}
}

func TestStatusEnginePrecedence(t *testing.T) {
	today := d(2024, 6, 1)
	engine := newStatusEngine()
	patient := screeningPatient("P001", "STUDY-A", d(2024, 3, 1))

	// Withdrawn recorded first, screenfail later: screenfail still wins.
	events := []domain.VisitEvent{
		{PatientID: "P001", Study: "STUDY-A", VisitName: "V1", ActualDate: d(2024, 3, 10), Notes: "withdrawn"},
		{PatientID: "P001", Study: "STUDY-A", VisitName: "V2", ActualDate: d(2024, 3, 20), Notes: "screenfail"},
	}

	derivation, warnings := engine.Derive(&patient, events, nil, today)
	assert.Equal(t, domain.SCREEN_FAILED, derivation.Status)
	require.NotNil(t, derivation.StoppageDate)
	assert.True(t, derivation.StoppageDate.Equal(d(2024, 3, 20)))

	// The conflicting markers are flagged, not silently resolved.
	require.Len(t, warnings, 1)
	assert.Equal(t, domain.AMBIGUOUS_STATUS_WARNING, warnings[0].Kind)
}

func TestStatusEngineEarliestMarkerDate(t *testing.T) {
	today := d(2024, 6, 1)
	engine := newStatusEngine()
	patient := screeningPatient("P001", "STUDY-A", d(2024, 3, 1))

	events := []domain.VisitEvent{
		{VisitName: "V2", ActualDate: d(2024, 4, 20), Notes: "still withdrawn"},
		{VisitName: "V1", ActualDate: d(2024, 3, 15), Notes: "withdrawn at visit"},
	}

	derivation, _ := engine.Derive(&patient, events, nil, today)
	require.NotNil(t, derivation.StoppageDate)
	assert.True(t, derivation.StoppageDate.Equal(d(2024, 3, 15)))
}

func TestStatusEngineScreenFailClearsRandomization(t *testing.T) {
	today := d(2024, 6, 1)
	engine := newStatusEngine()

	randDate := d(2024, 3, 8)
	patient := domain.Patient{
		PatientID: "P001", Study: "STUDY-A",
		ScreeningDate: d(2024, 3, 1), Status: domain.RANDOMIZED,
		RandomizationDate: &randDate, Pathway: "standard",
	}
	events := []domain.VisitEvent{
		{VisitName: "Screening", ActualDate: d(2024, 3, 10), Notes: "screenfail"},
	}

	derivation, _ := engine.Derive(&patient, events, nil, today)
	assert.Equal(t, domain.SCREEN_FAILED, derivation.Status)
	assert.Nil(t, derivation.RandomizationDate)
	assert.True(t, derivation.Changed)
}

func TestStatusEngineRandomization(t *testing.T) {
	today := d(2024, 6, 1)
	engine := newStatusEngine()

	t.Run("V1 pattern randomizes by default", func(t *testing.T) {
		patient := screeningPatient("P001", "STUDY-A", d(2024, 3, 1))
		events := []domain.VisitEvent{
			{VisitName: "V1", ActualDate: d(2024, 3, 8)},
		}

		derivation, _ := engine.Derive(&patient, events, nil, today)
		assert.Equal(t, domain.RANDOMIZED, derivation.Status)
		require.NotNil(t, derivation.RandomizationDate)
		assert.True(t, derivation.RandomizationDate.Equal(d(2024, 3, 8)))
		assert.True(t, derivation.Changed)
	})

	t.Run("flagged template entry overrides the pattern", func(t *testing.T) {
		patient := screeningPatient("P001", "STUDY-A", d(2024, 3, 1))
		flagged := domain.ScheduleTemplateEntry{VisitName: "Randomization Visit", Randomization: true}
		events := []domain.VisitEvent{
			{VisitName: "V1", ActualDate: d(2024, 3, 8)},
			{VisitName: "Randomization Visit", ActualDate: d(2024, 3, 12)},
		}

		derivation, _ := engine.Derive(&patient, events, &flagged, today)
		assert.Equal(t, domain.RANDOMIZED, derivation.Status)
		require.NotNil(t, derivation.RandomizationDate)
		assert.True(t, derivation.RandomizationDate.Equal(d(2024, 3, 12)))
	})

	t.Run("future booking does not randomize", func(t *testing.T) {
		patient := screeningPatient("P001", "STUDY-A", d(2024, 3, 1))
		events := []domain.VisitEvent{
			{VisitName: "V1", ActualDate: d(2024, 7, 1)},
		}

		derivation, _ := engine.Derive(&patient, events, nil, today)
		assert.Equal(t, domain.SCREENING, derivation.Status)
		assert.False(t, derivation.Changed)
	})

	t.Run("marker beats randomization and is flagged", func(t *testing.T) {
		patient := screeningPatient("P001", "STUDY-A", d(2024, 3, 1))
		events := []domain.VisitEvent{
			{VisitName: "Screening", ActualDate: d(2024, 3, 5), Notes: "withdrawn"},
			{VisitName: "V1", ActualDate: d(2024, 3, 8)},
		}

		derivation, warnings := engine.Derive(&patient, events, nil, today)
		assert.Equal(t, domain.WITHDRAWN, derivation.Status)
		require.Len(t, warnings, 1)
		assert.Equal(t, domain.AMBIGUOUS_STATUS_WARNING, warnings[0].Kind)
	})
}

func TestStatusEngineManualStatusPassThrough(t *testing.T) {
	today := d(2024, 6, 1)
	engine := newStatusEngine()

	randDate := d(2024, 3, 8)
	patient := domain.Patient{
		PatientID: "P001", Study: "STUDY-A",
		ScreeningDate: d(2024, 3, 1), Status: domain.COMPLETED_STATUS,
		RandomizationDate: &randDate, Pathway: "standard",
	}
	events := []domain.VisitEvent{
		{VisitName: "V1", ActualDate: d(2024, 3, 8)},
	}

	derivation, _ := engine.Derive(&patient, events, nil, today)
	assert.Equal(t, domain.COMPLETED_STATUS, derivation.Status)
	assert.False(t, derivation.Changed)
}
