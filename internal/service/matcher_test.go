package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-visit-engine/internal/domain"
)

func TestClassifyVisitType(t *testing.T) {
	tests := []struct {
		name      string
		visitName string
		declared  domain.VisitType
		want      domain.VisitType
	}{
		{"siv exact", "SIV", "", domain.SIV_VISIT},
		{"siv lowercase", "siv", domain.PATIENT_VISIT, domain.SIV_VISIT},
		{"siv with whitespace", "  SIV  ", "", domain.SIV_VISIT},
		{"monitor substring", "Monitoring Visit 2", "", domain.MONITOR_VISIT},
		{"monitor lowercase substring", "remote monitor", domain.PATIENT_VISIT, domain.MONITOR_VISIT},
		{"declared type kept", "V1", domain.EXTRA_VISIT, domain.EXTRA_VISIT},
		{"missing type defaults to patient", "V1", "", domain.PATIENT_VISIT},
		{"invalid type defaults to patient", "V1", "telephone", domain.PATIENT_VISIT},
		{"siv prefix is not siv", "SIV Follow-up", "", domain.PATIENT_VISIT},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyVisitType(tt.visitName, tt.declared))
		})
	}
}

func TestMatcherGoverningRecord(t *testing.T) {
	today := d(2024, 6, 1)
	matcher := NewMatcher(testLogger())

	t.Run("latest past actual wins over older ones", func(t *testing.T) {
		events := []domain.VisitEvent{
			{VisitName: "V1", ActualDate: d(2024, 5, 1)},
			{VisitName: "V1", ActualDate: d(2024, 5, 20)},
			{VisitName: "V1", ActualDate: d(2024, 4, 10)},
		}
		match := matcher.Match(events, "V1", today)
		require.True(t, match.Matched())
		assert.True(t, match.Governing.ActualDate.Equal(d(2024, 5, 20)))
		assert.Len(t, match.All, 3)
	})

	t.Run("past actual wins over future booking", func(t *testing.T) {
		events := []domain.VisitEvent{
			{VisitName: "V1", ActualDate: d(2024, 5, 20)},
			{VisitName: "V1", ActualDate: d(2024, 7, 1)},
		}
		match := matcher.Match(events, "V1", today)
		require.True(t, match.Matched())
		assert.True(t, match.Governing.ActualDate.Equal(d(2024, 5, 20)))
	})

	t.Run("earliest future booking when nothing past", func(t *testing.T) {
		events := []domain.VisitEvent{
			{VisitName: "V1", ActualDate: d(2024, 8, 1)},
			{VisitName: "V1", ActualDate: d(2024, 7, 1)},
		}
		match := matcher.Match(events, "V1", today)
		require.True(t, match.Matched())
		assert.True(t, match.Governing.ActualDate.Equal(d(2024, 7, 1)))
	})

	t.Run("event dated today is actual", func(t *testing.T) {
		events := []domain.VisitEvent{
			{VisitName: "V1", ActualDate: today},
			{VisitName: "V1", ActualDate: d(2024, 7, 1)},
		}
		match := matcher.Match(events, "V1", today)
		require.True(t, match.Matched())
		assert.True(t, match.Governing.ActualDate.Equal(today))
	})

	t.Run("no match", func(t *testing.T) {
		events := []domain.VisitEvent{{VisitName: "V2", ActualDate: d(2024, 5, 1)}}
		match := matcher.Match(events, "V1", today)
		assert.False(t, match.Matched())
	})
}

func TestMatcherCaseInsensitiveFallback(t *testing.T) {
	today := d(2024, 6, 1)
	matcher := NewMatcher(testLogger())

	t.Run("exact match preferred over folded", func(t *testing.T) {
		events := []domain.VisitEvent{
			{VisitName: "v1", ActualDate: d(2024, 5, 20)},
			{VisitName: "V1", ActualDate: d(2024, 5, 1)},
		}
		match := matcher.Match(events, "V1", today)
		require.True(t, match.Matched())
		assert.False(t, match.CaseMismatch)
		assert.Equal(t, "V1", match.Governing.VisitName)
	})

	t.Run("folded fallback flagged", func(t *testing.T) {
		events := []domain.VisitEvent{{VisitName: "baseline", ActualDate: d(2024, 5, 1)}}
		match := matcher.Match(events, "Baseline", today)
		require.True(t, match.Matched())
		assert.True(t, match.CaseMismatch)
	})
}

func TestUnmatchedEvents(t *testing.T) {
	matcher := NewMatcher(testLogger())
	entries := standardSchedule("STUDY-A")

	events := []domain.VisitEvent{
		{VisitName: "V1", ActualDate: d(2024, 5, 1)},
		{VisitName: "baseline", ActualDate: d(2024, 4, 1)},   // folded match, still known
		{VisitName: "Mystery Visit", ActualDate: d(2024, 5, 5)},
		{VisitName: "SIV", ActualDate: d(2024, 3, 1)},        // study-level, never unmatched
		{VisitName: "Site Monitor 1", ActualDate: d(2024, 4, 15)},
	}

	unmatched := matcher.UnmatchedEvents(events, entries)
	require.Len(t, unmatched, 1)
	assert.Equal(t, "Mystery Visit", unmatched[0].VisitName)
}

func TestSplitStudyLevel(t *testing.T) {
	events := []domain.VisitEvent{
		{VisitName: "V1"},
		{VisitName: "SIV"},
		{VisitName: "Monitoring Visit"},
		{VisitName: "Baseline"},
	}

	patient, study := SplitStudyLevel(events)
	assert.Len(t, patient, 2)
	assert.Len(t, study, 2)
}
