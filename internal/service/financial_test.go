package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-visit-engine/internal/domain"
)

func financialFixture() *domain.BatchResult {
	return &domain.BatchResult{
		Patients: []domain.PatientResolution{
			{
				PatientID: "P001", Study: "STUDY-A",
				Visits: []domain.ResolvedVisit{
					{VisitName: "Baseline", ExpectedDate: domain.DatePtr(d(2024, 4, 1)),
						FinalState: domain.COMPLETED, Payment: 100},
					{VisitName: "V1", ExpectedDate: domain.DatePtr(d(2024, 5, 8)),
						FinalState: domain.OUT_OF_PROTOCOL, Payment: 150},
					{VisitName: "V2", ExpectedDate: domain.DatePtr(d(2024, 7, 15)),
						FinalState: domain.PROPOSED, Payment: 150},
					{VisitName: "V3", ExpectedDate: domain.DatePtr(d(2025, 2, 1)),
						FinalState: domain.PREDICTED, Payment: 200},
					{VisitName: "V4", ExpectedDate: domain.DatePtr(d(2024, 5, 20)),
						FinalState: domain.OVERDUE, Payment: 50},
					{VisitName: "V5", ExpectedDate: domain.DatePtr(d(2024, 6, 1)),
						FinalState: domain.MISSED_SUPPRESSED, Payment: 999},
				},
			},
			{
				PatientID: "P002", Study: "STUDY-A",
				Err: domain.NewDataIntegrityError("P002", "STUDY-A", "duplicate"),
				Visits: []domain.ResolvedVisit{
					{VisitName: "Baseline", FinalState: domain.COMPLETED, Payment: 5000},
				},
			},
		},
	}
}

func TestSummarizeIncome(t *testing.T) {
	summary := SummarizeIncome(financialFixture())

	// Suppressed payments and failed resolutions never count.
	assert.Equal(t, 250.0, summary.Realized)
	assert.Equal(t, 150.0, summary.Scheduled)
	assert.Equal(t, 250.0, summary.Pipeline)
	assert.Equal(t, 650.0, summary.Total())
}

func TestBucketByPeriod(t *testing.T) {
	t.Run("by month", func(t *testing.T) {
		buckets := BucketByPeriod(financialFixture(), MONTH_PERIOD)
		require.Len(t, buckets, 6)
		assert.Equal(t, "2024-04", buckets[0].Label)
		assert.Equal(t, 100.0, buckets[0].Income.Realized)
		assert.Equal(t, "2025-02", buckets[5].Label)
		assert.Equal(t, 200.0, buckets[5].Income.Pipeline)
	})

	t.Run("by financial year", func(t *testing.T) {
		buckets := BucketByPeriod(financialFixture(), YEAR_PERIOD)
		require.Len(t, buckets, 1)
		assert.Equal(t, "2024/25", buckets[0].Label)
		assert.Equal(t, 6, buckets[0].Visits)
	})

	t.Run("by quarter", func(t *testing.T) {
		buckets := BucketByPeriod(financialFixture(), QUARTER_PERIOD)
		require.Len(t, buckets, 3)
		assert.Equal(t, "2024/25 Q1", buckets[0].Label)
		assert.Equal(t, "2024/25 Q2", buckets[1].Label)
		assert.Equal(t, "2024/25 Q4", buckets[2].Label)
	})
}
