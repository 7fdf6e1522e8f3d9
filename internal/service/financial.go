package service

import (
	"sort"
	"time"

	"github.com/trial-visit-engine/internal/domain"
	"github.com/trial-visit-engine/pkg/dates"
)

// PeriodGranularity selects how resolved visits bucket into periods.
type PeriodGranularity string

const (
	MONTH_PERIOD   PeriodGranularity = "month"
	QUARTER_PERIOD PeriodGranularity = "quarter"
	YEAR_PERIOD    PeriodGranularity = "financial_year"
)

// IncomeSummary totals visit payments by realization stage across one
// resolved sequence or a whole batch. Suppressed and missed visits carry no
// payment; out-of-protocol visits still realize theirs.
type IncomeSummary struct {
	Realized  float64 `json:"realized"`  // completed and out-of-protocol visits
	Scheduled float64 `json:"scheduled"` // proposed bookings
	Pipeline  float64 `json:"pipeline"`  // predicted and overdue visits
}

// Total returns all income regardless of stage.
func (s IncomeSummary) Total() float64 {
	return s.Realized + s.Scheduled + s.Pipeline
}

// PeriodBucket is one period's slice of a financial breakdown.
type PeriodBucket struct {
	Label  string        `json:"label"`
	Visits int           `json:"visits"`
	Income IncomeSummary `json:"income"`
}

// SummarizeIncome folds a batch's resolved visits into one income summary.
func SummarizeIncome(result *domain.BatchResult) IncomeSummary {
	var summary IncomeSummary
	for _, pr := range result.Patients {
		if pr.Err != nil {
			continue
		}
		for _, v := range pr.Visits {
			accumulate(&summary, &v)
		}
	}
	return summary
}

// BucketByPeriod groups a batch's resolved visits into labeled period
// buckets by their sort date, at the requested granularity. Buckets come
// back label-sorted; labels are chosen so that lexical order is date order.
func BucketByPeriod(result *domain.BatchResult, granularity PeriodGranularity) []PeriodBucket {
	buckets := make(map[string]*PeriodBucket)

	for _, pr := range result.Patients {
		if pr.Err != nil {
			continue
		}
		for _, v := range pr.Visits {
			d := v.SortDate()
			if d.IsZero() {
				continue
			}

			label := periodLabel(d, granularity)
			bucket, ok := buckets[label]
			if !ok {
				bucket = &PeriodBucket{Label: label}
				buckets[label] = bucket
			}
			bucket.Visits++
			accumulate(&bucket.Income, &v)
		}
	}

	out := make([]PeriodBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

func periodLabel(d time.Time, granularity PeriodGranularity) string {
	switch granularity {
	case QUARTER_PERIOD:
		return dates.FinancialYearLabel(d) + " Q" + string(rune('0'+dates.FinancialQuarter(d)))
	case YEAR_PERIOD:
		return dates.FinancialYearLabel(d)
	default:
		return dates.MonthLabel(d)
	}
}

func accumulate(summary *IncomeSummary, v *domain.ResolvedVisit) {
	switch {
	case v.FinalState.CountsForPayment():
		summary.Realized += v.Payment
	case v.FinalState == domain.PROPOSED:
		summary.Scheduled += v.Payment
	case v.FinalState == domain.PREDICTED || v.FinalState == domain.OVERDUE:
		summary.Pipeline += v.Payment
	}
}
