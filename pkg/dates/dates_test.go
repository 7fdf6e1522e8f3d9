package dates

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseUK(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{"slash short year", "01/03/24", date(2024, 3, 1), false},
		{"slash full year", "01/03/2024", date(2024, 3, 1), false},
		{"dash full year", "15-06-2024", date(2024, 6, 15), false},
		{"dot short year", "31.12.23", date(2023, 12, 31), false},
		{"day first not month first", "02/01/2024", date(2024, 1, 2), false},
		{"iso fallback", "2024-03-01", date(2024, 3, 1), false},
		{"surrounding whitespace", "  01/03/2024  ", date(2024, 3, 1), false},
		{"empty string", "", time.Time{}, true},
		{"garbage", "not a date", time.Time{}, true},
		{"impossible day", "32/01/2024", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUK(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseUK(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && !got.Equal(tt.want) {
				t.Errorf("ParseUK(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestAddMonths(t *testing.T) {
	tests := []struct {
		name  string
		start time.Time
		n     int
		want  time.Time
	}{
		{"simple month", date(2024, 3, 1), 1, date(2024, 4, 1)},
		{"twelve months leap safe", date(2024, 3, 1), 12, date(2025, 3, 1)},
		{"end of january clamps to leap february", date(2024, 1, 31), 1, date(2024, 2, 29)},
		{"end of january clamps to plain february", date(2023, 1, 31), 1, date(2023, 2, 28)},
		{"end of month stays clamped", date(2024, 5, 31), 1, date(2024, 6, 30)},
		{"year rollover", date(2024, 11, 15), 3, date(2025, 2, 15)},
		{"negative offset", date(2024, 3, 31), -1, date(2024, 2, 29)},
		{"zero offset", date(2024, 3, 15), 0, date(2024, 3, 15)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AddMonths(tt.start, tt.n); !got.Equal(tt.want) {
				t.Errorf("AddMonths(%v, %d) = %v, want %v", tt.start, tt.n, got, tt.want)
			}
		})
	}
}

func TestFinancialYear(t *testing.T) {
	tests := []struct {
		name      string
		d         time.Time
		wantStart time.Time
		wantEnd   time.Time
		wantLabel string
		wantQ     int
	}{
		{"mid year", date(2024, 6, 15), date(2024, 4, 1), date(2025, 3, 31), "2024/25", 1},
		{"january belongs to previous FY", date(2025, 1, 10), date(2024, 4, 1), date(2025, 3, 31), "2024/25", 4},
		{"april first day", date(2024, 4, 1), date(2024, 4, 1), date(2025, 3, 31), "2024/25", 1},
		{"march last day", date(2024, 3, 31), date(2023, 4, 1), date(2024, 3, 31), "2023/24", 4},
		{"october is q3", date(2024, 10, 5), date(2024, 4, 1), date(2025, 3, 31), "2024/25", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FinancialYearStart(tt.d); !got.Equal(tt.wantStart) {
				t.Errorf("FinancialYearStart = %v, want %v", got, tt.wantStart)
			}
			if got := FinancialYearEnd(tt.d); !got.Equal(tt.wantEnd) {
				t.Errorf("FinancialYearEnd = %v, want %v", got, tt.wantEnd)
			}
			if got := FinancialYearLabel(tt.d); got != tt.wantLabel {
				t.Errorf("FinancialYearLabel = %q, want %q", got, tt.wantLabel)
			}
			if got := FinancialQuarter(tt.d); got != tt.wantQ {
				t.Errorf("FinancialQuarter = %d, want %d", got, tt.wantQ)
			}
		})
	}
}

func TestDaysBetween(t *testing.T) {
	if got := DaysBetween(date(2024, 3, 1), date(2024, 3, 15)); got != 14 {
		t.Errorf("Expected 14, got %d", got)
	}
	if got := DaysBetween(date(2024, 3, 15), date(2024, 3, 1)); got != -14 {
		t.Errorf("Expected -14, got %d", got)
	}
	if got := DaysBetween(date(2024, 2, 28), date(2024, 3, 1)); got != 2 {
		t.Errorf("Expected 2 across leap day, got %d", got)
	}
}
