// Package domain contains core business entities and types for clinical-trial
// visit scheduling: patients, per-study schedule templates, recorded visit
// events, and the resolved visit records the engine produces from them.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PatientStatus represents a patient's position in the trial lifecycle,
// from screening through randomization to the terminal states.
type PatientStatus string

const (
	SCREENING        PatientStatus = "screening"
	SCREEN_FAILED    PatientStatus = "screen_failed"
	DNA_SCREENING    PatientStatus = "dna_screening"
	RANDOMIZED       PatientStatus = "randomized"
	WITHDRAWN        PatientStatus = "withdrawn"
	DECEASED         PatientStatus = "deceased"
	COMPLETED_STATUS PatientStatus = "completed"
	LOST_TO_FOLLOWUP PatientStatus = "lost_to_followup"
)

// VisitType categorizes a schedule entry or recorded event.
// siv and monitor visits are study-level events, never predicted per patient.
type VisitType string

const (
	PATIENT_VISIT VisitType = "patient"
	EXTRA_VISIT   VisitType = "extra"
	SIV_VISIT     VisitType = "siv"
	MONITOR_VISIT VisitType = "monitor"
)

// IntervalUnit selects the expected-date arithmetic for a template entry.
type IntervalUnit string

const (
	NO_INTERVAL    IntervalUnit = ""
	DAY_INTERVAL   IntervalUnit = "day"
	MONTH_INTERVAL IntervalUnit = "month"
)

// FinalState is the resolved display/financial state of a visit record.
type FinalState string

const (
	COMPLETED           FinalState = "completed"
	OUT_OF_PROTOCOL     FinalState = "out_of_protocol"
	PREDICTED           FinalState = "predicted"
	PROPOSED            FinalState = "proposed"
	OVERDUE             FinalState = "overdue"
	MISSED_SUPPRESSED   FinalState = "missed_suppressed"
	GAP_SUPPRESSED      FinalState = "gap_suppressed"
	TERMINAL_SUPPRESSED FinalState = "terminal_suppressed"
	UNMATCHED           FinalState = "unmatched"
)

// Validation errors for trial data integrity
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidStatus       = errors.New("invalid patient status")
	ErrInvalidVisitType    = errors.New("invalid visit type")
	ErrInvalidIntervalUnit = errors.New("invalid interval unit")
	ErrInvalidFinalState   = errors.New("invalid final state")
)

// IsValid validates that the status is one of the eight defined lifecycle values.
func (s PatientStatus) IsValid() bool {
	switch s {
	case SCREENING, SCREEN_FAILED, DNA_SCREENING, RANDOMIZED,
		WITHDRAWN, DECEASED, COMPLETED_STATUS, LOST_TO_FOLLOWUP:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s PatientStatus) String() string {
	return string(s)
}

// IsRecruited reports whether the patient has passed randomization: the five
// statuses that require a non-null RandomizationDate.
func (s PatientStatus) IsRecruited() bool {
	switch s {
	case RANDOMIZED, WITHDRAWN, DECEASED, COMPLETED_STATUS, LOST_TO_FOLLOWUP:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status stops all future predicted visits.
func (s PatientStatus) IsTerminal() bool {
	switch s {
	case SCREEN_FAILED, DNA_SCREENING, WITHDRAWN, DECEASED,
		COMPLETED_STATUS, LOST_TO_FOLLOWUP:
		return true
	default:
		return false
	}
}

// LogFields returns structured logging fields for audit trails.
func (s PatientStatus) LogFields() map[string]any {
	return map[string]any{
		"status":       string(s),
		"is_valid":     s.IsValid(),
		"is_recruited": s.IsRecruited(),
		"is_terminal":  s.IsTerminal(),
	}
}

// IsValid validates the visit type.
func (vt VisitType) IsValid() bool {
	switch vt {
	case PATIENT_VISIT, EXTRA_VISIT, SIV_VISIT, MONITOR_VISIT:
		return true
	default:
		return false
	}
}

// IsStudyLevel reports whether the visit type is resolved once per study
// rather than once per patient.
func (vt VisitType) IsStudyLevel() bool {
	return vt == SIV_VISIT || vt == MONITOR_VISIT
}

// IsValid validates the interval unit. The empty unit means plain day-offset
// arithmetic from the template's Day column.
func (iu IntervalUnit) IsValid() bool {
	switch iu {
	case NO_INTERVAL, DAY_INTERVAL, MONTH_INTERVAL:
		return true
	default:
		return false
	}
}

// IsValid validates the final state.
func (fs FinalState) IsValid() bool {
	switch fs {
	case COMPLETED, OUT_OF_PROTOCOL, PREDICTED, PROPOSED, OVERDUE,
		MISSED_SUPPRESSED, GAP_SUPPRESSED, TERMINAL_SUPPRESSED, UNMATCHED:
		return true
	default:
		return false
	}
}

// IsSuppressed reports whether the state hides the visit from the calendar.
func (fs FinalState) IsSuppressed() bool {
	switch fs {
	case MISSED_SUPPRESSED, GAP_SUPPRESSED, TERMINAL_SUPPRESSED:
		return true
	default:
		return false
	}
}

// CountsForPayment reports whether the visit's payment is realized.
// Out-of-protocol visits still count as completed for payment purposes.
func (fs FinalState) CountsForPayment() bool {
	return fs == COMPLETED || fs == OUT_OF_PROTOCOL
}

// DefaultPathway is assumed when a patient record carries no pathway key.
const DefaultPathway = "standard"

// Patient is one enrolled trial participant, keyed by (PatientID, Study).
type Patient struct {
	PatientID string `json:"patient_id"`
	Study     string `json:"study"`

	// ScreeningDate is the Day-1 reference point for all offset math.
	// Legacy data may supply it under the StartDate alias; the ingestion
	// layer maps that onto this field before the engine sees the record.
	ScreeningDate     time.Time     `json:"screening_date"`
	RandomizationDate *time.Time    `json:"randomization_date,omitempty"`
	Status            PatientStatus `json:"status"`
	Pathway           string        `json:"pathway"`

	OriginSite string `json:"origin_site"`
	VisitSite  string `json:"visit_site"`
}

// Key returns the composite identity of the patient.
func (p *Patient) Key() string {
	return p.Study + "/" + p.PatientID
}

// PathwayOrDefault returns the patient's pathway, falling back to the
// standard pathway when none is recorded.
func (p *Patient) PathwayOrDefault() string {
	if strings.TrimSpace(p.Pathway) == "" {
		return DefaultPathway
	}
	return p.Pathway
}

// Validate ensures the patient record meets the engine's integrity rules.
// Recruited statuses must carry a randomization date.
func (p *Patient) Validate() error {
	if p.PatientID == "" {
		return fmt.Errorf("patient validation: %w", errors.New("patient ID is required"))
	}

	if p.Study == "" {
		return fmt.Errorf("patient validation: %w", errors.New("study is required"))
	}

	if p.ScreeningDate.IsZero() {
		return fmt.Errorf("patient validation: %w", errors.New("screening date is required"))
	}

	if !p.Status.IsValid() {
		return fmt.Errorf("patient validation: %w", ErrInvalidStatus)
	}

	if p.Status.IsRecruited() && p.RandomizationDate == nil {
		return fmt.Errorf("patient validation: status %s requires a randomization date", p.Status)
	}

	return nil
}

// ScheduleTemplateEntry is one visit definition within a study's schedule,
// keyed by (Study, Pathway, Day, VisitName). Exactly one entry per
// (Study, Pathway) must have Day = 1: the baseline visit.
type ScheduleTemplateEntry struct {
	Study     string `json:"study"`
	Pathway   string `json:"pathway"`
	Day       int    `json:"day"`
	VisitName string `json:"visit_name"`

	ToleranceBefore int `json:"tolerance_before"`
	ToleranceAfter  int `json:"tolerance_after"`

	IntervalUnit  IntervalUnit `json:"interval_unit,omitempty"`
	IntervalValue int          `json:"interval_value,omitempty"`

	VisitType    VisitType `json:"visit_type"`
	SiteForVisit string    `json:"site_for_visit"`
	Payment      float64   `json:"payment"`

	// Randomization marks the visit whose completion transitions the
	// patient to randomized status.
	Randomization bool `json:"randomization,omitempty"`
}

// IsBaseline reports whether this entry is the Day-1 anchor visit.
func (e *ScheduleTemplateEntry) IsBaseline() bool {
	return e.Day == 1
}

// UsesMonthArithmetic reports whether expected dates come from calendar-month
// offsets. Requires a positive IntervalValue; otherwise the Day column governs.
func (e *ScheduleTemplateEntry) UsesMonthArithmetic() bool {
	return e.IntervalUnit == MONTH_INTERVAL && e.IntervalValue > 0
}

// Validate ensures the template entry is well-formed. Day 0 is reserved for
// optional extras that are never predicted; negative days are legacy data
// and rejected.
func (e *ScheduleTemplateEntry) Validate() error {
	if e.Study == "" {
		return fmt.Errorf("schedule entry validation: %w", errors.New("study is required"))
	}

	if e.Pathway == "" {
		return fmt.Errorf("schedule entry validation: %w", errors.New("pathway is required"))
	}

	if e.VisitName == "" {
		return fmt.Errorf("schedule entry validation: %w", errors.New("visit name is required"))
	}

	if e.Day < 0 {
		return fmt.Errorf("schedule entry validation: day %d is negative", e.Day)
	}

	if e.ToleranceBefore < 0 || e.ToleranceAfter < 0 {
		return fmt.Errorf("schedule entry validation: %w", errors.New("tolerance must be non-negative"))
	}

	if !e.IntervalUnit.IsValid() {
		return fmt.Errorf("schedule entry validation: %w", ErrInvalidIntervalUnit)
	}

	if !e.VisitType.IsValid() {
		return fmt.Errorf("schedule entry validation: %w", ErrInvalidVisitType)
	}

	if e.Payment < 0 {
		return fmt.Errorf("schedule entry validation: %w", errors.New("payment must be non-negative"))
	}

	return nil
}

// VisitEvent is one recorded visit occurrence or future booking from the
// actual-visits log. Multiple events may exist per (PatientID, VisitName);
// reschedules are new records, never in-place mutations.
type VisitEvent struct {
	PatientID  string    `json:"patient_id"`
	Study      string    `json:"study"`
	VisitName  string    `json:"visit_name"`
	ActualDate time.Time `json:"actual_date"`

	// Notes is free text scanned for lifecycle markers (screenfail,
	// withdrawn, died).
	Notes string `json:"notes,omitempty"`

	VisitType VisitType `json:"visit_type"`
	Site      string    `json:"site,omitempty"`
}

// Validate ensures the event record is usable for matching.
func (v *VisitEvent) Validate() error {
	if v.Study == "" {
		return fmt.Errorf("visit event validation: %w", errors.New("study is required"))
	}

	if v.VisitName == "" {
		return fmt.Errorf("visit event validation: %w", errors.New("visit name is required"))
	}

	if v.ActualDate.IsZero() {
		return fmt.Errorf("visit event validation: %w", errors.New("actual date is required"))
	}

	return nil
}

// IsActual reports whether the event has already happened as of today.
// Events dated today count as actual, not proposed.
func (v *VisitEvent) IsActual(today time.Time) bool {
	return !v.ActualDate.After(today)
}

// IsProposed reports whether the event is a future booking as of today.
func (v *VisitEvent) IsProposed(today time.Time) bool {
	return v.ActualDate.After(today)
}

// ResolvedVisit is the engine's output record: one per matched
// (Patient, ScheduleTemplateEntry) pairing, plus one per event that
// matched no template entry.
type ResolvedVisit struct {
	PatientID string `json:"patient_id,omitempty"`
	Study     string `json:"study"`
	VisitName string `json:"visit_name"`
	VisitDay  int    `json:"visit_day,omitempty"`

	ExpectedDate *time.Time `json:"expected_date,omitempty"`
	ActualDate   *time.Time `json:"actual_date,omitempty"`

	ToleranceStart *time.Time `json:"tolerance_start,omitempty"`
	ToleranceEnd   *time.Time `json:"tolerance_end,omitempty"`

	FinalState FinalState `json:"final_state"`
	VisitType  VisitType  `json:"visit_type"`
	Site       string     `json:"site,omitempty"`
	Payment    float64    `json:"payment"`
	Notes      string     `json:"notes,omitempty"`
}

// SortDate returns the date the assembler orders by: the expected date when
// present, otherwise the actual date.
func (rv *ResolvedVisit) SortDate() time.Time {
	if rv.ExpectedDate != nil {
		return *rv.ExpectedDate
	}
	if rv.ActualDate != nil {
		return *rv.ActualDate
	}
	return time.Time{}
}

// WithinTolerance reports whether a date falls inside the visit's tolerance
// window. Both boundaries are inclusive.
func (rv *ResolvedVisit) WithinTolerance(d time.Time) bool {
	if rv.ToleranceStart == nil || rv.ToleranceEnd == nil {
		return false
	}
	return !d.Before(*rv.ToleranceStart) && !d.After(*rv.ToleranceEnd)
}

// StatusDerivation is the Status Transition Engine's output for one patient:
// the should-be status and key dates. Writing it back is the caller's call,
// never a hidden side effect of resolution.
type StatusDerivation struct {
	PatientID string `json:"patient_id"`
	Study     string `json:"study"`

	Status            PatientStatus `json:"status"`
	RandomizationDate *time.Time    `json:"randomization_date,omitempty"`

	// StoppageDate is the date after which no further visits are predicted.
	StoppageDate *time.Time `json:"stoppage_date,omitempty"`

	// Changed reports whether the derived status differs from the stored one.
	Changed bool `json:"changed"`
}

// PatientResolution is the per-patient unit of a batch result: the resolved
// sequence, the derived status, and any non-fatal warnings collected along
// the way. Err is set when resolution failed for this patient alone.
type PatientResolution struct {
	PatientID string `json:"patient_id"`
	Study     string `json:"study"`

	Visits   []ResolvedVisit   `json:"visits,omitempty"`
	Status   *StatusDerivation `json:"status,omitempty"`
	Warnings []Warning         `json:"warnings,omitempty"`

	Err error `json:"-"`
}

// StudyResolution holds one study's site-level SIV/monitor sequence, or the
// configuration error that prevented resolving the study at all.
type StudyResolution struct {
	Study   string `json:"study"`
	Pathway string `json:"pathway"`

	Events []ResolvedVisit `json:"events,omitempty"`

	// Warnings carries study-level findings, such as events rejected for
	// placeholder contract sites.
	Warnings []Warning `json:"warnings,omitempty"`

	Err error `json:"-"`
}

// BatchResult is the outcome of one resolution run over many patients and
// studies. Failures are scoped to their unit; one bad study never blocks
// the rest of the batch.
type BatchResult struct {
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`

	Patients []PatientResolution `json:"patients"`
	Studies  []StudyResolution   `json:"studies"`
}

// Failed returns the patient resolutions that ended in a per-unit error.
func (br *BatchResult) Failed() []PatientResolution {
	var failed []PatientResolution
	for _, pr := range br.Patients {
		if pr.Err != nil {
			failed = append(failed, pr)
		}
	}
	return failed
}
