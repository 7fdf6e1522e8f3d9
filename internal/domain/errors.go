package domain

import (
	"fmt"
	"time"
)

// ConfigurationError reports a schedule template that violates a design
// invariant (missing or duplicate Day-1 entry, unknown interval unit).
// Fatal for the affected (Study, Pathway) only; the batch continues.
type ConfigurationError struct {
	Study   string `json:"study"`
	Pathway string `json:"pathway"`
	Reason  string `json:"reason"`
}

// Error implements the error interface
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("schedule configuration error for %s/%s: %s", e.Study, e.Pathway, e.Reason)
}

// NewConfigurationError creates a ConfigurationError scoped to one (Study, Pathway).
func NewConfigurationError(study, pathway, reason string) *ConfigurationError {
	return &ConfigurationError{Study: study, Pathway: pathway, Reason: reason}
}

// DataIntegrityError reports a referential violation in patient data
// (patient references an unknown study, duplicate patient ID within a
// study). Fatal for that patient's resolution only.
type DataIntegrityError struct {
	PatientID string `json:"patient_id"`
	Study     string `json:"study"`
	Reason    string `json:"reason"`
}

// Error implements the error interface
func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity error for patient %s in study %s: %s", e.PatientID, e.Study, e.Reason)
}

// NewDataIntegrityError creates a DataIntegrityError scoped to one patient.
func NewDataIntegrityError(patientID, study, reason string) *DataIntegrityError {
	return &DataIntegrityError{PatientID: patientID, Study: study, Reason: reason}
}

// WarningKind distinguishes the non-fatal findings a resolution run collects.
type WarningKind string

const (
	UNMATCHED_VISIT_WARNING  WarningKind = "unmatched_visit"
	AMBIGUOUS_STATUS_WARNING WarningKind = "ambiguous_status"
	CASE_MISMATCH_WARNING    WarningKind = "case_mismatch"
	INVALID_SITE_WARNING     WarningKind = "invalid_site"
)

// Warning is a non-fatal finding surfaced for operator review rather than
// thrown. Resolution always completes in its presence.
type Warning struct {
	Kind      WarningKind `json:"kind"`
	PatientID string      `json:"patient_id,omitempty"`
	Study     string      `json:"study"`
	VisitName string      `json:"visit_name,omitempty"`
	Message   string      `json:"message"`
	Date      *time.Time  `json:"date,omitempty"`
}

// Error implements the error interface so warnings can travel through
// error-shaped plumbing when a caller wants them to.
func (w *Warning) Error() string {
	return fmt.Sprintf("%s: %s", w.Kind, w.Message)
}

// NewUnmatchedVisitWarning flags a visit event whose name matches no
// template entry. The event is retained as an unmatched resolved visit.
func NewUnmatchedVisitWarning(patientID, study, visitName string, date time.Time) Warning {
	return Warning{
		Kind:      UNMATCHED_VISIT_WARNING,
		PatientID: patientID,
		Study:     study,
		VisitName: visitName,
		Date:      &date,
		Message:   fmt.Sprintf("visit %q has no matching schedule entry", visitName),
	}
}

// NewAmbiguousStatusWarning flags conflicting lifecycle markers in one
// patient's notes history. Precedence resolved the conflict deterministically;
// the warning records that it existed.
func NewAmbiguousStatusWarning(patientID, study, message string) Warning {
	return Warning{
		Kind:      AMBIGUOUS_STATUS_WARNING,
		PatientID: patientID,
		Study:     study,
		Message:   message,
	}
}

// NewCaseMismatchWarning flags a visit matched only via case-insensitive
// name comparison.
func NewCaseMismatchWarning(patientID, study, eventName, templateName string) Warning {
	return Warning{
		Kind:      CASE_MISMATCH_WARNING,
		PatientID: patientID,
		Study:     study,
		VisitName: eventName,
		Message:   fmt.Sprintf("visit %q matched schedule entry %q only case-insensitively", eventName, templateName),
	}
}

// NewInvalidSiteWarning flags a record rejected because its site is an
// invalid placeholder token.
func NewInvalidSiteWarning(study, visitName, site string) Warning {
	return Warning{
		Kind:      INVALID_SITE_WARNING,
		Study:     study,
		VisitName: visitName,
		Message:   fmt.Sprintf("site %q is not a valid contract site", site),
	}
}
