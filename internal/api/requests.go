package api

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/trial-visit-engine/internal/review"
)

// recordEventsRequest appends visit events to a patient's log.
type recordEventsRequest struct {
	Events []eventPayload `json:"events"`
}

type eventPayload struct {
	PatientID string `json:"patient_id"`
	Study     string `json:"study"`
	VisitName string `json:"visit_name"`
	// Date accepts UK day-first and ISO layouts.
	Date  string `json:"date"`
	Notes string `json:"notes"`
	Type  string `json:"type"`
	Site  string `json:"site"`
}

func (r recordEventsRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Events, validation.Required, validation.Length(1, 5000)),
	)
}

func (p eventPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.PatientID, validation.Required),
		validation.Field(&p.Study, validation.Required),
		validation.Field(&p.VisitName, validation.Required),
		validation.Field(&p.Date, validation.Required),
	)
}

// uploadRequest carries completed-visit rows from the legacy spreadsheet
// export.
type uploadRequest struct {
	Pathway string      `json:"pathway"`
	Rows    []uploadRow `json:"rows"`
}

type uploadRow struct {
	PatientID       string `json:"patient_id"`
	Study           string `json:"study"`
	VisitName       string `json:"visit_name"`
	ActualDate      string `json:"actual_date"`
	Outcome         string `json:"outcome"`
	Notes           string `json:"notes"`
	ExtrasPerformed string `json:"extras_performed"`
}

func (r uploadRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Rows, validation.Required, validation.Length(1, 10000)),
	)
}

// dispositionRequest records the operator verdict on a review item.
type dispositionRequest struct {
	Disposition string `json:"disposition"`
	Notes       string `json:"notes"`
}

func (r dispositionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Disposition, validation.Required,
			validation.In(string(review.ACCEPTED), string(review.DISMISSED), string(review.PENDING))),
		validation.Field(&r.Notes, validation.Length(0, 2000)),
	)
}
