// Package review persists the operator review queue: the unmatched visits
// and ambiguous status findings a resolution run flags for a human to
// disposition. SQLite backs single-site deployments; Postgres backs shared
// ones. Both implement the same Store interface.
package review

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trial-visit-engine/internal/domain"
)

// noEventDate stands in for a missing event date in the stores' natural
// key. SQL UNIQUE treats NULLs as distinct, so a NULL date would let the
// same dateless finding queue again on every resolution run.
var noEventDate = time.Unix(0, 0).UTC()

// Disposition is the operator's verdict on a flagged finding.
type Disposition string

const (
	PENDING   Disposition = "pending"
	ACCEPTED  Disposition = "accepted"
	DISMISSED Disposition = "dismissed"
)

// IsValid validates the disposition.
func (d Disposition) IsValid() bool {
	switch d {
	case PENDING, ACCEPTED, DISMISSED:
		return true
	default:
		return false
	}
}

// Item is one queued finding awaiting operator review. The (kind, study,
// patient, visit, date) tuple identifies a finding across runs so repeated
// resolutions don't duplicate the queue.
type Item struct {
	ID          int64       `json:"id"`
	Kind        string      `json:"kind"`
	PatientID   string      `json:"patient_id,omitempty"`
	Study       string      `json:"study"`
	VisitName   string      `json:"visit_name,omitempty"`
	Message     string      `json:"message"`
	EventDate   *time.Time  `json:"event_date,omitempty"`
	Disposition Disposition `json:"disposition"`
	Notes       string      `json:"notes,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Validate ensures an item can be queued.
func (i *Item) Validate() error {
	if i.Kind == "" {
		return fmt.Errorf("review item validation: kind is required")
	}
	if i.Study == "" {
		return fmt.Errorf("review item validation: study is required")
	}
	if i.Disposition != "" && !i.Disposition.IsValid() {
		return fmt.Errorf("review item validation: invalid disposition %q", i.Disposition)
	}
	return nil
}

// Filter narrows List queries.
type Filter struct {
	Study       string
	Disposition Disposition
	Limit       int
}

// Store is the review queue persistence interface.
type Store interface {
	// Save inserts a finding or refreshes an existing one's message,
	// identified by its natural key.
	Save(ctx context.Context, item *Item) error

	// List returns queue items matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]Item, error)

	// SetDisposition records the operator's verdict on one item.
	SetDisposition(ctx context.Context, id int64, disposition Disposition, notes string) error

	// Export writes the full queue as JSON.
	Export(ctx context.Context, w io.Writer) error

	// Import merges a previously exported JSON queue, returning the
	// number of items merged.
	Import(ctx context.Context, r io.Reader) (int, error)

	Close() error
}

// Open builds a Store for the configured driver.
func Open(driver, path, dsn string, log *logrus.Logger) (Store, error) {
	switch driver {
	case "sqlite":
		return NewSQLiteStore(path, log)
	case "postgres":
		return NewPostgresStore(dsn, log)
	default:
		return nil, fmt.Errorf("unknown review store driver %q", driver)
	}
}

// FromWarning converts an engine warning into a queue item.
func FromWarning(w domain.Warning) *Item {
	return &Item{
		Kind:        string(w.Kind),
		PatientID:   w.PatientID,
		Study:       w.Study,
		VisitName:   w.VisitName,
		Message:     w.Message,
		EventDate:   w.Date,
		Disposition: PENDING,
	}
}

// QueueWarnings persists every warning from a batch result, patient-level
// and study-level alike.
func QueueWarnings(ctx context.Context, store Store, result *domain.BatchResult) error {
	for _, pr := range result.Patients {
		for _, w := range pr.Warnings {
			if err := store.Save(ctx, FromWarning(w)); err != nil {
				return fmt.Errorf("queueing warning for %s/%s: %w", w.Study, w.PatientID, err)
			}
		}
	}
	for _, sr := range result.Studies {
		for _, w := range sr.Warnings {
			if err := store.Save(ctx, FromWarning(w)); err != nil {
				return fmt.Errorf("queueing warning for study %s: %w", w.Study, err)
			}
		}
	}
	return nil
}
