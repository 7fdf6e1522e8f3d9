package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/trial-visit-engine/internal/domain"
)

// VisitEventRepository loads the visit event log and records new events
// (bookings, corrections, completed-visit uploads). Events are append-only:
// a correction is a new row, never an update in place.
type VisitEventRepository struct {
	db      *pgxpool.Pool
	breaker *RegistryBreaker
	log     *logrus.Logger
}

// NewVisitEventRepository creates a visit event repository.
func NewVisitEventRepository(db *pgxpool.Pool, breaker *RegistryBreaker, logger *logrus.Logger) *VisitEventRepository {
	return &VisitEventRepository{db: db, breaker: breaker, log: logger}
}

const eventColumns = `patient_id, study, visit_name, actual_date, notes, visit_type, site`

// ListAll returns the full event log, unordered. The engine sorts internally.
func (r *VisitEventRepository) ListAll(ctx context.Context) ([]domain.VisitEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM visit_events`

	result, err := r.breaker.Execute(func() (any, error) {
		rows, err := r.db.Query(ctx, query)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanEvents(rows)
	})
	if err != nil {
		r.log.WithError(err).Error("Failed to list visit events")
		return nil, fmt.Errorf("listing visit events: %w", err)
	}

	return result.([]domain.VisitEvent), nil
}

// ListByPatient returns one patient's events within a study.
func (r *VisitEventRepository) ListByPatient(ctx context.Context, study, patientID string) ([]domain.VisitEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM visit_events WHERE study = $1 AND patient_id = $2`

	result, err := r.breaker.Execute(func() (any, error) {
		rows, err := r.db.Query(ctx, query, study, patientID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanEvents(rows)
	})
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"study":      study,
			"patient_id": patientID,
			"error":      err,
		}).Error("Failed to list visit events by patient")
		return nil, fmt.Errorf("listing visit events for %s/%s: %w", study, patientID, err)
	}

	return result.([]domain.VisitEvent), nil
}

// Record appends visit events in one transaction, typically a parsed
// completed-visit upload.
func (r *VisitEventRepository) Record(ctx context.Context, events []domain.VisitEvent) error {
	if len(events) == 0 {
		return nil
	}

	query := `
		INSERT INTO visit_events (patient_id, study, visit_name, actual_date, notes, visit_type, site)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.breaker.Execute(func() (any, error) {
		tx, err := r.db.Begin(ctx)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback(ctx)

		for _, ev := range events {
			if _, err := tx.Exec(ctx, query,
				ev.PatientID, ev.Study, ev.VisitName, ev.ActualDate,
				ev.Notes, string(ev.VisitType), ev.Site,
			); err != nil {
				return nil, err
			}
		}
		return nil, tx.Commit(ctx)
	})
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"events": len(events),
			"error":  err,
		}).Error("Failed to record visit events")
		return fmt.Errorf("recording %d visit events: %w", len(events), err)
	}

	r.log.WithField("events", len(events)).Info("Recorded visit events")
	return nil
}

func scanEvents(rows pgx.Rows) ([]domain.VisitEvent, error) {
	var events []domain.VisitEvent
	for rows.Next() {
		var ev domain.VisitEvent
		var actual time.Time
		var visitType string

		if err := rows.Scan(
			&ev.PatientID,
			&ev.Study,
			&ev.VisitName,
			&actual,
			&ev.Notes,
			&visitType,
			&ev.Site,
		); err != nil {
			return nil, err
		}

		ev.ActualDate = domain.DateOnly(actual)
		ev.VisitType = domain.VisitType(visitType)
		events = append(events, ev)
	}
	return events, rows.Err()
}
