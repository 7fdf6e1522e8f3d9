package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/trial-visit-engine/internal/domain"
)

// PatientRepository loads the patient registry and writes back derived
// statuses when the caller accepts them.
type PatientRepository struct {
	db      *pgxpool.Pool
	breaker *RegistryBreaker
	log     *logrus.Logger
}

// NewPatientRepository creates a patient registry repository.
func NewPatientRepository(db *pgxpool.Pool, breaker *RegistryBreaker, logger *logrus.Logger) *PatientRepository {
	return &PatientRepository{db: db, breaker: breaker, log: logger}
}

const patientColumns = `patient_id, study, screening_date, start_date, randomization_date, status, pathway, origin_site, visit_site`

// ListAll returns every patient in the registry.
func (r *PatientRepository) ListAll(ctx context.Context) ([]domain.Patient, error) {
	query := `SELECT ` + patientColumns + ` FROM patients ORDER BY study, patient_id`

	result, err := r.breaker.Execute(func() (any, error) {
		rows, err := r.db.Query(ctx, query)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanPatients(rows)
	})
	if err != nil {
		r.log.WithError(err).Error("Failed to list patients")
		return nil, fmt.Errorf("listing patients: %w", err)
	}

	return result.([]domain.Patient), nil
}

// ListByStudy returns the patients enrolled in one study.
func (r *PatientRepository) ListByStudy(ctx context.Context, study string) ([]domain.Patient, error) {
	query := `SELECT ` + patientColumns + ` FROM patients WHERE study = $1 ORDER BY patient_id`

	result, err := r.breaker.Execute(func() (any, error) {
		rows, err := r.db.Query(ctx, query, study)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanPatients(rows)
	})
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"study": study,
			"error": err,
		}).Error("Failed to list patients by study")
		return nil, fmt.Errorf("listing patients for study %s: %w", study, err)
	}

	return result.([]domain.Patient), nil
}

// Get returns one patient by its composite key.
func (r *PatientRepository) Get(ctx context.Context, study, patientID string) (*domain.Patient, error) {
	query := `SELECT ` + patientColumns + ` FROM patients WHERE study = $1 AND patient_id = $2`

	result, err := r.breaker.Execute(func() (any, error) {
		row := r.db.QueryRow(ctx, query, study, patientID)
		return scanPatient(row)
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("patient %s/%s: %w", study, patientID, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"study":      study,
			"patient_id": patientID,
			"error":      err,
		}).Error("Failed to get patient")
		return nil, fmt.Errorf("getting patient %s/%s: %w", study, patientID, err)
	}

	return result.(*domain.Patient), nil
}

// ApplyStatus writes a derived status back to the registry. This is the
// explicit acceptance of the engine's computed should-be value.
func (r *PatientRepository) ApplyStatus(ctx context.Context, derivation *domain.StatusDerivation) error {
	query := `
		UPDATE patients
		SET status = $1, randomization_date = $2, updated_at = now()
		WHERE study = $3 AND patient_id = $4`

	result, err := r.breaker.Execute(func() (any, error) {
		return r.db.Exec(ctx, query,
			string(derivation.Status),
			derivation.RandomizationDate,
			derivation.Study,
			derivation.PatientID,
		)
	})
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"study":      derivation.Study,
			"patient_id": derivation.PatientID,
			"status":     derivation.Status,
			"error":      err,
		}).Error("Failed to apply derived status")
		return fmt.Errorf("applying status for %s/%s: %w", derivation.Study, derivation.PatientID, err)
	}

	if tag, ok := result.(pgconn.CommandTag); ok && tag.RowsAffected() == 0 {
		return fmt.Errorf("patient %s/%s: %w", derivation.Study, derivation.PatientID, domain.ErrNotFound)
	}

	r.log.WithFields(logrus.Fields{
		"study":      derivation.Study,
		"patient_id": derivation.PatientID,
		"status":     derivation.Status,
	}).Info("Applied derived patient status")

	return nil
}

func scanPatients(rows pgx.Rows) ([]domain.Patient, error) {
	var patients []domain.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, *p)
	}
	return patients, rows.Err()
}

func scanPatient(row pgx.Row) (*domain.Patient, error) {
	var p domain.Patient
	var screening, start, randomization *time.Time
	var status string

	if err := row.Scan(
		&p.PatientID,
		&p.Study,
		&screening,
		&start,
		&randomization,
		&status,
		&p.Pathway,
		&p.OriginSite,
		&p.VisitSite,
	); err != nil {
		return nil, err
	}

	// Legacy registry rows carry the baseline under start_date; it aliases
	// the screening date one to one when screening_date is absent.
	switch {
	case screening != nil:
		p.ScreeningDate = domain.DateOnly(*screening)
	case start != nil:
		p.ScreeningDate = domain.DateOnly(*start)
	}
	if randomization != nil {
		p.RandomizationDate = domain.DatePtr(*randomization)
	}
	p.Status = domain.PatientStatus(status)
	return &p, nil
}
