package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/trial-visit-engine/internal/domain"
)

// ScheduleRepository loads the schedule template registry.
type ScheduleRepository struct {
	db      *pgxpool.Pool
	breaker *RegistryBreaker
	log     *logrus.Logger
}

// NewScheduleRepository creates a schedule template repository.
func NewScheduleRepository(db *pgxpool.Pool, breaker *RegistryBreaker, logger *logrus.Logger) *ScheduleRepository {
	return &ScheduleRepository{db: db, breaker: breaker, log: logger}
}

const scheduleColumns = `study, pathway, day, visit_name, tolerance_before, tolerance_after,
	interval_unit, interval_value, visit_type, site_for_visit, payment, randomization`

// ListAll returns the full template registry, the engine's startup load.
func (r *ScheduleRepository) ListAll(ctx context.Context) ([]domain.ScheduleTemplateEntry, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedule_templates ORDER BY study, pathway, day`

	result, err := r.breaker.Execute(func() (any, error) {
		rows, err := r.db.Query(ctx, query)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanScheduleEntries(rows)
	})
	if err != nil {
		r.log.WithError(err).Error("Failed to list schedule templates")
		return nil, fmt.Errorf("listing schedule templates: %w", err)
	}

	return result.([]domain.ScheduleTemplateEntry), nil
}

// ListByStudy returns one study's template entries across all pathways.
func (r *ScheduleRepository) ListByStudy(ctx context.Context, study string) ([]domain.ScheduleTemplateEntry, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedule_templates WHERE study = $1 ORDER BY pathway, day`

	result, err := r.breaker.Execute(func() (any, error) {
		rows, err := r.db.Query(ctx, query, study)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanScheduleEntries(rows)
	})
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"study": study,
			"error": err,
		}).Error("Failed to list schedule templates by study")
		return nil, fmt.Errorf("listing schedule templates for study %s: %w", study, err)
	}

	entries := result.([]domain.ScheduleTemplateEntry)
	if len(entries) == 0 {
		return nil, fmt.Errorf("schedule for study %s: %w", study, domain.ErrNotFound)
	}
	return entries, nil
}

func scanScheduleEntries(rows pgx.Rows) ([]domain.ScheduleTemplateEntry, error) {
	var entries []domain.ScheduleTemplateEntry
	for rows.Next() {
		var e domain.ScheduleTemplateEntry
		var intervalUnit, visitType string

		if err := rows.Scan(
			&e.Study,
			&e.Pathway,
			&e.Day,
			&e.VisitName,
			&e.ToleranceBefore,
			&e.ToleranceAfter,
			&intervalUnit,
			&e.IntervalValue,
			&visitType,
			&e.SiteForVisit,
			&e.Payment,
			&e.Randomization,
		); err != nil {
			return nil, err
		}

		e.IntervalUnit = domain.IntervalUnit(intervalUnit)
		e.VisitType = domain.VisitType(visitType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
