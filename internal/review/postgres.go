package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PostgresStore is the shared review queue for multi-operator deployments.
type PostgresStore struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewPostgresStore connects to the review database at dsn.
func NewPostgresStore(dsn string, log *logrus.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening review db: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging review db: %w", err)
	}

	store := &PostgresStore{db: db, log: log}
	if err := store.createSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("Review store connected")
	return store, nil
}

// NewPostgresStoreWithDB wraps an existing connection; used in tests.
func NewPostgresStoreWithDB(db *sql.DB, log *logrus.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log}
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS review_items (
		id BIGSERIAL PRIMARY KEY,
		kind TEXT NOT NULL,
		patient_id TEXT NOT NULL DEFAULT '',
		study TEXT NOT NULL,
		visit_name TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		event_date TIMESTAMPTZ NOT NULL,
		disposition TEXT NOT NULL DEFAULT 'pending',
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE(kind, study, patient_id, visit_name, event_date)
	);
	CREATE INDEX IF NOT EXISTS idx_review_items_study ON review_items(study);
	CREATE INDEX IF NOT EXISTS idx_review_items_disposition ON review_items(disposition)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating review schema: %w", err)
	}
	return nil
}

// Save inserts a finding, or refreshes the message of an existing one with
// the same natural key while preserving its disposition.
func (s *PostgresStore) Save(ctx context.Context, item *Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if item.Disposition == "" {
		item.Disposition = PENDING
	}
	now := time.Now().UTC()

	eventDate := noEventDate
	if item.EventDate != nil {
		eventDate = item.EventDate.UTC()
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO review_items
			(kind, patient_id, study, visit_name, message, event_date, disposition, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (kind, study, patient_id, visit_name, event_date)
		DO UPDATE SET message = EXCLUDED.message, updated_at = EXCLUDED.updated_at
		RETURNING id`,
		item.Kind, item.PatientID, item.Study, item.VisitName, item.Message,
		eventDate, string(item.Disposition), item.Notes, now, now).Scan(&item.ID)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"study": item.Study, "patient_id": item.PatientID,
		}).Error("Failed to save review item")
		return fmt.Errorf("saving review item: %w", err)
	}

	item.CreatedAt = now
	item.UpdatedAt = now
	return nil
}

// List returns queue items matching the filter, newest first.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]Item, error) {
	query := `SELECT id, kind, patient_id, study, visit_name, message, event_date,
		disposition, notes, created_at, updated_at FROM review_items WHERE 1=1`
	args := []any{}

	if filter.Study != "" {
		args = append(args, filter.Study)
		query += fmt.Sprintf(" AND study = $%d", len(args))
	}
	if filter.Disposition != "" {
		args = append(args, string(filter.Disposition))
		query += fmt.Sprintf(" AND disposition = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing review items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// SetDisposition records the operator's verdict on one item.
func (s *PostgresStore) SetDisposition(ctx context.Context, id int64, disposition Disposition, notes string) error {
	if !disposition.IsValid() {
		return fmt.Errorf("invalid disposition %q", disposition)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE review_items SET disposition = $1, notes = $2, updated_at = $3 WHERE id = $4",
		string(disposition), notes, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating disposition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating disposition: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("review item %d not found", id)
	}

	s.log.WithFields(logrus.Fields{
		"id":          id,
		"disposition": disposition,
	}).Info("Review item dispositioned")
	return nil
}

// Export writes the full queue as a JSON array.
func (s *PostgresStore) Export(ctx context.Context, w io.Writer) error {
	items, err := s.List(ctx, Filter{})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(items); err != nil {
		return fmt.Errorf("encoding review export: %w", err)
	}
	return nil
}

// Import merges a previously exported JSON queue into this store.
func (s *PostgresStore) Import(ctx context.Context, r io.Reader) (int, error) {
	var items []Item
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return 0, fmt.Errorf("decoding review import: %w", err)
	}

	imported := 0
	for i := range items {
		item := items[i]
		item.ID = 0
		if err := s.Save(ctx, &item); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
