package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the file-backed review queue for single-site deployments.
type SQLiteStore struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewSQLiteStore opens (creating if needed) the review database at dbPath.
func NewSQLiteStore(dbPath string, log *logrus.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating review db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening review db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db, log: log}
	if err := store.createSchema(); err != nil {
		db.Close()
		return nil, err
	}

	log.WithFields(logrus.Fields{"path": dbPath}).Info("Review store opened")
	return store, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS review_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		patient_id TEXT NOT NULL DEFAULT '',
		study TEXT NOT NULL,
		visit_name TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		event_date TIMESTAMP NOT NULL,
		disposition TEXT NOT NULL DEFAULT 'pending',
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(kind, study, patient_id, visit_name, event_date)
	);
	CREATE INDEX IF NOT EXISTS idx_review_items_study ON review_items(study);
	CREATE INDEX IF NOT EXISTS idx_review_items_disposition ON review_items(disposition);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating review schema: %w", err)
	}
	return nil
}

// Save inserts a finding, or refreshes the message of an existing one with
// the same natural key while preserving its disposition.
func (s *SQLiteStore) Save(ctx context.Context, item *Item) error {
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

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO review_items
			(kind, patient_id, study, visit_name, message, event_date, disposition, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, study, patient_id, visit_name, event_date)
		DO UPDATE SET message = excluded.message, updated_at = excluded.updated_at`,
		item.Kind, item.PatientID, item.Study, item.VisitName, item.Message,
		eventDate, item.Disposition, item.Notes, now, now)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"study": item.Study, "patient_id": item.PatientID,
		}).Error("Failed to save review item")
		return fmt.Errorf("saving review item: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		item.ID = id
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	return nil
}

// List returns queue items matching the filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Item, error) {
	query := `SELECT id, kind, patient_id, study, visit_name, message, event_date,
		disposition, notes, created_at, updated_at FROM review_items WHERE 1=1`
	args := []any{}

	if filter.Study != "" {
		query += " AND study = ?"
		args = append(args, filter.Study)
	}
	if filter.Disposition != "" {
		query += " AND disposition = ?"
		args = append(args, string(filter.Disposition))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing review items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// SetDisposition records the operator's verdict on one item.
func (s *SQLiteStore) SetDisposition(ctx context.Context, id int64, disposition Disposition, notes string) error {
	if !disposition.IsValid() {
		return fmt.Errorf("invalid disposition %q", disposition)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE review_items SET disposition = ?, notes = ?, updated_at = ? WHERE id = ?",
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
func (s *SQLiteStore) Export(ctx context.Context, w io.Writer) error {
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
func (s *SQLiteStore) Import(ctx context.Context, r io.Reader) (int, error) {
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

	s.log.WithFields(logrus.Fields{"count": imported}).Info("Review items imported")
	return imported, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for shared scan code.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(sc scanner) (Item, error) {
	var item Item
	var eventDate sql.NullTime
	err := sc.Scan(&item.ID, &item.Kind, &item.PatientID, &item.Study,
		&item.VisitName, &item.Message, &eventDate,
		&item.Disposition, &item.Notes, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Item{}, err
	}
	if eventDate.Valid && !eventDate.Time.Equal(noEventDate) {
		t := eventDate.Time.UTC()
		item.EventDate = &t
	}
	return item, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning review item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating review items: %w", err)
	}
	return items, nil
}
