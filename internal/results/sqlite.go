package results

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens the results database, creating the file and schema
// when they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	// Workers save concurrently; let SQLite wait on the write lock.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cohort_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		status TEXT NOT NULL,
		column_names TEXT NOT NULL DEFAULT '[]',
		row_values TEXT NOT NULL DEFAULT '{}',
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(run_id, patient_id)
	);

	CREATE INDEX IF NOT EXISTS idx_cohort_results_run ON cohort_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_cohort_results_created_at ON cohort_results(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Save stores a record, replacing the run's existing row for the patient.
func (s *SQLiteStore) Save(ctx context.Context, record *Record) error {
	names, values, err := encodeColumns(record)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	var existingID int64
	var createdAt time.Time
	err = s.db.QueryRowContext(ctx,
		"SELECT id, created_at FROM cohort_results WHERE run_id = ? AND patient_id = ?",
		record.RunID, record.PatientID,
	).Scan(&existingID, &createdAt)

	if err == nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE cohort_results SET
				status = ?,
				column_names = ?,
				row_values = ?,
				error_code = ?,
				error_message = ?,
				updated_at = ?
			WHERE id = ?
		`,
			string(record.Status),
			string(names),
			string(values),
			record.ErrorCode,
			record.Error,
			now,
			existingID,
		)
		if err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}
		record.ID = existingID
		record.CreatedAt = createdAt
		record.UpdatedAt = now
		return nil
	}

	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check existing: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO cohort_results (
			run_id, patient_id, status, column_names, row_values,
			error_code, error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.RunID,
		record.PatientID,
		string(record.Status),
		string(names),
		string(values),
		record.ErrorCode,
		record.Error,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get insert ID: %w", err)
	}
	record.ID = id
	record.CreatedAt = now
	record.UpdatedAt = now
	return nil
}

// Get retrieves one patient's record from a run.
func (s *SQLiteStore) Get(ctx context.Context, runID, patientID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM cohort_results WHERE run_id = ? AND patient_id = ?",
		runID, patientID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return rec, nil
}

// List returns a run's records ordered by patient ID.
func (s *SQLiteStore) List(ctx context.Context, runID string, limit, offset int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM cohort_results WHERE run_id = ? ORDER BY patient_id LIMIT ? OFFSET ?",
		runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Count returns the number of records in a run.
func (s *SQLiteStore) Count(ctx context.Context, runID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cohort_results WHERE run_id = ?", runID).Scan(&count)
	return count, err
}

// Runs returns the stored run IDs, most recent first.
func (s *SQLiteStore) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id FROM cohort_results
		GROUP BY run_id
		ORDER BY MAX(id) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}

// DeleteRun removes every record of a run.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM cohort_results WHERE run_id = ?", runID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExportJSON writes a run to a JSON writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, runID string, writer io.Writer) error {
	return exportRun(ctx, s, runID, writer)
}

// ImportJSON reads an export written by ExportJSON.
func (s *SQLiteStore) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
	return importRecords(ctx, s, reader)
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
