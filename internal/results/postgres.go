package results

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection. The cohort_results table is
// created by the migrations.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL opens a results store from a connection URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Save upserts a record keyed by run and patient.
func (s *PostgresStore) Save(ctx context.Context, record *Record) error {
	names, values, err := encodeColumns(record)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO cohort_results (
			run_id, patient_id, status, column_names, row_values,
			error_code, error_message, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, patient_id) DO UPDATE SET
			status = EXCLUDED.status,
			column_names = EXCLUDED.column_names,
			row_values = EXCLUDED.row_values,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`

	err = s.db.QueryRowContext(ctx, query,
		record.RunID,
		record.PatientID,
		string(record.Status),
		string(names),
		string(values),
		record.ErrorCode,
		record.Error,
		now,
		now,
	).Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}

	record.UpdatedAt = now
	return nil
}

// Get retrieves one patient's record from a run.
func (s *PostgresStore) Get(ctx context.Context, runID, patientID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM cohort_results WHERE run_id = $1 AND patient_id = $2",
		runID, patientID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// List returns a run's records ordered by patient ID.
func (s *PostgresStore) List(ctx context.Context, runID string, limit, offset int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM cohort_results WHERE run_id = $1 ORDER BY patient_id LIMIT $2 OFFSET $3",
		runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Count returns the number of records in a run.
func (s *PostgresStore) Count(ctx context.Context, runID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cohort_results WHERE run_id = $1", runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// Runs returns the stored run IDs, most recent first.
func (s *PostgresStore) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id FROM cohort_results GROUP BY run_id ORDER BY MAX(created_at) DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
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
func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM cohort_results WHERE run_id = $1", runID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete run: %w", err)
	}
	return res.RowsAffected()
}

// ExportJSON writes a run to a JSON writer.
func (s *PostgresStore) ExportJSON(ctx context.Context, runID string, writer io.Writer) error {
	return exportRun(ctx, s, runID, writer)
}

// ImportJSON reads an export written by ExportJSON.
func (s *PostgresStore) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
	return importRecords(ctx, s, reader)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
