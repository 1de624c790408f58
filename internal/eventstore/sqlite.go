package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/jcvi-cohort-engine/internal/domain"
)

// SQLiteSource reads patient histories from a local SQLite extract.
type SQLiteSource struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteSource opens (creating if needed) the extract at dbPath.
func NewSQLiteSource(dbPath string) (*SQLiteSource, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
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

	if err := createEventSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteSource{db: db, dbPath: dbPath}, nil
}

func createEventSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		patient_id TEXT PRIMARY KEY,
		sex TEXT NOT NULL DEFAULT '',
		date_of_birth TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS clinical_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id TEXT NOT NULL REFERENCES patients(patient_id),
		code TEXT NOT NULL,
		coding_system TEXT NOT NULL DEFAULT '',
		event_date TEXT NOT NULL,
		numeric_value REAL
	);

	CREATE INDEX IF NOT EXISTS idx_clinical_events_patient ON clinical_events(patient_id, event_date);
	`

	_, err := db.Exec(schema)
	return err
}

// Import writes patients and their events, replacing any existing history
// for the same IDs.
func (s *SQLiteSource) Import(ctx context.Context, patients ...*domain.Patient) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range patients {
		dob := ""
		if !p.DateOfBirth.IsZero() {
			dob = domain.FormatDate(p.DateOfBirth)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO patients (patient_id, sex, date_of_birth) VALUES (?, ?, ?)
			ON CONFLICT(patient_id) DO UPDATE SET sex = excluded.sex, date_of_birth = excluded.date_of_birth
		`, p.ID, string(p.Sex), dob); err != nil {
			return fmt.Errorf("failed to upsert patient %s: %w", p.ID, err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM clinical_events WHERE patient_id = ?", p.ID); err != nil {
			return fmt.Errorf("failed to clear events for %s: %w", p.ID, err)
		}

		for _, e := range p.Events {
			var value sql.NullFloat64
			if e.Value != nil {
				value = sql.NullFloat64{Float64: *e.Value, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO clinical_events (patient_id, code, coding_system, event_date, numeric_value)
				VALUES (?, ?, ?, ?, ?)
			`, p.ID, e.Code, string(e.System), domain.FormatDate(e.Date), value); err != nil {
				return fmt.Errorf("failed to insert event for %s: %w", p.ID, err)
			}
		}
	}

	return tx.Commit()
}

// Fetch loads a patient and all of their events.
func (s *SQLiteSource) Fetch(ctx context.Context, patientID string) (*domain.Patient, error) {
	p := &domain.Patient{ID: patientID}
	var sex, dob string

	err := s.db.QueryRowContext(ctx,
		"SELECT sex, date_of_birth FROM patients WHERE patient_id = ?", patientID,
	).Scan(&sex, &dob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query patient: %w", err)
	}

	p.Sex = domain.Sex(sex)
	if dob != "" {
		if p.DateOfBirth, err = domain.ParseDate(dob); err != nil {
			return nil, fmt.Errorf("patient %s date of birth: %w", patientID, err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT code, coding_system, event_date, numeric_value
		FROM clinical_events
		WHERE patient_id = ?
		ORDER BY event_date, id
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.PatientID = patientID
		p.Events = append(p.Events, *e)
	}
	return p, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(s scanner) (*domain.Event, error) {
	var (
		e      domain.Event
		system string
		date   string
		value  sql.NullFloat64
	)
	if err := s.Scan(&e.Code, &system, &date, &value); err != nil {
		return nil, err
	}
	d, err := domain.ParseDate(date)
	if err != nil {
		return nil, err
	}
	e.System = domain.CodingSystem(system)
	e.Date = d
	if value.Valid {
		v := value.Float64
		e.Value = &v
	}
	return &e, nil
}

// PatientIDs lists every patient in the extract.
func (s *SQLiteSource) PatientIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT patient_id FROM patients ORDER BY patient_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}
