package eventstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jcvi-cohort-engine/internal/domain"
)

// PostgresSource reads patient histories from the tables created by the
// migrations under migrations/.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource wraps an established connection pool.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

// Fetch loads a patient and all of their events in two queries.
func (s *PostgresSource) Fetch(ctx context.Context, patientID string) (*domain.Patient, error) {
	p := &domain.Patient{ID: patientID}

	var sex string
	var dob pgtype.Date
	err := s.pool.QueryRow(ctx,
		"SELECT sex, date_of_birth FROM patients WHERE patient_id = $1", patientID,
	).Scan(&sex, &dob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying patient: %w", err)
	}
	p.Sex = domain.Sex(sex)
	if dob.Valid {
		p.DateOfBirth = domain.Day(dob.Time)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT code, coding_system, event_date, numeric_value
		FROM clinical_events
		WHERE patient_id = $1
		ORDER BY event_date, id
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e      domain.Event
			system string
			date   pgtype.Date
			value  pgtype.Float8
		)
		if err := rows.Scan(&e.Code, &system, &date, &value); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.PatientID = patientID
		e.System = domain.CodingSystem(system)
		e.Date = domain.Day(date.Time)
		if value.Valid {
			v := value.Float64
			e.Value = &v
		}
		p.Events = append(p.Events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	return p, nil
}

// PatientIDs lists every patient in the backend.
func (s *PostgresSource) PatientIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT patient_id FROM patients ORDER BY patient_id")
	if err != nil {
		return nil, fmt.Errorf("listing patients: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing patients: %w", err)
	}
	return ids, nil
}

// Import loads patients into the backend. Existing events for the same IDs
// are replaced. Events are bulk-loaded with COPY.
func (s *PostgresSource) Import(ctx context.Context, patients ...*domain.Patient) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning import: %w", err)
	}
	defer tx.Rollback(ctx)

	var events [][]interface{}
	for _, p := range patients {
		var dob interface{}
		if !p.DateOfBirth.IsZero() {
			dob = domain.Day(p.DateOfBirth)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO patients (patient_id, sex, date_of_birth) VALUES ($1, $2, $3)
			ON CONFLICT (patient_id) DO UPDATE SET sex = EXCLUDED.sex, date_of_birth = EXCLUDED.date_of_birth
		`, p.ID, string(p.Sex), dob); err != nil {
			return fmt.Errorf("upserting patient %s: %w", p.ID, err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM clinical_events WHERE patient_id = $1", p.ID); err != nil {
			return fmt.Errorf("clearing events for %s: %w", p.ID, err)
		}
		for _, e := range p.Events {
			var value interface{}
			if e.Value != nil {
				value = *e.Value
			}
			events = append(events, []interface{}{p.ID, e.Code, string(e.System), domain.Day(e.Date), value})
		}
	}

	if len(events) > 0 {
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"clinical_events"},
			[]string{"patient_id", "code", "coding_system", "event_date", "numeric_value"},
			pgx.CopyFromRows(events),
		)
		if err != nil {
			return fmt.Errorf("copying events: %w", err)
		}
	}

	return tx.Commit(ctx)
}
