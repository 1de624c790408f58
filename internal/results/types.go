// Package results persists per-patient cohort rows so a run can be queried,
// exported and re-imported after the extractor exits.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jcvi-cohort-engine/internal/rules"
	"github.com/jcvi-cohort-engine/pkg/formula"
)

// Status is the outcome of evaluating one patient.
type Status string

const (
	StatusOK       Status = "ok"
	StatusFailed   Status = "failed"
	StatusExcluded Status = "excluded"
)

// Record is one patient's row in a cohort run.
type Record struct {
	ID        int64                    `json:"id,omitempty"`
	RunID     string                   `json:"run_id"`
	PatientID string                   `json:"patient_id"`
	Status    Status                   `json:"status"`
	Names     []string                 `json:"names,omitempty"`  // Output columns in declaration order
	Values    map[string]formula.Value `json:"values,omitempty"` // Keyed by variable name
	ErrorCode string                   `json:"error_code,omitempty"`
	Error     string                   `json:"error,omitempty"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// FromResult builds a successful record from an evaluation result.
func FromResult(runID string, res *rules.Result) *Record {
	names := make([]string, len(res.Names))
	copy(names, res.Names)
	values := make(map[string]formula.Value, len(res.Values))
	for name, v := range res.Values {
		values[name] = v
	}
	return &Record{
		RunID:     runID,
		PatientID: res.PatientID,
		Status:    StatusOK,
		Names:     names,
		Values:    values,
	}
}

// Get returns the named value, missing when absent.
func (r *Record) Get(name string) formula.Value {
	return r.Values[name]
}

// Store defines the interface for result storage operations.
type Store interface {
	// Save stores a record. A record for the same run and patient is replaced.
	Save(ctx context.Context, record *Record) error

	// Get retrieves one patient's record, or nil when the run has none.
	Get(ctx context.Context, runID, patientID string) (*Record, error)

	// List returns a run's records ordered by patient ID.
	List(ctx context.Context, runID string, limit, offset int) ([]*Record, error)

	// Count returns the number of records in a run.
	Count(ctx context.Context, runID string) (int64, error)

	// Runs returns the stored run IDs, most recent first.
	Runs(ctx context.Context) ([]string, error)

	// DeleteRun removes every record of a run and returns how many were removed.
	DeleteRun(ctx context.Context, runID string) (int64, error)

	// ExportJSON writes a run to a JSON writer.
	ExportJSON(ctx context.Context, runID string, writer io.Writer) error

	// ImportJSON reads an export. Records already present are skipped.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)

	// Close closes the store and releases resources.
	Close() error
}

// Export represents the JSON export format.
type Export struct {
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	RunID      string    `json:"run_id"`
	Count      int       `json:"count"`
	Records    []*Record `json:"records"`
}

const exportVersion = "1.0"

// maxExportLimit is the maximum number of records exported at once.
const maxExportLimit = 10000000

func exportRun(ctx context.Context, s Store, runID string, writer io.Writer) error {
	all, err := s.List(ctx, runID, maxExportLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}

	export := &Export{
		Version:    exportVersion,
		ExportedAt: time.Now(),
		RunID:      runID,
		Count:      len(all),
		Records:    all,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

func importRecords(ctx context.Context, s Store, reader io.Reader) (imported int, skipped int, err error) {
	var export Export
	if err := json.NewDecoder(reader).Decode(&export); err != nil {
		return 0, 0, fmt.Errorf("failed to decode JSON: %w", err)
	}

	for _, rec := range export.Records {
		if rec.RunID == "" {
			rec.RunID = export.RunID
		}
		existing, err := s.Get(ctx, rec.RunID, rec.PatientID)
		if err != nil {
			return imported, skipped, fmt.Errorf("failed to check existing: %w", err)
		}
		if existing != nil {
			skipped++
			continue
		}

		rec.ID = 0
		if err := s.Save(ctx, rec); err != nil {
			return imported, skipped, fmt.Errorf("failed to save: %w", err)
		}
		imported++
	}
	return imported, skipped, nil
}

// encodeColumns serialises the name list and value map for storage.
func encodeColumns(r *Record) (names, values []byte, err error) {
	names, err = json.Marshal(r.Names)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode names: %w", err)
	}
	vals := r.Values
	if vals == nil {
		vals = map[string]formula.Value{}
	}
	values, err = json.Marshal(vals)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode values: %w", err)
	}
	return names, values, nil
}

func decodeColumns(r *Record, names, values []byte) error {
	if len(names) > 0 {
		if err := json.Unmarshal(names, &r.Names); err != nil {
			return fmt.Errorf("failed to decode names: %w", err)
		}
	}
	if len(values) > 0 {
		if err := json.Unmarshal(values, &r.Values); err != nil {
			return fmt.Errorf("failed to decode values: %w", err)
		}
	}
	return nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	rec := &Record{}
	var status string
	var names, values []byte

	err := s.Scan(
		&rec.ID, &rec.RunID, &rec.PatientID, &status,
		&names, &values, &rec.ErrorCode, &rec.Error,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	if err := decodeColumns(rec, names, values); err != nil {
		return nil, err
	}
	return rec, nil
}

const selectColumns = `id, run_id, patient_id, status, column_names, row_values, error_code, error_message, created_at, updated_at`
