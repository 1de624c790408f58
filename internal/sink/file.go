package sink

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/jcvi-cohort-engine/internal/results"
)

// CSVSink writes the flat output table: a patient_id column followed by one
// column per variable. Flags render as 1/0, dates as YYYY-MM-DD and missing
// values as empty cells. Only successful rows are written.
type CSVSink struct {
	mu      sync.Mutex
	w       *csv.Writer
	closer  io.Closer
	columns []string
	started bool
}

// NewCSVSink writes to w. When columns is empty the header is taken from the
// first record written.
func NewCSVSink(w io.Writer, columns []string) *CSVSink {
	s := &CSVSink{w: csv.NewWriter(w), columns: columns}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *CSVSink) Write(_ context.Context, rec *results.Record) error {
	if rec.Status != results.StatusOK {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		if len(s.columns) == 0 {
			s.columns = append([]string(nil), rec.Names...)
		}
		header := append([]string{"patient_id"}, s.columns...)
		if err := s.w.Write(header); err != nil {
			return fmt.Errorf("writing csv header: %w", err)
		}
		s.started = true
	}

	row := make([]string, 0, len(s.columns)+1)
	row = append(row, rec.PatientID)
	for _, name := range s.columns {
		row = append(row, rec.Get(name).String())
	}
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("writing csv row for patient %s: %w", rec.PatientID, err)
	}
	return nil
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// JSONLinesSink writes one JSON object per successful row.
type JSONLinesSink struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

// NewJSONLinesSink writes to w.
func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	s := &JSONLinesSink{enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

type jsonLine struct {
	PatientID string      `json:"patient_id"`
	Values    interface{} `json:"values"`
}

func (s *JSONLinesSink) Write(_ context.Context, rec *results.Record) error {
	if rec.Status != results.StatusOK {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(jsonLine{PatientID: rec.PatientID, Values: rec.Values}); err != nil {
		return fmt.Errorf("writing json line for patient %s: %w", rec.PatientID, err)
	}
	return nil
}

func (s *JSONLinesSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// OpenFile creates the output file for format ("csv" or "jsonl") at path.
func OpenFile(format, path string, columns []string) (Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	switch format {
	case "", "csv":
		return NewCSVSink(f, columns), nil
	case "jsonl", "json":
		return NewJSONLinesSink(f), nil
	default:
		f.Close()
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}
