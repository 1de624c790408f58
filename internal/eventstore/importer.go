package eventstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jcvi-cohort-engine/internal/domain"
)

// Importer is a backend that can be loaded with patient histories.
type Importer interface {
	Import(ctx context.Context, patients ...*domain.Patient) error
}

var (
	_ Importer = (*SQLiteSource)(nil)
	_ Importer = (*PostgresSource)(nil)
)

// ReadPatients decodes a JSON array of patients or a stream of JSON objects,
// one per patient (JSON lines).
func ReadPatients(r io.Reader) ([]*domain.Patient, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading patients: %w", err)
	}

	dec := json.NewDecoder(br)
	if first == '[' {
		var patients []*domain.Patient
		if err := dec.Decode(&patients); err != nil {
			return nil, fmt.Errorf("decoding patients: %w", err)
		}
		return patients, validatePatients(patients)
	}

	var patients []*domain.Patient
	for {
		p := &domain.Patient{}
		err := dec.Decode(p)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding patient %d: %w", len(patients)+1, err)
		}
		patients = append(patients, p)
	}
	return patients, validatePatients(patients)
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsRune([]byte(" \t\r\n"), rune(b)) {
			return b, br.UnreadByte()
		}
	}
}

func validatePatients(patients []*domain.Patient) error {
	seen := make(map[string]bool, len(patients))
	for i, p := range patients {
		if p == nil || p.ID == "" {
			return domain.NewValidationError("id", fmt.Sprintf("patient %d has no id", i+1), nil)
		}
		if seen[p.ID] {
			return domain.NewValidationError("id", "duplicate patient id", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}
