package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jcvi-cohort-engine/internal/domain"
)

// Source fetches patient histories from the clinical data backend. Fetch
// returns all of a patient's events in one call so that evaluation never
// blocks on I/O mid-formula. A patient unknown to the backend is reported
// with an error wrapping domain.ErrNotFound.
type Source interface {
	Fetch(ctx context.Context, patientID string) (*domain.Patient, error)
	PatientIDs(ctx context.Context) ([]string, error)
}

// MemorySource serves patients held in memory. It backs the HTTP API and
// tests.
type MemorySource struct {
	mu       sync.RWMutex
	patients map[string]*domain.Patient
}

// NewMemorySource creates a source holding the given patients.
func NewMemorySource(patients ...*domain.Patient) *MemorySource {
	s := &MemorySource{patients: make(map[string]*domain.Patient, len(patients))}
	for _, p := range patients {
		s.Put(p)
	}
	return s
}

// Put adds or replaces a patient.
func (s *MemorySource) Put(p *domain.Patient) {
	s.mu.Lock()
	s.patients[p.ID] = p
	s.mu.Unlock()
}

// Fetch returns the stored patient.
func (s *MemorySource) Fetch(ctx context.Context, patientID string) (*domain.Patient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	p, ok := s.patients[patientID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
	}
	return p, nil
}

// PatientIDs returns every stored ID in sorted order.
func (s *MemorySource) PatientIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.patients))
	for id := range s.patients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
