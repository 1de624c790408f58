// Package eventstore implements the domain.EventStore boundary: an in-memory
// per-patient event history that answers windowed lookups, plus the sources
// that fetch those histories from the clinical data backend (SQLite,
// PostgreSQL) and the caching and resilience layers that wrap them.
package eventstore

import (
	"sort"
	"sync"
	"time"

	"github.com/jcvi-cohort-engine/internal/domain"
)

// byDate sorts events chronologically, keeping input order for ties.
type byDate []domain.Event

func (e byDate) Len() int           { return len(e) }
func (e byDate) Less(i, j int) bool { return e[i].Date.Before(e[j].Date) }
func (e byDate) Swap(i, j int)      { e[i], e[j] = e[j], e[i] }

// History holds batch-fetched events for one or more patients and answers
// windowed queries over them. Add is only used while loading; once evaluation
// begins a History is read-only.
type History struct {
	mu     sync.RWMutex
	events map[string][]domain.Event
}

// NewHistory builds a History from already fetched patients.
func NewHistory(patients ...*domain.Patient) *History {
	h := &History{events: make(map[string][]domain.Event)}
	for _, p := range patients {
		h.Add(p)
	}
	return h
}

// Add stores a patient's events, replacing any previous history for that ID.
func (h *History) Add(p *domain.Patient) {
	if p == nil {
		return
	}
	events := make([]domain.Event, len(p.Events))
	for i, e := range p.Events {
		e.PatientID = p.ID
		e.Date = domain.Day(e.Date)
		events[i] = e
	}
	sort.Stable(byDate(events))

	h.mu.Lock()
	h.events[p.ID] = events
	h.mu.Unlock()
}

// Len returns the number of events held for a patient.
func (h *History) Len(patientID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events[patientID])
}

// matching returns the patient's events in concept and window, oldest first.
func (h *History) matching(patientID string, concept *domain.Concept, window domain.Window) []domain.Event {
	if concept == nil || window.Empty() {
		return nil
	}
	h.mu.RLock()
	events := h.events[patientID]
	h.mu.RUnlock()

	var out []domain.Event
	for _, e := range events {
		if e.System != "" && concept.System != "" && e.System != concept.System {
			continue
		}
		if !concept.Contains(e.Code) || !window.Contains(e.Date) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// HasEvent reports whether any event for the concept falls in the window.
func (h *History) HasEvent(patientID string, concept *domain.Concept, window domain.Window) bool {
	return len(h.matching(patientID, concept, window)) > 0
}

// LastEventDate returns the date of the latest matching event.
func (h *History) LastEventDate(patientID string, concept *domain.Concept, window domain.Window) (time.Time, bool) {
	events := h.matching(patientID, concept, window)
	if len(events) == 0 {
		return time.Time{}, false
	}
	return events[len(events)-1].Date, true
}

// FirstEventDate returns the date of the earliest matching event.
func (h *History) FirstEventDate(patientID string, concept *domain.Concept, window domain.Window) (time.Time, bool) {
	events := h.matching(patientID, concept, window)
	if len(events) == 0 {
		return time.Time{}, false
	}
	return events[0].Date, true
}

// NumericValue returns the value of the first or most recent matching event
// that carries one. Events without a value are skipped.
func (h *History) NumericValue(patientID string, concept *domain.Concept, window domain.Window, selection domain.Selection) (float64, bool) {
	events := h.matching(patientID, concept, window)
	e, ok := pick(events, selection, func(e domain.Event) bool { return e.Value != nil })
	if !ok {
		return 0, false
	}
	return *e.Value, true
}

// EventCategory returns the category label of the first or most recent
// matching event whose code is categorised.
func (h *History) EventCategory(patientID string, concept *domain.Concept, window domain.Window, selection domain.Selection) (string, bool) {
	events := h.matching(patientID, concept, window)
	e, ok := pick(events, selection, func(e domain.Event) bool {
		_, has := concept.Category(e.Code)
		return has
	})
	if !ok {
		return "", false
	}
	return concept.Category(e.Code)
}

// CountEvents returns the number of matching events.
func (h *History) CountEvents(patientID string, concept *domain.Concept, window domain.Window) int {
	return len(h.matching(patientID, concept, window))
}

func pick(events []domain.Event, selection domain.Selection, keep func(domain.Event) bool) (domain.Event, bool) {
	if selection == domain.First {
		for _, e := range events {
			if keep(e) {
				return e, true
			}
		}
		return domain.Event{}, false
	}
	for i := len(events) - 1; i >= 0; i-- {
		if keep(events[i]) {
			return events[i], true
		}
	}
	return domain.Event{}, false
}
