package domain

import (
	"time"
)

// EventStore answers windowed questions about one patient's clinical history.
// Window bounds are always concrete dates resolved by the caller; the store
// performs no date arithmetic. Implementations must be safe for concurrent reads.
type EventStore interface {
	HasEvent(patientID string, concept *Concept, window Window) bool
	LastEventDate(patientID string, concept *Concept, window Window) (time.Time, bool)
	FirstEventDate(patientID string, concept *Concept, window Window) (time.Time, bool)
	NumericValue(patientID string, concept *Concept, window Window, selection Selection) (float64, bool)
	EventCategory(patientID string, concept *Concept, window Window, selection Selection) (string, bool)
	CountEvents(patientID string, concept *Concept, window Window) int
}

// ConceptRegistry resolves codelist names to loaded concepts.
type ConceptRegistry interface {
	Get(name string) (*Concept, bool)
	Names() []string
}
