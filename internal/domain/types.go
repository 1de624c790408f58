// Package domain contains the core entities shared by the cohort rule engine:
// clinical concepts (codelists), clinical events, patients, query windows and
// the reference dates that anchor every temporal rule.
//
// Dates are civil dates. They are carried as time.Time values at midnight UTC
// and compared at day granularity.
package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// DateLayout is the ISO-8601 calendar date format used on every external boundary.
const DateLayout = "2006-01-02"

// CodingSystem identifies the terminology a codelist is drawn from.
type CodingSystem string

const (
	SNOMED      CodingSystem = "snomed"
	CTV3        CodingSystem = "ctv3"
	ICD10       CodingSystem = "icd10"
	DMD         CodingSystem = "dmd"
	OPCS4       CodingSystem = "opcs4"
	// Vaccination records are coded by target disease or product name.
	Vaccination CodingSystem = "vaccination"
)

// IsValid reports whether the coding system is one the engine knows about.
func (c CodingSystem) IsValid() bool {
	switch c {
	case SNOMED, CTV3, ICD10, DMD, OPCS4, Vaccination:
		return true
	default:
		return false
	}
}

// String returns the string representation of the coding system
func (c CodingSystem) String() string {
	return string(c)
}

// Sex as recorded on the patient record.
type Sex string

const (
	Female  Sex = "F"
	Male    Sex = "M"
	Unknown Sex = ""
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidDate    = errors.New("invalid date")
	ErrUnknownConcept = errors.New("unknown clinical concept")
)

// Concept is a named set of codes from a single coding system. When the source
// codelist declared a category column, Categories maps each code to its label.
// A Concept is never mutated after it has been loaded.
type Concept struct {
	Name       string            `json:"name"`
	System     CodingSystem      `json:"system"`
	codes      map[string]struct{}
	categories map[string]string
}

// NewConcept builds an immutable concept. A nil categories map marks the
// concept as uncategorised.
func NewConcept(name string, system CodingSystem, codes []string, categories map[string]string) *Concept {
	c := &Concept{
		Name:   name,
		System: system,
		codes:  make(map[string]struct{}, len(codes)),
	}
	for _, code := range codes {
		c.codes[code] = struct{}{}
	}
	if categories != nil {
		c.categories = make(map[string]string, len(categories))
		for code, label := range categories {
			c.categories[code] = label
		}
	}
	return c
}

// Contains reports whether code belongs to the concept. Codes are opaque strings.
func (c *Concept) Contains(code string) bool {
	_, ok := c.codes[code]
	return ok
}

// Category returns the category label for code, if the concept is categorised.
func (c *Concept) Category(code string) (string, bool) {
	if c.categories == nil {
		return "", false
	}
	label, ok := c.categories[code]
	return label, ok
}

// HasCategories reports whether the concept was loaded with a category column.
func (c *Concept) HasCategories() bool {
	return c.categories != nil
}

// Codes returns the concept's codes in sorted order.
func (c *Concept) Codes() []string {
	out := make([]string, 0, len(c.codes))
	for code := range c.codes {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Categories returns a copy of the code to category mapping.
func (c *Concept) Categories() map[string]string {
	if c.categories == nil {
		return nil
	}
	out := make(map[string]string, len(c.categories))
	for code, label := range c.categories {
		out[code] = label
	}
	return out
}

// Len returns the number of codes in the concept.
func (c *Concept) Len() int {
	return len(c.codes)
}

// Event is a single coded clinical fact owned by the clinical data backend.
type Event struct {
	PatientID string       `json:"patient_id"`
	Code      string       `json:"code"`
	System    CodingSystem `json:"system"`
	Date      time.Time    `json:"date"`
	Value     *float64     `json:"value,omitempty"`
}

// Patient is the per-patient input to an evaluation: demographics plus the
// full batch of events fetched from the backend.
type Patient struct {
	ID          string    `json:"id"`
	Sex         Sex       `json:"sex"`
	DateOfBirth time.Time `json:"date_of_birth"`
	Events      []Event   `json:"events"`
}

// AgeAt returns the patient's age in completed years on the given date.
func (p *Patient) AgeAt(date time.Time) (int, bool) {
	if p.DateOfBirth.IsZero() {
		return 0, false
	}
	dob := Day(p.DateOfBirth)
	date = Day(date)
	age := date.Year() - dob.Year()
	if date.Month() < dob.Month() || (date.Month() == dob.Month() && date.Day() < dob.Day()) {
		age--
	}
	return age, true
}

// Selection picks which matching event supplies a value.
type Selection string

const (
	MostRecent Selection = "most_recent"
	First      Selection = "first"
)

// Window is a concrete date interval. A missing bound is open-ended. Both
// bounds are inclusive.
type Window struct {
	Start    time.Time
	End      time.Time
	HasStart bool
	HasEnd   bool
}

// Between returns the closed interval [start, end].
func Between(start, end time.Time) Window {
	return Window{Start: Day(start), End: Day(end), HasStart: true, HasEnd: true}
}

// OnOrBefore returns the interval (-inf, end].
func OnOrBefore(end time.Time) Window {
	return Window{End: Day(end), HasEnd: true}
}

// OnOrAfter returns the interval [start, +inf).
func OnOrAfter(start time.Time) Window {
	return Window{Start: Day(start), HasStart: true}
}

// Unbounded matches every date.
func Unbounded() Window {
	return Window{}
}

// Contains reports whether date falls inside the window.
func (w Window) Contains(date time.Time) bool {
	date = Day(date)
	if w.HasStart && date.Before(w.Start) {
		return false
	}
	if w.HasEnd && date.After(w.End) {
		return false
	}
	return true
}

// Empty reports whether no date can fall inside the window.
func (w Window) Empty() bool {
	return w.HasStart && w.HasEnd && w.End.Before(w.Start)
}

func (w Window) String() string {
	switch {
	case w.HasStart && w.HasEnd:
		return fmt.Sprintf("[%s, %s]", FormatDate(w.Start), FormatDate(w.End))
	case w.HasEnd:
		return fmt.Sprintf("on or before %s", FormatDate(w.End))
	case w.HasStart:
		return fmt.Sprintf("on or after %s", FormatDate(w.Start))
	default:
		return "unbounded"
	}
}

// ReferenceDates is the process-wide set of named anchor instants. It is built
// once at start-up and only read afterwards.
type ReferenceDates struct {
	dates map[string]time.Time
}

// NewReferenceDates copies the given mapping into an immutable set.
func NewReferenceDates(dates map[string]time.Time) *ReferenceDates {
	r := &ReferenceDates{dates: make(map[string]time.Time, len(dates))}
	for name, d := range dates {
		r.dates[name] = Day(d)
	}
	return r
}

// Get returns the named instant.
func (r *ReferenceDates) Get(name string) (time.Time, bool) {
	d, ok := r.dates[name]
	return d, ok
}

// Names returns the defined names in sorted order.
func (r *ReferenceDates) Names() []string {
	names := make([]string, 0, len(r.dates))
	for name := range r.dates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Map returns a copy of the underlying mapping, suitable as a bind selector.
func (r *ReferenceDates) Map() map[string]time.Time {
	out := make(map[string]time.Time, len(r.dates))
	for name, d := range r.dates {
		out[name] = d
	}
	return out
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return t, nil
}

// MustParseDate is ParseDate for constants; it panics on malformed input.
func MustParseDate(s string) time.Time {
	t, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

// FormatDate renders t as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}
