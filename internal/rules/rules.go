// Package rules implements the temporal rule evaluator: a statically
// validated graph of derived variables evaluated per patient against an
// EventStore.
//
// A graph is declared with Define and the rule variants in this file, compiled
// once with NewGraph (which resolves names, parses formulas and rejects
// cycles), bound to concrete reference dates with Bind and then evaluated for
// any number of patients. Compiled and bound graphs are immutable and safe for
// concurrent use.
package rules

import (
	"fmt"
	"time"

	"github.com/jcvi-cohort-engine/internal/domain"
)

// Kind names a rule variant.
type Kind string

const (
	KindLookup         Kind = "lookup"
	KindExpression     Kind = "expression"
	KindCategorisation Kind = "categorisation"
	KindDateOf         Kind = "date_of"
	KindDateShift      Kind = "date_shift"
	KindAgeAsOf        Kind = "age_as_of"
	KindSex            Kind = "sex"
	KindMinimumOf      Kind = "minimum_of"
)

// Var declares a named derived variable. Subs are helper variables scoped to
// this one: they are visible to its rule and to each other, and are published
// under qualified names of the form parent.child.
type Var struct {
	Name        string
	Description string
	Rule        Rule
	Subs        []Var
}

// Define is shorthand for building a Var.
func Define(name string, rule Rule, subs ...Var) Var {
	return Var{Name: name, Rule: rule, Subs: subs}
}

// Describe returns a copy of v with a human readable description attached.
func (v Var) Describe(description string) Var {
	v.Description = description
	return v
}

// Rule is one of the rule variants declared in this package.
type Rule interface {
	Kind() Kind
	compile(c *compiler, n *node) error
}

// Offset is a calendar shift applied to a base date in a single step.
type Offset struct {
	Years  int
	Months int
	Days   int
}

// Days returns an offset of n days.
func Days(n int) Offset { return Offset{Days: n} }

// Months returns an offset of n calendar months.
func Months(n int) Offset { return Offset{Months: n} }

// Years returns an offset of n calendar years.
func Years(n int) Offset { return Offset{Years: n} }

// IsZero reports whether the offset leaves dates unchanged.
func (o Offset) IsZero() bool {
	return o.Years == 0 && o.Months == 0 && o.Days == 0
}

// Apply shifts t by the offset. Years and months move first and clamp to the
// last day of the target month, so 03-31 minus one month is the last day of
// February; days are added afterwards.
func (o Offset) Apply(t time.Time) time.Time {
	t = domain.Day(t)
	if months := o.Years*12 + o.Months; months != 0 {
		y, m, d := t.Date()
		first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
		if last := first.AddDate(0, 1, -1).Day(); d > last {
			d = last
		}
		t = time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
	}
	return t.AddDate(0, 0, o.Days)
}

func (o Offset) String() string {
	if o.IsZero() {
		return ""
	}
	s := ""
	for _, part := range []struct {
		n    int
		unit string
	}{{o.Years, "y"}, {o.Months, "m"}, {o.Days, "d"}} {
		if part.n == 0 {
			continue
		}
		s += fmt.Sprintf("%+d%s", part.n, part.unit)
	}
	return s
}

// AnchorKind says where an anchor's base date comes from.
type AnchorKind int

const (
	// AnchorRef is a named reference date supplied at bind or evaluation time.
	AnchorRef AnchorKind = iota
	// AnchorVar is the date of another variable in the graph.
	AnchorVar
	// AnchorFixed is a literal date.
	AnchorFixed
)

// Anchor is a window endpoint: a base date plus an explicit offset. The offset
// is always applied to the base, never to another anchor's result.
type Anchor struct {
	Kind   AnchorKind
	Name   string
	Date   time.Time
	Offset Offset
}

// Ref anchors on a named reference date, e.g. "ref_ar" or "elig_date".
func Ref(name string) Anchor { return Anchor{Kind: AnchorRef, Name: name} }

// DateOfVar anchors on the date of another variable. For event lookups this is
// the date of the matched event.
func DateOfVar(name string) Anchor { return Anchor{Kind: AnchorVar, Name: name} }

// Fixed anchors on a literal date.
func Fixed(date time.Time) Anchor { return Anchor{Kind: AnchorFixed, Date: domain.Day(date)} }

// Plus returns the anchor shifted by o. Offsets accumulate component-wise and
// are applied to the base in one step.
func (a Anchor) Plus(o Offset) Anchor {
	a.Offset = Offset{
		Years:  a.Offset.Years + o.Years,
		Months: a.Offset.Months + o.Months,
		Days:   a.Offset.Days + o.Days,
	}
	return a
}

func (a Anchor) String() string {
	var base string
	switch a.Kind {
	case AnchorRef:
		base = a.Name
	case AnchorVar:
		base = "date(" + a.Name + ")"
	default:
		base = domain.FormatDate(a.Date)
	}
	return base + a.Offset.String()
}

// WindowKind is the shape of a lookup window.
type WindowKind int

const (
	WindowEver WindowKind = iota
	WindowOnOrBefore
	WindowOnOrAfter
	WindowBetween
)

// WindowSpec is a symbolic window whose endpoints are resolved to concrete
// dates before the event store is queried.
type WindowSpec struct {
	Kind WindowKind
	From Anchor
	To   Anchor
}

// Ever places no restriction on event dates.
func Ever() WindowSpec { return WindowSpec{Kind: WindowEver} }

// OnOrBefore matches events dated on or before the anchor.
func OnOrBefore(to Anchor) WindowSpec { return WindowSpec{Kind: WindowOnOrBefore, To: to} }

// OnOrAfter matches events dated on or after the anchor.
func OnOrAfter(from Anchor) WindowSpec { return WindowSpec{Kind: WindowOnOrAfter, From: from} }

// Between matches events in the closed interval [from, to].
func Between(from, to Anchor) WindowSpec {
	return WindowSpec{Kind: WindowBetween, From: from, To: to}
}

func (w WindowSpec) anchors() []Anchor {
	switch w.Kind {
	case WindowOnOrBefore:
		return []Anchor{w.To}
	case WindowOnOrAfter:
		return []Anchor{w.From}
	case WindowBetween:
		return []Anchor{w.From, w.To}
	default:
		return nil
	}
}

func (w WindowSpec) String() string {
	switch w.Kind {
	case WindowOnOrBefore:
		return "on or before " + w.To.String()
	case WindowOnOrAfter:
		return "on or after " + w.From.String()
	case WindowBetween:
		return "between " + w.From.String() + " and " + w.To.String()
	default:
		return "ever"
	}
}

// Returning selects what an event lookup produces.
type Returning string

const (
	ReturnFlag      Returning = "binary_flag"
	ReturnLastDate  Returning = "last_date"
	ReturnFirstDate Returning = "first_date"
	ReturnNumeric   Returning = "numeric_value"
	ReturnCategory  Returning = "category"
	ReturnCount     Returning = "number_of_matches"
)

// Lookup is a leaf variable backed by a codelist and the event store.
// Selection picks the first or most recent match for flags, numeric values and
// categories; it defaults to the most recent.
type Lookup struct {
	Concept   string
	Window    WindowSpec
	Returning Returning
	Selection domain.Selection
}

func (Lookup) Kind() Kind { return KindLookup }

// Expression is a formula over other variables, e.g.
// "(NOT dmres_date AND diab_date) OR (dmres_date < diab_date)".
type Expression struct {
	Formula string
}

func (Expression) Kind() Kind { return KindExpression }

// Formula is shorthand for Expression{Formula: src}.
func Formula(src string) Expression { return Expression{Formula: src} }

// Branch is one (label, predicate) pair of a categorisation.
type Branch struct {
	Label     string
	Predicate string
}

// When is shorthand for a categorisation branch.
func When(label, predicate string) Branch { return Branch{Label: label, Predicate: predicate} }

// Categorisation evaluates its branches in declared order and returns the
// label of the first true predicate, or Default when none matches. With
// DateLabels set, every label must be a YYYY-MM-DD date and the variable
// produces a date instead of a category.
type Categorisation struct {
	Branches   []Branch
	Default    string
	DateLabels bool
}

func (Categorisation) Kind() Kind { return KindCategorisation }

// DateOf returns the date of another variable: its value when that is a date,
// otherwise the date of the event it matched.
type DateOf struct {
	Var string
}

func (DateOf) Kind() Kind { return KindDateOf }

// DateShift evaluates an anchor to a date, e.g. elig_date + 84 days.
type DateShift struct {
	At Anchor
}

func (DateShift) Kind() Kind { return KindDateShift }

// AgeAsOf is the patient's age in completed years on the anchor date.
type AgeAsOf struct {
	At Anchor
}

func (AgeAsOf) Kind() Kind { return KindAgeAsOf }

// Sex is the patient's recorded sex, "F" or "M".
type Sex struct{}

func (Sex) Kind() Kind { return KindSex }

// MinimumOf is the smallest non-missing value among the named variables.
// All present values must be dates, or all numbers.
type MinimumOf struct {
	Vars []string
}

func (MinimumOf) Kind() Kind { return KindMinimumOf }
