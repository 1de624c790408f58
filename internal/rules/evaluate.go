package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jcvi-cohort-engine/internal/domain"
	"github.com/jcvi-cohort-engine/pkg/formula"
)

// BoundGraph is a graph with its reference dates fixed. Per-patient references
// declared with PerPatient are supplied on each Evaluate call instead.
type BoundGraph struct {
	graph      *Graph
	refs       map[string]time.Time
	perPatient map[string]struct{}
}

// BindOption configures Bind.
type BindOption func(*BoundGraph)

// PerPatient declares reference names whose dates differ per patient, such as
// an eligibility date computed by an earlier pass.
func PerPatient(names ...string) BindOption {
	return func(b *BoundGraph) {
		for _, name := range names {
			b.perPatient[name] = struct{}{}
		}
	}
}

// Bind fixes the graph's reference dates. It fails with
// *domain.UnresolvedReferenceError when an anchor names a reference that is
// neither in selector nor declared per patient. The same graph may be bound
// any number of times.
func Bind(g *Graph, selector map[string]time.Time, opts ...BindOption) (*BoundGraph, error) {
	if g == nil {
		return nil, errors.New("rules: bind of nil graph")
	}
	b := &BoundGraph{
		graph:      g,
		refs:       make(map[string]time.Time, len(selector)),
		perPatient: make(map[string]struct{}),
	}
	for name, d := range selector {
		b.refs[name] = domain.Day(d)
	}
	for _, opt := range opts {
		opt(b)
	}

	for _, name := range g.References() {
		if _, ok := b.refs[name]; ok {
			continue
		}
		if _, ok := b.perPatient[name]; ok {
			continue
		}
		return nil, &domain.UnresolvedReferenceError{Rule: g.refs[name], Reference: name}
	}
	return b, nil
}

// Graph returns the underlying compiled graph.
func (b *BoundGraph) Graph() *Graph {
	return b.graph
}

// Reference returns a bound reference date.
func (b *BoundGraph) Reference(name string) (time.Time, bool) {
	d, ok := b.refs[name]
	return d, ok
}

// EvalOption configures a single evaluation.
type EvalOption func(*evalConfig)

type evalConfig struct {
	internal    bool
	patientRefs map[string]time.Time
}

// WithInternal includes sub-variables in the result for auditing.
func WithInternal() EvalOption {
	return func(c *evalConfig) { c.internal = true }
}

// WithPatientRefs supplies this patient's per-patient reference dates.
func WithPatientRefs(refs map[string]time.Time) EvalOption {
	return func(c *evalConfig) {
		if c.patientRefs == nil {
			c.patientRefs = make(map[string]time.Time, len(refs))
		}
		for name, d := range refs {
			c.patientRefs[name] = domain.Day(d)
		}
	}
}

// Evaluate computes every variable for one patient. It is a pure function of
// the patient, the store contents and the bound dates. A failure in any rule is
// returned as *domain.EvaluationError naming that rule.
func (b *BoundGraph) Evaluate(ctx context.Context, patient *domain.Patient, store domain.EventStore, opts ...EvalOption) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if patient == nil {
		return nil, errors.New("rules: evaluate of nil patient")
	}
	if store == nil {
		return nil, &domain.EvaluationError{PatientID: patient.ID, Err: errors.New("no event store")}
	}

	cfg := &evalConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &state{
		bound:   b,
		patient: patient,
		store:   store,
		perPat:  cfg.patientRefs,
		values:  make(map[string]formula.Value, len(b.graph.order)),
		matched: make(map[string]time.Time),
	}

	for _, n := range b.graph.order {
		v, err := n.eval(s)
		if err != nil {
			return nil, &domain.EvaluationError{PatientID: patient.ID, Rule: n.qname, Err: err}
		}
		s.values[n.qname] = v
	}

	res := &Result{PatientID: patient.ID, Values: make(map[string]formula.Value)}
	if cfg.internal {
		for _, info := range b.graph.Variables() {
			res.Names = append(res.Names, info.Name)
		}
	} else {
		res.Names = b.graph.Outputs()
	}
	for _, name := range res.Names {
		res.Values[name] = s.values[name]
	}
	return res, nil
}

type state struct {
	bound   *BoundGraph
	patient *domain.Patient
	store   domain.EventStore
	perPat  map[string]time.Time
	values  map[string]formula.Value
	matched map[string]time.Time
}

func (s *state) env(idents map[string]string) formula.Env {
	return formula.EnvFunc(func(name string) (formula.Value, error) {
		q, ok := idents[name]
		if !ok {
			return formula.Missing(), fmt.Errorf("unresolved identifier %q", name)
		}
		return s.values[q], nil
	})
}

// match records the matched event date of a lookup and returns it as a value.
func (s *state) match(qname string, at time.Time, ok bool) formula.Value {
	if !ok {
		return formula.Missing()
	}
	s.matched[qname] = domain.Day(at)
	return formula.Date(at)
}

// dateOf returns a variable's own date value or, failing that, the date of
// the event it matched.
func (s *state) dateOf(qname string) (time.Time, bool) {
	if v := s.values[qname]; v.Kind() == formula.KindDate {
		return v.DateValue(), true
	}
	d, ok := s.matched[qname]
	return d, ok
}

// anchor resolves an endpoint to a concrete date. A per-patient reference not
// supplied for this patient, or a variable without a date, is undated.
func (s *state) anchor(a boundAnchor) (time.Time, bool) {
	var base time.Time
	switch a.kind {
	case AnchorRef:
		d, ok := s.reference(a.ref)
		if !ok {
			return time.Time{}, false
		}
		base = d
	case AnchorVar:
		d, ok := s.dateOf(a.dep)
		if !ok {
			return time.Time{}, false
		}
		base = d
	default:
		base = a.date
	}
	return a.offset.Apply(base), true
}

func (s *state) reference(name string) (time.Time, bool) {
	if _, perPatient := s.bound.perPatient[name]; perPatient {
		if d, ok := s.perPat[name]; ok {
			return d, true
		}
	}
	d, ok := s.bound.refs[name]
	return d, ok
}

func (s *state) window(w boundWindow) (domain.Window, bool) {
	switch w.kind {
	case WindowOnOrBefore:
		to, ok := s.anchor(w.to)
		return domain.OnOrBefore(to), ok
	case WindowOnOrAfter:
		from, ok := s.anchor(w.from)
		return domain.OnOrAfter(from), ok
	case WindowBetween:
		from, ok := s.anchor(w.from)
		if !ok {
			return domain.Window{}, false
		}
		to, ok := s.anchor(w.to)
		return domain.Between(from, to), ok
	default:
		return domain.Unbounded(), true
	}
}

// Result is the flat per-patient output of one evaluation.
type Result struct {
	PatientID string
	Names     []string
	Values    map[string]formula.Value
}

// Get returns the named value, missing when absent.
func (r *Result) Get(name string) formula.Value {
	return r.Values[name]
}

// Merge appends other's values to r. Names already present in r are kept.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	if r.Values == nil {
		r.Values = make(map[string]formula.Value, len(other.Values))
	}
	for _, name := range other.Names {
		if _, exists := r.Values[name]; exists {
			continue
		}
		r.Names = append(r.Names, name)
		r.Values[name] = other.Values[name]
	}
}

// Strings renders the row in the flat output format: flags as 1/0, dates as
// YYYY-MM-DD, missing values as empty strings.
func (r *Result) Strings() map[string]string {
	out := make(map[string]string, len(r.Values))
	for name, v := range r.Values {
		out[name] = v.String()
	}
	return out
}

// SortedNames returns the result's variable names alphabetically.
func (r *Result) SortedNames() []string {
	names := make([]string, len(r.Names))
	copy(names, r.Names)
	sort.Strings(names)
	return names
}

// MarshalJSON renders the values as a flat object keyed by variable name.
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Values)
}
