package rules

import (
	"fmt"
	"time"

	"github.com/jcvi-cohort-engine/internal/domain"
	"github.com/jcvi-cohort-engine/pkg/formula"
)

func (l Lookup) compile(c *compiler, n *node) error {
	if c.registry == nil {
		return &domain.InvalidRuleError{Rule: n.qname, Reason: "event lookups need a codelist registry"}
	}
	concept, ok := c.registry.Get(l.Concept)
	if !ok {
		return &domain.InvalidRuleError{
			Rule:   n.qname,
			Reason: fmt.Sprintf("codelist %q is not registered", l.Concept),
			Err:    domain.ErrUnknownConcept,
		}
	}

	returning := l.Returning
	if returning == "" {
		returning = ReturnFlag
	}
	switch returning {
	case ReturnFlag, ReturnLastDate, ReturnFirstDate, ReturnNumeric, ReturnCount:
	case ReturnCategory:
		if !concept.HasCategories() {
			return &domain.InvalidRuleError{
				Rule:   n.qname,
				Reason: fmt.Sprintf("codelist %q has no categories", l.Concept),
			}
		}
	default:
		return &domain.InvalidRuleError{Rule: n.qname, Reason: fmt.Sprintf("unknown returning type %q", returning)}
	}

	selection := l.Selection
	if selection == "" {
		selection = domain.MostRecent
	}
	if selection != domain.MostRecent && selection != domain.First {
		return &domain.InvalidRuleError{Rule: n.qname, Reason: fmt.Sprintf("unknown selection %q", selection)}
	}

	window, err := c.compileWindow(n, l.Window)
	if err != nil {
		return err
	}

	qname := n.qname
	n.eval = func(s *state) (formula.Value, error) {
		w, ok := s.window(window)
		if !ok {
			// An endpoint that cannot be dated matches nothing.
			switch returning {
			case ReturnFlag:
				return formula.Bool(false), nil
			case ReturnCount:
				return formula.Number(0), nil
			default:
				return formula.Missing(), nil
			}
		}

		id := s.patient.ID
		switch returning {
		case ReturnFlag:
			if !s.store.HasEvent(id, concept, w) {
				return formula.Bool(false), nil
			}
			var (
				at    time.Time
				dated bool
			)
			if selection == domain.First {
				at, dated = s.store.FirstEventDate(id, concept, w)
			} else {
				at, dated = s.store.LastEventDate(id, concept, w)
			}
			s.match(qname, at, dated)
			return formula.Bool(true), nil
		case ReturnLastDate:
			at, ok := s.store.LastEventDate(id, concept, w)
			return s.match(qname, at, ok), nil
		case ReturnFirstDate:
			at, ok := s.store.FirstEventDate(id, concept, w)
			return s.match(qname, at, ok), nil
		case ReturnNumeric:
			if v, ok := s.store.NumericValue(id, concept, w, selection); ok {
				return formula.Number(v), nil
			}
			return formula.Missing(), nil
		case ReturnCategory:
			if label, ok := s.store.EventCategory(id, concept, w, selection); ok {
				return formula.Category(label), nil
			}
			return formula.Missing(), nil
		default:
			return formula.Number(float64(s.store.CountEvents(id, concept, w))), nil
		}
	}
	return nil
}

type boundWindow struct {
	kind     WindowKind
	from, to boundAnchor
}

func (c *compiler) compileWindow(n *node, w WindowSpec) (boundWindow, error) {
	b := boundWindow{kind: w.Kind}
	var err error
	switch w.Kind {
	case WindowEver:
	case WindowOnOrBefore:
		b.to, err = c.compileAnchor(n, w.To)
	case WindowOnOrAfter:
		b.from, err = c.compileAnchor(n, w.From)
	case WindowBetween:
		if b.from, err = c.compileAnchor(n, w.From); err == nil {
			b.to, err = c.compileAnchor(n, w.To)
		}
	default:
		err = &domain.InvalidRuleError{Rule: n.qname, Reason: fmt.Sprintf("unknown window kind %d", w.Kind)}
	}
	return b, err
}

func (e Expression) compile(c *compiler, n *node) error {
	expr, idents, err := c.compileExpr(n, e.Formula)
	if err != nil {
		return err
	}
	n.eval = func(s *state) (formula.Value, error) {
		return expr.Eval(s.env(idents))
	}
	return nil
}

func (cat Categorisation) compile(c *compiler, n *node) error {
	if cat.Default == "" {
		return &domain.InvalidRuleError{Rule: n.qname, Reason: "categorisation has no DEFAULT label"}
	}
	label := func(s string) (formula.Value, error) {
		if !cat.DateLabels {
			return formula.Category(s), nil
		}
		d, err := domain.ParseDate(s)
		if err != nil {
			return formula.Missing(), &domain.InvalidRuleError{Rule: n.qname, Reason: "date label is not YYYY-MM-DD", Err: err}
		}
		return formula.Date(d), nil
	}

	type branch struct {
		label  string
		value  formula.Value
		expr   formula.Expr
		idents map[string]string
	}
	branches := make([]branch, 0, len(cat.Branches))
	for _, b := range cat.Branches {
		if b.Label == "" {
			return &domain.InvalidRuleError{Rule: n.qname, Reason: "categorisation branch has an empty label"}
		}
		value, err := label(b.Label)
		if err != nil {
			return err
		}
		expr, idents, err := c.compileExpr(n, b.Predicate)
		if err != nil {
			return err
		}
		branches = append(branches, branch{label: b.Label, value: value, expr: expr, idents: idents})
	}
	fallback, err := label(cat.Default)
	if err != nil {
		return err
	}

	n.eval = func(s *state) (formula.Value, error) {
		for _, b := range branches {
			v, err := b.expr.Eval(s.env(b.idents))
			if err != nil {
				return formula.Missing(), fmt.Errorf("branch %q: %w", b.label, err)
			}
			if v.Truthy() {
				return b.value, nil
			}
		}
		return fallback, nil
	}
	return nil
}

func (d DateOf) compile(c *compiler, n *node) error {
	dep, err := c.depend(n, d.Var)
	if err != nil {
		return err
	}
	n.eval = func(s *state) (formula.Value, error) {
		if t, ok := s.dateOf(dep.qname); ok {
			return formula.Date(t), nil
		}
		return formula.Missing(), nil
	}
	return nil
}

func (d DateShift) compile(c *compiler, n *node) error {
	at, err := c.compileAnchor(n, d.At)
	if err != nil {
		return err
	}
	n.eval = func(s *state) (formula.Value, error) {
		if t, ok := s.anchor(at); ok {
			return formula.Date(t), nil
		}
		return formula.Missing(), nil
	}
	return nil
}

func (a AgeAsOf) compile(c *compiler, n *node) error {
	at, err := c.compileAnchor(n, a.At)
	if err != nil {
		return err
	}
	n.eval = func(s *state) (formula.Value, error) {
		t, ok := s.anchor(at)
		if !ok {
			return formula.Missing(), nil
		}
		age, ok := s.patient.AgeAt(t)
		if !ok {
			return formula.Missing(), nil
		}
		return formula.Number(float64(age)), nil
	}
	return nil
}

func (Sex) compile(c *compiler, n *node) error {
	n.eval = func(s *state) (formula.Value, error) {
		if s.patient.Sex == domain.Unknown {
			return formula.Missing(), nil
		}
		return formula.Category(string(s.patient.Sex)), nil
	}
	return nil
}

func (m MinimumOf) compile(c *compiler, n *node) error {
	if len(m.Vars) == 0 {
		return &domain.InvalidRuleError{Rule: n.qname, Reason: "minimum_of needs at least one variable"}
	}
	deps := make([]string, 0, len(m.Vars))
	for _, name := range m.Vars {
		dep, err := c.depend(n, name)
		if err != nil {
			return err
		}
		deps = append(deps, dep.qname)
	}

	n.eval = func(s *state) (formula.Value, error) {
		best := formula.Missing()
		for _, q := range deps {
			v := s.values[q]
			if v.IsMissing() {
				continue
			}
			if v.Kind() != formula.KindDate && v.Kind() != formula.KindNumber {
				return formula.Missing(), fmt.Errorf("minimum_of: %s is a %s", q, v.Kind())
			}
			if best.IsMissing() {
				best = v
				continue
			}
			if v.Kind() != best.Kind() {
				return formula.Missing(), fmt.Errorf("minimum_of: cannot compare %s with %s", best.Kind(), v.Kind())
			}
			if v.Kind() == formula.KindDate && v.DateValue().Before(best.DateValue()) {
				best = v
			} else if v.Kind() == formula.KindNumber && v.NumberValue() < best.NumberValue() {
				best = v
			}
		}
		return best, nil
	}
	return nil
}
