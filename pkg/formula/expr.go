package formula

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Env supplies identifier values during evaluation.
type Env interface {
	Lookup(name string) (Value, error)
}

// EnvFunc adapts a function to the Env interface.
type EnvFunc func(name string) (Value, error)

// Lookup calls f(name).
func (f EnvFunc) Lookup(name string) (Value, error) { return f(name) }

// Expr is a parsed formula node.
type Expr interface {
	Eval(env Env) (Value, error)
	String() string
	children() []Expr
}

// LogicalOp is AND or OR.
type LogicalOp string

const (
	OpAnd LogicalOp = "AND"
	OpOr  LogicalOp = "OR"
)

// CompareOp is one of the six comparison operators.
type CompareOp string

const (
	OpEq CompareOp = "="
	OpNe CompareOp = "!="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
)

// ArithOp is + or -.
type ArithOp string

const (
	OpAdd ArithOp = "+"
	OpSub ArithOp = "-"
)

// TypeError reports operands that cannot be compared or combined, e.g. a date
// compared with a number. It is a rule authoring error surfaced per patient.
type TypeError struct {
	Op    string
	Left  Kind
	Right Kind
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("cannot apply %s to %s and %s", e.Op, e.Left, e.Right)
}

// Ident references a variable by name.
type Ident struct {
	Name string
}

func (e *Ident) Eval(env Env) (Value, error) { return env.Lookup(e.Name) }
func (e *Ident) String() string              { return e.Name }
func (e *Ident) children() []Expr            { return nil }

// Literal is a number or quoted string constant.
type Literal struct {
	Val Value
}

func (e *Literal) Eval(Env) (Value, error) { return e.Val, nil }
func (e *Literal) children() []Expr        { return nil }

func (e *Literal) String() string {
	if e.Val.Kind() == KindCategory {
		return "'" + e.Val.CategoryValue() + "'"
	}
	return e.Val.String()
}

// Not negates the truthiness of its operand. NOT of a missing value is true.
type Not struct {
	X Expr
}

func (e *Not) Eval(env Env) (Value, error) {
	v, err := e.X.Eval(env)
	if err != nil {
		return Missing(), err
	}
	return Bool(!v.Truthy()), nil
}

func (e *Not) String() string   { return "NOT " + e.X.String() }
func (e *Not) children() []Expr { return []Expr{e.X} }

// Logical combines truthiness with AND / OR. Both operands are always
// evaluated so that authoring errors on either side surface consistently.
type Logical struct {
	Op   LogicalOp
	L, R Expr
}

func (e *Logical) Eval(env Env) (Value, error) {
	l, err := e.L.Eval(env)
	if err != nil {
		return Missing(), err
	}
	r, err := e.R.Eval(env)
	if err != nil {
		return Missing(), err
	}
	if e.Op == OpAnd {
		return Bool(l.Truthy() && r.Truthy()), nil
	}
	return Bool(l.Truthy() || r.Truthy()), nil
}

func (e *Logical) String() string {
	return "(" + e.L.String() + " " + string(e.Op) + " " + e.R.String() + ")"
}

func (e *Logical) children() []Expr { return []Expr{e.L, e.R} }

// Compare applies a comparison operator. A missing operand makes the
// comparison false rather than an error.
type Compare struct {
	Op   CompareOp
	L, R Expr
}

func (e *Compare) Eval(env Env) (Value, error) {
	l, err := e.L.Eval(env)
	if err != nil {
		return Missing(), err
	}
	r, err := e.R.Eval(env)
	if err != nil {
		return Missing(), err
	}
	ok, err := compareValues(e.Op, l, r)
	if err != nil {
		return Missing(), err
	}
	return Bool(ok), nil
}

func (e *Compare) String() string {
	return e.L.String() + " " + string(e.Op) + " " + e.R.String()
}

func (e *Compare) children() []Expr { return []Expr{e.L, e.R} }

// Arith adds or subtracts numbers. Missing operands yield a missing result.
type Arith struct {
	Op   ArithOp
	L, R Expr
}

func (e *Arith) Eval(env Env) (Value, error) {
	l, err := e.L.Eval(env)
	if err != nil {
		return Missing(), err
	}
	r, err := e.R.Eval(env)
	if err != nil {
		return Missing(), err
	}
	if l.IsMissing() || r.IsMissing() {
		return Missing(), nil
	}
	ln, lok := asNumber(l)
	rn, rok := asNumber(r)
	if !lok || !rok {
		return Missing(), &TypeError{Op: string(e.Op), Left: l.Kind(), Right: r.Kind()}
	}
	if e.Op == OpAdd {
		return Number(ln + rn), nil
	}
	return Number(ln - rn), nil
}

func (e *Arith) String() string {
	return "(" + e.L.String() + " " + string(e.Op) + " " + e.R.String() + ")"
}

func (e *Arith) children() []Expr { return []Expr{e.L, e.R} }

// Identifiers returns the distinct identifier names referenced by expr, sorted.
func Identifiers(expr Expr) []string {
	seen := make(map[string]struct{})
	var walk func(Expr)
	walk = func(e Expr) {
		if id, ok := e.(*Ident); ok {
			seen[id.Name] = struct{}{}
		}
		for _, c := range e.children() {
			walk(c)
		}
	}
	walk(expr)
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func compareValues(op CompareOp, l, r Value) (bool, error) {
	if l.IsMissing() || r.IsMissing() {
		return false, nil
	}

	switch {
	case l.Kind() == KindDate || r.Kind() == KindDate:
		ld, lok := asDate(l)
		rd, rok := asDate(r)
		if !lok || !rok {
			return false, &TypeError{Op: string(op), Left: l.Kind(), Right: r.Kind()}
		}
		return compareOrdered(op, ld.Compare(rd)), nil

	case l.Kind() == KindCategory && r.Kind() == KindCategory:
		return compareOrdered(op, strings.Compare(l.CategoryValue(), r.CategoryValue())), nil

	default:
		ln, lok := asNumber(l)
		rn, rok := asNumber(r)
		if !lok || !rok {
			return false, &TypeError{Op: string(op), Left: l.Kind(), Right: r.Kind()}
		}
		switch {
		case ln < rn:
			return compareOrdered(op, -1), nil
		case ln > rn:
			return compareOrdered(op, 1), nil
		default:
			return compareOrdered(op, 0), nil
		}
	}
}

func compareOrdered(op CompareOp, c int) bool {
	switch op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return false
}

// asNumber treats flags as 0/1 and numeric-looking labels as numbers.
func asNumber(v Value) (float64, bool) {
	switch v.Kind() {
	case KindNumber:
		return v.NumberValue(), true
	case KindBool:
		if v.BoolValue() {
			return 1, true
		}
		return 0, true
	case KindCategory:
		n, err := strconv.ParseFloat(v.CategoryValue(), 64)
		return n, err == nil
	}
	return 0, false
}

// asDate accepts dates and YYYY-MM-DD labels.
func asDate(v Value) (time.Time, bool) {
	switch v.Kind() {
	case KindDate:
		return v.DateValue(), true
	case KindCategory:
		t, err := time.Parse(dateLayout, v.CategoryValue())
		return t, err == nil
	}
	return time.Time{}, false
}
