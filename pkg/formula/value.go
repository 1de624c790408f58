// Package formula parses and evaluates the boolean rule formulas used by the
// cohort rule engine, e.g.
//
//	(NOT dmres_date AND diab_date) OR (dmres_date < diab_date)
//
// Formulas are parsed once into an expression tree and evaluated many times
// against per-patient variable values. Evaluation uses three-valued logic: any
// comparison with a missing operand is false, and a missing value is falsy.
package formula

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const dateLayout = "2006-01-02"

// Kind tags the dynamic type of a Value.
type Kind int

const (
	KindMissing Kind = iota
	KindBool
	KindDate
	KindNumber
	KindCategory
)

func (k Kind) String() string {
	switch k {
	case KindMissing:
		return "missing"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	case KindNumber:
		return "number"
	case KindCategory:
		return "category"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a per-patient variable value. The zero Value is missing.
type Value struct {
	kind Kind
	b    bool
	d    time.Time
	n    float64
	s    string
}

// Missing returns the absent value.
func Missing() Value { return Value{} }

// Bool wraps a boolean flag.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Date wraps a calendar date; the time of day is discarded.
func Date(t time.Time) Value {
	y, m, d := t.Date()
	return Value{kind: KindDate, d: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// Number wraps a numeric value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// Category wraps a category label.
func Category(s string) Value { return Value{kind: KindCategory, s: s} }

func (v Value) Kind() Kind            { return v.kind }
func (v Value) IsMissing() bool       { return v.kind == KindMissing }
func (v Value) BoolValue() bool       { return v.b }
func (v Value) DateValue() time.Time  { return v.d }
func (v Value) NumberValue() float64  { return v.n }
func (v Value) CategoryValue() string { return v.s }

// Truthy reports the value's truth in boolean position: false, zero, empty
// labels and missing values are all false.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindDate:
		return true
	case KindNumber:
		return v.n != 0
	case KindCategory:
		return v.s != ""
	default:
		return false
	}
}

// String renders the value in the flat output format.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		if v.b {
			return "1"
		}
		return "0"
	case KindDate:
		return v.d.Format(dateLayout)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindCategory:
		return v.s
	default:
		return ""
	}
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindDate:
		return v.d.Equal(o.d)
	case KindNumber:
		return v.n == o.n
	case KindCategory:
		return v.s == o.s
	default:
		return true
	}
}

// MarshalJSON renders booleans, numbers and labels natively, dates as
// YYYY-MM-DD strings and missing values as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return json.Marshal(v.b)
	case KindDate:
		return json.Marshal(v.d.Format(dateLayout))
	case KindNumber:
		return json.Marshal(v.n)
	case KindCategory:
		return json.Marshal(v.s)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON is the inverse of MarshalJSON. Strings that parse as dates
// become dates; other strings become categories.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case nil:
		*v = Missing()
	case bool:
		*v = Bool(x)
	case float64:
		*v = Number(x)
	case string:
		if t, err := time.Parse(dateLayout, x); err == nil {
			*v = Date(t)
		} else {
			*v = Category(x)
		}
	default:
		return fmt.Errorf("formula: cannot decode %s into a value", string(data))
	}
	return nil
}
