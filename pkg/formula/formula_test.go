package formula

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) Value {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		panic(err)
	}
	return Date(t)
}

func envOf(values map[string]Value) Env {
	return EnvFunc(func(name string) (Value, error) {
		v, ok := values[name]
		if !ok {
			return Missing(), nil
		}
		return v, nil
	})
}

func evalBool(t *testing.T, src string, values map[string]Value) bool {
	t.Helper()
	expr, err := Parse(src)
	require.NoError(t, err)
	v, err := expr.Eval(envOf(values))
	require.NoError(t, err)
	require.Equal(t, KindBool, v.Kind())
	return v.BoolValue()
}

func TestParse_Precedence(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"and binds tighter than or", "a OR b AND c", "(a OR (b AND c))"},
		{"not binds tighter than and", "NOT a AND b", "(NOT a AND b)"},
		{"not binds looser than comparison", "NOT a = b", "NOT a = b"},
		{"parentheses override", "(a OR b) AND c", "((a OR b) AND c)"},
		{"arithmetic inside comparison", "age + 1 >= 16", "(age + 1) >= 16"},
		{"case-insensitive keywords", "a and not b", "(a AND NOT b)"},
		{"string literal", "jcvi_group = '02'", "jcvi_group = '02'"},
		{"negative literal", "x > -5", "x > -5"},
		{"qualified identifier", "parent.child OR x", "(parent.child OR x)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := Parse(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, expr.String())
		})
	}

	notCmp, err := Parse("NOT a = b")
	require.NoError(t, err)
	_, isNot := notCmp.(*Not)
	assert.True(t, isNot, "NOT a = b should parse as NOT (a = b)")
}

func TestParse_SyntaxErrors(t *testing.T) {
	cases := []string{
		"",
		"a AND",
		"(a OR b",
		"a b",
		"a = = b",
		"a < b < c",
		"'unterminated",
		"a ! b",
		"a # b",
	}

	for _, src := range cases {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			require.Error(t, err)
			var syntaxErr *SyntaxError
			assert.True(t, errors.As(err, &syntaxErr))
		})
	}
}

func TestIdentifiers(t *testing.T) {
	expr := MustParse("(NOT dmres_date AND diab_date) OR (dmres_date < diab_date)")
	assert.Equal(t, []string{"diab_date", "dmres_date"}, Identifiers(expr))

	assert.Empty(t, Identifiers(MustParse("1 = 1")))
}

func TestEval_DiabetesResolution(t *testing.T) {
	const src = "(NOT dmres_date AND diab_date) OR (dmres_date < diab_date)"

	tests := []struct {
		name   string
		values map[string]Value
		want   bool
	}{
		{"diagnosis only", map[string]Value{"diab_date": day("2015-03-01")}, true},
		{"resolved after diagnosis", map[string]Value{"diab_date": day("2015-03-01"), "dmres_date": day("2018-06-01")}, false},
		{"rediagnosed after resolution", map[string]Value{"diab_date": day("2019-01-01"), "dmres_date": day("2018-06-01")}, true},
		{"no records", map[string]Value{}, false},
		{"resolution only", map[string]Value{"dmres_date": day("2018-06-01")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalBool(t, src, tt.values))
		})
	}
}

func TestEval_ThreeValuedComparisons(t *testing.T) {
	// Any comparison with a missing operand is false, including !=.
	assert.False(t, evalBool(t, "x = 1", nil))
	assert.False(t, evalBool(t, "x != 1", nil))
	assert.False(t, evalBool(t, "x < y", map[string]Value{"y": day("2020-01-01")}))
	assert.True(t, evalBool(t, "NOT x", nil))
	assert.True(t, evalBool(t, "NOT x = 1", nil))
}

func TestEval_Coercions(t *testing.T) {
	values := map[string]Value{
		"flag":  Bool(true),
		"bmi":   Number(41.2),
		"group": Category("02"),
		"sex":   Category("F"),
		"when":  day("2021-03-01"),
	}

	assert.True(t, evalBool(t, "flag = 1", values))
	assert.True(t, evalBool(t, "bmi >= 40", values))
	assert.True(t, evalBool(t, "group = '02'", values))
	assert.True(t, evalBool(t, "sex = 'F' AND bmi > 30", values))
	assert.True(t, evalBool(t, "when >= '2021-01-01'", values))
	assert.False(t, evalBool(t, "when > '2021-03-01'", values))
	assert.True(t, evalBool(t, "group < 5", values))
}

func TestEval_TypeMismatch(t *testing.T) {
	expr := MustParse("when > 3")
	_, err := expr.Eval(envOf(map[string]Value{"when": day("2021-01-01")}))
	require.Error(t, err)

	var typeErr *TypeError
	require.True(t, errors.As(err, &typeErr))
	assert.Equal(t, KindDate, typeErr.Left)
	assert.Equal(t, KindNumber, typeErr.Right)

	_, err = MustParse("sex + 1").Eval(envOf(map[string]Value{"sex": Category("F")}))
	assert.Error(t, err)
}

func TestEval_Arithmetic(t *testing.T) {
	expr := MustParse("age - 16")
	v, err := expr.Eval(envOf(map[string]Value{"age": Number(20)}))
	require.NoError(t, err)
	assert.Equal(t, 4.0, v.NumberValue())

	v, err = expr.Eval(envOf(nil))
	require.NoError(t, err)
	assert.True(t, v.IsMissing())
}

func TestEval_LookupErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	env := EnvFunc(func(string) (Value, error) { return Missing(), boom })

	_, err := MustParse("a OR b").Eval(env)
	assert.ErrorIs(t, err, boom)
}

func TestValue_TruthyAndString(t *testing.T) {
	assert.False(t, Missing().Truthy())
	assert.False(t, Number(0).Truthy())
	assert.True(t, Number(2).Truthy())
	assert.True(t, day("2020-01-01").Truthy())
	assert.False(t, Category("").Truthy())

	assert.Equal(t, "1", Bool(true).String())
	assert.Equal(t, "0", Bool(false).String())
	assert.Equal(t, "2020-12-08", day("2020-12-08").String())
	assert.Equal(t, "41.5", Number(41.5).String())
	assert.Equal(t, "", Missing().String())
}

func TestValue_JSON(t *testing.T) {
	data, err := Missing().MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	var v Value
	require.NoError(t, v.UnmarshalJSON([]byte(`"2021-03-19"`)))
	assert.Equal(t, KindDate, v.Kind())

	require.NoError(t, v.UnmarshalJSON([]byte(`"09"`)))
	assert.Equal(t, KindCategory, v.Kind())
}
