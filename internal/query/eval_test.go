package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strLit(s string) *Expression {
	return &Expression{Kind: ExprLiteral, Literal: &Literal{StringValue: &s}}
}

func intLit(i int64) *Expression {
	return &Expression{Kind: ExprLiteral, Literal: &Literal{IntegerValue: &i}}
}

func boolLit(b bool) *Expression {
	return &Expression{Kind: ExprLiteral, Literal: &Literal{BooleanValue: &b}}
}

func fieldRef(alias, path string) *Expression {
	return &Expression{Kind: ExprFieldRef, FieldRef: &FieldRef{SourceAlias: alias, FieldPath: path}}
}

func TestEvaluateFieldRefLongestPrefix(t *testing.T) {
	row := Row{
		"p.name":    "widget",
		"p.meta":    map[string]any{"color": "red", "size": map[string]any{"w": int64(3)}},
		"p.meta.id": "literal-dotted-key",
	}
	env := &Env{Row: row}

	v, err := Evaluate(fieldRef("p", "name"), env)
	require.NoError(t, err)
	assert.Equal(t, "widget", v)

	v, err = Evaluate(fieldRef("p", "meta.color"), env)
	require.NoError(t, err)
	assert.Equal(t, "red", v)

	v, err = Evaluate(fieldRef("p", "meta.size.w"), env)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	// A flat key with a literal dot in it wins over descending through "meta".
	v, err = Evaluate(fieldRef("p", "meta.id"), env)
	require.NoError(t, err)
	assert.Equal(t, "literal-dotted-key", v)

	v, err = Evaluate(fieldRef("p", "missing.nested"), env)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvaluateFieldRefParams(t *testing.T) {
	env := &Env{Params: map[string]string{"status": "active"}}
	v, err := Evaluate(fieldRef(ParamsAlias, "status"), env)
	require.NoError(t, err)
	assert.Equal(t, "active", v)

	v, err = Evaluate(fieldRef(ParamsAlias, "missing"), env)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvaluateComparison(t *testing.T) {
	env := &Env{Row: Row{"p.age": int64(30), "p.name": "ada"}}
	tests := []struct {
		name string
		op   ComparisonOp
		left *Expression
		right *Expression
		want any
	}{
		{"eq true", OpEq, fieldRef("p", "age"), intLit(30), true},
		{"eq false", OpEq, fieldRef("p", "age"), intLit(31), false},
		{"neq", OpNeq, fieldRef("p", "age"), intLit(31), true},
		{"gt", OpGt, fieldRef("p", "age"), intLit(10), true},
		{"gte equal", OpGte, fieldRef("p", "age"), intLit(30), true},
		{"lt", OpLt, fieldRef("p", "age"), intLit(10), false},
		{"lte", OpLte, fieldRef("p", "age"), intLit(30), true},
		{"isNull false", OpIsNull, fieldRef("p", "age"), nil, false},
		{"isNotNull true", OpIsNotNull, fieldRef("p", "age"), nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := Evaluate(&Expression{Kind: ExprComparison, Comparison: &Comparison{Op: tc.op, Left: tc.left, Right: tc.right}}, env)
			require.NoError(t, err)
			assert.Equal(t, tc.want, v)
		})
	}
}

func TestEvaluateLike(t *testing.T) {
	env := &Env{Row: Row{"p.name": "widget-pro"}}
	tests := []struct {
		pattern string
		want    bool
	}{
		{"widget%", true},
		{"%pro", true},
		{"widget_pro", true},
		{"widget_", false},
		{"gizmo%", false},
	}
	for _, tc := range tests {
		v, err := Evaluate(&Expression{Kind: ExprComparison, Comparison: &Comparison{
			Op: OpLike, Left: fieldRef("p", "name"), Right: strLit(tc.pattern),
		}}, env)
		require.NoError(t, err)
		assert.Equal(t, tc.want, v, "pattern %q", tc.pattern)
	}
}

func TestEvaluateInNotInBetween(t *testing.T) {
	// The AST has no array literal; in/notIn/between array operands only
	// ever arrive via a FieldRef or BuiltinCall result at runtime, so these
	// exercise the comparison helpers directly rather than through a full
	// Expression tree.
	ok, err := containedIn("gold", []any{"silver", "gold", "platinum"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = containedIn("bronze", []any{"silver", "gold"})
	require.NoError(t, err)
	assert.False(t, ok)

	between, err := evalBetween(int64(5), []any{int64(1), int64(10)})
	require.NoError(t, err)
	assert.True(t, between)

	between, err = evalBetween(int64(50), []any{int64(1), int64(10)})
	require.NoError(t, err)
	assert.False(t, between)
}

func TestEvaluateLogicalOp(t *testing.T) {
	env := &Env{}
	and := &Expression{Kind: ExprLogicalOp, LogicalOp: &LogicalOp{Op: LogicalAnd, Operands: []*Expression{boolLit(true), boolLit(true)}}}
	v, err := Evaluate(and, env)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	or := &Expression{Kind: ExprLogicalOp, LogicalOp: &LogicalOp{Op: LogicalOr, Operands: []*Expression{boolLit(false), boolLit(true)}}}
	v, err = Evaluate(or, env)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	not := &Expression{Kind: ExprLogicalOp, LogicalOp: &LogicalOp{Op: LogicalNot, Operands: []*Expression{boolLit(false)}}}
	v, err = Evaluate(not, env)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	_, err = Evaluate(&Expression{Kind: ExprLogicalOp, LogicalOp: &LogicalOp{Op: LogicalNot, Operands: []*Expression{boolLit(true), boolLit(false)}}}, env)
	assert.Error(t, err)
}

func TestEvaluateArithmeticDivideModuloByZero(t *testing.T) {
	env := &Env{}
	div := &Expression{Kind: ExprArithmeticOp, ArithmeticOp: &ArithmeticOp{Op: ArithDivide, Left: intLit(10), Right: intLit(0)}}
	v, err := Evaluate(div, env)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	mod := &Expression{Kind: ExprArithmeticOp, ArithmeticOp: &ArithmeticOp{Op: ArithModulo, Left: intLit(10), Right: intLit(0)}}
	v, err = Evaluate(mod, env)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	add := &Expression{Kind: ExprArithmeticOp, ArithmeticOp: &ArithmeticOp{Op: ArithAdd, Left: intLit(2), Right: intLit(3)}}
	v, err = Evaluate(add, env)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestEvaluateBuiltinCallAggregatesOverBag(t *testing.T) {
	bag := []Row{
		{"o.total": int64(10)},
		{"o.total": int64(20)},
		{"o.total": int64(30)},
	}
	env := &Env{Bag: bag}
	sum := &Expression{Kind: ExprBuiltinCall, BuiltinCall: &BuiltinCall{Name: "sum", Args: []*Expression{fieldRef("o", "total")}}}
	v, err := Evaluate(sum, env)
	require.NoError(t, err)
	assert.Equal(t, int64(60), v)

	avg := &Expression{Kind: ExprBuiltinCall, BuiltinCall: &BuiltinCall{Name: "avg", Args: []*Expression{fieldRef("o", "total")}}}
	v, err = Evaluate(avg, env)
	require.NoError(t, err)
	assert.Equal(t, int64(20), v)

	count := &Expression{Kind: ExprBuiltinCall, BuiltinCall: &BuiltinCall{Name: "count", Args: []*Expression{fieldRef("o", "total")}}}
	v, err = Evaluate(count, env)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	max := &Expression{Kind: ExprBuiltinCall, BuiltinCall: &BuiltinCall{Name: "max", Args: []*Expression{fieldRef("o", "total")}}}
	v, err = Evaluate(max, env)
	require.NoError(t, err)
	assert.Equal(t, int64(30), v)
}

func TestEvaluateBuiltinCallStringsAndMath(t *testing.T) {
	env := &Env{}
	concat := &Expression{Kind: ExprBuiltinCall, BuiltinCall: &BuiltinCall{Name: "concat", Args: []*Expression{strLit("ab"), strLit("cd")}}}
	v, err := Evaluate(concat, env)
	require.NoError(t, err)
	assert.Equal(t, "abcd", v)

	upper := &Expression{Kind: ExprBuiltinCall, BuiltinCall: &BuiltinCall{Name: "upper", Args: []*Expression{strLit("ada")}}}
	v, err = Evaluate(upper, env)
	require.NoError(t, err)
	assert.Equal(t, "ADA", v)

	abs := &Expression{Kind: ExprBuiltinCall, BuiltinCall: &BuiltinCall{Name: "abs", Args: []*Expression{intLit(-7)}}}
	v, err = Evaluate(abs, env)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	coalesce := &Expression{Kind: ExprBuiltinCall, BuiltinCall: &BuiltinCall{Name: "coalesce", Args: []*Expression{
		&Expression{Kind: ExprFieldRef, FieldRef: &FieldRef{SourceAlias: "p", FieldPath: "missing"}},
		strLit("fallback"),
	}}}
	v, err = Evaluate(coalesce, env)
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestEvaluateBuiltinCallRoundHandlesNegativeInputs(t *testing.T) {
	env := &Env{}
	negativeHalf := &Expression{Kind: ExprArithmeticOp, ArithmeticOp: &ArithmeticOp{Op: ArithDivide, Left: intLit(-3), Right: intLit(2)}}
	round := &Expression{Kind: ExprBuiltinCall, BuiltinCall: &BuiltinCall{Name: "round", Args: []*Expression{negativeHalf}}}
	v, err := Evaluate(round, env)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), v)
}

func TestEvaluateFunctionCallUnsupported(t *testing.T) {
	fn := &Expression{Kind: ExprFunctionCall, FunctionCall: &FunctionCall{Ref: "app.avaast.function/abc:xyz"}}
	_, err := Evaluate(fn, &Env{})
	assert.ErrorIs(t, err, ErrUnsupportedExpression)
}

func TestEvaluateCaseExpression(t *testing.T) {
	env := &Env{Row: Row{"p.tier": "gold"}}
	c := &Expression{Kind: ExprCase, Case: &CaseExpression{
		Branches: []CaseBranch{
			{When: &Expression{Kind: ExprComparison, Comparison: &Comparison{Op: OpEq, Left: fieldRef("p", "tier"), Right: strLit("platinum")}}, Then: intLit(3)},
			{When: &Expression{Kind: ExprComparison, Comparison: &Comparison{Op: OpEq, Left: fieldRef("p", "tier"), Right: strLit("gold")}}, Then: intLit(2)},
		},
		ElseValue: intLit(1),
	}}
	v, err := Evaluate(c, env)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestTruthiness(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(false))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(int64(0)))
	assert.False(t, Truthy(0.0))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy(int64(1)))
	assert.True(t, Truthy(true))
}
