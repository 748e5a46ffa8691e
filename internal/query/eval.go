package query

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/chris-pardy/avaast/pkg/xrpc"
)

// Row is the in-memory row model of spec.md §4.I: keys are fully qualified
// as "alias.field".
type Row map[string]any

// Env is the evaluation environment threaded through Evaluate. Bag is
// non-nil only when evaluating against a grouped representative row;
// aggregate BuiltinCalls consult it instead of treating their argument as a
// plain scalar.
type Env struct {
	Row    Row
	Params map[string]string
	Bag    []Row
}

// ErrUnsupportedExpression is returned (wrapped with the xrpc taxonomy) when
// a FunctionCall is evaluated by the synchronous engine.
var ErrUnsupportedExpression = xrpc.New(xrpc.KindUnsupportedExpr, "function-call expressions are not supported by the synchronous query engine")

// Truthy implements spec.md GLOSSARY "Truthiness": null, undefined, 0, "",
// and false are falsy; everything else is truthy.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int64:
		return x != 0
	case int:
		return x != 0
	case float64:
		return x != 0
	}
	return true
}

// Evaluate dispatches on Expression.Kind (spec.md §4.I).
func Evaluate(e *Expression, env *Env) (any, error) {
	if e == nil {
		return nil, nil
	}
	switch e.Kind {
	case ExprFieldRef:
		return evalFieldRef(e.FieldRef, env)
	case ExprLiteral:
		if e.Literal == nil {
			return nil, nil
		}
		return e.Literal.Value(), nil
	case ExprComparison:
		return evalComparison(e.Comparison, env)
	case ExprLogicalOp:
		return evalLogicalOp(e.LogicalOp, env)
	case ExprArithmeticOp:
		return evalArithmeticOp(e.ArithmeticOp, env)
	case ExprBuiltinCall:
		return evalBuiltinCall(e.BuiltinCall, env)
	case ExprFunctionCall:
		return nil, ErrUnsupportedExpression
	case ExprCase:
		return evalCase(e.Case, env)
	}
	return nil, errors.Errorf("query: unknown expression kind %q", e.Kind)
}

func evalFieldRef(f *FieldRef, env *Env) (any, error) {
	if f == nil {
		return nil, nil
	}
	if f.SourceAlias == ParamsAlias {
		v, ok := env.Params[f.FieldPath]
		if !ok {
			return nil, nil
		}
		return v, nil
	}
	return lookupField(env.Row, f.SourceAlias, f.FieldPath), nil
}

// lookupField implements the longest-prefix strategy of spec.md §4.I: try
// progressively longer dotted key prefixes against the flat row before
// descending into nested objects.
func lookupField(row Row, alias, fieldPath string) any {
	if row == nil {
		return nil
	}
	segs := strings.Split(fieldPath, ".")
	for i := len(segs); i >= 1; i-- {
		key := alias + "." + strings.Join(segs[:i], ".")
		if v, ok := row[key]; ok {
			return descend(v, segs[i:])
		}
	}
	if v, ok := row[alias]; ok {
		return descend(v, segs)
	}
	return nil
}

func descend(v any, path []string) any {
	for _, p := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v, ok = m[p]
		if !ok {
			return nil
		}
	}
	return v
}

func evalComparison(c *Comparison, env *Env) (any, error) {
	if c == nil {
		return nil, nil
	}
	left, err := Evaluate(c.Left, env)
	if err != nil {
		return nil, err
	}
	switch c.Op {
	case OpIsNull:
		return left == nil, nil
	case OpIsNotNull:
		return left != nil, nil
	}
	right, err := Evaluate(c.Right, env)
	if err != nil {
		return nil, err
	}
	switch c.Op {
	case OpEq:
		eq, _, _ := Compare(left, right)
		return eq, nil
	case OpNeq:
		eq, _, _ := Compare(left, right)
		return !eq, nil
	case OpGt, OpGte, OpLt, OpLte:
		return compareDirectional(c.Op, left, right)
	case OpLike:
		return evalLike(left, right)
	case OpIn:
		return containedIn(left, right)
	case OpNotIn:
		ok, err := containedIn(left, right)
		return !ok, err
	case OpBetween:
		return evalBetween(left, right)
	}
	return nil, errors.Errorf("query: unknown comparison op %q", c.Op)
}

// Compare reports structural equality and, when both sides are orderable,
// a signed ordering. ok is false when the values cannot be ordered (but
// equality is always decidable).
func Compare(a, b any) (equal bool, cmp int, ok bool) {
	af, aIsNum := asFloat(a)
	bf, bIsNum := asFloat(b)
	if aIsNum && bIsNum {
		switch {
		case af == bf:
			return true, 0, true
		case af < bf:
			return false, -1, true
		default:
			return false, 1, true
		}
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		switch {
		case as == bs:
			return true, 0, true
		case as < bs:
			return false, -1, true
		default:
			return false, 1, true
		}
	}
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		return ab == bb, 0, ab == bb
	}
	if a == nil && b == nil {
		return true, 0, true
	}
	if a == nil || b == nil {
		return false, 0, false
	}
	return fmt.Sprint(a) == fmt.Sprint(b), 0, false
}

func compareDirectional(op ComparisonOp, a, b any) (any, error) {
	_, cmp, ok := Compare(a, b)
	if !ok {
		return false, nil
	}
	switch op {
	case OpGt:
		return cmp > 0, nil
	case OpGte:
		return cmp >= 0, nil
	case OpLt:
		return cmp < 0, nil
	case OpLte:
		return cmp <= 0, nil
	}
	return false, errors.Errorf("query: unexpected directional op %q", op)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	return 0, false
}

// evalLike treats % as .* and _ as . anchored at both ends.
func evalLike(left, right any) (any, error) {
	ls, ok := left.(string)
	if !ok {
		return false, nil
	}
	pat, ok := right.(string)
	if !ok {
		return false, errors.New("query: like pattern must be a string")
	}
	re, err := likeRegexp(pat)
	if err != nil {
		return false, err
	}
	return re.MatchString(ls), nil
}

func likeRegexp(pat string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pat {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

func containedIn(left, right any) (bool, error) {
	arr, ok := right.([]any)
	if !ok {
		return false, errors.New("query: in/notIn right operand must be an array")
	}
	for _, v := range arr {
		if eq, _, _ := Compare(left, v); eq {
			return true, nil
		}
	}
	return false, nil
}

func evalBetween(left, right any) (bool, error) {
	arr, ok := right.([]any)
	if !ok || len(arr) != 2 {
		return false, errors.New("query: between right operand must be a 2-element array")
	}
	_, loCmp, loOK := Compare(left, arr[0])
	_, hiCmp, hiOK := Compare(left, arr[1])
	if !loOK || !hiOK {
		return false, nil
	}
	return loCmp >= 0 && hiCmp <= 0, nil
}

func evalLogicalOp(l *LogicalOp, env *Env) (any, error) {
	if l == nil {
		return nil, nil
	}
	switch l.Op {
	case LogicalAnd:
		for _, op := range l.Operands {
			v, err := Evaluate(op, env)
			if err != nil {
				return nil, err
			}
			if !Truthy(v) {
				return false, nil
			}
		}
		return true, nil
	case LogicalOr:
		for _, op := range l.Operands {
			v, err := Evaluate(op, env)
			if err != nil {
				return nil, err
			}
			if Truthy(v) {
				return true, nil
			}
		}
		return false, nil
	case LogicalNot:
		if len(l.Operands) != 1 {
			return nil, errors.New("query: not requires exactly one operand")
		}
		v, err := Evaluate(l.Operands[0], env)
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	}
	return nil, errors.Errorf("query: unknown logical op %q", l.Op)
}

// evalArithmeticOp: divide/modulo by zero evaluate to 0 (spec.md §3, §9).
func evalArithmeticOp(a *ArithmeticOp, env *Env) (any, error) {
	if a == nil {
		return nil, nil
	}
	lv, err := Evaluate(a.Left, env)
	if err != nil {
		return nil, err
	}
	rv, err := Evaluate(a.Right, env)
	if err != nil {
		return nil, err
	}
	lf, lok := asFloat(lv)
	rf, rok := asFloat(rv)
	if !lok || !rok {
		return nil, errors.New("query: arithmetic operands must be numeric")
	}
	switch a.Op {
	case ArithAdd:
		return num(lf + rf), nil
	case ArithSubtract:
		return num(lf - rf), nil
	case ArithMultiply:
		return num(lf * rf), nil
	case ArithDivide:
		if rf == 0 {
			return int64(0), nil
		}
		return num(lf / rf), nil
	case ArithModulo:
		if rf == 0 {
			return int64(0), nil
		}
		li, ri := int64(lf), int64(rf)
		return li % ri, nil
	}
	return nil, errors.Errorf("query: unknown arithmetic op %q", a.Op)
}

// num returns an int64 when the float is integral, else the float64.
func num(f float64) any {
	if f == float64(int64(f)) {
		return int64(f)
	}
	return f
}

func evalCase(c *CaseExpression, env *Env) (any, error) {
	if c == nil {
		return nil, nil
	}
	for _, br := range c.Branches {
		v, err := Evaluate(br.When, env)
		if err != nil {
			return nil, err
		}
		if Truthy(v) {
			return Evaluate(br.Then, env)
		}
	}
	if c.ElseValue != nil {
		return Evaluate(c.ElseValue, env)
	}
	return nil, nil
}

func evalBuiltinCall(b *BuiltinCall, env *Env) (any, error) {
	if b == nil {
		return nil, nil
	}
	switch b.Name {
	case "count", "sum", "avg", "min", "max":
		return evalAggregate(b, env)
	case "concat":
		var sb strings.Builder
		for _, arg := range b.Args {
			v, err := Evaluate(arg, env)
			if err != nil {
				return nil, err
			}
			sb.WriteString(stringify(v))
		}
		return sb.String(), nil
	case "lower":
		s, err := oneString(b, env)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	case "upper":
		s, err := oneString(b, env)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	case "trim":
		s, err := oneString(b, env)
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(s), nil
	case "length":
		s, err := oneString(b, env)
		if err != nil {
			return nil, err
		}
		return int64(len(s)), nil
	case "substring":
		return evalSubstring(b, env)
	case "abs":
		f, err := oneFloat(b, env)
		if err != nil {
			return nil, err
		}
		if f < 0 {
			f = -f
		}
		return num(f), nil
	case "round":
		f, err := oneFloat(b, env)
		if err != nil {
			return nil, err
		}
		return int64(math.Round(f)), nil
	case "floor":
		f, err := oneFloat(b, env)
		if err != nil {
			return nil, err
		}
		i := int64(f)
		if f < 0 && float64(i) != f {
			i--
		}
		return i, nil
	case "ceil":
		f, err := oneFloat(b, env)
		if err != nil {
			return nil, err
		}
		i := int64(f)
		if f > 0 && float64(i) != f {
			i++
		}
		return i, nil
	case "coalesce":
		for _, arg := range b.Args {
			v, err := Evaluate(arg, env)
			if err != nil {
				return nil, err
			}
			if v != nil {
				return v, nil
			}
		}
		return nil, nil
	case "now":
		return time.Now().UTC().Format(time.RFC3339), nil
	}
	return nil, errors.Errorf("query: unknown builtin %q", b.Name)
}

// evalAggregate consults env.Bag when present; otherwise it treats its
// single argument as a collection if it evaluates to one, else passes the
// scalar through (spec.md §4.I).
func evalAggregate(b *BuiltinCall, env *Env) (any, error) {
	if len(b.Args) != 1 {
		return nil, errors.Errorf("query: %s expects exactly one argument", b.Name)
	}
	var values []any
	if env.Bag != nil {
		for _, member := range env.Bag {
			memberEnv := &Env{Row: member, Params: env.Params}
			v, err := Evaluate(b.Args[0], memberEnv)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
	} else {
		v, err := Evaluate(b.Args[0], env)
		if err != nil {
			return nil, err
		}
		if arr, ok := v.([]any); ok {
			values = arr
		} else {
			values = []any{v}
		}
	}
	switch b.Name {
	case "count":
		n := int64(0)
		for _, v := range values {
			if v != nil {
				n++
			}
		}
		return n, nil
	case "sum":
		var sum float64
		for _, v := range values {
			f, _ := asFloat(v)
			sum += f
		}
		return num(sum), nil
	case "avg":
		if len(values) == 0 {
			return int64(0), nil
		}
		var sum float64
		for _, v := range values {
			f, _ := asFloat(v)
			sum += f
		}
		return num(sum / float64(len(values))), nil
	case "min", "max":
		if len(values) == 0 {
			return nil, nil
		}
		best := values[0]
		for _, v := range values[1:] {
			_, cmp, ok := Compare(v, best)
			if !ok {
				continue
			}
			if (b.Name == "min" && cmp < 0) || (b.Name == "max" && cmp > 0) {
				best = v
			}
		}
		return best, nil
	}
	return nil, errors.Errorf("query: unknown aggregate %q", b.Name)
}

func oneString(b *BuiltinCall, env *Env) (string, error) {
	if len(b.Args) != 1 {
		return "", errors.Errorf("query: %s expects exactly one argument", b.Name)
	}
	v, err := Evaluate(b.Args[0], env)
	if err != nil {
		return "", err
	}
	return stringify(v), nil
}

func oneFloat(b *BuiltinCall, env *Env) (float64, error) {
	if len(b.Args) != 1 {
		return 0, errors.Errorf("query: %s expects exactly one argument", b.Name)
	}
	v, err := Evaluate(b.Args[0], env)
	if err != nil {
		return 0, err
	}
	f, ok := asFloat(v)
	if !ok {
		return 0, errors.Errorf("query: %s expects a numeric argument", b.Name)
	}
	return f, nil
}

func evalSubstring(b *BuiltinCall, env *Env) (any, error) {
	if len(b.Args) < 2 || len(b.Args) > 3 {
		return nil, errors.New("query: substring expects (str, start[, length])")
	}
	sv, err := Evaluate(b.Args[0], env)
	if err != nil {
		return nil, err
	}
	s := stringify(sv)
	startV, err := Evaluate(b.Args[1], env)
	if err != nil {
		return nil, err
	}
	startF, _ := asFloat(startV)
	start := int(startF)
	if start < 0 {
		start = 0
	}
	if start > len(s) {
		start = len(s)
	}
	end := len(s)
	if len(b.Args) == 3 {
		lenV, err := Evaluate(b.Args[2], env)
		if err != nil {
			return nil, err
		}
		lf, _ := asFloat(lenV)
		end = start + int(lf)
		if end > len(s) {
			end = len(s)
		}
		if end < start {
			end = start
		}
	}
	return s[start:end], nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}
