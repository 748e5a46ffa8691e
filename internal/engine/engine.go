// Package engine executes planner.Plan values over the in-memory Row model
// of spec.md §4.I, against pluggable DataSource adapters.
//
// The step logic mirrors the teacher's qrymem execer (qry/qrymem/exec.go):
// fetch rows for a subject, filter with an expression evaluated against
// each row's own data scope, order, offset, limit — generalized here to the
// full fetch/join/filter/group/having/select/distinct/orderBy/limit
// pipeline the planner produces.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/chris-pardy/avaast/internal/planner"
	"github.com/chris-pardy/avaast/internal/query"
	"github.com/chris-pardy/avaast/pkg/xrpc"
)

// DataSource fetches the current rows for a Source. Implementations return
// rows with unqualified, unprefixed field names (no "alias." prefix, no
// collection suffix parsing) — the engine re-prefixes with the source's
// alias and strips any ":updates"/":deletes" routing suffix before calling.
type DataSource interface {
	Fetch(ctx context.Context, source query.Source, params map[string]string) ([]map[string]any, error)
}

// ChangeEventType enumerates the synthetic _eventType values a routing
// adapter must attach to Change Log rows (spec.md §4.I).
type ChangeEventType string

const (
	ChangeEventUpdate ChangeEventType = "update"
	ChangeEventDelete ChangeEventType = "delete"
)

// Registry resolves a Source's collection (after suffix-stripping) to the
// DataSource that should serve it. Typical wiring: live collections route
// to an in-memory/store-backed adapter, while any collection ending in
// ":updates" or ":deletes" route to a Change Log-backed adapter.
type Registry interface {
	Resolve(collection string) (DataSource, string, bool)
}

// Execute runs plan against the sources resolvable through reg, returning
// the final projected rows.
func Execute(ctx context.Context, plan *planner.Plan, reg Registry, params map[string]string) ([]query.Row, error) {
	var rows []query.Row
	var bags [][]query.Row // parallel to rows when grouped; nil otherwise

	for _, step := range plan.Steps {
		var err error
		switch step.Kind {
		case planner.StepFetch:
			rows, err = fetch(ctx, reg, step.Fetch.Source, params)
		case planner.StepJoin:
			rows, err = join(ctx, reg, rows, step.Join.Join, params)
		case planner.StepFilter:
			rows, err = filterRows(rows, bags, step.Filter.Expr, params)
		case planner.StepGroup:
			rows, bags, err = group(rows, step.Group.Keys, params)
		case planner.StepHaving:
			rows, bags, err = having(rows, bags, step.Having.Expr, params)
		case planner.StepSelect:
			rows, bags, err = selectRows(rows, bags, step.Select.Fields, params)
		case planner.StepDistinct:
			rows = distinct(rows)
			bags = nil
		case planner.StepOrderBy:
			err = orderBy(rows, step.OrderBy.Keys, params)
		case planner.StepLimit:
			rows = limit(rows, step.Limit.Limit, step.Limit.Offset)
		}
		if err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func fetch(ctx context.Context, reg Registry, source query.Source, params map[string]string) ([]query.Row, error) {
	ds, stripped, ok := reg.Resolve(source.Collection)
	if !ok {
		return nil, xrpc.New(xrpc.KindInvalidRequest, fmt.Sprintf("no data source for collection %q", source.Collection))
	}
	resolvedSource := source
	resolvedSource.Collection = stripped
	raw, err := ds.Fetch(ctx, resolvedSource, params)
	if err != nil {
		return nil, xrpc.Wrap(xrpc.KindUpstreamFailure, err, "fetch failed")
	}
	rows := make([]query.Row, 0, len(raw))
	for _, r := range raw {
		rows = append(rows, prefixRow(source.Alias, r))
	}
	return rows, nil
}

func prefixRow(alias string, r map[string]any) query.Row {
	out := make(query.Row, len(r))
	for k, v := range r {
		out[alias+"."+k] = v
	}
	return out
}

func merge(a, b query.Row) query.Row {
	out := make(query.Row, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// join implements the four join kinds of spec.md §4.I: cross is a
// cartesian product; inner/left/right iterate the left input and scan the
// right input fully for each left row, evaluating the join predicate
// against the merged row.
func join(ctx context.Context, reg Registry, left []query.Row, j query.Join, params map[string]string) ([]query.Row, error) {
	right, err := fetch(ctx, reg, j.Source, params)
	if err != nil {
		return nil, err
	}
	var out []query.Row
	switch j.Kind {
	case query.JoinCross:
		for _, l := range left {
			for _, r := range right {
				out = append(out, merge(l, r))
			}
		}
		return out, nil
	case query.JoinInner, query.JoinLeft, query.JoinRight:
		rightMatched := make([]bool, len(right))
		for _, l := range left {
			matched := false
			for ri, r := range right {
				m := merge(l, r)
				ok, err := evalPredicate(j.On, m, nil, params)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				matched = true
				rightMatched[ri] = true
				out = append(out, m)
			}
			if !matched && j.Kind == query.JoinLeft {
				out = append(out, l)
			}
		}
		if j.Kind == query.JoinRight {
			for ri, r := range right {
				if !rightMatched[ri] {
					out = append(out, r)
				}
			}
		}
		return out, nil
	}
	return nil, errors.Errorf("engine: unknown join kind %q", j.Kind)
}

func evalPredicate(expr *query.Expression, row query.Row, bag []query.Row, params map[string]string) (bool, error) {
	if expr == nil {
		return true, nil
	}
	v, err := query.Evaluate(expr, &query.Env{Row: row, Params: params, Bag: bag})
	if err != nil {
		return false, err
	}
	return query.Truthy(v), nil
}

func filterRows(rows []query.Row, bags [][]query.Row, expr *query.Expression, params map[string]string) ([]query.Row, error) {
	var out []query.Row
	for i, r := range rows {
		var bag []query.Row
		if bags != nil {
			bag = bags[i]
		}
		ok, err := evalPredicate(expr, r, bag, params)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// group collapses rows sharing identical key-expression evaluations into
// one representative row (the first member) with the full member set
// carried alongside as its bag (spec.md §4.I "Group").
func group(rows []query.Row, keys []*query.Expression, params map[string]string) ([]query.Row, [][]query.Row, error) {
	type bucket struct {
		rep query.Row
		bag []query.Row
	}
	order := make([]string, 0)
	buckets := make(map[string]*bucket)
	for _, r := range rows {
		key, err := canonicalKey(keys, r, params)
		if err != nil {
			return nil, nil, err
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{rep: r}
			buckets[key] = b
			order = append(order, key)
		}
		b.bag = append(b.bag, r)
	}
	outRows := make([]query.Row, 0, len(order))
	outBags := make([][]query.Row, 0, len(order))
	for _, k := range order {
		b := buckets[k]
		outRows = append(outRows, b.rep)
		outBags = append(outBags, b.bag)
	}
	return outRows, outBags, nil
}

func canonicalKey(keys []*query.Expression, row query.Row, params map[string]string) (string, error) {
	vals := make([]any, len(keys))
	for i, k := range keys {
		v, err := query.Evaluate(k, &query.Env{Row: row, Params: params})
		if err != nil {
			return "", err
		}
		vals[i] = v
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "", errors.Wrap(err, "engine: canonicalize group key")
	}
	return string(b), nil
}

func having(rows []query.Row, bags [][]query.Row, expr *query.Expression, params map[string]string) ([]query.Row, [][]query.Row, error) {
	var outRows []query.Row
	var outBags [][]query.Row
	for i, r := range rows {
		var bag []query.Row
		if bags != nil {
			bag = bags[i]
		}
		ok, err := evalPredicate(expr, r, bag, params)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			outRows = append(outRows, r)
			outBags = append(outBags, bag)
		}
	}
	return outRows, outBags, nil
}

func selectRows(rows []query.Row, bags [][]query.Row, fields []query.SelectField, params map[string]string) ([]query.Row, [][]query.Row, error) {
	out := make([]query.Row, 0, len(rows))
	for i, r := range rows {
		var bag []query.Row
		if bags != nil {
			bag = bags[i]
		}
		projected := make(query.Row, len(fields))
		for _, f := range fields {
			v, err := query.Evaluate(f.Expr, &query.Env{Row: r, Params: params, Bag: bag})
			if err != nil {
				return nil, nil, err
			}
			projected[f.Alias] = v
		}
		out = append(out, projected)
	}
	// Select is a projection boundary: downstream steps (distinct, orderBy,
	// limit) operate on the declared aliases alone, never the bag.
	return out, nil, nil
}

func distinct(rows []query.Row) []query.Row {
	seen := make(map[string]struct{}, len(rows))
	var out []query.Row
	for _, r := range rows {
		b, err := json.Marshal(canonicalRow(r))
		if err != nil {
			continue
		}
		key := string(b)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

func canonicalRow(r query.Row) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// orderBy implements spec.md §4.I's stable multi-key sort: nulls sort last
// by default (first if requested), numbers compare numerically, strings
// lexically, and ties fall through to subsequent keys. Direction flips the
// comparison sign.
func orderBy(rows []query.Row, keys []query.OrderKey, params map[string]string) error {
	var evalErr error
	sort.SliceStable(rows, func(i, j int) bool {
		if evalErr != nil {
			return false
		}
		for _, k := range keys {
			vi, err := query.Evaluate(k.Expr, &query.Env{Row: rows[i], Params: params})
			if err != nil {
				evalErr = err
				return false
			}
			vj, err := query.Evaluate(k.Expr, &query.Env{Row: rows[j], Params: params})
			if err != nil {
				evalErr = err
				return false
			}
			c := orderCompare(vi, vj, k.NullsFirst)
			if c == 0 {
				continue
			}
			if k.Desc {
				c = -c
			}
			return c < 0
		}
		return false
	})
	return evalErr
}

func orderCompare(a, b any, nullsFirst bool) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		if nullsFirst {
			return -1
		}
		return 1
	}
	if b == nil {
		if nullsFirst {
			return 1
		}
		return -1
	}
	_, cmp, ok := query.Compare(a, b)
	if !ok {
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
	return cmp
}

func limit(rows []query.Row, lim, off *int64) []query.Row {
	start := int64(0)
	if off != nil {
		start = *off
	}
	if start < 0 {
		start = 0
	}
	if start > int64(len(rows)) {
		return nil
	}
	rows = rows[start:]
	if lim == nil {
		return rows
	}
	if *lim < int64(len(rows)) {
		rows = rows[:*lim]
	}
	return rows
}
