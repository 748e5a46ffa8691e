package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-pardy/avaast/internal/planner"
	"github.com/chris-pardy/avaast/internal/query"
)

type staticSource struct {
	rows map[string][]map[string]any
}

func (s *staticSource) Fetch(_ context.Context, source query.Source, _ map[string]string) ([]map[string]any, error) {
	return s.rows[source.Collection], nil
}

type staticRegistry struct {
	ds DataSource
}

func (r *staticRegistry) Resolve(collection string) (DataSource, string, bool) {
	return r.ds, collection, true
}

func fieldRef(alias, path string) *query.Expression {
	return &query.Expression{Kind: query.ExprFieldRef, FieldRef: &query.FieldRef{SourceAlias: alias, FieldPath: path}}
}

func intLit(i int64) *query.Expression {
	return &query.Expression{Kind: query.ExprLiteral, Literal: &query.Literal{IntegerValue: &i}}
}

func TestExecuteFetchFilterOrderLimit(t *testing.T) {
	ds := &staticSource{rows: map[string][]map[string]any{
		"app.example.order": {
			{"id": int64(1), "status": "open", "total": int64(10)},
			{"id": int64(2), "status": "closed", "total": int64(20)},
			{"id": int64(3), "status": "open", "total": int64(30)},
		},
	}}
	reg := &staticRegistry{ds: ds}

	q := &query.Query{
		Select: []query.SelectField{
			{Alias: "id", Expr: fieldRef("o", "id")},
			{Alias: "total", Expr: fieldRef("o", "total")},
		},
		From: query.Source{Alias: "o", Collection: "app.example.order"},
		Where: &query.Expression{Kind: query.ExprComparison, Comparison: &query.Comparison{
			Op: query.OpEq, Left: fieldRef("o", "status"), Right: &query.Expression{Kind: query.ExprLiteral, Literal: &query.Literal{StringValue: strPtr("open")}},
		}},
		OrderBy: []query.OrderKey{{Expr: fieldRef("o", "total"), Desc: true}},
	}
	plan := planner.Build(q)
	rows, err := Execute(context.Background(), plan, reg, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(30), rows[0]["total"])
	assert.Equal(t, int64(10), rows[1]["total"])
}

func strPtr(s string) *string { return &s }

func TestExecuteLeftJoinAndGroupCount(t *testing.T) {
	ds := &staticSource{rows: map[string][]map[string]any{
		"chat.pirate.avast": {
			{"_uri": "a1", "createdAt": int64(1)},
			{"_uri": "a2", "createdAt": int64(2)},
			{"_uri": "a3", "createdAt": int64(3)},
		},
		"chat.pirate.aye": {
			{"_uri": "y1", "avastUri": "a1"},
			{"_uri": "y2", "avastUri": "a1"},
			{"_uri": "y3", "avastUri": "a1"},
			{"_uri": "y4", "avastUri": "a2"},
		},
	}}
	reg := &staticRegistry{ds: ds}

	onExpr := &query.Expression{Kind: query.ExprComparison, Comparison: &query.Comparison{
		Op: query.OpEq, Left: fieldRef("avast", "_uri"), Right: fieldRef("aye", "avastUri"),
	}}
	q := &query.Query{
		Select: []query.SelectField{
			{Alias: "uri", Expr: fieldRef("avast", "_uri")},
			{Alias: "ayeCount", Expr: &query.Expression{Kind: query.ExprBuiltinCall, BuiltinCall: &query.BuiltinCall{Name: "count", Args: []*query.Expression{fieldRef("aye", "_uri")}}}},
		},
		From: query.Source{Alias: "avast", Collection: "chat.pirate.avast"},
		Joins: []query.Join{
			{Kind: query.JoinLeft, Source: query.Source{Alias: "aye", Collection: "chat.pirate.aye"}, On: onExpr},
		},
		GroupBy: []*query.Expression{fieldRef("avast", "_uri")},
	}
	// Group preserves first-occurrence order of its key, and the fixture's
	// avast rows already arrive a1, a2, a3 — no explicit orderBy needed.

	plan := planner.Build(q)
	rows, err := Execute(context.Background(), plan, reg, nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	byURI := map[string]int64{}
	for _, r := range rows {
		byURI[r["uri"].(string)] = r["ayeCount"].(int64)
	}
	assert.Equal(t, int64(3), byURI["a1"])
	assert.Equal(t, int64(1), byURI["a2"])
	assert.Equal(t, int64(0), byURI["a3"])
}

func TestExecuteDistinct(t *testing.T) {
	ds := &staticSource{rows: map[string][]map[string]any{
		"app.example.tag": {
			{"name": "red"},
			{"name": "red"},
			{"name": "blue"},
		},
	}}
	reg := &staticRegistry{ds: ds}
	q := &query.Query{
		Select:   []query.SelectField{{Alias: "name", Expr: fieldRef("t", "name")}},
		From:     query.Source{Alias: "t", Collection: "app.example.tag"},
		Distinct: true,
	}
	plan := planner.Build(q)
	rows, err := Execute(context.Background(), plan, reg, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestExecuteLimitOffset(t *testing.T) {
	var raw []map[string]any
	for i := int64(0); i < 10; i++ {
		raw = append(raw, map[string]any{"n": i})
	}
	ds := &staticSource{rows: map[string][]map[string]any{"app.example.n": raw}}
	reg := &staticRegistry{ds: ds}
	off := int64(2)
	lim := int64(3)
	q := &query.Query{
		Select: []query.SelectField{{Alias: "n", Expr: fieldRef("x", "n")}},
		From:   query.Source{Alias: "x", Collection: "app.example.n"},
		Limit:  &lim,
		Offset: &off,
	}
	plan := planner.Build(q)
	rows, err := Execute(context.Background(), plan, reg, nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(2), rows[0]["n"])
	assert.Equal(t, int64(4), rows[2]["n"])
}
