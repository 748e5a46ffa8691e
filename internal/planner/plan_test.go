package planner

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-pardy/avaast/internal/query"
)

func sampleQuery() *query.Query {
	limit := int64(10)
	offset := int64(5)
	return &query.Query{
		Select: []query.SelectField{{Alias: "id", Expr: &query.Expression{Kind: query.ExprFieldRef, FieldRef: &query.FieldRef{SourceAlias: "o", FieldPath: "id"}}}},
		From:   query.Source{Alias: "o", Collection: "app.example.order"},
		Joins: []query.Join{
			{Kind: query.JoinLeft, Source: query.Source{Alias: "c", Collection: "app.example.customer"}},
		},
		Where:    &query.Expression{Kind: query.ExprComparison, Comparison: &query.Comparison{Op: query.OpEq, Left: &query.Expression{Kind: query.ExprFieldRef, FieldRef: &query.FieldRef{SourceAlias: "o", FieldPath: "status"}}}},
		GroupBy:  []*query.Expression{{Kind: query.ExprFieldRef, FieldRef: &query.FieldRef{SourceAlias: "o", FieldPath: "status"}}},
		Having:   &query.Expression{Kind: query.ExprComparison, Comparison: &query.Comparison{Op: query.OpGt, Left: &query.Expression{Kind: query.ExprFieldRef, FieldRef: &query.FieldRef{SourceAlias: "o", FieldPath: "total"}}}},
		OrderBy:  []query.OrderKey{{Expr: &query.Expression{Kind: query.ExprFieldRef, FieldRef: &query.FieldRef{SourceAlias: "o", FieldPath: "id"}}}},
		Limit:    &limit,
		Offset:   &offset,
		Distinct: true,
	}
}

func TestBuildStepOrder(t *testing.T) {
	p := Build(sampleQuery())
	require.Len(t, p.Sources, 2)
	assert.Equal(t, "o", p.Sources[0].Alias)
	assert.Equal(t, "c", p.Sources[1].Alias)

	var kinds []StepKind
	for _, s := range p.Steps {
		kinds = append(kinds, s.Kind)
	}
	assert.Equal(t, []StepKind{
		StepFetch, StepJoin, StepFilter, StepGroup, StepHaving,
		StepSelect, StepDistinct, StepOrderBy, StepLimit,
	}, kinds)
}

func TestBuildIsPure(t *testing.T) {
	q := sampleQuery()
	a := Build(q)
	b := Build(q)
	assert.True(t, reflect.DeepEqual(a, b))
}

func TestBuildOmitsAbsentSteps(t *testing.T) {
	q := &query.Query{
		Select: []query.SelectField{{Alias: "id", Expr: &query.Expression{Kind: query.ExprFieldRef, FieldRef: &query.FieldRef{SourceAlias: "o", FieldPath: "id"}}}},
		From:   query.Source{Alias: "o", Collection: "app.example.order"},
	}
	p := Build(q)
	var kinds []StepKind
	for _, s := range p.Steps {
		kinds = append(kinds, s.Kind)
	}
	assert.Equal(t, []StepKind{StepFetch, StepSelect}, kinds)
}
