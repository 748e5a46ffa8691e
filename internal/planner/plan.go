// Package planner turns a declarative query.Query into an ordered Plan of
// execution steps (spec.md §4.I "Query planning").
//
// Build is a pure function: the same Query always produces an identical
// Plan, with no side effects and no dependency on runtime state. This
// mirrors the teacher's qrymem execer pipeline (qry/qrymem/exec.go's
// collectList: filter, then order, then offset, then limit) generalized to
// the full step set spec.md §4.I requires — fetch, join, filter, group,
// having, select, distinct, orderBy, limit — always produced in that fixed
// order regardless of how the caller wrote the query.
package planner

import "github.com/chris-pardy/avaast/internal/query"

// StepKind discriminates a Step's populated variant.
type StepKind string

const (
	StepFetch    StepKind = "fetch"
	StepJoin     StepKind = "join"
	StepFilter   StepKind = "filter"
	StepGroup    StepKind = "group"
	StepHaving   StepKind = "having"
	StepSelect   StepKind = "select"
	StepDistinct StepKind = "distinct"
	StepOrderBy  StepKind = "orderBy"
	StepLimit    StepKind = "limit"
)

// FetchStep seeds the row set from one source.
type FetchStep struct {
	Source query.Source
}

// JoinStep merges one more source into the accumulated row set.
type JoinStep struct {
	Join query.Join
}

// FilterStep drops rows for which Expr is not truthy.
type FilterStep struct {
	Expr *query.Expression
}

// GroupStep collapses rows sharing the same Keys values into one
// representative row per group, carrying the member rows as a bag for
// aggregate BuiltinCalls evaluated downstream.
type GroupStep struct {
	Keys []*query.Expression
}

// HavingStep drops groups for which Expr is not truthy.
type HavingStep struct {
	Expr *query.Expression
}

// SelectStep projects the final output columns.
type SelectStep struct {
	Fields []query.SelectField
}

// DistinctStep deduplicates rows by their projected values.
type DistinctStep struct{}

// OrderByStep sorts rows by one or more keys, stably.
type OrderByStep struct {
	Keys []query.OrderKey
}

// LimitStep applies offset then limit.
type LimitStep struct {
	Limit  *int64
	Offset *int64
}

// Step is one element of a Plan's pipeline; exactly one field other than
// Kind is populated.
type Step struct {
	Kind StepKind

	Fetch    *FetchStep
	Join     *JoinStep
	Filter   *FilterStep
	Group    *GroupStep
	Having   *HavingStep
	Select   *SelectStep
	Distinct *DistinctStep
	OrderBy  *OrderByStep
	Limit    *LimitStep
}

// Plan is the executable form of a query.Query. Sources lists every source
// (the FROM plus every JOIN) in declaration order, so an engine can
// pre-resolve DataSource adapters before running the pipeline.
type Plan struct {
	Sources []query.Source
	Steps   []Step
}

// Build is the pure Query -> Plan transform.
func Build(q *query.Query) *Plan {
	p := &Plan{}
	p.Sources = append(p.Sources, q.From)
	p.Steps = append(p.Steps, Step{Kind: StepFetch, Fetch: &FetchStep{Source: q.From}})

	for _, j := range q.Joins {
		p.Sources = append(p.Sources, j.Source)
		join := j
		p.Steps = append(p.Steps, Step{Kind: StepJoin, Join: &JoinStep{Join: join}})
	}

	if q.Where != nil {
		p.Steps = append(p.Steps, Step{Kind: StepFilter, Filter: &FilterStep{Expr: q.Where}})
	}

	if len(q.GroupBy) > 0 {
		p.Steps = append(p.Steps, Step{Kind: StepGroup, Group: &GroupStep{Keys: q.GroupBy}})
	}

	if q.Having != nil {
		p.Steps = append(p.Steps, Step{Kind: StepHaving, Having: &HavingStep{Expr: q.Having}})
	}

	p.Steps = append(p.Steps, Step{Kind: StepSelect, Select: &SelectStep{Fields: q.Select}})

	if q.Distinct {
		p.Steps = append(p.Steps, Step{Kind: StepDistinct, Distinct: &DistinctStep{}})
	}

	if len(q.OrderBy) > 0 {
		p.Steps = append(p.Steps, Step{Kind: StepOrderBy, OrderBy: &OrderByStep{Keys: q.OrderBy}})
	}

	if q.Limit != nil || q.Offset != nil {
		p.Steps = append(p.Steps, Step{Kind: StepLimit, Limit: &LimitStep{Limit: q.Limit, Offset: q.Offset}})
	}

	return p
}
