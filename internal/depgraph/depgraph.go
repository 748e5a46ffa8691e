// Package depgraph builds and orders a deploy's resource dependency graph
// (spec.md §4.E).
//
// Discovery is a breadth-first walk grounded on the teacher's BFS-style
// queue traversal idiom seen across daql's resolve passes (dom/resolve.go
// walks a declaration list the same way: pop, visit, enqueue unvisited
// children); ordering is a classic three-colour depth-first topological
// sort, logged via internal/logx rather than failing outright on a cycle —
// mirroring how the teacher's resolve pass logs and continues rather than
// aborting on a single bad reference.
package depgraph

import (
	"fmt"
	"sort"

	"github.com/chris-pardy/avaast/internal/logx"
	"github.com/chris-pardy/avaast/internal/record"
)

// Node is one resolved-or-unresolved vertex in the graph.
type Node struct {
	Ref          record.ResourceRef
	Kind         record.EndpointKind
	Dependencies []record.Dependency
	Resolved     bool
}

// Resolver looks up the dependency graph node for a ResourceRef. It returns
// ok=false for references the resolver function does not (yet) know about;
// the builder logs and skips these rather than failing the walk.
type Resolver func(ref record.ResourceRef) (kind record.EndpointKind, deps []record.Dependency, ok bool)

// Graph is the BFS-discovered, DFS-ordered dependency graph of spec.md
// §4.E.
type Graph struct {
	Nodes map[string]*Node // keyed by ResourceRef.Key()
	Order []string         // refKeys in topological order (partial if cyclic)
}

// Build performs the BFS discovery pass from a deploy's endpoints and then
// topologically sorts the result.
func Build(endpoints []record.DeployedEndpoint, resolve Resolver, log logx.Logger) *Graph {
	if log == nil {
		log = logx.Noop{}
	}
	g := &Graph{Nodes: make(map[string]*Node)}

	var queue []record.ResourceRef
	for _, ep := range endpoints {
		queue = append(queue, ep.Ref)
	}
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		key := ref.Key()
		if _, seen := g.Nodes[key]; seen {
			continue
		}
		kind, deps, ok := resolve(ref)
		if !ok {
			log.Error("depgraph: unresolved reference", "ref", key)
			continue
		}
		g.Nodes[key] = &Node{Ref: ref, Kind: kind, Dependencies: deps, Resolved: true}
		for _, dep := range deps {
			if dep.Kind == record.KindCollection {
				continue
			}
			queue = append(queue, dep.Ref)
		}
	}

	g.Order = topoSort(g.Nodes, log)
	return g
}

type color int

const (
	white color = iota
	gray
	black
)

// topoSort runs a three-colour DFS. Back-edges (gray-to-gray) are logged as
// circular-dependency warnings and skipped; the sort continues and returns
// the partial order it can establish (spec.md §4.E).
func topoSort(nodes map[string]*Node, log logx.Logger) []string {
	colors := make(map[string]color, len(nodes))
	var order []string

	// Deterministic visitation order keeps Build's output stable across
	// calls for the same input graph, which the Manifest Builder's
	// idempotency guarantee depends on.
	keys := make([]string, 0, len(nodes))
	for k := range nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var visit func(key string)
	visit = func(key string) {
		switch colors[key] {
		case black:
			return
		case gray:
			log.Error("depgraph: circular dependency detected", "ref", key)
			return
		}
		colors[key] = gray
		n := nodes[key]
		depKeys := make([]string, 0, len(n.Dependencies))
		for _, dep := range n.Dependencies {
			if dep.Kind == record.KindCollection {
				continue
			}
			depKeys = append(depKeys, dep.Ref.Key())
		}
		sort.Strings(depKeys)
		for _, dk := range depKeys {
			if _, ok := nodes[dk]; !ok {
				continue
			}
			visit(dk)
		}
		colors[key] = black
		order = append(order, key)
	}

	for _, k := range keys {
		visit(k)
	}
	return order
}

// ValidationMode selects how Validate treats back-edges already logged
// during Build (spec.md §4.F "tolerant vs strict").
type ValidationMode int

const (
	Tolerant ValidationMode = iota
	Strict
)

// Validate returns human-readable errors for: endpoint references not in
// nodes, dependency references not in nodes, and collection-kind
// dependencies missing their collection NSID (spec.md §4.E). In Strict
// mode it additionally reports an error when a back-edge was present: a
// node's dependency does not come before it in Order, or Order does not
// cover every node.
func Validate(g *Graph, endpoints []record.DeployedEndpoint, mode ValidationMode) []string {
	var errs []string
	for _, ep := range endpoints {
		if _, ok := g.Nodes[ep.Ref.Key()]; !ok {
			errs = append(errs, fmt.Sprintf("endpoint %q references unresolved %s", ep.Name, ep.Ref.Key()))
		}
	}
	for key, n := range g.Nodes {
		for _, dep := range n.Dependencies {
			if dep.Kind == record.KindCollection {
				if dep.Collection == "" {
					errs = append(errs, fmt.Sprintf("node %s has a collection-kind dependency missing its collection NSID", key))
				}
				continue
			}
			if _, ok := g.Nodes[dep.Ref.Key()]; !ok {
				errs = append(errs, fmt.Sprintf("node %s depends on unresolved %s", key, dep.Ref.Key()))
			}
		}
	}
	cyclic := len(g.Order) != len(g.Nodes)
	pos := make(map[string]int, len(g.Order))
	for i, k := range g.Order {
		pos[k] = i
	}
	for key, n := range g.Nodes {
		for _, dep := range n.Dependencies {
			if i, ok := pos[dep.Ref.Key()]; ok && dep.Kind != record.KindCollection && i >= pos[key] {
				cyclic = true
			}
		}
	}
	if mode == Strict && cyclic {
		errs = append(errs, "dependency graph contains a circular reference")
	}
	return errs
}
