// Package router implements the Dynamic Router of spec.md §4.L: the
// endpointName → DeployedEndpoint registry and the kind-dispatch proxy to
// the internal execution API (spec.md §6).
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/chris-pardy/avaast/internal/logx"
	"github.com/chris-pardy/avaast/internal/record"
	"github.com/chris-pardy/avaast/pkg/xrpc"
)

// Registry maps endpointName → DeployedEndpoint, replacing on duplicate
// name (spec.md §4.L). It is the map the Controller/Gateway admin channel
// mutates wholesale via ReplaceAll on every deploy ACTIVE transition and
// every admin/endpoints call (spec.md §4.O, §4.M), grounded on the
// teacher's `hub.Hub` connection map (`hub/hub.go`): a single
// mutex-guarded map, written under lock, read under the same lock.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]record.DeployedEndpoint
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]record.DeployedEndpoint)}
}

// ReplaceAll replaces the entire endpoint set, as both the admin endpoint
// (idempotent, replace-all) and the Controller's ACTIVE-transition push
// require. It returns the resulting endpoint count.
func (r *Registry) ReplaceAll(endpoints []record.DeployedEndpoint) int {
	next := make(map[string]record.DeployedEndpoint, len(endpoints))
	for _, ep := range endpoints {
		next[ep.Name] = ep
	}
	r.mu.Lock()
	r.endpoints = next
	r.mu.Unlock()
	return len(next)
}

// Put registers (or replaces) a single endpoint binding.
func (r *Registry) Put(ep record.DeployedEndpoint) {
	r.mu.Lock()
	r.endpoints[ep.Name] = ep
	r.mu.Unlock()
}

// GetEndpoint returns the DeployedEndpoint registered under name.
func (r *Registry) GetEndpoint(name string) (record.DeployedEndpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	return ep, ok
}

// GetEndpointNames returns every registered name, sorted for determinism.
func (r *Registry) GetEndpointNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns every registered DeployedEndpoint, for admin/status.
func (r *Registry) Snapshot() []record.DeployedEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]record.DeployedEndpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// QueryResult is the shape of the internal execution API's query/search
// response (spec.md §6 POST /internal/query, /internal/search).
type QueryResult struct {
	Results    []map[string]any `json:"results"`
	Cached     bool             `json:"cached"`
	DurationMs int64            `json:"durationMs"`
}

// SubscribeConn is the transport-neutral connection contract the
// Subscription Manager's subscribers satisfy (spec.md §4.N); the Router
// only needs the narrow slice of it required to hand a connection off to
// the internal execution API.
type SubscribeConn interface {
	Send(data any) error
	Close() error
}

// Executor performs the internal execution API calls a dispatched
// endpoint proxies to (spec.md §6): one method per DeployedEndpoint kind.
// stickyKey is the caller identity recovered from its bearer token
// (spec.md §4.M); the implementation (wired in internal/controller/cmd)
// owns all deploy-version selection — including any Traffic Shaper
// consultation across multiple simultaneously-ACTIVE deploys — rather
// than trusting the single concrete ResourceRef the Registry happens to
// hold for that name.
type Executor interface {
	Query(ctx context.Context, endpointName string, ep record.DeployedEndpoint, stickyKey string, params map[string]string) (QueryResult, error)
	Search(ctx context.Context, endpointName string, ep record.DeployedEndpoint, stickyKey string, params map[string]string) (QueryResult, error)
	Function(ctx context.Context, endpointName string, ep record.DeployedEndpoint, stickyKey string, body json.RawMessage) (json.RawMessage, error)
	Subscribe(ctx context.Context, endpointName string, ep record.DeployedEndpoint, stickyKey string, conn SubscribeConn) error
}

// Router dispatches by endpoint name and kind to the internal execution
// API, producing MethodNotFound for unregistered names and MethodMismatch
// for a kind/method mismatch (spec.md §4.L).
type Router struct {
	Registry *Registry
	Executor Executor
	Log      logx.Logger
}

// New builds a Router.
func New(reg *Registry, exec Executor, log logx.Logger) *Router {
	if log == nil {
		log = logx.Noop{}
	}
	return &Router{Registry: reg, Executor: exec, Log: log}
}

func (rt *Router) lookup(name string, want record.EndpointKind) (record.DeployedEndpoint, error) {
	ep, ok := rt.Registry.GetEndpoint(name)
	if !ok {
		return record.DeployedEndpoint{}, xrpc.New(xrpc.KindMethodNotFound, fmt.Sprintf("router: no endpoint registered under %q", name))
	}
	if ep.Kind != want {
		return record.DeployedEndpoint{}, xrpc.New(xrpc.KindMethodMismatch, fmt.Sprintf("router: %q is a %s endpoint, not %s", name, ep.Kind, want))
	}
	return ep, nil
}

// Query proxies a computed-endpoint read (spec.md §6 POST /internal/query).
func (rt *Router) Query(ctx context.Context, name, stickyKey string, params map[string]string) (QueryResult, error) {
	ep, err := rt.lookup(name, record.KindComputed)
	if err != nil {
		return QueryResult{}, err
	}
	return rt.Executor.Query(ctx, name, ep, stickyKey, params)
}

// Search proxies a searchIndex-endpoint read (spec.md §6 POST /internal/search).
func (rt *Router) Search(ctx context.Context, name, stickyKey string, params map[string]string) (QueryResult, error) {
	ep, err := rt.lookup(name, record.KindSearchIndex)
	if err != nil {
		return QueryResult{}, err
	}
	return rt.Executor.Search(ctx, name, ep, stickyKey, params)
}

// Function proxies a function-endpoint write (spec.md §6 POST /internal/function).
func (rt *Router) Function(ctx context.Context, name, stickyKey string, body json.RawMessage) (json.RawMessage, error) {
	ep, err := rt.lookup(name, record.KindFunction)
	if err != nil {
		return nil, err
	}
	return rt.Executor.Function(ctx, name, ep, stickyKey, body)
}

// Subscribe proxies a subscription-endpoint stream attach (spec.md §6
// POST /internal/subscribe).
func (rt *Router) Subscribe(ctx context.Context, name, stickyKey string, conn SubscribeConn) error {
	ep, err := rt.lookup(name, record.KindSubscription)
	if err != nil {
		return err
	}
	return rt.Executor.Subscribe(ctx, name, ep, stickyKey, conn)
}
