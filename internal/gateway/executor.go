package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chris-pardy/avaast/internal/cache"
	"github.com/chris-pardy/avaast/internal/engine"
	"github.com/chris-pardy/avaast/internal/manifest"
	"github.com/chris-pardy/avaast/internal/pds"
	"github.com/chris-pardy/avaast/internal/planner"
	"github.com/chris-pardy/avaast/internal/query"
	"github.com/chris-pardy/avaast/internal/record"
	"github.com/chris-pardy/avaast/internal/router"
	"github.com/chris-pardy/avaast/internal/shaper"
	"github.com/chris-pardy/avaast/internal/store"
	"github.com/chris-pardy/avaast/internal/subscription"
	"github.com/chris-pardy/avaast/pkg/xrpc"
)

// Sandbox executes function-record code (spec.md §1 treats the sandbox as
// an external collaborator; only the dependency-handle surface is this
// system's concern). EchoSandbox below is the in-process stand-in.
type Sandbox interface {
	Invoke(ctx context.Context, codeRef, runtime string, body json.RawMessage) (json.RawMessage, error)
}

// EchoSandbox is the default Sandbox: it does not execute user code at all,
// it simply hands the request body back. It exists so internal/gateway is
// complete and testable without pulling in an actual sandboxed runtime,
// which spec.md §1 places outside this system's scope.
type EchoSandbox struct{}

func (EchoSandbox) Invoke(_ context.Context, _, _ string, body json.RawMessage) (json.RawMessage, error) {
	return body, nil
}

// Executor is the concrete router.Executor: it resolves the Traffic
// Shaper's selected deploy to a manifest, plans and runs computed/search
// queries through internal/planner and internal/engine, caches results
// through internal/cache, and proxies function/subscription kinds to the
// Sandbox and the Subscription Manager respectively.
type Executor struct {
	Shaper        *shaper.Shaper
	Subscriptions *subscription.Manager
	Cache         *cache.Cache
	PDS           *pds.Client
	Store         *store.Store
	Sandbox       Sandbox

	mu        sync.RWMutex
	manifests map[string]*manifest.DeployManifest
}

// NewExecutor builds an Executor. sandbox may be nil, defaulting to
// EchoSandbox.
func NewExecutor(sh *shaper.Shaper, subs *subscription.Manager, c *cache.Cache, pdsClient *pds.Client, st *store.Store, sandbox Sandbox) *Executor {
	if sandbox == nil {
		sandbox = EchoSandbox{}
	}
	return &Executor{
		Shaper:        sh,
		Subscriptions: subs,
		Cache:         c,
		PDS:           pdsClient,
		Store:         st,
		Sandbox:       sandbox,
		manifests:     make(map[string]*manifest.DeployManifest),
	}
}

// PutManifest records the resolved manifest for a deploy, keyed by its
// deployRef. The Controller calls this alongside every Router.Registry push
// on a deploy's ACTIVE transition (spec.md §4.O), so the Traffic Shaper's
// selection among several simultaneously-ACTIVE deploys (spec.md §4.K) can
// be resolved down to a concrete DeployedEndpoint.
func (e *Executor) PutManifest(deployRef record.ResourceRef, m *manifest.DeployManifest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manifests[deployRef.Key()] = m
}

func (e *Executor) lookupManifest(ref record.ResourceRef) (*manifest.DeployManifest, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.manifests[ref.Key()]
	return m, ok
}

// resolve picks the deploy the Traffic Shaper selects for stickyKey, then
// finds name's concrete DeployedEndpoint and ResolvedResource within that
// deploy's manifest (spec.md §4.K + §4.L reconciliation: the Router's flat
// registry names which endpoints exist; the Executor decides, per call,
// which deploy's copy of that endpoint actually serves the request).
func (e *Executor) resolve(name, stickyKey string) (record.DeployedEndpoint, manifest.ResolvedResource, error) {
	deployRef, ok := e.Shaper.SelectDeploy(stickyKey)
	if !ok {
		return record.DeployedEndpoint{}, manifest.ResolvedResource{}, xrpc.New(xrpc.KindServiceUnavailable, "gateway: no traffic rule selects a deploy")
	}
	m, ok := e.lookupManifest(deployRef)
	if !ok {
		return record.DeployedEndpoint{}, manifest.ResolvedResource{}, xrpc.New(xrpc.KindServiceUnavailable, fmt.Sprintf("gateway: selected deploy %s has no resolved manifest", deployRef))
	}
	for _, ep := range m.Endpoints {
		if ep.Name != name {
			continue
		}
		res, ok := m.Resources[ep.Ref.Key()]
		if !ok {
			return record.DeployedEndpoint{}, manifest.ResolvedResource{}, xrpc.New(xrpc.KindInternalServerError, fmt.Sprintf("gateway: manifest %s is missing resolved resource for %s", deployRef, ep.Ref))
		}
		return ep, res, nil
	}
	return record.DeployedEndpoint{}, manifest.ResolvedResource{}, xrpc.New(xrpc.KindMethodNotFound, fmt.Sprintf("gateway: selected deploy %s does not define endpoint %q", deployRef, name))
}

// Query implements router.Executor for computed endpoints (spec.md §4.I,
// §4.J).
func (e *Executor) Query(ctx context.Context, name string, _ record.DeployedEndpoint, stickyKey string, params map[string]string) (router.QueryResult, error) {
	start := time.Now()
	ep, res, err := e.resolve(name, stickyKey)
	if err != nil {
		return router.QueryResult{}, err
	}
	var cr record.ComputedRecord
	if err := json.Unmarshal(res.RecordBody, &cr); err != nil {
		return router.QueryResult{}, xrpc.Wrap(xrpc.KindInternalServerError, err, "gateway: parse computed record")
	}
	rows, cached, err := e.runQuery(ctx, ep, &cr.Query, params)
	if err != nil {
		return router.QueryResult{}, err
	}
	return router.QueryResult{Results: rows, Cached: cached, DurationMs: time.Since(start).Milliseconds()}, nil
}

// Search implements router.Executor for searchIndex endpoints: a naive
// substring match over the record's declared Fields, since the dependency
// pack carries no inverted-index/search engine library (DESIGN.md records
// this as a stdlib-only concern and why).
func (e *Executor) Search(ctx context.Context, name string, _ record.DeployedEndpoint, stickyKey string, params map[string]string) (router.QueryResult, error) {
	start := time.Now()
	ep, res, err := e.resolve(name, stickyKey)
	if err != nil {
		return router.QueryResult{}, err
	}
	var sr record.SearchIndexRecord
	if err := json.Unmarshal(res.RecordBody, &sr); err != nil {
		return router.QueryResult{}, xrpc.Wrap(xrpc.KindInternalServerError, err, "gateway: parse searchIndex record")
	}

	ds, base, ok := e.registryFor(ep).Resolve(sr.Collection)
	if !ok {
		return router.QueryResult{}, xrpc.New(xrpc.KindInternalServerError, fmt.Sprintf("gateway: no data source for %s", sr.Collection))
	}
	rows, err := ds.Fetch(ctx, query.Source{Alias: "r", Collection: base}, params)
	if err != nil {
		return router.QueryResult{}, xrpc.Wrap(xrpc.KindUpstreamFailure, err, "gateway: fetch search collection")
	}

	needle := strings.ToLower(params["q"])
	var matched []map[string]any
	for _, row := range rows {
		if needle == "" || rowMatchesFields(row, sr.Fields, needle) {
			matched = append(matched, row)
		}
	}
	return router.QueryResult{Results: matched, Cached: false, DurationMs: time.Since(start).Milliseconds()}, nil
}

func rowMatchesFields(row map[string]any, fields []string, needle string) bool {
	for _, f := range fields {
		v, ok := row[f]
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(fmt.Sprint(v)), needle) {
			return true
		}
	}
	return false
}

// Function implements router.Executor for function endpoints, delegating
// to the Sandbox.
func (e *Executor) Function(ctx context.Context, name string, _ record.DeployedEndpoint, stickyKey string, body json.RawMessage) (json.RawMessage, error) {
	_, res, err := e.resolve(name, stickyKey)
	if err != nil {
		return nil, err
	}
	var fr record.FunctionRecord
	if err := json.Unmarshal(res.RecordBody, &fr); err != nil {
		return nil, xrpc.Wrap(xrpc.KindInternalServerError, err, "gateway: parse function record")
	}
	out, err := e.Sandbox.Invoke(ctx, fr.CodeRef, fr.Runtime, body)
	if err != nil {
		return nil, xrpc.Wrap(xrpc.KindUpstreamFailure, err, "gateway: invoke function sandbox")
	}
	return out, nil
}

// Subscribe implements router.Executor for subscription endpoints,
// attaching conn to the Subscription Manager.
func (e *Executor) Subscribe(_ context.Context, name string, _ record.DeployedEndpoint, stickyKey string, conn router.SubscribeConn) error {
	sc, ok := conn.(subscription.Conn)
	if !ok {
		return xrpc.New(xrpc.KindInternalServerError, "gateway: subscription transport does not support close signalling")
	}
	params := map[string]string{}
	if stickyKey != "" {
		params["stickyKey"] = stickyKey
	}
	return e.Subscriptions.Attach(name, sc, params)
}

// runQuery plans q, consults the cache keyed on the endpoint's content
// hash as its version, and on a miss runs it through internal/engine.
func (e *Executor) runQuery(ctx context.Context, ep record.DeployedEndpoint, q *query.Query, params map[string]string) ([]map[string]any, bool, error) {
	plan := planner.Build(q)
	queryText, err := json.Marshal(q)
	if err != nil {
		return nil, false, xrpc.Wrap(xrpc.KindInternalServerError, err, "gateway: canonicalize query")
	}
	key := cache.Key(string(queryText), params)
	version := ep.Ref.ContentHash

	if e.Cache != nil {
		if hit, ok := e.Cache.Get(key, version); ok {
			rows, ok := hit.([]map[string]any)
			if ok {
				return rows, true, nil
			}
		}
	}

	rows, err := engine.Execute(ctx, plan, e.registryFor(ep), params)
	if err != nil {
		return nil, false, err
	}
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, map[string]any(r))
	}
	if e.Cache != nil {
		e.Cache.Set(key, version, out)
	}
	return out, false, nil
}

// registryFor builds the engine.Registry that resolves every collection a
// query names against this endpoint's own authority, defaulting any source
// with no explicit authorityId to ep's (spec.md §4.I leaves
// Source.AuthorityID optional; a live single-authority view host has no
// other sensible default). The ":updates"/":deletes" routing split itself
// lives in engine.RoutingRegistry, which also attaches the reserved
// synthetic fields (_rkey, _authorityId, _eventType, _createdAt) spec.md
// §4.I requires of history-suffixed rows.
func (e *Executor) registryFor(ep record.DeployedEndpoint) engine.Registry {
	return &engine.RoutingRegistry{
		Live:      pdsDataSource{client: e.PDS, defaultAuthority: ep.Ref.AuthorityID},
		ChangeLog: e.Store,
	}
}

// pdsDataSource fetches live records straight from the PDS Resolver
// (spec.md §4.I "live collections route to an in-memory/store-backed
// adapter" — this is the live half of that split).
type pdsDataSource struct {
	client           *pds.Client
	defaultAuthority string
}

func (d pdsDataSource) Fetch(ctx context.Context, source query.Source, _ map[string]string) ([]map[string]any, error) {
	if d.client == nil {
		return nil, xrpc.New(xrpc.KindInternalServerError, "gateway: no PDS client configured")
	}
	authority := d.defaultAuthority
	if source.AuthorityID != nil && *source.AuthorityID != "" {
		authority = *source.AuthorityID
	}
	if authority == "" {
		return nil, xrpc.New(xrpc.KindInvalidRequest, fmt.Sprintf("gateway: %s has no resolvable authority", source.Collection))
	}
	records, err := d.client.ListRecords(ctx, authority, source.Collection, 0)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		var body map[string]any
		if err := json.Unmarshal(rec.Value, &body); err != nil {
			continue
		}
		body["_uri"] = rec.URI
		body["_cid"] = rec.CID
		out = append(out, body)
	}
	return out, nil
}
