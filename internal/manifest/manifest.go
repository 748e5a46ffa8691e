// Package manifest implements the Manifest Builder of spec.md §4.F: it
// drives the Dependency Graph Builder, validates the result, resolves
// every node into a ResolvedResource, and assembles the immutable
// DeployManifest the Deploy Orchestrator activates.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/chris-pardy/avaast/internal/depgraph"
	"github.com/chris-pardy/avaast/internal/logx"
	"github.com/chris-pardy/avaast/internal/pds"
	"github.com/chris-pardy/avaast/internal/record"
	"github.com/chris-pardy/avaast/pkg/xrpc"
)

// Entry is what the Registry knows about one resource, independent of how
// it was reached while walking the dependency graph.
type Entry struct {
	Kind         record.EndpointKind
	Body         json.RawMessage
	Dependencies []record.Dependency
	// CodeRef names the code blob for function-kind entries.
	CodeRef string
}

// Registry is the in-memory store of known records the Controller
// populates as the Watcher observes computed/function/searchIndex/
// subscription records, keyed by content hash (spec.md §3 "Lifecycles").
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Put records (or replaces) what is known about ref.
func (r *Registry) Put(ref record.ResourceRef, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[ref.Key()] = e
}

// Lookup returns the known entry for ref, if any.
func (r *Registry) Lookup(ref record.ResourceRef) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[ref.Key()]
	return e, ok
}

// pdsEnvelope is the wire shape used when delegating to the PDS Resolver
// for a resource the Registry has not observed locally: the blob content
// addressed by the ResourceRef's contentHash, self-describing enough to
// resume graph discovery from it.
type pdsEnvelope struct {
	Kind         record.EndpointKind `json:"kind"`
	Body         json.RawMessage     `json:"body"`
	Dependencies []record.Dependency `json:"dependencies,omitempty"`
	CodeRef      string              `json:"codeRef,omitempty"`
}

// ResolvedResource is one entry of a DeployManifest's resources map
// (spec.md §3).
type ResolvedResource struct {
	Ref          record.ResourceRef
	Kind         record.EndpointKind
	RecordBody   json.RawMessage
	Dependencies []record.Dependency
	CodeBlob     []byte // function kind only
}

// DeployManifest is the immutable snapshot produced by Build (spec.md §3).
// Once built, a DeployManifest is never mutated.
type DeployManifest struct {
	DeployRef  record.ResourceRef
	Endpoints  []record.DeployedEndpoint
	Resources  map[string]ResolvedResource // keyed by ResourceRef.Key()
	ResolvedAt time.Time
}

// Builder drives the Dependency Graph Builder, validates the result, and
// resolves every node into a ResolvedResource (spec.md §4.F).
type Builder struct {
	Registry *Registry
	PDS      *pds.Client
	Log      logx.Logger
}

// NewBuilder builds a Builder. PDS may be nil if every resource this
// deployer touches is expected to already be in Registry.
func NewBuilder(reg *Registry, client *pds.Client, log logx.Logger) *Builder {
	if log == nil {
		log = logx.Noop{}
	}
	return &Builder{Registry: reg, PDS: client, Log: log}
}

// Build constructs a DeployManifest for deployRef/endpoints. It is
// idempotent for a given deployRef as long as the Registry's contents
// (the input record graph) are unchanged: both the graph walk and this
// resolution pass are pure functions of that state.
func (b *Builder) Build(ctx context.Context, deployRef record.ResourceRef, endpoints []record.DeployedEndpoint) (*DeployManifest, error) {
	graph := depgraph.Build(endpoints, b.graphResolver(ctx), b.Log)

	if errs := depgraph.Validate(graph, endpoints, depgraph.Strict); len(errs) > 0 {
		return nil, xrpc.New(xrpc.KindDeployValidation, strings.Join(errs, "; "))
	}

	resources := make(map[string]ResolvedResource, len(graph.Nodes))
	for _, key := range graph.Order {
		res, err := b.resolveNode(ctx, graph.Nodes[key])
		if err != nil {
			return nil, xrpc.Wrap(xrpc.KindDeployValidation, err, fmt.Sprintf("manifest: resolve %s", key))
		}
		resources[key] = res
	}

	return &DeployManifest{
		DeployRef:  deployRef,
		Endpoints:  endpoints,
		Resources:  resources,
		ResolvedAt: time.Now().UTC(),
	}, nil
}

func (b *Builder) resolveNode(ctx context.Context, node *depgraph.Node) (ResolvedResource, error) {
	entry, ok := b.Registry.Lookup(node.Ref)
	if !ok {
		fetched, err := b.fetchFromPDS(ctx, node.Ref)
		if err != nil {
			return ResolvedResource{}, err
		}
		entry = fetched
		b.Registry.Put(node.Ref, entry)
	}

	res := ResolvedResource{
		Ref:          node.Ref,
		Kind:         entry.Kind,
		RecordBody:   entry.Body,
		Dependencies: entry.Dependencies,
	}
	if entry.Kind == record.KindFunction && entry.CodeRef != "" {
		blob, err := b.PDS.GetBlob(ctx, node.Ref.AuthorityID, entry.CodeRef)
		if err != nil {
			return ResolvedResource{}, errors.Wrapf(err, "manifest: fetch code blob for %s", node.Ref.Key())
		}
		res.CodeBlob = blob
	}
	return res, nil
}

// graphResolver adapts the Registry, falling back to the PDS Resolver, into
// the depgraph.Resolver contract.
func (b *Builder) graphResolver(ctx context.Context) depgraph.Resolver {
	return func(ref record.ResourceRef) (record.EndpointKind, []record.Dependency, bool) {
		if e, ok := b.Registry.Lookup(ref); ok {
			return e.Kind, e.Dependencies, true
		}
		e, err := b.fetchFromPDS(ctx, ref)
		if err != nil {
			b.Log.Error("manifest: could not resolve reference from PDS", "ref", ref.Key(), "error", err)
			return "", nil, false
		}
		b.Registry.Put(ref, e)
		return e.Kind, e.Dependencies, true
	}
}

func (b *Builder) fetchFromPDS(ctx context.Context, ref record.ResourceRef) (Entry, error) {
	if b.PDS == nil {
		return Entry{}, xrpc.New(xrpc.KindResolutionError, fmt.Sprintf("manifest: %s not known locally and no PDS resolver configured", ref.Key()))
	}
	blob, err := b.PDS.GetBlob(ctx, ref.AuthorityID, ref.ContentHash)
	if err != nil {
		return Entry{}, err
	}
	var env pdsEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return Entry{}, xrpc.Wrap(xrpc.KindResolutionError, err, fmt.Sprintf("manifest: parse PDS resource %s", ref.Key()))
	}
	return Entry{Kind: env.Kind, Body: env.Body, Dependencies: env.Dependencies, CodeRef: env.CodeRef}, nil
}
