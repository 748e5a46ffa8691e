// Package record defines the app.avaast.* record shapes (spec.md §3, §6).
//
// These are the bodies stored in a PDS account's repo under the
// app.avaast.* namespace. The Watcher observes them; the Controller routes
// them; the Manifest Builder resolves them into a DeployManifest.
package record

import (
	"fmt"

	"github.com/chris-pardy/avaast/internal/query"
)

// Collection is one of the fixed app.avaast.* NSIDs the Watcher tracks.
type Collection string

const (
	CollectionComputed     Collection = "app.avaast.computed"
	CollectionFunction     Collection = "app.avaast.function"
	CollectionSearchIndex  Collection = "app.avaast.searchIndex"
	CollectionSubscription Collection = "app.avaast.subscription"
	CollectionDeploy       Collection = "app.avaast.deploy"
	CollectionAppView      Collection = "app.avaast.appView"
)

// WatchedCollections is the fixed set from spec.md §4.C, before any
// application-supplied extras are unioned in.
func WatchedCollections() []Collection {
	return []Collection{
		CollectionComputed, CollectionFunction, CollectionSearchIndex,
		CollectionSubscription, CollectionDeploy, CollectionAppView,
	}
}

// EndpointKind is one of the four DeployedEndpoint kinds (spec.md §3).
type EndpointKind string

const (
	KindComputed     EndpointKind = "computed"
	KindFunction     EndpointKind = "function"
	KindSearchIndex  EndpointKind = "searchIndex"
	KindSubscription EndpointKind = "subscription"
	// KindCollection marks a dependency that names a raw PDS collection
	// rather than another resource; spec.md §4.E/§4.F validate these
	// specially (they must carry the collection NSID, not a ref).
	KindCollection EndpointKind = "collection"
)

// ResourceRef is the ordered pair (authorityId, contentHash) from spec.md
// §3. Equality is structural — the struct is comparable and safe as a map
// key directly.
type ResourceRef struct {
	AuthorityID string `json:"authorityId"`
	ContentHash string `json:"contentHash"`
}

// String returns the canonical textual form "authorityId:contentHash".
func (r ResourceRef) String() string {
	return fmt.Sprintf("%s:%s", r.AuthorityID, r.ContentHash)
}

// Key is an alias for String, used wherever a map key is wanted.
func (r ResourceRef) Key() string { return r.String() }

// IsZero reports whether r is the zero ResourceRef.
func (r ResourceRef) IsZero() bool { return r.AuthorityID == "" && r.ContentHash == "" }

// DeployedEndpoint is the externally visible binding of an XRPC method name
// to a resolved resource (spec.md §3).
type DeployedEndpoint struct {
	Name string       `json:"name" validate:"required"`
	Kind EndpointKind `json:"kind" validate:"required,oneof=computed function searchIndex subscription"`
	Ref  ResourceRef  `json:"ref" validate:"required"`
}

// Dependency names either another ResourceRef or, for collection-kind
// dependencies, a raw PDS collection NSID (spec.md §4.E validate rule).
type Dependency struct {
	Kind       EndpointKind `json:"kind"`
	Ref        ResourceRef  `json:"ref,omitempty"`
	Collection string       `json:"collection,omitempty"`
}

// ComputedRecord is the body of an app.avaast.computed record: a declarative
// query definition (spec.md §3 Query).
type ComputedRecord struct {
	Query        query.Query  `json:"query"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// FunctionRecord is the body of an app.avaast.function record. CodeRef names
// the blob holding the sandboxed user code; the sandbox itself is an
// external collaborator (spec.md §1) — only the dependency-handle surface
// matters here.
type FunctionRecord struct {
	CodeRef      string       `json:"codeRef"`
	Runtime      string       `json:"runtime,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// SearchIndexRecord is the body of an app.avaast.searchIndex record.
type SearchIndexRecord struct {
	Collection   string       `json:"collection"`
	Fields       []string     `json:"fields"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// SubscriptionRecord is the body of an app.avaast.subscription record
// (spec.md §4.N).
type SubscriptionRecord struct {
	Collection       string             `json:"collection"`
	Filter           *query.Expression  `json:"filter,omitempty"`
	ProjectionFields []string           `json:"projectionFields,omitempty"`
	Dependencies     []Dependency       `json:"dependencies,omitempty"`
}

// DeployRecord is the body of an app.avaast.deploy record (spec.md §3
// DeployManifest is built from this plus resolution).
type DeployRecord struct {
	Endpoints []DeployedEndpoint `json:"endpoints"`
}

// TrafficRuleRecord mirrors spec.md §3 TrafficRule.
type TrafficRuleRecord struct {
	Deploy   ResourceRef `json:"deploy" validate:"required"`
	WeightBP int         `json:"weightBP" validate:"min=0,max=10000"`
}

// AppViewRecord is the body of an app.avaast.appView record: the traffic
// split across currently deployed versions (spec.md §4.O).
type AppViewRecord struct {
	Rules []TrafficRuleRecord `json:"rules"`
}
