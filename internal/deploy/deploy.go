// Package deploy implements the Deploy Orchestrator of spec.md §4.G: a
// state machine per deploy, the K-limit activation/draining policy, and
// the appView → traffic-rule projection.
package deploy

import (
	"context"
	"sync"
	"time"

	"github.com/chris-pardy/avaast/internal/logx"
	"github.com/chris-pardy/avaast/internal/manifest"
	"github.com/chris-pardy/avaast/internal/record"
)

// State is one node of the deploy state machine (spec.md §4.G).
type State string

const (
	StatePending    State = "PENDING"
	StateFetching   State = "FETCHING"
	StateResolving  State = "RESOLVING"
	StateBuilding   State = "BUILDING"
	StateActivating State = "ACTIVATING"
	StateActive     State = "ACTIVE"
	StateDraining   State = "DRAINING"
	StateRetired    State = "RETIRED"
	StateFailed     State = "FAILED"
)

// DefaultK is the default concurrently-ACTIVE deploy limit (spec.md §3).
const DefaultK = 2

// Status is the externally visible state of one deploy (spec.md §3
// DeployStatus).
type Status struct {
	Ref         record.ResourceRef
	State       State
	Manifest    *manifest.DeployManifest
	Error       string
	ActivatedAt *time.Time
	RetiredAt   *time.Time
}

// TransitionFunc fires on every state change, carrying the manifest only
// once one has been built (spec.md §4.G).
type TransitionFunc func(ref record.ResourceRef, newState State, m *manifest.DeployManifest)

// Orchestrator runs the state machine for every deploy it is told about.
// Transitions for a single deployRef are strictly serial; transitions for
// distinct refs may proceed concurrently (spec.md §5).
type Orchestrator struct {
	mu       sync.Mutex
	deploys  map[string]*Status
	refLocks map[string]*sync.Mutex

	k            int
	builder      *manifest.Builder
	onTransition TransitionFunc
	log          logx.Logger
}

// New builds an Orchestrator. k <= 0 uses DefaultK. onTransition may be nil.
func New(builder *manifest.Builder, k int, onTransition TransitionFunc, log logx.Logger) *Orchestrator {
	if k <= 0 {
		k = DefaultK
	}
	if log == nil {
		log = logx.Noop{}
	}
	if onTransition == nil {
		onTransition = func(record.ResourceRef, State, *manifest.DeployManifest) {}
	}
	return &Orchestrator{
		deploys:      make(map[string]*Status),
		refLocks:     make(map[string]*sync.Mutex),
		k:            k,
		builder:      builder,
		onTransition: onTransition,
		log:          log,
	}
}

func (o *Orchestrator) lockFor(ref record.ResourceRef) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := ref.Key()
	l, ok := o.refLocks[key]
	if !ok {
		l = &sync.Mutex{}
		o.refLocks[key] = l
	}
	return l
}

// setState updates the status map and fires the transition callback
// outside the map lock, so callbacks may safely call back into the
// Orchestrator (e.g. to read GetActiveDeploys).
func (o *Orchestrator) setState(ref record.ResourceRef, state State, m *manifest.DeployManifest, errMsg string) Status {
	o.mu.Lock()
	st, ok := o.deploys[ref.Key()]
	if !ok {
		st = &Status{Ref: ref}
		o.deploys[ref.Key()] = st
	}
	st.State = state
	if m != nil {
		st.Manifest = m
	}
	st.Error = errMsg
	if state == StateActive {
		now := time.Now().UTC()
		st.ActivatedAt = &now
	}
	if state == StateRetired {
		now := time.Now().UTC()
		st.RetiredAt = &now
	}
	snapshot := *st
	o.mu.Unlock()

	o.onTransition(ref, state, snapshot.Manifest)
	return snapshot
}

// Get returns the current status of ref, if known.
func (o *Orchestrator) Get(ref record.ResourceRef) (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.deploys[ref.Key()]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// ListDeploys returns a snapshot of every deploy's status, for
// GET /internal/deploy/status (spec.md §6).
func (o *Orchestrator) ListDeploys() []Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Status, 0, len(o.deploys))
	for _, st := range o.deploys {
		out = append(out, *st)
	}
	return out
}

// GetActiveDeploys returns every deploy currently in the ACTIVE state.
func (o *Orchestrator) GetActiveDeploys() []Status {
	var out []Status
	for _, st := range o.ListDeploys() {
		if st.State == StateActive {
			out = append(out, st)
		}
	}
	return out
}

// ProcessDeploy advances ref through PENDING → FETCHING → RESOLVING →
// BUILDING while the manifest is built, enters ACTIVATING, enforces the K
// limit (forcing the oldest-activated ACTIVE deploy into DRAINING when
// ref would push the count past K), then transitions to ACTIVE. Any
// failure moves ref to FAILED with the error message rather than
// propagating (spec.md §4.G, §7).
func (o *Orchestrator) ProcessDeploy(ctx context.Context, ref record.ResourceRef, rec record.DeployRecord) error {
	lock := o.lockFor(ref)
	lock.Lock()
	defer lock.Unlock()

	o.setState(ref, StatePending, nil, "")
	o.setState(ref, StateFetching, nil, "")
	o.setState(ref, StateResolving, nil, "")
	o.setState(ref, StateBuilding, nil, "")

	m, err := o.builder.Build(ctx, ref, rec.Endpoints)
	if err != nil {
		o.setState(ref, StateFailed, nil, err.Error())
		return err
	}

	o.setState(ref, StateActivating, m, "")
	o.enforceActivationLimit(ref)
	o.setState(ref, StateActive, m, "")
	return nil
}

// enforceActivationLimit forces the oldest-activated ACTIVE deploy into
// DRAINING if activating ref would push the ACTIVE count past K.
func (o *Orchestrator) enforceActivationLimit(ref record.ResourceRef) {
	active := o.GetActiveDeploys()
	if len(active) < o.k {
		return
	}
	oldest := active[0]
	for _, st := range active[1:] {
		if st.ActivatedAt != nil && (oldest.ActivatedAt == nil || st.ActivatedAt.Before(*oldest.ActivatedAt)) {
			oldest = st
		}
	}
	if oldest.Ref == ref {
		return
	}
	o.log.Debug("deploy: activation pressure, draining oldest active deploy", "ref", oldest.Ref.Key(), "incoming", ref.Key())
	o.setState(oldest.Ref, StateDraining, oldest.Manifest, "")
}

// RetireDeploy moves ref from ACTIVE through DRAINING to RETIRED. This
// Orchestrator has no in-flight tracking: both transitions happen
// immediately, one after the other, and nothing waits for operations
// still running against the deploy.
func (o *Orchestrator) RetireDeploy(ref record.ResourceRef) error {
	lock := o.lockFor(ref)
	lock.Lock()
	defer lock.Unlock()

	st, ok := o.Get(ref)
	if !ok {
		return nil
	}
	if st.State != StateActive && st.State != StateDraining {
		return nil
	}
	if st.State == StateActive {
		o.setState(ref, StateDraining, st.Manifest, "")
	}
	o.setState(ref, StateRetired, st.Manifest, "")
	return nil
}

// ProcessAppView projects an appView record's traffic-rule list to its
// deploy refs (spec.md §4.O); callers decide whether to fetch any refs
// this Orchestrator has not yet seen.
func ProcessAppView(rec record.AppViewRecord) []record.ResourceRef {
	refs := make([]record.ResourceRef, 0, len(rec.Rules))
	for _, r := range rec.Rules {
		refs = append(refs, r.Deploy)
	}
	return refs
}
