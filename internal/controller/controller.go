// Package controller implements the Controller of spec.md §4.O: it drains
// the Watcher's unified event stream, routes each event by collection to
// the subsystem that owns it, and — on every Deploy Orchestrator state
// transition — pushes the resulting endpoint/traffic-rule picture out to
// the Gateway.
package controller

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chris-pardy/avaast/internal/deploy"
	"github.com/chris-pardy/avaast/internal/gateway"
	"github.com/chris-pardy/avaast/internal/logx"
	"github.com/chris-pardy/avaast/internal/manifest"
	"github.com/chris-pardy/avaast/internal/record"
	"github.com/chris-pardy/avaast/internal/router"
	"github.com/chris-pardy/avaast/internal/shaper"
	"github.com/chris-pardy/avaast/internal/subscription"
	"github.com/chris-pardy/avaast/internal/watcher"
)

// Controller wires the Watcher's event stream to every subsystem spec.md
// §4.O names. Orchestrator is set after construction (cmd/viewhostd builds
// it with Controller.OnDeployTransition as its TransitionFunc, which
// closes over this Controller), so it may be nil briefly at startup.
type Controller struct {
	Watcher          *watcher.Watcher
	ManifestRegistry *manifest.Registry
	Subscriptions    *subscription.Manager
	RouterRegistry   *router.Registry
	Shaper           *shaper.Shaper
	Executor         *gateway.Executor
	Orchestrator     *deploy.Orchestrator
	Log              logx.Logger
}

// New builds a Controller. Orchestrator is left nil; set it once built.
func New(w *watcher.Watcher, manifestReg *manifest.Registry, subs *subscription.Manager, routerReg *router.Registry, sh *shaper.Shaper, exec *gateway.Executor, log logx.Logger) *Controller {
	if log == nil {
		log = logx.Noop{}
	}
	return &Controller{
		Watcher:          w,
		ManifestRegistry: manifestReg,
		Subscriptions:    subs,
		RouterRegistry:   routerReg,
		Shaper:           sh,
		Executor:         exec,
		Log:              log,
	}
}

// Run drains the Watcher's event stream until ctx is cancelled or the
// channel closes.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-c.Watcher.Events():
			if !ok {
				return
			}
			c.handleEvent(ctx, e)
		}
	}
}

func (c *Controller) ref(e watcher.Event) record.ResourceRef {
	return record.ResourceRef{AuthorityID: e.AuthorityID, ContentHash: e.ContentHash}
}

func (c *Controller) handleEvent(ctx context.Context, e watcher.Event) {
	switch record.Collection(e.Collection) {
	case record.CollectionComputed:
		c.handleComputed(e)
	case record.CollectionFunction:
		c.handleFunction(e)
	case record.CollectionSearchIndex:
		c.handleSearchIndex(e)
	case record.CollectionSubscription:
		c.handleSubscriptionRecord(e)
	case record.CollectionDeploy:
		c.handleDeploy(ctx, e)
	case record.CollectionAppView:
		c.handleAppView(e)
	default:
		c.handleLiveChange(e)
	}
}

func (c *Controller) handleComputed(e watcher.Event) {
	if e.Op == watcher.OpDelete {
		return // retained for historical deploys already built against it
	}
	var cr record.ComputedRecord
	if err := json.Unmarshal(e.Body, &cr); err != nil {
		c.Log.Error("controller: parse computed record", "error", err)
		return
	}
	c.ManifestRegistry.Put(c.ref(e), manifest.Entry{Kind: record.KindComputed, Body: e.Body, Dependencies: cr.Dependencies})
}

func (c *Controller) handleFunction(e watcher.Event) {
	if e.Op == watcher.OpDelete {
		return
	}
	var fr record.FunctionRecord
	if err := json.Unmarshal(e.Body, &fr); err != nil {
		c.Log.Error("controller: parse function record", "error", err)
		return
	}
	c.ManifestRegistry.Put(c.ref(e), manifest.Entry{Kind: record.KindFunction, Body: e.Body, Dependencies: fr.Dependencies, CodeRef: fr.CodeRef})
}

func (c *Controller) handleSearchIndex(e watcher.Event) {
	if e.Op == watcher.OpDelete {
		return
	}
	var sr record.SearchIndexRecord
	if err := json.Unmarshal(e.Body, &sr); err != nil {
		c.Log.Error("controller: parse searchIndex record", "error", err)
		return
	}
	c.ManifestRegistry.Put(c.ref(e), manifest.Entry{Kind: record.KindSearchIndex, Body: e.Body, Dependencies: sr.Dependencies})
}

func (c *Controller) handleSubscriptionRecord(e watcher.Event) {
	if e.Op == watcher.OpDelete {
		return
	}
	var sr record.SubscriptionRecord
	if err := json.Unmarshal(e.Body, &sr); err != nil {
		c.Log.Error("controller: parse subscription record", "error", err)
		return
	}
	c.ManifestRegistry.Put(c.ref(e), manifest.Entry{Kind: record.KindSubscription, Body: e.Body, Dependencies: sr.Dependencies})
}

// handleDeploy drives the Deploy Orchestrator from a change to an
// app.avaast.deploy record (spec.md §4.G). A delete retires the deploy; a
// create/update runs the full build-and-activate pipeline off the event
// loop goroutine, since distinct deploys may transition concurrently
// (spec.md §5) and the pipeline itself blocks on PDS/graph resolution.
func (c *Controller) handleDeploy(ctx context.Context, e watcher.Event) {
	if c.Orchestrator == nil {
		c.Log.Error("controller: deploy event observed before orchestrator is wired", "ref", c.ref(e).Key())
		return
	}
	ref := c.ref(e)
	if e.Op == watcher.OpDelete {
		if err := c.Orchestrator.RetireDeploy(ref); err != nil {
			c.Log.Error("controller: retire deploy", "ref", ref.Key(), "error", err)
		}
		return
	}
	var dr record.DeployRecord
	if err := json.Unmarshal(e.Body, &dr); err != nil {
		c.Log.Error("controller: parse deploy record", "error", err)
		return
	}
	go func() {
		if err := c.Orchestrator.ProcessDeploy(ctx, ref, dr); err != nil {
			c.Log.Error("controller: process deploy", "ref", ref.Key(), "error", err)
		}
	}()
}

// handleAppView projects an app.avaast.appView record's traffic rules onto
// the Traffic Shaper (spec.md §4.O). A rule set that doesn't sum to 10000
// basis points is rejected by the Shaper itself; the previous rules stay
// in effect and the rejection is logged rather than propagated, since
// there is no request in flight to return an error to.
func (c *Controller) handleAppView(e watcher.Event) {
	if e.Op == watcher.OpDelete {
		return
	}
	var av record.AppViewRecord
	if err := json.Unmarshal(e.Body, &av); err != nil {
		c.Log.Error("controller: parse appView record", "error", err)
		return
	}
	rules := make([]shaper.Rule, len(av.Rules))
	for i, r := range av.Rules {
		rules[i] = shaper.Rule{Deploy: r.Deploy, WeightBP: r.WeightBP}
	}
	if err := c.Shaper.UpdateRules(rules); err != nil {
		c.Log.Error("controller: reject appView traffic rules", "error", err)
	}
}

// handleLiveChange fans a change to an application data collection (one
// outside the fixed app.avaast.* six) out to its matching subscribers
// (spec.md §4.N).
func (c *Controller) handleLiveChange(e watcher.Event) {
	var body map[string]any
	if err := json.Unmarshal(e.Body, &body); err != nil {
		c.Log.Error("controller: parse live record body", "collection", e.Collection, "error", err)
		return
	}
	c.Subscriptions.OnRecordChange(e.Collection, body, time.Now().UTC())
}

// OnDeployTransition is the deploy.TransitionFunc cmd/viewhostd wires into
// the Orchestrator. It records the manifest for Traffic Shaper resolution
// and resyncs the Gateway's Router/Subscription state from every
// currently ACTIVE deploy, on every transition — not just ACTIVE ones —
// since a deploy leaving ACTIVE (DRAINING, RETIRED, FAILED) must also be
// dropped from what the Gateway currently serves.
func (c *Controller) OnDeployTransition(ref record.ResourceRef, state deploy.State, m *manifest.DeployManifest) {
	if m != nil {
		c.Executor.PutManifest(ref, m)
	}
	c.syncFromActiveDeploys()
}

// syncFromActiveDeploys rebuilds the Router's endpoint set and the
// Subscription Manager's registrations from the union of every currently
// ACTIVE deploy's manifest (spec.md §4.K + §4.L reconciliation: several
// deploys may be simultaneously ACTIVE, and the Gateway's flat structures
// need the union, recomputed idempotently on every transition).
func (c *Controller) syncFromActiveDeploys() {
	active := c.Orchestrator.GetActiveDeploys()

	var endpoints []record.DeployedEndpoint
	extraCollections := make([]string, 0)
	for _, st := range active {
		if st.Manifest == nil {
			continue
		}
		endpoints = append(endpoints, st.Manifest.Endpoints...)
		for _, ep := range st.Manifest.Endpoints {
			if ep.Kind != record.KindSubscription {
				continue
			}
			res, ok := st.Manifest.Resources[ep.Ref.Key()]
			if !ok {
				continue
			}
			var sr record.SubscriptionRecord
			if err := json.Unmarshal(res.RecordBody, &sr); err != nil {
				c.Log.Error("controller: parse subscription record for active endpoint", "endpoint", ep.Name, "error", err)
				continue
			}
			c.Subscriptions.Register(subscription.Registration{
				Name:             ep.Name,
				Collection:       sr.Collection,
				Filter:           sr.Filter,
				ProjectionFields: sr.ProjectionFields,
			})
			extraCollections = append(extraCollections, sr.Collection)
		}
	}

	c.RouterRegistry.ReplaceAll(endpoints)
	if len(extraCollections) > 0 {
		c.Watcher.AddWatchedCollections(extraCollections...)
	}
}
