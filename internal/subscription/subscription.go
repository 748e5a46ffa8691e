// Package subscription implements the Subscription Manager of spec.md
// §4.N: registered subscriptions, their attached subscribers, and the
// record-change fan-out path.
//
// The registration/attachment split is grounded on the teacher's
// evt.Subscribers (evt/subs.go): a topic→subscriber-list index
// (`tmap`) alongside a per-subscriber watch set, with `Show` walking
// that index to fan an event out to every subscriber that accepts it.
// This module plays the same role for one topic kind (a registered
// subscription name) instead of the teacher's dataset-change topics.
package subscription

import (
	"fmt"
	"sync"
	"time"

	"github.com/chris-pardy/avaast/internal/logx"
	"github.com/chris-pardy/avaast/internal/query"
	"github.com/chris-pardy/avaast/pkg/xrpc"
)

// Conn is the transport-neutral subscriber connection contract of
// spec.md §4.N.
type Conn interface {
	Send(data any) error
	Close() error
	OnClose(cb func())
}

// Registration is what the Manager knows about one subscription name
// (spec.md §3 SubscriptionRecord, projected into §4.N's shape).
type Registration struct {
	Name             string
	Collection       string
	Filter           *query.Expression
	ProjectionFields []string
}

type subscriberEntry struct {
	conn   Conn
	params map[string]string
}

// Manager holds the registered subscriptions and their attached
// subscribers, and fans record changes out to matching subscribers
// (spec.md §4.N).
type Manager struct {
	mu           sync.Mutex
	subs         map[string]Registration      // name -> registration
	byCollection map[string][]string          // collection -> subscription names
	subscribers  map[string][]*subscriberEntry // name -> attached subscribers
	log          logx.Logger
}

// NewManager builds an empty Manager.
func NewManager(log logx.Logger) *Manager {
	if log == nil {
		log = logx.Noop{}
	}
	return &Manager{
		subs:         make(map[string]Registration),
		byCollection: make(map[string][]string),
		subscribers:  make(map[string][]*subscriberEntry),
		log:          log,
	}
}

// Register records (or replaces) a subscription's definition. Existing
// subscribers remain attached and are evaluated against the new
// definition on the next matching change.
func (m *Manager) Register(reg Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, existed := m.subs[reg.Name]; !existed {
		m.byCollection[reg.Collection] = append(m.byCollection[reg.Collection], reg.Name)
	} else if old := m.subs[reg.Name]; old.Collection != reg.Collection {
		m.byCollection[old.Collection] = removeString(m.byCollection[old.Collection], reg.Name)
		m.byCollection[reg.Collection] = append(m.byCollection[reg.Collection], reg.Name)
	}
	m.subs[reg.Name] = reg
}

// Lookup returns the registration for name, if any.
func (m *Manager) Lookup(name string) (Registration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.subs[name]
	return reg, ok
}

// Attach registers conn as a subscriber of the named subscription,
// supplying params used as extra filter context (reachable as $params) for
// every future dispatch; projection does not use them. It wires conn's close signal to
// remove the subscriber (spec.md §4.N "Subscriber removal is driven by
// the connection's close signal").
func (m *Manager) Attach(name string, conn Conn, params map[string]string) error {
	m.mu.Lock()
	_, ok := m.subs[name]
	if !ok {
		m.mu.Unlock()
		return xrpc.New(xrpc.KindMethodNotFound, fmt.Sprintf("subscription: %q is not a registered subscription", name))
	}
	entry := &subscriberEntry{conn: conn, params: params}
	m.subscribers[name] = append(m.subscribers[name], entry)
	m.mu.Unlock()

	conn.OnClose(func() { m.detach(name, entry) })
	return nil
}

func (m *Manager) detach(name string, entry *subscriberEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subscribers[name]
	for i, e := range list {
		if e == entry {
			m.subscribers[name] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns how many subscribers are currently attached to
// name, for status/testing.
func (m *Manager) SubscriberCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers[name])
}

// Frame is the wire shape of a subscription push (spec.md §6 SSE
// `event: notification` payload).
type Frame struct {
	Type         string    `json:"type"`
	Subscription string    `json:"subscription"`
	Data         any       `json:"data"`
	Timestamp    time.Time `json:"timestamp"`
}

// OnRecordChange is the Watcher-event path of spec.md §4.N: it iterates
// every subscription registered against collection, evaluates each
// attached subscriber's filter against body, with that subscriber's
// params available as $params, and sends the projected Frame to every subscriber
// whose filter passes. Delivery happens off the calling goroutine so a
// slow or dead subscriber cannot stall the caller (spec.md §5); a send
// failure closes that subscriber.
func (m *Manager) OnRecordChange(collection string, body map[string]any, timestamp time.Time) {
	m.mu.Lock()
	names := append([]string(nil), m.byCollection[collection]...)
	m.mu.Unlock()

	for _, name := range names {
		m.mu.Lock()
		reg, ok := m.subs[name]
		subscribers := append([]*subscriberEntry(nil), m.subscribers[name]...)
		m.mu.Unlock()
		if !ok {
			continue
		}

		for _, sub := range subscribers {
			row := recordRow(body)
			matched, err := evalFilter(reg.Filter, row, sub.params)
			if err != nil {
				m.log.Error("subscription: filter evaluation failed", "subscription", name, "error", err)
				continue
			}
			if !matched {
				continue
			}
			frame := Frame{
				Type:         "subscription",
				Subscription: name,
				Data:         project(body, reg.ProjectionFields),
				Timestamp:    timestamp,
			}
			go m.deliver(name, sub, frame)
		}
	}
}

func (m *Manager) deliver(name string, sub *subscriberEntry, frame Frame) {
	if err := sub.conn.Send(frame); err != nil {
		m.log.Debug("subscription: delivery failed, closing subscriber", "subscription", name, "error", err)
		m.detach(name, sub)
		_ = sub.conn.Close()
	}
}

func evalFilter(expr *query.Expression, row query.Row, params map[string]string) (bool, error) {
	if expr == nil {
		return true, nil
	}
	v, err := query.Evaluate(expr, &query.Env{Row: row, Params: params})
	if err != nil {
		return false, err
	}
	return query.Truthy(v), nil
}

// recordAlias is the fixed source alias subscription filter expressions
// use to reference the changed record's fields; subscriber params are
// reached the usual way, via query.ParamsAlias.
const recordAlias = "record"

func recordRow(body map[string]any) query.Row {
	return query.Row{recordAlias: body}
}

func project(body map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return body
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := body[f]; ok {
			out[f] = v
		}
	}
	return out
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
