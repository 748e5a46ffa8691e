// Package watcher implements the Watcher of spec.md §4.C: it unifies
// Relay, Firehose, and Polling transports behind one Event stream, filters
// by watched authority/collections, and persists to the Change Log when
// one is wired.
package watcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/chris-pardy/avaast/internal/logx"
	"github.com/chris-pardy/avaast/internal/pds"
	"github.com/chris-pardy/avaast/internal/record"
	"github.com/chris-pardy/avaast/internal/store"
)

// Op is one of the three change kinds a transport can report.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is the unified shape every transport emits (spec.md §4.C).
type Event struct {
	Op          Op
	Collection  string
	RecordKey   string
	AuthorityID string
	ContentHash string
	Body        json.RawMessage
}

// Source is the narrow contract spec.md §9 describes: Relay, Firehose, and
// Polling are independent implementations behind {start, stop} plus a
// shared emit callback — they do not share a class hierarchy. Run blocks
// until the transport fails or ctx is cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(Event)) error
}

// Config selects and parameterizes the Watcher's transport.
type Config struct {
	// RelayURL, if set, selects Relay mode unconditionally.
	RelayURL string
	// FirehoseURL is the authoritative PDS's firehose endpoint, attempted
	// when RelayURL is unset.
	FirehoseURL string

	WatchedAuthorityID string
	ExtraCollections   []record.Collection

	PollInterval time.Duration

	// ChangeLog, if set, receives every emitted event and backs the
	// firehose cursor.
	ChangeLog *store.Store
	// PDS is required for Polling mode.
	PDS *pds.Client
}

// Watcher runs at most one transport at a time and fans its filtered
// events into a single channel.
type Watcher struct {
	cfg     Config
	log     logx.Logger
	watchMu sync.RWMutex
	watched map[string]bool
	allCols []record.Collection

	events  chan Event
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Watcher. It does not start any transport.
func New(cfg Config, log logx.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	cols := append([]record.Collection{}, record.WatchedCollections()...)
	watched := map[string]bool{}
	for _, c := range cols {
		watched[string(c)] = true
	}
	for _, c := range cfg.ExtraCollections {
		if !watched[string(c)] {
			watched[string(c)] = true
			cols = append(cols, c)
		}
	}
	return &Watcher{
		cfg:     cfg,
		log:     log,
		watched: watched,
		allCols: cols,
		events:  make(chan Event, 256),
	}
}

// Events returns the channel of filtered, unified events. It is closed
// once Stop has fully torn down the active transport.
func (w *Watcher) Events() <-chan Event { return w.events }

// AddWatchedCollections extends the watched set at runtime. spec.md §4.C
// only describes collections configured up front (the fixed six plus
// application-supplied extras); the Controller needs this to start
// watching a subscription's target data collection only once it
// discovers that app.avaast.subscription record, which happens after the
// Watcher is already running.
func (w *Watcher) AddWatchedCollections(cols ...string) {
	w.watchMu.Lock()
	defer w.watchMu.Unlock()
	for _, c := range cols {
		w.watched[c] = true
	}
}

func (w *Watcher) isWatched(collection string) bool {
	w.watchMu.RLock()
	defer w.watchMu.RUnlock()
	return w.watched[collection]
}

// Start applies the selection policy from spec.md §4.C (Relay if
// configured, else attempt Firehose, else fall back to Polling) and runs
// the chosen transport with reconnect-on-failure until Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	src := w.chooseSource(runCtx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runWithReconnect(runCtx, src)
	}()
}

// Stop terminates the active transport and closes the event channel.
// Immediate for an idle transport, best-effort for an in-flight message.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	close(w.events)
}

func (w *Watcher) chooseSource(ctx context.Context) Source {
	if w.cfg.RelayURL != "" {
		return &relaySource{url: w.cfg.RelayURL, log: w.log}
	}
	fh := &firehoseSource{url: w.cfg.FirehoseURL, changeLog: w.cfg.ChangeLog, log: w.log}
	if err := fh.probe(ctx); err != nil {
		w.log.Error("watcher: firehose unavailable at startup, falling back to polling", "error", err)
		return &pollingSource{
			pds:         w.cfg.PDS,
			authorityID: w.cfg.WatchedAuthorityID,
			collections: w.allCols,
			interval:    w.cfg.PollInterval,
			log:         w.log,
		}
	}
	return fh
}

// runWithReconnect drives one Source, restarting it on failure with a
// capped exponential backoff that resets after a successful run. Grounded
// on the doublezero example repo's gnmitunnel client Run loop.
func (w *Watcher) runWithReconnect(ctx context.Context, src Source) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.MaxInterval = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := src.Run(ctx, w.emit)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.log.Error("watcher: transport failed", "source", src.Name(), "error", err)
			wait := eb.NextBackOff()
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		eb.Reset()
	}
}

// emit applies the authority/collection filter, appends to the Change Log
// when wired, then delivers to the event channel without blocking Watcher
// progress on a slow consumer.
func (w *Watcher) emit(e Event) {
	if e.AuthorityID != w.cfg.WatchedAuthorityID {
		return
	}
	if !w.isWatched(e.Collection) {
		return
	}
	if w.cfg.ChangeLog != nil {
		if _, err := w.cfg.ChangeLog.Append(context.Background(), store.ChangeEntry{
			Collection:  e.Collection,
			RecordKey:   e.RecordKey,
			AuthorityID: e.AuthorityID,
			EventType:   store.ChangeEventType(e.Op),
			BodyJSON:    e.Body,
		}); err != nil {
			w.log.Error("watcher: append change log", "error", err)
		}
	}
	select {
	case w.events <- e:
	default:
		w.log.Error("watcher: event channel full, dropping event", "collection", e.Collection, "recordKey", e.RecordKey)
	}
}
