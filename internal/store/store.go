// Package store implements the two durable, write-ahead-safe components of
// spec.md §4.A/§4.D — the Cursor Store and the Change Log — on top of an
// embedded key-value store.
//
// Badger is wired the way the AleutianLocal example repo's
// services/trace/storage/badger package wires it: a thin Config/Open
// wrapper around badger.DefaultOptions, single writer many readers, synced
// writes for durability.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/chris-pardy/avaast/pkg/xrpc"
)

// Config mirrors the teacher-pack badger.Config shape: a path for
// persistent storage, or InMemory for tests.
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
}

// Store wraps a badger.DB with the Cursor Store and Change Log built on
// top of it. Single writer, many readers (spec.md §4.A/§4.D).
type Store struct {
	db      *badger.DB
	writeMu sync.Mutex
	nextID  int64
}

// Open opens (or creates) the underlying badger database and primes the
// Change Log's monotonic id counter from whatever is already on disk.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, xrpc.New(xrpc.KindStorageError, "store: path is required for persistent storage")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, xrpc.Wrap(xrpc.KindStorageError, err, "store: create data directory")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, xrpc.Wrap(xrpc.KindStorageError, err, "store: open database")
	}
	s := &Store{db: db}
	if err := s.primeNextID(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const cursorKeyPrefix = "cursor:"

// GetCursor performs a point read of a cursor value. ok is false when the
// cursor has never been set; callers must tolerate that (spec.md §4.A).
func (s *Store) GetCursor(_ context.Context, key string) (value int64, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, e := txn.Get([]byte(cursorKeyPrefix + key))
		if e == badger.ErrKeyNotFound {
			return nil
		}
		if e != nil {
			return e
		}
		ok = true
		return item.Value(func(val []byte) error {
			_, e := fmt.Sscanf(string(val), "%d", &value)
			return e
		})
	})
	if err != nil {
		return 0, false, xrpc.Wrap(xrpc.KindStorageError, err, "store: get cursor")
	}
	return value, ok, nil
}

// SetCursor atomically inserts or replaces a cursor value (spec.md §4.A).
// Cursor values are created lazily and never deleted, only overwritten.
func (s *Store) SetCursor(_ context.Context, key string, value int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(cursorKeyPrefix+key), []byte(fmt.Sprintf("%d", value)))
	})
	if err != nil {
		return xrpc.Wrap(xrpc.KindStorageError, err, "store: set cursor")
	}
	return nil
}

// ChangeEventType mirrors the Watcher's Event.op values as persisted rows
// (spec.md §4.D).
type ChangeEventType string

const (
	ChangeEventCreate ChangeEventType = "create"
	ChangeEventUpdate ChangeEventType = "update"
	ChangeEventDelete ChangeEventType = "delete"
)

// ChangeEntry is one append-only Change Log row.
type ChangeEntry struct {
	ID          int64           `json:"id"`
	Collection  string          `json:"collection"`
	RecordKey   string          `json:"recordKey"`
	AuthorityID string          `json:"authorityId"`
	EventType   ChangeEventType `json:"eventType"`
	BodyJSON    json.RawMessage `json:"bodyJson,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

const (
	changeLogDataPrefix  = "cl:data:"
	changeLogIndexPrefix = "cl:idx:"
)

func (s *Store) primeNextID() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(changeLogDataPrefix)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		seekKey := append([]byte(changeLogDataPrefix), 0xFF)
		it.Seek(seekKey)
		if it.ValidForPrefix([]byte(changeLogDataPrefix)) {
			var id int64
			_, err := fmt.Sscanf(string(it.Item().Key()[len(changeLogDataPrefix):]), "%020d", &id)
			if err == nil {
				atomic.StoreInt64(&s.nextID, id+1)
			}
		}
		return nil
	})
}

// invert maps a monotonically increasing time to a monotonically
// decreasing sort key, so forward key-order iteration over the secondary
// index yields createdAt DESC as spec.md §4.D requires.
func invert(t time.Time) int64 {
	return int64(^uint64(0)>>1) - t.UnixNano()
}

// Append writes one Change Log row, assigning it the next monotonic id.
// Write-ahead durable: data and index entries commit in the same
// transaction (spec.md §4.D).
func (s *Store) Append(_ context.Context, e ChangeEntry) (ChangeEntry, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id := atomic.AddInt64(&s.nextID, 1) - 1
	e.ID = id
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return ChangeEntry{}, xrpc.Wrap(xrpc.KindStorageError, err, "store: marshal change entry")
	}

	dataKey := fmt.Sprintf("%s%020d", changeLogDataPrefix, id)
	idxKey := fmt.Sprintf("%s%s\x00%020d\x00%020d", changeLogIndexPrefix, e.Collection, invert(e.CreatedAt), id)

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(dataKey), payload); err != nil {
			return err
		}
		return txn.Set([]byte(idxKey), []byte(fmt.Sprintf("%020d", id)))
	})
	if err != nil {
		return ChangeEntry{}, xrpc.Wrap(xrpc.KindStorageError, err, "store: append change entry")
	}
	return e, nil
}

// ChangeLogFilter is the query shape of spec.md §4.D.
type ChangeLogFilter struct {
	Collection     string
	AuthorityID    string // optional
	EventType      ChangeEventType // optional
	AfterTimestamp time.Time // optional
	Limit          int       // default 100
}

// Query returns rows matching filter, ordered by createdAt DESC, bounded
// by filter.Limit (spec.md §4.D).
func (s *Store) Query(_ context.Context, filter ChangeLogFilter) ([]ChangeEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []ChangeEntry
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(changeLogIndexPrefix + filter.Collection + "\x00")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var idStr string
			if err := it.Item().Value(func(val []byte) error {
				idStr = string(val)
				return nil
			}); err != nil {
				return err
			}
			item, err := txn.Get([]byte(changeLogDataPrefix + idStr))
			if err != nil {
				continue
			}
			var entry ChangeEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			if filter.AuthorityID != "" && entry.AuthorityID != filter.AuthorityID {
				continue
			}
			if filter.EventType != "" && entry.EventType != filter.EventType {
				continue
			}
			if !filter.AfterTimestamp.IsZero() && !entry.CreatedAt.After(filter.AfterTimestamp) {
				continue
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, xrpc.Wrap(xrpc.KindStorageError, err, "store: query change log")
	}
	return out, nil
}
