// Package store implements the in-memory data model (spec component C3):
// keyed string entries with optional expiry, and append-only streams with
// monotonic IDs. Grounded on the teacher's internal/storage/store.go and
// string_ops.go (single-mutex map-of-values, lazy expiry), generalized to
// the spec's StoreItem union instead of the teacher's seven-variant Value.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrWrongType is returned when a command targets a key whose StoreItem is
// the other variant (spec §3: "mixing triggers an error response").
var ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")

// Clock is injected so stream auto-ID resolution is deterministic in tests
// (spec §9 design note: "inject a clock for determinism").
type Clock interface {
	NowMillis() uint64
}

type systemClock struct{}

func (systemClock) NowMillis() uint64 { return uint64(time.Now().UnixMilli()) }

// SystemClock is the production Clock backed by time.Now.
var SystemClock Clock = systemClock{}

// Entry is an immutable string value with an optional absolute expiry.
type Entry struct {
	Value     []byte
	ExpiresAt *time.Time
}

func (e Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// kind tags which field of storeItem is populated.
type kind int

const (
	kindString kind = iota
	kindStream
)

type storeItem struct {
	kind   kind
	entry  Entry
	stream *Stream
}

// Store is the mapping from key to StoreItem described in spec §3. All
// access goes through a single mutex; there is no cross-key transaction.
type Store struct {
	mu    sync.Mutex
	items map[string]storeItem
	clock Clock

	version    uint64 // bumped on every mutation, used to gate the keys cache
	keysCache  []string
	keysCached bool
	keysTag    uint64
}

func New(clock Clock) *Store {
	if clock == nil {
		clock = SystemClock
	}
	return &Store{items: make(map[string]storeItem), clock: clock}
}

func (s *Store) touch() {
	s.version++
}

// Set replaces the value at key with a fresh string Entry (spec: "SET on
// the same key replaces the entry").
func (s *Store) Set(key string, value []byte, expiresAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = storeItem{kind: kindString, entry: Entry{Value: value, ExpiresAt: expiresAt}}
	s.touch()
}

// Get returns the Entry at key, or !ok if absent, expired, or the key holds
// a stream (ErrWrongType).
func (s *Store) Get(key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return Entry{}, false, nil
	}
	if item.kind != kindString {
		return Entry{}, false, ErrWrongType
	}
	if item.entry.expired(time.Now()) {
		delete(s.items, key)
		s.touch()
		return Entry{}, false, nil
	}
	return item.entry, true, nil
}

// Type reports "string", "stream", or "none" per spec §4.3.
func (s *Store) Type(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return "none"
	}
	if item.kind == kindString && item.entry.expired(time.Now()) {
		delete(s.items, key)
		s.touch()
		return "none"
	}
	switch item.kind {
	case kindString:
		return "string"
	case kindStream:
		return "stream"
	default:
		return "none"
	}
}

// Keys returns a snapshot of every non-expired key, matching the teacher's
// Store.Keys. The result is cached between calls; validity is decided
// entirely by comparing an xxhash of the mutation counter and map size
// against the tag stored alongside the cache -- not by a separate dirty
// flag recomputed on every mutation, which would make the hash redundant.
// A stale read would require a 64-bit xxhash collision between two
// different (version, size) pairs, the same trust a content-hash cache tag
// (an ETag, a CAS token) carries anywhere else it's used.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag := xxhash.Sum64String(keyCacheTagInput(s.version, len(s.items)))
	if s.keysCached && tag == s.keysTag {
		now := time.Now()
		out := make([]string, 0, len(s.keysCache))
		for _, k := range s.keysCache {
			if item := s.items[k]; item.kind == kindString && item.entry.expired(now) {
				continue
			}
			out = append(out, k)
		}
		return out
	}

	now := time.Now()
	keys := make([]string, 0, len(s.items))
	for k, item := range s.items {
		if item.kind == kindString && item.entry.expired(now) {
			continue
		}
		keys = append(keys, k)
	}

	s.keysCache = keys
	s.keysCached = true
	s.keysTag = tag

	out := make([]string, len(keys))
	copy(out, keys)
	return out
}

func keyCacheTagInput(version uint64, size int) string {
	return fmt.Sprintf("%d:%d", version, size)
}

// All returns every (key, Entry) string pair currently stored, for the
// snapshot codec (C4). Streams are not part of the snapshot subset this core
// declares support for (spec §4.4 "subset supported by this core").
func (s *Store) All() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Entry, len(s.items))
	now := time.Now()
	for k, item := range s.items {
		if item.kind != kindString {
			continue
		}
		if item.entry.expired(now) {
			continue
		}
		out[k] = item.entry
	}
	return out
}

// LoadString installs a string entry directly, bypassing expiry checks.
// Used by the snapshot loader (C4) and by the replica when it installs the
// snapshot received after FULLRESYNC.
func (s *Store) LoadString(key string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = storeItem{kind: kindString, entry: e}
	s.touch()
}
