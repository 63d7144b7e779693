package mesh

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// storeShards is the number of independent shard locks. Per-key operations
// contend only within their shard; there is no lock across the whole store.
const storeShards = 32

// VersionStore is the Mesh: a sharded map of versioned entries whose sole
// mutation primitive is compare-and-set. Multi-key mutations commit as one
// unit; readers taking snapshots never observe a partial commit.
//
// Commit-unit visibility is enforced by commitMu: snapshot captures and
// single-key CAS hold it shared, multi-key Commit holds it exclusive for the
// duration of the apply step only. It is never held across Unit logic.
type VersionStore struct {
	commitMu sync.RWMutex
	shards   [storeShards]storeShard

	mutations atomic.Uint64 // total committed writes, sampled by the throttle

	changeMu sync.Mutex
	changed  map[string]struct{} // keys written since the last DrainChanges

	corrupted atomic.Bool
}

type storeShard struct {
	mu      sync.RWMutex
	entries map[string]*MeshEntry
}

// NewVersionStore returns an empty store.
func NewVersionStore() *VersionStore {
	s := &VersionStore{changed: make(map[string]struct{})}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*MeshEntry)
	}
	return s
}

func (s *VersionStore) shardFor(key string) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%storeShards]
}

// Get returns the current (value, version) of key, or ok=false if absent.
func (s *VersionStore) Get(key string) (Versioned, bool) {
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[key]
	if !ok {
		return Versioned{}, false
	}
	return Versioned{Value: e.Value, Version: e.Version}, true
}

// CompareAndSet atomically writes key if its current version equals expected
// (0 = key must not exist). It returns the new version, or a
// VersionConflictError without changing anything.
func (s *VersionStore) CompareAndSet(key string, expected uint64, value any, by UnitID, now time.Time) (uint64, error) {
	if s.corrupted.Load() {
		return 0, ErrStoreCorrupted
	}
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if err := s.check(sh, key, expected); err != nil {
		return 0, err
	}
	return s.apply(sh, Write{Key: key, Value: value, ExpectedVersion: expected}, by, now)
}

// Commit applies a multi-key mutation as a single unit: every write's CAS
// must pass or none apply. Visibility is all-or-nothing with respect to
// snapshot captures and concurrent CAS.
func (s *VersionStore) Commit(writes []Write, by UnitID, now time.Time) error {
	if len(writes) == 0 {
		return nil
	}
	if len(writes) == 1 {
		_, err := s.CompareAndSet(writes[0].Key, writes[0].ExpectedVersion, writes[0].Value, by, now)
		return err
	}
	if s.corrupted.Load() {
		return ErrStoreCorrupted
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	// Validate every CAS before applying any. commitMu is exclusive here, so
	// no write can slip in between validation and apply.
	for _, w := range writes {
		if err := s.check(s.shardFor(w.Key), w.Key, w.ExpectedVersion); err != nil {
			return err
		}
	}
	for _, w := range writes {
		if _, err := s.apply(s.shardFor(w.Key), w, by, now); err != nil {
			return err
		}
	}
	return nil
}

// check validates a single CAS precondition. Callers hold the relevant locks.
func (s *VersionStore) check(sh *storeShard, key string, expected uint64) error {
	e, ok := sh.entries[key]
	switch {
	case !ok && expected == 0:
		return nil
	case !ok:
		return &VersionConflictError{Key: key, Expected: expected, Actual: 0}
	case e.Version != expected:
		return &VersionConflictError{Key: key, Expected: expected, Actual: e.Version}
	}
	return nil
}

// apply installs a pre-validated write. Callers hold the relevant locks.
func (s *VersionStore) apply(sh *storeShard, w Write, by UnitID, now time.Time) (uint64, error) {
	next := w.ExpectedVersion + 1
	if e, ok := sh.entries[w.Key]; ok && next <= e.Version {
		// Versions only move forward; reaching here means the store's own
		// invariant is broken (e.g. a tampered durable backend).
		s.corrupted.Store(true)
		logrus.Errorf("version store corrupted: key %q would move from version %d to %d", w.Key, e.Version, next)
		return 0, ErrStoreCorrupted
	}
	sh.entries[w.Key] = &MeshEntry{
		Key:           w.Key,
		Value:         w.Value,
		Version:       next,
		LastWrittenBy: by,
		WrittenAt:     now,
	}
	s.mutations.Add(1)
	s.changeMu.Lock()
	s.changed[w.Key] = struct{}{}
	s.changeMu.Unlock()
	return next, nil
}

// readMany captures (value, version) for each requested key under the shared
// commit lock, so an in-flight multi-key commit is either fully visible or
// not at all. Absent keys are omitted.
func (s *VersionStore) readMany(keys []string) map[string]Versioned {
	out := make(map[string]Versioned, len(keys))
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()
	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.RLock()
		if e, ok := sh.entries[key]; ok {
			out[key] = Versioned{Value: e.Value, Version: e.Version}
		}
		sh.mu.RUnlock()
	}
	return out
}

// DrainChanges returns the keys written since the previous call and resets
// the set. The Scheduler's Collect phase consumes this each cycle.
func (s *VersionStore) DrainChanges() []string {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()
	keys := make([]string, 0, len(s.changed))
	for k := range s.changed {
		keys = append(keys, k)
	}
	s.changed = make(map[string]struct{})
	sort.Strings(keys)
	return keys
}

// MutationCount returns the total number of committed writes.
func (s *VersionStore) MutationCount() uint64 {
	return s.mutations.Load()
}

// Corrupted reports whether a version-monotonicity violation was observed.
func (s *VersionStore) Corrupted() bool {
	return s.corrupted.Load()
}
