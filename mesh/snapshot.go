package mesh

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// SnapshotID identifies one point-in-time capture.
type SnapshotID string

// Snapshot is an immutable point-in-time view of a key subset. A Unit's
// trigger evaluation and the initial reads of its action share one Snapshot,
// so it never observes a mix of pre- and post-mutation state within a cycle.
// Snapshots live for one cycle and are never persisted.
type Snapshot struct {
	ID         SnapshotID
	CapturedAt time.Time // wall clock, used by temporal trigger predicates
	entries    map[string]Versioned
}

// Get returns the captured (value, version) for key, or ok=false if the key
// was absent at capture time or outside the snapshot's scope.
func (s *Snapshot) Get(key string) (Versioned, bool) {
	v, ok := s.entries[key]
	return v, ok
}

// Version returns the captured version of key, 0 if absent. Actions use it
// as the expected version for their buffered CAS writes.
func (s *Snapshot) Version(key string) uint64 {
	return s.entries[key].Version
}

// Keys returns the captured keys in sorted order.
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of captured keys.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// scope returns a view restricted to the given keys, sharing the parent's ID
// and capture time. Used to hand each Unit only the keys it may read.
func (s *Snapshot) scope(keys []string) *Snapshot {
	sub := &Snapshot{ID: s.ID, CapturedAt: s.CapturedAt, entries: make(map[string]Versioned, len(keys))}
	for _, k := range keys {
		if v, ok := s.entries[k]; ok {
			sub.entries[k] = v
		}
	}
	return sub
}

// SnapshotManager produces Snapshots from the live store. Captures hold no
// lock across the whole store; commit-unit atomicity comes from the store's
// own visibility rules.
type SnapshotManager struct {
	store *VersionStore
}

// NewSnapshotManager returns a manager over store.
func NewSnapshotManager(store *VersionStore) *SnapshotManager {
	return &SnapshotManager{store: store}
}

// Capture reads the current (value, version) of each requested key into a new
// immutable Snapshot. Absent keys are omitted (Get reports ok=false).
func (m *SnapshotManager) Capture(keys []string, now time.Time) *Snapshot {
	return &Snapshot{
		ID:         SnapshotID(uuid.NewString()),
		CapturedAt: now,
		entries:    m.store.readMany(keys),
	}
}
