package mesh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mesh-engine/mesh-engine/mesh/trace"
)

// Engine is the Mesh Coordination Engine: the Version Store, Snapshot
// Manager, ACL Registry, Unit Registry, Scheduler, Throttle Monitor, and
// Trace Recorder wired together. External collaborators inject state through
// SubmitMutation and read results through Get and Health; registered Units
// react to changes inside Reactor cycles.
type Engine struct {
	cfg      Config
	store    *VersionStore
	snaps    *SnapshotManager
	acl      *ACLRegistry
	registry *UnitRegistry
	throttle *ThrottleMonitor
	recorder *trace.Recorder
	mutexes  *mutexTable

	workers chan struct{} // bounded worker pool for Execute
	clock   func() time.Time

	deferMu  sync.Mutex
	deferred map[UnitID]struct{} // throttle-deferred matches awaiting re-Collect

	cycles  atomic.Uint64
	halted  atomic.Bool
	haltMu  sync.Mutex
	haltErr error
}

// NewEngine wires an engine from its configuration, the ACL registry, and a
// trace recorder. A nil recorder records to a no-op sink.
func NewEngine(cfg Config, acl *ACLRegistry, recorder *trace.Recorder) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if recorder == nil {
		recorder = trace.NewRecorder(trace.Config{Level: trace.LevelNone}, trace.NopSink{})
	}
	store := NewVersionStore()
	return &Engine{
		cfg:      cfg,
		store:    store,
		snaps:    NewSnapshotManager(store),
		acl:      acl,
		registry: NewUnitRegistry(),
		throttle: NewThrottleMonitor(cfg.Throttle),
		recorder: recorder,
		mutexes:  newMutexTable(cfg.Boost),
		workers:  make(chan struct{}, cfg.Workers),
		clock:    time.Now,
		deferred: make(map[UnitID]struct{}),
	}, nil
}

// markDeferred remembers a throttle-deferred match for the next Collect.
func (e *Engine) markDeferred(id UnitID) {
	e.deferMu.Lock()
	e.deferred[id] = struct{}{}
	e.deferMu.Unlock()
}

// clearDeferred forgets a deferred match once the Unit re-enters Collect (or
// leaves the population).
func (e *Engine) clearDeferred(id UnitID) {
	e.deferMu.Lock()
	delete(e.deferred, id)
	e.deferMu.Unlock()
}

// deferredSnapshot copies the deferred set for one cycle's Collect phase.
func (e *Engine) deferredSnapshot() map[UnitID]struct{} {
	e.deferMu.Lock()
	defer e.deferMu.Unlock()
	out := make(map[UnitID]struct{}, len(e.deferred))
	for id := range e.deferred {
		out[id] = struct{}{}
	}
	return out
}

// SubmitMutation injects a state change from an external collaborator (HTTP
// handler, CLI, timer) under the reserved ingest principal. The change seeds
// the next cycle's Collect phase. Always returns an explicit result: the new
// version, or the conflict/denial — a mutation is never accepted and then
// silently discarded.
func (e *Engine) SubmitMutation(key string, value any, expectedVersion uint64) (uint64, error) {
	if err := e.haltedErr(); err != nil {
		return 0, err
	}
	if !e.acl.CanWrite(IngestPrincipal, key) {
		e.recorder.Record(trace.AccessRecord{
			UnitID: string(IngestPrincipal), Key: key, Op: "write", Clock: e.clock(),
		})
		return 0, &AccessDeniedError{Unit: IngestPrincipal, Key: key, Op: "write"}
	}
	v, err := e.store.CompareAndSet(key, expectedVersion, value, IngestPrincipal, e.clock())
	if errors.Is(err, ErrStoreCorrupted) {
		e.halt(err)
	}
	return v, err
}

// Get returns the current (value, version) of key. Ingest-facing read; Units
// read through Snapshots instead.
func (e *Engine) Get(key string) (Versioned, bool) {
	return e.store.Get(key)
}

// Register adds a Unit to the population, enabled.
func (e *Engine) Register(desc UnitDescriptor, unit Unit) (UnitID, error) {
	return e.registry.Register(desc, unit)
}

// Deregister removes a Unit and forgets any deferred match it carried.
func (e *Engine) Deregister(id UnitID) error {
	e.clearDeferred(id)
	return e.registry.Deregister(id)
}

// SetEnabled flips a Unit's enabled flag; re-enabling clears quarantine.
// Disabling drops any deferred match: a disabled Unit must not run.
func (e *Engine) SetEnabled(id UnitID, enabled bool) error {
	if !enabled {
		e.clearDeferred(id)
	}
	return e.registry.SetEnabled(id, enabled)
}

// SetPressure records the externally supplied pressure signal (0.0–1.0).
func (e *Engine) SetPressure(p float64) {
	e.throttle.SetPressure(p)
}

// Run drives Reactor cycles at the configured interval until ctx is done or
// the store corrupts. The throttle samples the mutation rate alongside.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.RunCycle(ctx); err != nil {
				logrus.Errorf("reactor halted: %v", err)
				return err
			}
			e.throttle.Sample(e.clock(), e.store.MutationCount())
		}
	}
}

// Halted reports whether a fatal store corruption stopped the Reactor.
func (e *Engine) Halted() bool {
	return e.halted.Load()
}

// halt stops the Reactor permanently and surfaces err to operators. Only
// unrecoverable Version Store corruption reaches here.
func (e *Engine) halt(err error) {
	e.haltMu.Lock()
	if e.haltErr == nil {
		e.haltErr = err
	}
	e.haltMu.Unlock()
	if !e.halted.Swap(true) {
		logrus.Errorf("engine halted: %v", err)
	}
}

func (e *Engine) haltedErr() error {
	if !e.halted.Load() {
		return nil
	}
	e.haltMu.Lock()
	defer e.haltMu.Unlock()
	if e.haltErr != nil {
		return e.haltErr
	}
	return ErrEngineHalted
}
