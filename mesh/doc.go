// Package mesh provides the core coordination engine: a versioned key/value
// state store (the Mesh) plus a Reactor that evaluates registered reactive
// handlers (Units) against consistent snapshots and executes the matching
// subset under priority, mutex-group, and throttle rules.
//
// # Reading Guide
//
// Start with these three files to understand the engine kernel:
//   - store.go: the Version Store, per-key monotonic versions, and CAS
//   - unit.go: the Unit contract (trigger predicate + action) and descriptors
//   - scheduler.go: the cycle state machine (Collect, Order, Admit, Execute)
//
// # Architecture
//
// The mesh package defines the engine and its state types; supporting
// concerns live in sub-packages:
//   - mesh/trace/: append-only mutation/decision trace recording
//   - mesh/api/: HTTP ops surface (ingest, unit control, health)
//
// # Key Interfaces
//
// The extension point is the Unit interface: a trigger predicate evaluated
// against an immutable Snapshot, and an action run against a live Handle
// whose writes commit all-or-nothing via compare-and-set. Everything a Unit
// can observe comes from a Snapshot; everything it can change goes through
// CAS. The engine never shares mutable state with Unit code.
package mesh
