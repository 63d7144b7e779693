package mesh

import (
	"context"
	"fmt"
	"time"
)

// ExecutionPolicy governs what happens when a Unit matches while its mutex
// group is already busy.
type ExecutionPolicy string

const (
	// PolicyQueue enqueues the Unit; it runs when the group frees, in
	// effective-priority order with starvation boost.
	PolicyQueue ExecutionPolicy = "queue"
	// PolicyAbortLower drops this Unit's execution for the cycle and logs
	// it as Suppressed.
	PolicyAbortLower ExecutionPolicy = "abort-lower"
	// PolicyInterrupt signals the current group holder to stop at its next
	// checkpoint, then admits this Unit once the holder yields.
	PolicyInterrupt ExecutionPolicy = "interrupt"
)

// validExecutionPolicies maps accepted policy strings. Empty defaults to queue.
var validExecutionPolicies = map[ExecutionPolicy]bool{
	PolicyQueue:      true,
	PolicyAbortLower: true,
	PolicyInterrupt:  true,
	"":               true,
}

// IsValidExecutionPolicy returns true for a recognized policy string.
func IsValidExecutionPolicy(p ExecutionPolicy) bool {
	return validExecutionPolicies[p]
}

// Unit is a reactive handler. Trigger is a pure predicate over an immutable
// Snapshot; implementations MUST NOT retain the snapshot past the call. Act
// runs against a live Handle whose writes are buffered and committed
// all-or-nothing via CAS after Act returns. Long-running actions must poll
// ctx (checked cancellation); the engine never preempts mid-mutation.
type Unit interface {
	Trigger(snap *Snapshot) bool
	Act(ctx context.Context, h *Handle) error
}

// FuncUnit adapts plain functions to the Unit interface.
type FuncUnit struct {
	TriggerFn func(*Snapshot) bool
	ActFn     func(context.Context, *Handle) error
}

func (u FuncUnit) Trigger(snap *Snapshot) bool {
	return u.TriggerFn(snap)
}

func (u FuncUnit) Act(ctx context.Context, h *Handle) error {
	return u.ActFn(ctx, h)
}

// UnitDescriptor is the registration metadata for one Unit. Immutable after
// registration except the enabled flag, which health/quarantine logic flips.
type UnitDescriptor struct {
	ID         UnitID
	Priority   int           // higher runs first; ties break by registration order
	Cooldown   time.Duration // ineligible for Collect until this elapses after a firing
	MutexGroup string        // mutual-exclusion domain; empty = none
	Policy     ExecutionPolicy
	Critical   bool          // admitted even in degraded (emergency-pressure) mode
	Temporal   bool          // evaluated every cycle, not only on key changes
	Keys       []string      // declared interest; bounds the Unit's snapshot scope
	Deadline   time.Duration // per-execution deadline; 0 = engine default
}

// Validate checks a descriptor before registration.
func (d UnitDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("unit descriptor: empty ID")
	}
	if d.ID == IngestPrincipal || d.ID == Wildcard {
		return fmt.Errorf("unit descriptor: ID %q is reserved", d.ID)
	}
	if !IsValidExecutionPolicy(d.Policy) {
		return fmt.Errorf("unit descriptor %s: unknown execution policy %q", d.ID, d.Policy)
	}
	if d.Policy != "" && d.Policy != PolicyQueue && d.MutexGroup == "" {
		return fmt.Errorf("unit descriptor %s: policy %q requires a mutex group", d.ID, d.Policy)
	}
	if len(d.Keys) == 0 && !d.Temporal {
		return fmt.Errorf("unit descriptor %s: no declared keys and not temporal; it could never trigger", d.ID)
	}
	if d.Cooldown < 0 || d.Deadline < 0 {
		return fmt.Errorf("unit descriptor %s: negative duration", d.ID)
	}
	return nil
}

// policy returns the effective execution policy (empty defaults to queue).
func (d UnitDescriptor) policy() ExecutionPolicy {
	if d.Policy == "" {
		return PolicyQueue
	}
	return d.Policy
}
