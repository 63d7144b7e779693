package mesh

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy. All are local to one
// Unit's execution except ErrStoreCorrupted, which halts the Reactor.
var (
	// ErrVersionConflict reports a CAS whose expected version no longer
	// matches. Recoverable: the Unit re-evaluates next cycle.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAccessDenied reports a read or write outside a Unit's ACL grant.
	// Logged and traced as a security event; never aborts the cycle.
	ErrAccessDenied = errors.New("access denied")

	// ErrTimeout reports an execution that exceeded its deadline. Counted
	// per Unit; a configured streak auto-disables the Unit.
	ErrTimeout = errors.New("execution deadline exceeded")

	// ErrTraceSinkUnavailable reports a trace sink write failure. Degrades
	// trace durability only; never blocks or delays a mutation.
	ErrTraceSinkUnavailable = errors.New("trace sink unavailable")

	// ErrPressureExceeded reports admission deferred by the throttle.
	ErrPressureExceeded = errors.New("pressure exceeded")

	// ErrStoreCorrupted reports a Version Store invariant violation (a
	// version moved backward). Fatal: the Reactor halts and surfaces it.
	ErrStoreCorrupted = errors.New("version store corrupted")

	// ErrEngineHalted is returned by all engine entry points after a fatal
	// store corruption has been observed.
	ErrEngineHalted = errors.New("engine halted")

	// ErrUnknownUnit is returned for operations on an unregistered UnitID.
	ErrUnknownUnit = errors.New("unknown unit")

	// ErrDuplicateUnit is returned when registering an already-known UnitID.
	ErrDuplicateUnit = errors.New("duplicate unit")
)

// VersionConflictError carries the key and version pair of a failed CAS.
// errors.Is(err, ErrVersionConflict) matches it.
type VersionConflictError struct {
	Key      string
	Expected uint64
	Actual   uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %q: expected %d, have %d", e.Key, e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// AccessDeniedError carries the denied principal, key, and operation.
// errors.Is(err, ErrAccessDenied) matches it.
type AccessDeniedError struct {
	Unit UnitID
	Key  string
	Op   string // "read" or "write"
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: unit %q may not %s %q", e.Unit, e.Op, e.Key)
}

func (e *AccessDeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}
