// Package trace provides append-only recording of every trigger evaluation
// and execution the engine performs. This package has no dependency on
// mesh/ — it stores pure data types plus the asynchronous recorder.
package trace

import "time"

// Outcome classifies one execution attempt.
type Outcome string

const (
	// OutcomeSuccess: the action ran and all its writes committed.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailed: the action errored, timed out, or its commit hit a
	// version conflict; no writes are visible.
	OutcomeFailed Outcome = "failed"
	// OutcomeSuppressed: dropped by the abort-lower mutex policy.
	OutcomeSuppressed Outcome = "suppressed"
	// OutcomeDeferred: admission pushed to a later cycle by the throttle.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeQuarantined: the execution's timeout tripped the streak limit
	// and the Unit was auto-disabled.
	OutcomeQuarantined Outcome = "quarantined"
)

// Level controls recording verbosity.
type Level string

const (
	// LevelNone disables recording (zero overhead).
	LevelNone Level = "none"
	// LevelDecisions records executions and security events.
	LevelDecisions Level = "decisions"
	// LevelFull additionally records every trigger evaluation.
	LevelFull Level = "full"
)

// validLevels maps accepted level strings. Empty defaults to decisions.
var validLevels = map[Level]bool{
	LevelNone:      true,
	LevelDecisions: true,
	LevelFull:      true,
	"":             true,
}

// IsValidLevel returns true if level is recognized.
func IsValidLevel(level string) bool {
	return validLevels[Level(level)]
}

// Kind discriminates record types in the export stream.
type Kind string

const (
	KindMutation   Kind = "mutation"
	KindEvaluation Kind = "evaluation"
	KindAccess     Kind = "access"
)

// Record is any traceable event.
type Record interface {
	RecordKind() Kind
}

// MutationRecord captures one execution attempt: the before/after diff of
// every key the Unit changed, timing, and the outcome. Append-only; never
// mutated after creation.
type MutationRecord struct {
	UnitID      string         `json:"unit_id"`
	SnapshotID  string         `json:"snapshot_id,omitempty"`
	CycleID     string         `json:"cycle_id"`
	KeysChanged []string       `json:"keys_changed,omitempty"`
	Before      map[string]any `json:"before,omitempty"`
	After       map[string]any `json:"after,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Outcome     Outcome        `json:"outcome"`
	Reason      string         `json:"reason,omitempty"`
}

func (MutationRecord) RecordKind() Kind { return KindMutation }

// EvaluationRecord captures one trigger evaluation (recorded at LevelFull).
type EvaluationRecord struct {
	UnitID  string    `json:"unit_id"`
	CycleID string    `json:"cycle_id"`
	Clock   time.Time `json:"clock"`
	Matched bool      `json:"matched"`
}

func (EvaluationRecord) RecordKind() Kind { return KindEvaluation }

// AccessRecord captures an ACL violation: a read or write attempted outside
// the Unit's declared namespace. Security-relevant; recorded at
// LevelDecisions and above.
type AccessRecord struct {
	UnitID string    `json:"unit_id"`
	Key    string    `json:"key"`
	Op     string    `json:"op"` // "read" or "write"
	Clock  time.Time `json:"clock"`
}

func (AccessRecord) RecordKind() Kind { return KindAccess }
