package mesh

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mesh-engine/mesh-engine/mesh/trace"
)

// CycleID identifies one Collect→Order→Admit→Execute pass of the Reactor.
type CycleID string

// executionGrace is how long the engine waits past a canceled or expired
// context for a straggling action to yield before abandoning it. An
// abandoned action's writes can never commit.
const executionGrace = 250 * time.Millisecond

// execution is one admitted Unit run: the Unit, the snapshot its trigger was
// evaluated against (scoped to its readable keys), and the cycle it belongs
// to.
type execution struct {
	view    unitView
	snap    *Snapshot
	cycleID CycleID
}

// RunCycle performs one full Reactor cycle synchronously:
//
//  1. Collect: evaluate triggers of every eligible Unit whose declared keys
//     intersect the observed change set (temporal Units always evaluate),
//     against one immutable snapshot.
//  2. Order: sort matches by priority descending, registration order
//     ascending — deterministic and reproducible.
//  3. Admit: throttle budget and degraded-mode gating, then mutex-group
//     arbitration per the Unit's execution policy.
//  4. Execute: admitted Units run in parallel on the worker pool, each with
//     a deadline; writes commit all-or-nothing via CAS. Freed groups drain
//     their wait queues into further waves within the same cycle.
//
// Failures inside one Unit never propagate to others; the only error
// returned is a fatal store corruption, which halts the engine.
func (e *Engine) RunCycle(ctx context.Context) error {
	if err := e.haltedErr(); err != nil {
		return err
	}
	now := e.clock()
	cycleID := CycleID(uuid.NewString())
	e.cycles.Add(1)

	// Collect. Matches deferred by the throttle in earlier cycles re-enter
	// here: their change notification was already drained, so the deferred
	// set carries them forward until they are admitted or stop matching.
	changed := e.store.DrainChanges()
	eligible := e.registry.eligible(now)
	deferred := e.deferredSnapshot()
	candidates := collectCandidates(eligible, changed, deferred)
	for _, v := range candidates {
		e.clearDeferred(v.desc.ID)
	}
	snap := e.snaps.Capture(e.snapshotKeys(candidates), now)
	matches := e.evaluateTriggers(candidates, snap, cycleID)

	// Order.
	orderMatches(matches)

	// Admit + Execute in waves until no admissible work remains.
	admitted := 0
	budget, unlimited := e.throttle.Budget(e.cfg.MaxAdmissionsPerCycle)
	degraded := e.throttle.Degraded()
	if degraded {
		logrus.Debugf("cycle %s: degraded mode, only critical units admitted", cycleID)
	}

	wave := make([]*execution, 0, len(matches))
	for _, m := range matches {
		if degraded && !m.desc.Critical {
			e.deferMatch(m, cycleID, now, "emergency pressure")
			continue
		}
		if !unlimited && admitted >= budget {
			e.deferMatch(m, cycleID, now, "mutation budget exhausted")
			continue
		}
		group := m.desc.MutexGroup
		if group == "" || e.mutexes.tryAcquire(group, m.desc.ID) {
			wave = append(wave, &execution{view: m, snap: snap.scope(e.readableKeys(m)), cycleID: cycleID})
			admitted++
			continue
		}
		switch m.desc.policy() {
		case PolicyAbortLower:
			e.registry.recordSuppression(m.desc.ID)
			e.recorder.Record(trace.MutationRecord{
				UnitID: string(m.desc.ID), CycleID: string(cycleID),
				StartedAt: now, FinishedAt: now,
				Outcome: trace.OutcomeSuppressed, Reason: "mutex group busy",
			})
		case PolicyInterrupt:
			e.mutexes.interrupt(group)
			e.mutexes.enqueue(&MutexQueueEntry{
				UnitID: m.desc.ID, MutexGroup: group, EnqueuedAt: now,
				BasePriority: m.desc.Priority, Seq: m.seq, Interrupter: true,
			})
		default:
			e.mutexes.enqueue(&MutexQueueEntry{
				UnitID: m.desc.ID, MutexGroup: group, EnqueuedAt: now,
				BasePriority: m.desc.Priority, Seq: m.seq,
			})
		}
	}

	// Waiters queued in earlier cycles drain here too, so the loop runs at
	// least once even when this cycle produced no fresh admissions.
	admissible := func(id UnitID) bool {
		if !degraded {
			return true
		}
		v, ok := e.registry.view(id)
		return ok && v.desc.Critical
	}
	for {
		if len(wave) > 0 {
			e.executeWave(ctx, wave)
			if err := e.haltedErr(); err != nil {
				return err
			}
		}
		wave = wave[:0]
		for _, group := range e.mutexes.groupNames() {
			if !unlimited && admitted >= budget {
				break
			}
			entry := e.mutexes.popRunnable(group, e.registry.runnable, admissible, e.clock())
			if entry == nil {
				continue
			}
			v, ok := e.registry.view(entry.UnitID)
			if !ok {
				e.mutexes.release(group, entry.UnitID)
				continue
			}
			wave = append(wave, &execution{view: v, snap: snap.scope(e.readableKeys(v)), cycleID: cycleID})
			admitted++
		}
		if len(wave) == 0 {
			return nil
		}
	}
}

// collectCandidates filters eligible Units to those whose declared keys
// intersect the change set, plus temporal Units and Units carrying a deferred
// match from an earlier cycle, preserving registration order.
func collectCandidates(eligible []unitView, changed []string, deferred map[UnitID]struct{}) []unitView {
	changedSet := make(map[string]struct{}, len(changed))
	for _, k := range changed {
		changedSet[k] = struct{}{}
	}
	out := make([]unitView, 0, len(eligible))
	for _, v := range eligible {
		if v.desc.Temporal {
			out = append(out, v)
			continue
		}
		if _, ok := deferred[v.desc.ID]; ok {
			out = append(out, v)
			continue
		}
		for _, k := range v.desc.Keys {
			if _, ok := changedSet[k]; ok {
				out = append(out, v)
				break
			}
		}
	}
	return out
}

// snapshotKeys returns the union of the candidates' declared keys and the
// declared keys of every Unit still waiting in a mutex queue, so drained
// executions read from the cycle's snapshot too.
func (e *Engine) snapshotKeys(candidates []unitView) []string {
	set := make(map[string]struct{})
	for _, v := range candidates {
		for _, k := range v.desc.Keys {
			set[k] = struct{}{}
		}
	}
	for _, id := range e.mutexes.waitingUnits() {
		if v, ok := e.registry.view(id); ok {
			for _, k := range v.desc.Keys {
				set[k] = struct{}{}
			}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// readableKeys filters a Unit's declared keys through its read grants.
func (e *Engine) readableKeys(v unitView) []string {
	keys := make([]string, 0, len(v.desc.Keys))
	for _, k := range v.desc.Keys {
		if e.acl.CanRead(v.desc.ID, k) {
			keys = append(keys, k)
		}
	}
	return keys
}

// evaluateTriggers runs every candidate's trigger against its scoped view of
// the cycle snapshot. Evaluations are traced at the full level.
func (e *Engine) evaluateTriggers(candidates []unitView, snap *Snapshot, cycleID CycleID) []unitView {
	matches := make([]unitView, 0, len(candidates))
	for _, v := range candidates {
		matched := v.unit.Trigger(snap.scope(e.readableKeys(v)))
		e.recorder.Record(trace.EvaluationRecord{
			UnitID: string(v.desc.ID), CycleID: string(cycleID),
			Clock: snap.CapturedAt, Matched: matched,
		})
		if matched {
			matches = append(matches, v)
		}
	}
	return matches
}

// orderMatches sorts in place by priority descending, ties broken by
// registration order ascending, for deterministic reproducible cycles.
func orderMatches(matches []unitView) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].desc.Priority != matches[j].desc.Priority {
			return matches[i].desc.Priority > matches[j].desc.Priority
		}
		return matches[i].seq < matches[j].seq
	})
}

// deferMatch records a throttle deferral and marks the Unit so the next
// cycle's Collect picks it up again: its change notification was already
// drained, so deferral would otherwise mean silent rejection.
func (e *Engine) deferMatch(m unitView, cycleID CycleID, now time.Time, reason string) {
	e.markDeferred(m.desc.ID)
	e.registry.recordDeferral(m.desc.ID)
	e.recorder.Record(trace.MutationRecord{
		UnitID: string(m.desc.ID), CycleID: string(cycleID),
		StartedAt: now, FinishedAt: now,
		Outcome: trace.OutcomeDeferred, Reason: reason,
	})
}

// executeWave runs the wave's executions in parallel, bounded by the worker
// pool, and returns once every execution has finished or been abandoned.
func (e *Engine) executeWave(ctx context.Context, wave []*execution) {
	var wg sync.WaitGroup
	for _, ex := range wave {
		wg.Add(1)
		go func(ex *execution) {
			defer wg.Done()
			e.workers <- struct{}{}
			defer func() { <-e.workers }()
			e.execute(ctx, ex)
		}(ex)
	}
	wg.Wait()
}

// execute runs one admitted Unit: action with deadline, all-or-nothing CAS
// commit, outcome accounting, trace record, and mutex-group release.
func (e *Engine) execute(parent context.Context, ex *execution) {
	desc := ex.view.desc
	deadline := desc.Deadline
	if deadline <= 0 {
		deadline = e.cfg.DefaultDeadline
	}
	ctx, cancel := context.WithTimeout(parent, deadline)
	defer cancel()
	if desc.MutexGroup != "" {
		e.mutexes.setCancel(desc.MutexGroup, desc.ID, cancel)
		defer e.mutexes.release(desc.MutexGroup, desc.ID)
	}

	h := newHandle(desc.ID, ex.snap, e.acl)
	started := e.clock()
	rec := trace.MutationRecord{
		UnitID:     string(desc.ID),
		SnapshotID: string(ex.snap.ID),
		CycleID:    string(ex.cycleID),
		StartedAt:  started,
	}

	done := make(chan error, 1)
	var abandoned atomic.Bool
	go func() {
		err := ex.view.unit.Act(ctx, h)
		if abandoned.Load() {
			// The engine gave up waiting; this result is void and the
			// handle must not be read concurrently.
			return
		}
		done <- err
	}()

	var actErr error
	yielded := true
	select {
	case actErr = <-done:
	case <-ctx.Done():
		// Cooperative cancellation: give the action a grace beat to reach
		// its next checkpoint.
		select {
		case actErr = <-done:
		case <-time.After(executionGrace):
			abandoned.Store(true)
			yielded = false
		}
	}
	finished := e.clock()
	rec.FinishedAt = finished

	switch {
	case !yielded || ctx.Err() == context.DeadlineExceeded:
		rec.Outcome = trace.OutcomeFailed
		rec.Reason = "timeout"
		if e.registry.recordTimeout(desc.ID, e.cfg.TimeoutStreak) {
			rec.Outcome = trace.OutcomeQuarantined
			rec.Reason = "timeout streak; unit auto-disabled"
		}
		e.registry.recordFired(desc.ID, finished)
		logrus.Warnf("unit %s exceeded its %s deadline", desc.ID, deadline)
	case ctx.Err() != nil:
		// Interrupted (or engine shutdown) before completing: nothing commits.
		rec.Outcome = trace.OutcomeFailed
		rec.Reason = "interrupted"
		e.registry.recordFailure(desc.ID)
		e.registry.recordFired(desc.ID, finished)
	case actErr != nil:
		rec.Outcome = trace.OutcomeFailed
		rec.Reason = actErr.Error()
		e.registry.recordFailure(desc.ID)
		e.registry.recordFired(desc.ID, finished)
	default:
		err := e.store.Commit(h.pending(), desc.ID, finished)
		switch {
		case err == nil:
			keys, before, after := h.diff()
			rec.KeysChanged = keys
			rec.Before = before
			rec.After = after
			rec.Outcome = trace.OutcomeSuccess
			e.registry.recordSuccess(desc.ID)
		case errors.Is(err, ErrStoreCorrupted):
			e.halt(err)
			rec.Outcome = trace.OutcomeFailed
			rec.Reason = err.Error()
			e.registry.recordFailure(desc.ID)
		default:
			// Version conflict: whole action rolled back, retriggers next
			// cycle if its condition still holds.
			rec.Outcome = trace.OutcomeFailed
			rec.Reason = err.Error()
			e.registry.recordFailure(desc.ID)
		}
		e.registry.recordFired(desc.ID, finished)
	}

	if yielded {
		for _, d := range h.denials {
			e.recorder.Record(trace.AccessRecord{
				UnitID: string(desc.ID), Key: d.key, Op: d.op, Clock: finished,
			})
		}
	}
	e.recorder.Record(rec)
}
