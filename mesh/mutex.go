package mesh

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"
)

// BoostConfig tunes starvation-freedom for queued mutex entries. A waiter's
// effective priority grows with wait time beyond Threshold at Rate priority
// points per second, capped at Cap so a boosted low-priority Unit cannot
// permanently displace a legitimately higher continuous-priority Unit beyond
// one admission.
type BoostConfig struct {
	Threshold time.Duration // wait before boost starts accruing
	Rate      float64       // priority points per second of excess wait
	Cap       float64       // maximum boost
}

// MutexQueueEntry is one Unit waiting on a busy mutex group. Effective
// priority is recomputed lazily from elapsed wait on each dequeue rather than
// eagerly re-sorting the queue every cycle.
type MutexQueueEntry struct {
	UnitID            UnitID
	MutexGroup        string
	EnqueuedAt        time.Time
	BasePriority      int
	Seq               int // registration order tie-break
	Interrupter       bool
	EffectivePriority float64 // recomputed on dequeue
}

// effectivePriority computes base priority plus the capped wait boost.
func effectivePriority(base int, waited time.Duration, cfg BoostConfig) float64 {
	excess := waited - cfg.Threshold
	if excess <= 0 {
		return float64(base)
	}
	boost := cfg.Rate * excess.Seconds()
	if cfg.Cap > 0 && boost > cfg.Cap {
		boost = cfg.Cap
	}
	return float64(base) + boost
}

// waitHeap orders entries by effective priority descending; ties break by
// enqueue time ascending, then registration order ascending, for determinism.
// Interrupters sort ahead of everything: the interrupted holder already
// yielded for them.
type waitHeap []*MutexQueueEntry

func (h waitHeap) Len() int { return len(h) }

func (h waitHeap) Less(i, j int) bool {
	if h[i].Interrupter != h[j].Interrupter {
		return h[i].Interrupter
	}
	if h[i].EffectivePriority != h[j].EffectivePriority {
		return h[i].EffectivePriority > h[j].EffectivePriority
	}
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].Seq < h[j].Seq
}

func (h waitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *waitHeap) Push(x any) {
	*h = append(*h, x.(*MutexQueueEntry))
}

func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mutexGroup is one mutual-exclusion domain: at most one holder at a time.
type mutexGroup struct {
	busy             bool
	holder           UnitID
	cancel           context.CancelFunc // holder's cooperative stop signal
	interruptPending bool               // interrupt arrived before the holder's context existed
	waiters          waitHeap
}

// mutexTable tracks every mutex group's holder and wait queue.
type mutexTable struct {
	mu     sync.Mutex
	boost  BoostConfig
	groups map[string]*mutexGroup
}

func newMutexTable(boost BoostConfig) *mutexTable {
	return &mutexTable{boost: boost, groups: make(map[string]*mutexGroup)}
}

func (t *mutexTable) group(name string) *mutexGroup {
	g, ok := t.groups[name]
	if !ok {
		g = &mutexGroup{}
		t.groups[name] = g
	}
	return g
}

// tryAcquire admits unit into group if it is free AND has no waiters (waiters
// queued earlier must not be overtaken by a fresh match).
func (t *mutexTable) tryAcquire(group string, unit UnitID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.group(group)
	if g.busy || g.waiters.Len() > 0 {
		return false
	}
	g.busy = true
	g.holder = unit
	g.cancel = nil
	return true
}

// setCancel records the holder's cooperative stop signal once its execution
// context exists. An interrupt requested before that point fires immediately.
func (t *mutexTable) setCancel(group string, unit UnitID, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.group(group)
	if !g.busy || g.holder != unit {
		return
	}
	g.cancel = cancel
	if g.interruptPending {
		g.interruptPending = false
		cancel()
	}
}

// release frees the group after its holder finishes.
func (t *mutexTable) release(group string, unit UnitID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.group(group)
	if g.busy && g.holder == unit {
		g.busy = false
		g.holder = ""
		g.cancel = nil
		g.interruptPending = false
	}
}

// enqueue parks a matched Unit behind the group's current holder. A Unit
// already waiting in the group is not enqueued twice.
func (t *mutexTable) enqueue(e *MutexQueueEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.group(e.MutexGroup)
	for _, w := range g.waiters {
		if w.UnitID == e.UnitID {
			return
		}
	}
	e.EffectivePriority = float64(e.BasePriority)
	heap.Push(&g.waiters, e)
}

// interrupt signals the group's current holder to stop at its next
// checkpoint. The engine never forcibly terminates mid-mutation; the holder
// keeps the group until it yields.
func (t *mutexTable) interrupt(group string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.group(group)
	if !g.busy {
		return
	}
	if g.cancel != nil {
		g.cancel()
	} else {
		g.interruptPending = true
	}
}

// popRunnable dequeues the highest effective-priority admissible waiter of a
// free group and marks the group busy for it, recomputing every waiter's boost
// from elapsed wait first. Entries failing alive (disabled or deregistered
// while queued) are dropped. Entries failing admissible (e.g. a non-critical
// Unit during degraded mode) are skipped but stay queued, so an admissible
// waiter further back is not blocked by them. Returns nil when the group is
// busy or has no admissible waiter.
func (t *mutexTable) popRunnable(group string, alive, admissible func(UnitID) bool, now time.Time) *MutexQueueEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.group(group)
	if g.busy {
		return nil
	}
	for _, w := range g.waiters {
		w.EffectivePriority = effectivePriority(w.BasePriority, now.Sub(w.EnqueuedAt), t.boost)
	}
	heap.Init(&g.waiters)
	var admitted *MutexQueueEntry
	var skipped []*MutexQueueEntry
	for g.waiters.Len() > 0 {
		e := heap.Pop(&g.waiters).(*MutexQueueEntry)
		if alive != nil && !alive(e.UnitID) {
			continue
		}
		if admissible != nil && !admissible(e.UnitID) {
			skipped = append(skipped, e)
			continue
		}
		admitted = e
		break
	}
	for _, e := range skipped {
		heap.Push(&g.waiters, e)
	}
	if admitted == nil {
		return nil
	}
	g.busy = true
	g.holder = admitted.UnitID
	g.cancel = nil
	g.interruptPending = false
	return admitted
}

// groupNames returns the names of groups with at least one waiter, sorted so
// drain order is deterministic.
func (t *mutexTable) groupNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.groups))
	for name, g := range t.groups {
		if g.waiters.Len() > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// waitingUnits returns the IDs of every queued waiter across all groups.
func (t *mutexTable) waitingUnits() []UnitID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []UnitID
	for _, g := range t.groups {
		for _, w := range g.waiters {
			ids = append(ids, w.UnitID)
		}
	}
	return ids
}

// hasWaiters reports whether the group has queued entries.
func (t *mutexTable) hasWaiters(group string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[group]
	return ok && g.waiters.Len() > 0
}

// QueueDepths returns the current waiter count per mutex group, for the
// health surface.
func (t *mutexTable) QueueDepths() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.groups))
	for name, g := range t.groups {
		if g.waiters.Len() > 0 || g.busy {
			out[name] = g.waiters.Len()
		}
	}
	return out
}
