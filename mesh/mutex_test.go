package mesh

import (
	"testing"
	"time"
)

func testBoost() BoostConfig {
	return BoostConfig{Threshold: time.Second, Rate: 1.0, Cap: 10.0}
}

func TestEffectivePriority_GrowsWithWaitAndCaps(t *testing.T) {
	cfg := testBoost()

	// GIVEN a base priority of 5
	// THEN no boost accrues inside the threshold
	if got := effectivePriority(5, 500*time.Millisecond, cfg); got != 5.0 {
		t.Errorf("inside threshold: got %g, want 5", got)
	}
	// AND boost grows monotonically past the threshold
	p3 := effectivePriority(5, 3*time.Second, cfg)
	p6 := effectivePriority(5, 6*time.Second, cfg)
	if !(p6 > p3 && p3 > 5.0) {
		t.Errorf("boost not monotonic: %g then %g", p3, p6)
	}
	// AND the boost is capped so waiting forever cannot exceed base+cap
	if got := effectivePriority(5, time.Hour, cfg); got != 15.0 {
		t.Errorf("cap: got %g, want 15", got)
	}
}

func TestMutexTable_TryAcquire_ExclusivePerGroup(t *testing.T) {
	// GIVEN a free group
	tbl := newMutexTable(testBoost())

	// WHEN two units race for it
	if !tbl.tryAcquire("g", "x") {
		t.Fatal("first acquire should succeed")
	}
	if tbl.tryAcquire("g", "y") {
		t.Error("second acquire should fail while busy")
	}

	// THEN release frees it for the next
	tbl.release("g", "x")
	if !tbl.tryAcquire("g", "y") {
		t.Error("acquire after release should succeed")
	}
}

func TestMutexTable_TryAcquire_WaitersBlockFreshMatches(t *testing.T) {
	// GIVEN a free group with a queued waiter
	tbl := newMutexTable(testBoost())
	tbl.enqueue(&MutexQueueEntry{UnitID: "waiter", MutexGroup: "g", EnqueuedAt: time.Now(), BasePriority: 1})

	// THEN a fresh match cannot overtake the queue
	if tbl.tryAcquire("g", "fresh") {
		t.Error("fresh match overtook a queued waiter")
	}
}

func TestMutexTable_PopRunnable_PriorityThenWaitOrder(t *testing.T) {
	// GIVEN three waiters with distinct priorities, equal enqueue times
	tbl := newMutexTable(testBoost())
	now := time.Now()
	for _, e := range []*MutexQueueEntry{
		{UnitID: "low", MutexGroup: "g", EnqueuedAt: now, BasePriority: 1, Seq: 0},
		{UnitID: "high", MutexGroup: "g", EnqueuedAt: now, BasePriority: 10, Seq: 1},
		{UnitID: "mid", MutexGroup: "g", EnqueuedAt: now, BasePriority: 5, Seq: 2},
	} {
		tbl.enqueue(e)
	}

	// WHEN drained
	var order []UnitID
	for {
		e := tbl.popRunnable("g", nil, nil, now)
		if e == nil {
			break
		}
		order = append(order, e.UnitID)
		tbl.release("g", e.UnitID)
	}

	// THEN highest effective priority pops first
	want := []UnitID{"high", "mid", "low"}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("pop[%d]: got %s, want %s", i, order[i], id)
		}
	}
}

func TestMutexTable_PopRunnable_BoostOvertakesHigherBase(t *testing.T) {
	// GIVEN a long-waiting low-priority entry and a fresh high-priority one
	tbl := newMutexTable(BoostConfig{Threshold: 0, Rate: 1.0, Cap: 100})
	start := time.Now()
	tbl.enqueue(&MutexQueueEntry{UnitID: "patient", MutexGroup: "g", EnqueuedAt: start, BasePriority: 1, Seq: 0})
	tbl.enqueue(&MutexQueueEntry{UnitID: "vip", MutexGroup: "g", EnqueuedAt: start.Add(20 * time.Second), BasePriority: 10, Seq: 1})

	// WHEN popped 21s after the patient entry enqueued (boost 21 > gap 9)
	e := tbl.popRunnable("g", nil, nil, start.Add(21*time.Second))

	// THEN the starved entry is admitted first
	if e == nil || e.UnitID != "patient" {
		t.Fatalf("expected patient admitted first, got %v", e)
	}
}

func TestMutexTable_PopRunnable_DropsDeadEntries(t *testing.T) {
	// GIVEN a queue whose head unit was disabled while waiting
	tbl := newMutexTable(testBoost())
	now := time.Now()
	tbl.enqueue(&MutexQueueEntry{UnitID: "dead", MutexGroup: "g", EnqueuedAt: now, BasePriority: 10})
	tbl.enqueue(&MutexQueueEntry{UnitID: "alive", MutexGroup: "g", EnqueuedAt: now, BasePriority: 1})

	// WHEN popped with an alive filter
	e := tbl.popRunnable("g", func(id UnitID) bool { return id == "alive" }, nil, now)

	// THEN the dead entry is dropped, not admitted
	if e == nil || e.UnitID != "alive" {
		t.Fatalf("expected alive entry, got %v", e)
	}
}

func TestMutexTable_PopRunnable_InadmissibleStaysQueued(t *testing.T) {
	// GIVEN a waiter that is currently inadmissible (degraded mode)
	tbl := newMutexTable(testBoost())
	now := time.Now()
	tbl.enqueue(&MutexQueueEntry{UnitID: "noncritical", MutexGroup: "g", EnqueuedAt: now, BasePriority: 5})

	// WHEN popped with an admissible filter that rejects it
	e := tbl.popRunnable("g", nil, func(UnitID) bool { return false }, now)

	// THEN nothing is admitted and the entry remains queued for later
	if e != nil {
		t.Fatalf("inadmissible entry admitted: %v", e.UnitID)
	}
	if !tbl.hasWaiters("g") {
		t.Error("inadmissible entry was dropped instead of requeued")
	}
	// AND it is admitted once the restriction lifts
	if e := tbl.popRunnable("g", nil, nil, now); e == nil || e.UnitID != "noncritical" {
		t.Error("entry not admitted after restriction lifted")
	}
}

func TestMutexTable_PopRunnable_SkipsInadmissibleHead(t *testing.T) {
	// GIVEN an inadmissible waiter ahead of an admissible one
	tbl := newMutexTable(testBoost())
	now := time.Now()
	tbl.enqueue(&MutexQueueEntry{UnitID: "noncritical", MutexGroup: "g", EnqueuedAt: now, BasePriority: 10, Seq: 0})
	tbl.enqueue(&MutexQueueEntry{UnitID: "critical", MutexGroup: "g", EnqueuedAt: now, BasePriority: 1, Seq: 1})

	// WHEN popped with an admissible filter that only accepts the second
	e := tbl.popRunnable("g", nil, func(id UnitID) bool { return id == "critical" }, now)

	// THEN the admissible waiter is admitted past the blocked head
	if e == nil || e.UnitID != "critical" {
		t.Fatalf("expected critical admitted, got %v", e)
	}
	// AND the skipped head stays queued for when the restriction lifts
	if !tbl.hasWaiters("g") {
		t.Error("skipped head was dropped instead of requeued")
	}
	tbl.release("g", "critical")
	if e := tbl.popRunnable("g", nil, nil, now); e == nil || e.UnitID != "noncritical" {
		t.Error("skipped head not admitted after restriction lifted")
	}
}

func TestMutexTable_Enqueue_Deduplicates(t *testing.T) {
	// GIVEN the same unit enqueued twice
	tbl := newMutexTable(testBoost())
	now := time.Now()
	tbl.enqueue(&MutexQueueEntry{UnitID: "u", MutexGroup: "g", EnqueuedAt: now, BasePriority: 1})
	tbl.enqueue(&MutexQueueEntry{UnitID: "u", MutexGroup: "g", EnqueuedAt: now.Add(time.Second), BasePriority: 1})

	// THEN only one entry waits
	if depths := tbl.QueueDepths(); depths["g"] != 1 {
		t.Errorf("queue depth: got %d, want 1", depths["g"])
	}
}

func TestMutexTable_Interrupt_BeforeHolderContext_FiresOnSetCancel(t *testing.T) {
	// GIVEN a holder admitted but whose execution context is not yet set
	tbl := newMutexTable(testBoost())
	tbl.tryAcquire("g", "holder")

	// WHEN an interrupt arrives early
	tbl.interrupt("g")

	// THEN the cancel fires as soon as the holder's context registers
	fired := false
	tbl.setCancel("g", "holder", func() { fired = true })
	if !fired {
		t.Error("pending interrupt did not fire on setCancel")
	}
}
