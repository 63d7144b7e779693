package mesh

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// UnitCounters are the per-Unit outcome tallies exposed on the health surface.
type UnitCounters struct {
	Successes    uint64 `json:"successes"`
	Failures     uint64 `json:"failures"`
	Suppressions uint64 `json:"suppressions"`
	Deferrals    uint64 `json:"deferrals"`
	Timeouts     uint64 `json:"timeouts"`
}

// unitState is the registry's mutable record for one registered Unit.
type unitState struct {
	desc UnitDescriptor
	unit Unit
	seq  int // registration order, the deterministic tie-breaker

	enabled       bool
	lastFiredAt   time.Time
	everFired     bool
	timeoutStreak int
	counters      UnitCounters
}

// unitView is an immutable copy handed to the Scheduler for one cycle.
type unitView struct {
	desc UnitDescriptor
	unit Unit
	seq  int
}

// UnitRegistry holds the registered Unit population. Registration happens at
// startup or hot-swap time; the Scheduler reads consistent per-cycle views.
type UnitRegistry struct {
	mu      sync.RWMutex
	units   map[UnitID]*unitState
	order   []UnitID // registration order
	nextSeq int
}

// NewUnitRegistry returns an empty registry.
func NewUnitRegistry() *UnitRegistry {
	return &UnitRegistry{units: make(map[UnitID]*unitState)}
}

// Register validates desc and adds the Unit, enabled. The descriptor is
// immutable thereafter except for the enabled flag.
func (r *UnitRegistry) Register(desc UnitDescriptor, unit Unit) (UnitID, error) {
	if err := desc.Validate(); err != nil {
		return "", err
	}
	if unit == nil {
		return "", ErrUnknownUnit
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.units[desc.ID]; ok {
		return "", ErrDuplicateUnit
	}
	r.units[desc.ID] = &unitState{desc: desc, unit: unit, seq: r.nextSeq, enabled: true}
	r.order = append(r.order, desc.ID)
	r.nextSeq++
	logrus.Debugf("registered unit %s (priority=%d group=%q policy=%s)", desc.ID, desc.Priority, desc.MutexGroup, desc.policy())
	return desc.ID, nil
}

// Deregister removes the Unit.
func (r *UnitRegistry) Deregister(id UnitID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.units[id]; !ok {
		return ErrUnknownUnit
	}
	delete(r.units, id)
	for i, uid := range r.order {
		if uid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// SetEnabled flips the Unit's enabled flag. Re-enabling clears the timeout
// streak so a quarantined Unit gets a fresh start.
func (r *UnitRegistry) SetEnabled(id UnitID, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.units[id]
	if !ok {
		return ErrUnknownUnit
	}
	st.enabled = enabled
	if enabled {
		st.timeoutStreak = 0
	}
	return nil
}

// Enabled reports the Unit's enabled flag.
func (r *UnitRegistry) Enabled(id UnitID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.units[id]
	if !ok {
		return false, ErrUnknownUnit
	}
	return st.enabled, nil
}

// eligible returns views of the enabled Units whose cooldown has elapsed, in
// registration order.
func (r *UnitRegistry) eligible(now time.Time) []unitView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	views := make([]unitView, 0, len(r.order))
	for _, id := range r.order {
		st := r.units[id]
		if !st.enabled {
			continue
		}
		if st.everFired && st.desc.Cooldown > 0 && now.Sub(st.lastFiredAt) < st.desc.Cooldown {
			continue
		}
		views = append(views, unitView{desc: st.desc, unit: st.unit, seq: st.seq})
	}
	return views
}

// view returns an immutable copy of the Unit's descriptor and handler.
func (r *UnitRegistry) view(id UnitID) (unitView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.units[id]
	if !ok {
		return unitView{}, false
	}
	return unitView{desc: st.desc, unit: st.unit, seq: st.seq}, true
}

// runnable reports whether the Unit is still registered and enabled. Mutex
// wait queues use it to drop entries quarantined while waiting.
func (r *UnitRegistry) runnable(id UnitID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.units[id]
	return ok && st.enabled
}

// recordFired stamps last_fired_at after a non-suppressed execution, starting
// the Unit's cooldown window.
func (r *UnitRegistry) recordFired(id UnitID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.units[id]; ok {
		st.lastFiredAt = at
		st.everFired = true
	}
}

// recordSuccess counts a successful execution and clears the timeout streak.
func (r *UnitRegistry) recordSuccess(id UnitID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.units[id]; ok {
		st.counters.Successes++
		st.timeoutStreak = 0
	}
}

// recordFailure counts a failed execution. Non-timeout failures clear the
// timeout streak; only consecutive timeouts quarantine.
func (r *UnitRegistry) recordFailure(id UnitID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.units[id]; ok {
		st.counters.Failures++
		st.timeoutStreak = 0
	}
}

// recordSuppression counts a Suppressed (abort-lower) outcome.
func (r *UnitRegistry) recordSuppression(id UnitID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.units[id]; ok {
		st.counters.Suppressions++
	}
}

// recordDeferral counts a throttle deferral.
func (r *UnitRegistry) recordDeferral(id UnitID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.units[id]; ok {
		st.counters.Deferrals++
	}
}

// recordTimeout counts a deadline overrun and extends the streak. When the
// streak reaches the configured threshold the Unit is auto-disabled until
// SetEnabled(id, true); the return value reports that quarantine tripped.
func (r *UnitRegistry) recordTimeout(id UnitID, streakLimit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.units[id]
	if !ok {
		return false
	}
	st.counters.Failures++
	st.counters.Timeouts++
	st.timeoutStreak++
	if streakLimit > 0 && st.timeoutStreak >= streakLimit {
		st.enabled = false
		logrus.Warnf("unit %s auto-disabled after %d consecutive timeouts", id, st.timeoutStreak)
		return true
	}
	return false
}

// Counters returns a copy of the Unit's outcome tallies.
func (r *UnitRegistry) Counters(id UnitID) (UnitCounters, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.units[id]
	if !ok {
		return UnitCounters{}, ErrUnknownUnit
	}
	return st.counters, nil
}

// Stats returns outcome tallies for every registered Unit.
func (r *UnitRegistry) Stats() map[UnitID]UnitCounters {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[UnitID]UnitCounters, len(r.units))
	for id, st := range r.units {
		out[id] = st.counters
	}
	return out
}

// Len returns the number of registered Units.
func (r *UnitRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.units)
}
