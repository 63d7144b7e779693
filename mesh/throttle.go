package mesh

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ThrottleConfig tunes the Throttle Monitor.
type ThrottleConfig struct {
	// Threshold is the pressure above which the per-cycle admission budget
	// scales down by (1 - pressure).
	Threshold float64
	// Emergency is the pressure above which only Critical Units are admitted.
	Emergency float64
	// SampleInterval is how often the mutation rate is resampled.
	SampleInterval time.Duration
}

// ThrottleMonitor tracks the aggregate mutation rate and an externally
// supplied pressure signal (0.0–1.0). It scales the Scheduler's admission
// budget and, above the emergency threshold, switches the engine to degraded
// (critical-only) mode. Deferral, not rejection: excess matches wait for a
// later cycle.
type ThrottleMonitor struct {
	cfg ThrottleConfig

	pressureBits atomic.Uint64 // float64 bits

	mu         sync.Mutex
	lastSample time.Time
	lastCount  uint64
	rate       float64 // mutations per second, from the most recent sample
}

// NewThrottleMonitor returns a monitor with zero initial pressure.
func NewThrottleMonitor(cfg ThrottleConfig) *ThrottleMonitor {
	return &ThrottleMonitor{cfg: cfg}
}

// SetPressure records the external pressure signal, clamped to [0, 1].
func (m *ThrottleMonitor) SetPressure(p float64) {
	if math.IsNaN(p) {
		return
	}
	p = math.Min(1, math.Max(0, p))
	m.pressureBits.Store(math.Float64bits(p))
	if p > m.cfg.Emergency {
		logrus.Warnf("pressure %.2f above emergency threshold %.2f; degraded mode", p, m.cfg.Emergency)
	}
}

// Pressure returns the current pressure signal.
func (m *ThrottleMonitor) Pressure() float64 {
	return math.Float64frombits(m.pressureBits.Load())
}

// Sample updates the observed mutation rate from the store's running counter.
// Called once per SampleInterval by the engine loop.
func (m *ThrottleMonitor) Sample(now time.Time, totalMutations uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSample.IsZero() {
		m.lastSample = now
		m.lastCount = totalMutations
		return
	}
	elapsed := now.Sub(m.lastSample)
	if elapsed < m.cfg.SampleInterval {
		return
	}
	m.rate = float64(totalMutations-m.lastCount) / elapsed.Seconds()
	m.lastSample = now
	m.lastCount = totalMutations
}

// Rate returns the mutation rate from the most recent sample, per second.
func (m *ThrottleMonitor) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

// Budget scales the base per-cycle admission budget by (1 - pressure) once
// pressure exceeds the threshold. base <= 0 means unlimited, reported through
// the second return so a budget scaled down to zero is never mistaken for it:
// zero means nothing is admitted this cycle.
func (m *ThrottleMonitor) Budget(base int) (limit int, unlimited bool) {
	if base <= 0 {
		return 0, true
	}
	p := m.Pressure()
	if p <= m.cfg.Threshold {
		return base, false
	}
	scaled := int(math.Floor(float64(base) * (1 - p)))
	if scaled < 0 {
		scaled = 0
	}
	return scaled, false
}

// Degraded reports whether pressure exceeds the emergency threshold, in which
// case only Critical Units are admitted until pressure subsides.
func (m *ThrottleMonitor) Degraded() bool {
	return m.Pressure() > m.cfg.Emergency
}
