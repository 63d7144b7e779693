package mesh

import "github.com/mesh-engine/mesh-engine/mesh/trace"

// HealthReport is the engine's health/metrics surface, polled by external
// monitoring.
type HealthReport struct {
	Pressure     float64                 `json:"pressure"`
	Degraded     bool                    `json:"degraded"`
	Halted       bool                    `json:"halted"`
	Cycles       uint64                  `json:"cycles"`
	Mutations    uint64                  `json:"mutations"`
	MutationRate float64                 `json:"mutation_rate"` // per second, last sample
	QueueDepths  map[string]int          `json:"queue_depths"`  // waiters per mutex group
	Units        map[UnitID]UnitCounters `json:"units"`
	TraceDropped uint64                  `json:"trace_dropped"`
}

// Health builds a point-in-time report of pressure, queue depths, per-Unit
// counters, and trace-drop accounting.
func (e *Engine) Health() HealthReport {
	return HealthReport{
		Pressure:     e.throttle.Pressure(),
		Degraded:     e.throttle.Degraded(),
		Halted:       e.halted.Load(),
		Cycles:       e.cycles.Load(),
		Mutations:    e.store.MutationCount(),
		MutationRate: e.throttle.Rate(),
		QueueDepths:  e.mutexes.QueueDepths(),
		Units:        e.registry.Stats(),
		TraceDropped: e.recorder.Dropped(),
	}
}

// TraceSummary aggregates the recorder's retained audit window.
func (e *Engine) TraceSummary() *trace.Summary {
	return trace.Summarize(e.recorder.Recent(), e.recorder.Dropped())
}
