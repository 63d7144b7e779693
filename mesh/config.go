package mesh

import (
	"fmt"
	"time"
)

// Config groups the engine's tunables. Zero values fall back to the defaults
// below via withDefaults; Validate rejects configurations that cannot run.
type Config struct {
	// CycleInterval is the pause between Reactor cycles in Engine.Run.
	CycleInterval time.Duration
	// Workers bounds the pool executing admitted Units in parallel.
	Workers int
	// MaxAdmissionsPerCycle is the base admission budget the throttle scales.
	// 0 means unlimited.
	MaxAdmissionsPerCycle int
	// DefaultDeadline applies to executions whose descriptor sets none.
	DefaultDeadline time.Duration
	// TimeoutStreak is the consecutive-timeout count that auto-disables a
	// Unit. 0 disables quarantining.
	TimeoutStreak int
	// Boost tunes starvation-freedom for queued mutex entries.
	Boost BoostConfig
	// Throttle tunes the pressure monitor.
	Throttle ThrottleConfig
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		CycleInterval:         50 * time.Millisecond,
		Workers:               8,
		MaxAdmissionsPerCycle: 0,
		DefaultDeadline:       5 * time.Second,
		TimeoutStreak:         3,
		Boost: BoostConfig{
			Threshold: 200 * time.Millisecond,
			Rate:      10.0,
			Cap:       100.0,
		},
		Throttle: ThrottleConfig{
			Threshold:      0.5,
			Emergency:      0.9,
			SampleInterval: time.Second,
		},
	}
}

// withDefaults fills zero-valued fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CycleInterval == 0 {
		c.CycleInterval = d.CycleInterval
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.DefaultDeadline == 0 {
		c.DefaultDeadline = d.DefaultDeadline
	}
	if c.TimeoutStreak == 0 {
		c.TimeoutStreak = d.TimeoutStreak
	}
	if c.Boost == (BoostConfig{}) {
		c.Boost = d.Boost
	}
	if c.Throttle == (ThrottleConfig{}) {
		c.Throttle = d.Throttle
	}
	return c
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must be >= 0, got %d", c.Workers)
	}
	if c.MaxAdmissionsPerCycle < 0 {
		return fmt.Errorf("config: max admissions per cycle must be >= 0, got %d", c.MaxAdmissionsPerCycle)
	}
	if c.Throttle.Threshold < 0 || c.Throttle.Threshold > 1 {
		return fmt.Errorf("config: throttle threshold must be in [0,1], got %g", c.Throttle.Threshold)
	}
	if c.Throttle.Emergency < 0 || c.Throttle.Emergency > 1 {
		return fmt.Errorf("config: throttle emergency must be in [0,1], got %g", c.Throttle.Emergency)
	}
	if c.Throttle.Emergency < c.Throttle.Threshold {
		return fmt.Errorf("config: throttle emergency %g below threshold %g", c.Throttle.Emergency, c.Throttle.Threshold)
	}
	if c.Boost.Rate < 0 || c.Boost.Cap < 0 {
		return fmt.Errorf("config: boost rate and cap must be >= 0")
	}
	return nil
}
