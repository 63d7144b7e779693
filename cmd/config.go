package cmd

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mesh-engine/mesh-engine/mesh"
	"github.com/mesh-engine/mesh-engine/mesh/trace"
)

// FileConfig is the engine's YAML configuration file. All fields are
// optional; zero values fall back to engine defaults.
type FileConfig struct {
	Engine   EngineConfig   `yaml:"engine"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Boost    BoostConfig    `yaml:"boost"`
	Trace    TraceConfig    `yaml:"trace"`
}

type EngineConfig struct {
	CycleInterval         time.Duration `yaml:"cycle_interval"`
	Workers               int           `yaml:"workers"`
	MaxAdmissionsPerCycle int           `yaml:"max_admissions_per_cycle"`
	DefaultDeadline       time.Duration `yaml:"default_deadline"`
	TimeoutStreak         int           `yaml:"timeout_streak"`
}

type ThrottleConfig struct {
	Threshold      float64       `yaml:"threshold"`
	Emergency      float64       `yaml:"emergency"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type BoostConfig struct {
	Threshold time.Duration `yaml:"threshold"`
	Rate      float64       `yaml:"rate"`
	Cap       float64       `yaml:"cap"`
}

type TraceConfig struct {
	Level       string `yaml:"level"`
	BufferSize  int    `yaml:"buffer_size"`
	AuditWindow int    `yaml:"audit_window"`
	Path        string `yaml:"path"` // NDJSON export file; empty = stdout
}

// LoadConfig reads the YAML config at path with strict field checking, so a
// typo in a key is an error rather than a silently ignored setting. An empty
// path returns the zero config (engine defaults apply).
func LoadConfig(path string) (FileConfig, error) {
	var cfg FileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes with strict field checking.
func ParseConfig(data []byte) (FileConfig, error) {
	var cfg FileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if !trace.IsValidLevel(cfg.Trace.Level) {
		return cfg, fmt.Errorf("parse config: unknown trace level %q", cfg.Trace.Level)
	}
	return cfg, nil
}

// engineConfig converts the file shape to the engine's Config.
func (c FileConfig) engineConfig() mesh.Config {
	return mesh.Config{
		CycleInterval:         c.Engine.CycleInterval,
		Workers:               c.Engine.Workers,
		MaxAdmissionsPerCycle: c.Engine.MaxAdmissionsPerCycle,
		DefaultDeadline:       c.Engine.DefaultDeadline,
		TimeoutStreak:         c.Engine.TimeoutStreak,
		Boost: mesh.BoostConfig{
			Threshold: c.Boost.Threshold,
			Rate:      c.Boost.Rate,
			Cap:       c.Boost.Cap,
		},
		Throttle: mesh.ThrottleConfig{
			Threshold:      c.Throttle.Threshold,
			Emergency:      c.Throttle.Emergency,
			SampleInterval: c.Throttle.SampleInterval,
		},
	}
}

// traceConfig converts the file shape to the recorder's Config.
func (c FileConfig) traceConfig() trace.Config {
	return trace.Config{
		Level:       trace.Level(c.Trace.Level),
		BufferSize:  c.Trace.BufferSize,
		AuditWindow: c.Trace.AuditWindow,
	}
}
