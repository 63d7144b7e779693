package trace

import (
	"encoding/json"
	"io"
	"sync"
)

// Sink receives records from the Recorder's consumer goroutine, one at a
// time. A Sink that returns an error degrades trace durability only; the
// engine's mutations are never delayed by a failing sink.
type Sink interface {
	Write(Record) error
}

// envelope frames one record in the export stream.
type envelope struct {
	Kind   Kind   `json:"kind"`
	Record Record `json:"record"`
}

// NDJSONSink serializes records as newline-delimited JSON frames, consumable
// by external log and metrics collectors.
type NDJSONSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewNDJSONSink writes frames to w.
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{enc: json.NewEncoder(w)}
}

func (s *NDJSONSink) Write(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(envelope{Kind: r.RecordKind(), Record: r})
}

// NopSink discards all records.
type NopSink struct{}

func (NopSink) Write(Record) error { return nil }

// MemorySink retains records in memory. Test and summary-only deployments.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func (s *MemorySink) Write(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

// Records returns a copy of everything written so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}
