package trace

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Config controls the Recorder.
type Config struct {
	// Level filters what gets recorded. Empty defaults to decisions.
	Level Level
	// BufferSize bounds the in-flight record channel. Records beyond the
	// bound are dropped and counted, never blocked on.
	BufferSize int
	// AuditWindow bounds the in-memory retention used by Summarize and the
	// ops surface. Older records are pruned. 0 uses a default.
	AuditWindow int
}

const (
	defaultBufferSize  = 4096
	defaultAuditWindow = 8192
)

// Recorder appends records to a Sink asynchronously. It never blocks the
// Scheduler: Record is a non-blocking send, and overflow increments a drop
// counter so loss is always countable, never silent.
type Recorder struct {
	cfg  Config
	sink Sink

	ch      chan Record
	dropped atomic.Uint64
	sinkErr atomic.Uint64

	mu       sync.Mutex
	retained []Record

	wg       sync.WaitGroup
	sendMu   sync.RWMutex
	isClosed bool
	once     sync.Once
}

// NewRecorder starts a recorder draining into sink.
func NewRecorder(cfg Config, sink Sink) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.AuditWindow <= 0 {
		cfg.AuditWindow = defaultAuditWindow
	}
	if cfg.Level == "" {
		cfg.Level = LevelDecisions
	}
	if sink == nil {
		sink = NopSink{}
	}
	r := &Recorder{
		cfg:  cfg,
		sink: sink,
		ch:   make(chan Record, cfg.BufferSize),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues rec without ever blocking. Records filtered out by the
// configured level are discarded for free; overflow is dropped-with-counter.
func (r *Recorder) Record(rec Record) {
	if !r.wants(rec) {
		return
	}
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	if r.isClosed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.ch <- rec:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) wants(rec Record) bool {
	switch r.cfg.Level {
	case LevelNone:
		return false
	case LevelFull:
		return true
	default:
		return rec.RecordKind() != KindEvaluation
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for rec := range r.ch {
		if err := r.sink.Write(rec); err != nil {
			// Sink unavailability degrades durability, never mutations.
			if r.sinkErr.Add(1) == 1 {
				logrus.Warnf("trace sink unavailable: %v", err)
			}
		}
		r.retain(rec)
	}
}

func (r *Recorder) retain(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retained = append(r.retained, rec)
	if over := len(r.retained) - r.cfg.AuditWindow; over > 0 {
		r.retained = append(r.retained[:0:0], r.retained[over:]...)
	}
}

// Recent returns a copy of the retained audit window, oldest first.
func (r *Recorder) Recent() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.retained))
	copy(out, r.retained)
	return out
}

// Dropped returns the count of records lost to buffer overflow.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// SinkErrors returns the count of failed sink writes.
func (r *Recorder) SinkErrors() uint64 {
	return r.sinkErr.Load()
}

// Close drains buffered records into the sink and stops the recorder.
// Record calls after Close are dropped-with-counter.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.sendMu.Lock()
		r.isClosed = true
		close(r.ch)
		r.sendMu.Unlock()
		r.wg.Wait()
	})
}
