package trace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// blockedSink never accepts a record until released, so the recorder's buffer
// can be filled deterministically.
type blockedSink struct {
	release chan struct{}
	got     chan Record
}

func (s *blockedSink) Write(r Record) error {
	<-s.release
	s.got <- r
	return nil
}

type failingSink struct{ calls int }

func (s *failingSink) Write(Record) error {
	s.calls++
	return errors.New("disk full")
}

func TestRecorder_Record_NeverBlocks_DropsWithCounter(t *testing.T) {
	// GIVEN a recorder with a 2-record buffer whose sink is stuck
	sink := &blockedSink{release: make(chan struct{}), got: make(chan Record, 16)}
	r := NewRecorder(Config{Level: LevelDecisions, BufferSize: 2}, sink)

	// WHEN more records arrive than the buffer holds
	for i := 0; i < 5; i++ {
		r.Record(MutationRecord{UnitID: fmt.Sprintf("u%d", i), Outcome: OutcomeSuccess})
	}

	// THEN the overflow was dropped and counted, not blocked on.
	// The consumer may have pulled at most one record off the channel, so
	// between 2 and 3 records survive.
	if d := r.Dropped(); d < 2 || d > 3 {
		t.Errorf("dropped: got %d, want 2 or 3", d)
	}

	close(sink.release)
	r.Close()
	if got := len(sink.got) + int(r.Dropped()); got != 5 {
		t.Errorf("records accounted for: got %d, want 5", got)
	}
}

func TestRecorder_LevelFiltering(t *testing.T) {
	cases := []struct {
		level           Level
		wantMutations   int
		wantEvaluations int
		wantAccess      int
	}{
		{LevelNone, 0, 0, 0},
		{LevelDecisions, 1, 0, 1},
		{LevelFull, 1, 1, 1},
	}
	for _, tc := range cases {
		t.Run(string(tc.level), func(t *testing.T) {
			// GIVEN a recorder at the level under test
			sink := &MemorySink{}
			r := NewRecorder(Config{Level: tc.level}, sink)

			// WHEN one record of each kind is emitted
			r.Record(MutationRecord{UnitID: "u", Outcome: OutcomeSuccess})
			r.Record(EvaluationRecord{UnitID: "u", Matched: true})
			r.Record(AccessRecord{UnitID: "u", Key: "secrets/x", Op: "read"})
			r.Close()

			// THEN only the kinds the level admits reach the sink
			var mutations, evaluations, access int
			for _, rec := range sink.Records() {
				switch rec.RecordKind() {
				case KindMutation:
					mutations++
				case KindEvaluation:
					evaluations++
				case KindAccess:
					access++
				}
			}
			if mutations != tc.wantMutations || evaluations != tc.wantEvaluations || access != tc.wantAccess {
				t.Errorf("got %d/%d/%d, want %d/%d/%d",
					mutations, evaluations, access,
					tc.wantMutations, tc.wantEvaluations, tc.wantAccess)
			}
		})
	}
}

func TestRecorder_RecordAfterClose_CountsAsDropped(t *testing.T) {
	// GIVEN a closed recorder
	r := NewRecorder(Config{Level: LevelDecisions}, &MemorySink{})
	r.Close()

	// WHEN a late record arrives
	r.Record(MutationRecord{UnitID: "late"})

	// THEN it is dropped-with-counter, not a panic or a hang
	if r.Dropped() != 1 {
		t.Errorf("dropped: got %d, want 1", r.Dropped())
	}
}

func TestRecorder_SinkFailure_CountedNotFatal(t *testing.T) {
	// GIVEN a sink that always fails
	sink := &failingSink{}
	r := NewRecorder(Config{Level: LevelDecisions}, sink)

	// WHEN records flow through
	r.Record(MutationRecord{UnitID: "a"})
	r.Record(MutationRecord{UnitID: "b"})
	r.Close()

	// THEN the failures are counted and the records stay in the audit window
	if r.SinkErrors() != 2 {
		t.Errorf("sink errors: got %d, want 2", r.SinkErrors())
	}
	if got := len(r.Recent()); got != 2 {
		t.Errorf("retained: got %d, want 2", got)
	}
}

func TestRecorder_AuditWindow_PrunesOldest(t *testing.T) {
	// GIVEN a recorder retaining at most 3 records
	r := NewRecorder(Config{Level: LevelDecisions, AuditWindow: 3}, NopSink{})

	// WHEN 5 records flow through
	for i := 0; i < 5; i++ {
		r.Record(MutationRecord{UnitID: fmt.Sprintf("u%d", i)})
	}
	r.Close()

	// THEN only the newest 3 remain, oldest first
	recent := r.Recent()
	if len(recent) != 3 {
		t.Fatalf("retained: got %d, want 3", len(recent))
	}
	if first := recent[0].(MutationRecord); first.UnitID != "u2" {
		t.Errorf("oldest retained: got %s, want u2", first.UnitID)
	}
}

func TestNDJSONSink_OneFramePerRecordWithKind(t *testing.T) {
	// GIVEN an NDJSON sink over a buffer
	var buf bytes.Buffer
	sink := NewNDJSONSink(&buf)

	// WHEN two records of different kinds are written
	sink.Write(MutationRecord{UnitID: "u1", CycleID: "c1", Outcome: OutcomeSuccess,
		KeysChanged: []string{"content/a"}, StartedAt: time.Unix(1, 0), FinishedAt: time.Unix(2, 0)})
	sink.Write(AccessRecord{UnitID: "u2", Key: "secrets/x", Op: "write"})

	// THEN each is one self-describing JSON line
	scanner := bufio.NewScanner(&buf)
	var kinds []string
	for scanner.Scan() {
		var frame struct {
			Kind   string          `json:"kind"`
			Record json.RawMessage `json:"record"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			t.Fatalf("frame not valid JSON: %v", err)
		}
		kinds = append(kinds, frame.Kind)
	}
	if len(kinds) != 2 || kinds[0] != "mutation" || kinds[1] != "access" {
		t.Errorf("frame kinds: got %v, want [mutation access]", kinds)
	}
}

func TestSummarize_AggregatesWindow(t *testing.T) {
	// GIVEN a mixed record window
	window := []Record{
		MutationRecord{UnitID: "a", Outcome: OutcomeSuccess, KeysChanged: []string{"k1", "k2"}},
		MutationRecord{UnitID: "a", Outcome: OutcomeFailed},
		MutationRecord{UnitID: "b", Outcome: OutcomeDeferred},
		EvaluationRecord{UnitID: "a", Matched: false},
		AccessRecord{UnitID: "b", Key: "secrets/x", Op: "read"},
	}

	// WHEN summarized
	s := Summarize(window, 7)

	// THEN counts aggregate per outcome, per unit, and overall
	if s.TotalMutations != 3 || s.Evaluations != 1 || s.AccessDenials != 1 {
		t.Errorf("totals: %+v", s)
	}
	if s.Outcomes[OutcomeSuccess] != 1 || s.Outcomes[OutcomeFailed] != 1 || s.Outcomes[OutcomeDeferred] != 1 {
		t.Errorf("outcomes: %v", s.Outcomes)
	}
	if s.PerUnit["a"] != 2 || s.PerUnit["b"] != 1 {
		t.Errorf("per unit: %v", s.PerUnit)
	}
	if s.KeysChanged != 2 || s.Dropped != 7 {
		t.Errorf("keys/dropped: %d/%d", s.KeysChanged, s.Dropped)
	}
}

func TestSummarize_EmptyWindow(t *testing.T) {
	s := Summarize(nil, 0)
	if s.TotalMutations != 0 || len(s.Outcomes) != 0 {
		t.Errorf("empty window: %+v", s)
	}
}

func TestIsValidLevel(t *testing.T) {
	for _, level := range []string{"", "none", "decisions", "full"} {
		if !IsValidLevel(level) {
			t.Errorf("level %q should be valid", level)
		}
	}
	if IsValidLevel("verbose") {
		t.Error("unknown level accepted")
	}
}
