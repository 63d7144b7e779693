package trace

// Summary aggregates statistics over a window of records.
type Summary struct {
	TotalMutations int             `json:"total_mutations"`
	Evaluations    int             `json:"evaluations"`
	AccessDenials  int             `json:"access_denials"`
	Outcomes       map[Outcome]int `json:"outcomes"`
	PerUnit        map[string]int  `json:"per_unit"` // unit ID → execution attempts
	KeysChanged    int             `json:"keys_changed"`
	Dropped        uint64          `json:"dropped"`
}

// Summarize computes aggregate statistics from a record window plus the
// recorder's drop counter. Safe for nil or empty windows.
func Summarize(records []Record, dropped uint64) *Summary {
	s := &Summary{
		Outcomes: make(map[Outcome]int),
		PerUnit:  make(map[string]int),
		Dropped:  dropped,
	}
	for _, rec := range records {
		switch r := rec.(type) {
		case MutationRecord:
			s.TotalMutations++
			s.Outcomes[r.Outcome]++
			s.PerUnit[r.UnitID]++
			s.KeysChanged += len(r.KeysChanged)
		case *MutationRecord:
			s.TotalMutations++
			s.Outcomes[r.Outcome]++
			s.PerUnit[r.UnitID]++
			s.KeysChanged += len(r.KeysChanged)
		case EvaluationRecord, *EvaluationRecord:
			s.Evaluations++
		case AccessRecord, *AccessRecord:
			s.AccessDenials++
		}
	}
	return s
}
