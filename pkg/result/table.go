package result

import (
	"sort"
	"sync"

	"github.com/oisee/cftrace/pkg/trace"
)

// Verdict classifies one case of a differential campaign.
type Verdict string

const (
	// Match means every target produced the reference trace.
	Match Verdict = "match"
	// Mismatch means every target completed but at least one trace differs.
	Mismatch Verdict = "mismatch"
	// Fault means a target or the reference failed to produce a trace.
	Fault Verdict = "fault"
)

// Outcome is what one target did with one case.
type Outcome struct {
	Target string      `json:"target"`
	Trace  trace.Trace `json:"trace,omitempty"`
	Kind   string      `json:"kind,omitempty"`
	Error  string      `json:"error,omitempty"`
	// Partial is the raw buffer of a truncated run kept for diagnosis.
	Partial trace.Trace `json:"partial,omitempty"`
}

// Failed reports whether the target produced no trace.
func (o Outcome) Failed() bool { return o.Kind != "" }

// Record is the result of one case across all targets.
type Record struct {
	Case          int              `json:"case"`
	Directions    trace.Directions `json:"directions"`
	Expected      trace.Trace      `json:"expected"`
	ExpectedError string           `json:"expected_error,omitempty"`
	Outcomes      []Outcome        `json:"outcomes"`
	Verdict       Verdict          `json:"verdict"`
	// Detail explains a mismatch or fault, e.g. a trace diff.
	Detail string `json:"detail,omitempty"`
}

// Table stores campaign records. It is safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	records []Record
	done    map[int]bool
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{done: make(map[int]bool)}
}

// Add inserts a record. A record for a case already present replaces it.
func (t *Table) Add(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done[r.Case] {
		for i := range t.records {
			if t.records[i].Case == r.Case {
				t.records[i] = r
				return
			}
		}
	}
	t.done[r.Case] = true
	t.records = append(t.records, r)
}

// Has reports whether case id has a record.
func (t *Table) Has(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done[id]
}

// Records returns a copy of all records, sorted by case.
func (t *Table) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.records))
	copy(out, t.records)
	sort.Slice(out, func(i, j int) bool { return out[i].Case < out[j].Case })
	return out
}

// Len returns the number of records.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Summary counts records per verdict.
type Summary struct {
	Cases    int `json:"cases"`
	Match    int `json:"match"`
	Mismatch int `json:"mismatch"`
	Fault    int `json:"fault"`
}

// OK reports whether every case matched.
func (s Summary) OK() bool { return s.Mismatch == 0 && s.Fault == 0 }

// Summary tallies the table.
func (t *Table) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Summary{Cases: len(t.records)}
	for _, r := range t.records {
		switch r.Verdict {
		case Match:
			s.Match++
		case Mismatch:
			s.Mismatch++
		case Fault:
			s.Fault++
		}
	}
	return s
}
