package result

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Report is the JSON document a campaign writes.
type Report struct {
	ID       string    `json:"id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Targets  []string  `json:"targets"`
	Oracle   string    `json:"oracle,omitempty"`
	Seed     uint64    `json:"seed,omitempty"`
	Summary  Summary   `json:"summary"`
	Records  []Record  `json:"records"`
}

// NewID returns a fresh campaign id.
func NewID() string { return uuid.NewString() }

// ValidID reports whether id looks like a campaign id.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// WriteJSON writes r as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// ReadJSON reads a report written by WriteJSON.
func ReadJSON(r io.Reader) (*Report, error) {
	var rep Report
	if err := json.NewDecoder(r).Decode(&rep); err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}
	if rep.ID != "" && !ValidID(rep.ID) {
		return nil, fmt.Errorf("report: malformed id %q", rep.ID)
	}
	return &rep, nil
}
