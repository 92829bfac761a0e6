package dose

import (
	"bytes"
	"encoding/json"
)

// TimeOfDay is both a schedule grouping and a carousel position.
type TimeOfDay string

const (
	Morning   TimeOfDay = "morning"
	Afternoon TimeOfDay = "afternoon"
	Evening   TimeOfDay = "evening"
)

// All lists the recognised times of day in canonical order.
var All = []TimeOfDay{Morning, Afternoon, Evening}

// Ordinal returns the canonical position of t (0, 1, 2) and false if t is not recognised.
// The ordinal doubles as the carousel stage for that phase.
func (t TimeOfDay) Ordinal() (int, bool) {
	switch t {
	case Morning:
		return 0, true
	case Afternoon:
		return 1, true
	case Evening:
		return 2, true
	}
	return 0, false
}

// Valid reports whether t is one of the three recognised times of day.
func (t TimeOfDay) Valid() bool {
	_, ok := t.Ordinal()
	return ok
}

// ID is an opaque backend identifier (user or medicine). The raw JSON token is kept
// so it is reported back exactly as received, whether the backend uses numbers or strings.
type ID json.RawMessage

// StringID returns an ID holding s as a JSON string.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID(b)
}

// Present reports whether the item carries an identifier.
func (m ID) Present() bool {
	trimmed := bytes.TrimSpace(m)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// MarshalJSON writes the raw token back out.
func (m ID) MarshalJSON() ([]byte, error) {
	if !m.Present() {
		return []byte("null"), nil
	}
	return []byte(m), nil
}

// UnmarshalJSON keeps a copy of the raw token.
func (m *ID) UnmarshalJSON(data []byte) error {
	*m = append((*m)[:0], data...)
	return nil
}

// String renders the identifier for logs.
func (m ID) String() string {
	return string(bytes.Trim(m, `"`))
}

// Item is one slot actuation within a phase.
type Item struct {
	Slot       int `json:"slot"`
	Count      int `json:"count"`
	MedicineID ID  `json:"medi_id,omitempty"`
}

// Phase groups the items due at one time of day.
type Phase struct {
	TimeOfDay TimeOfDay `json:"time"`
	Items     []Item    `json:"items"`
}

// Progress records which phases of the current session dispensed successfully.
type Progress map[TimeOfDay]bool

// NewProgress returns a progress map with every phase marked not-yet-done.
func NewProgress() Progress {
	return Progress{Morning: false, Afternoon: false, Evening: false}
}

// Clone returns an independent copy so published snapshots never alias the live map.
func (p Progress) Clone() Progress {
	out := make(Progress, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Result summarises how many of a phase's items dispensed.
type Result string

const (
	Completed Result = "completed"
	Partial   Result = "partial"
	Failed    Result = "failed"
)

// ResultOf grades a phase from its item outcomes. A phase with no items is completed.
func ResultOf(succeeded, total int) Result {
	switch {
	case succeeded >= total:
		return Completed
	case succeeded > 0:
		return Partial
	default:
		return Failed
	}
}

// Report is one phase outcome as delivered to the backend and, on failure, queued
// offline. ClientTxID is fixed when the report is built so redeliveries are idempotent.
type Report struct {
	MachineID  string    `json:"machine_id"`
	UserID     ID        `json:"user_id"`
	Time       TimeOfDay `json:"time"`
	Items      []Item    `json:"items"`
	Result     Result    `json:"result"`
	ClientTxID string    `json:"client_tx_id,omitempty"`
}

// ReportableItems returns the items that carry a medicine identifier; only those
// are reported.
func ReportableItems(items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if it.MedicineID.Present() {
			out = append(out, it)
		}
	}
	return out
}
