// Package state publishes the dispenser's status snapshot for observers outside
// the control loop.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"medication-dispenser/internal/dose"
)

// Status is the control loop's externally visible state.
type Status string

const (
	MachineNotRegistered Status = "machine_not_registered"
	WaitingUID           Status = "waiting_uid"
	ResolvingUID         Status = "resolving_uid"
	KitNotRegistered     Status = "kit_not_registered"
	AlreadyTaken         Status = "already_taken"
	OutOfTime            Status = "out_of_time"
	NoSchedule           Status = "no_schedule"
	QueueReady           Status = "queue_ready"
	Moving               Status = "moving"
	Dispensing           Status = "dispensing"
	Returning            Status = "returning"
	Done                 Status = "done"
	Error                Status = "error"
)

// Snapshot is the complete published state. Every publish replaces the previous
// snapshot as a whole.
type Snapshot struct {
	Status   Status         `json:"status"`
	LastUID  string         `json:"last_uid"`
	Phase    dose.TimeOfDay `json:"phase"`
	Progress dose.Progress  `json:"progress"`
	Error    string         `json:"error"`
	TS       float64        `json:"ts"`
}

// wireSnapshot is the file and API form of a Snapshot. Unset text fields are
// written as null, which is what display clients test for.
type wireSnapshot struct {
	Status   Status          `json:"status"`
	LastUID  *string         `json:"last_uid"`
	Phase    *dose.TimeOfDay `json:"phase"`
	Progress dose.Progress   `json:"progress"`
	Error    *string         `json:"error"`
	TS       float64         `json:"ts"`
}

func nullable[T ~string](v T) *T {
	if v == "" {
		return nil
	}
	return &v
}

func deref[T ~string](v *T) T {
	if v == nil {
		return ""
	}
	return *v
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSnapshot{
		Status:   s.Status,
		LastUID:  nullable(s.LastUID),
		Phase:    nullable(s.Phase),
		Progress: s.Progress,
		Error:    nullable(s.Error),
		TS:       s.TS,
	})
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Snapshot{
		Status:   w.Status,
		LastUID:  deref(w.LastUID),
		Phase:    deref(w.Phase),
		Progress: w.Progress,
		Error:    deref(w.Error),
		TS:       w.TS,
	}
	return nil
}

// Publisher accepts snapshots.
type Publisher interface {
	Publish(s Snapshot) error
}

// FilePublisher writes each snapshot to a JSON file by write-then-rename, so a
// reader of the file only ever sees a whole snapshot. The latest snapshot is also
// kept in memory for in-process readers.
type FilePublisher struct {
	path   string
	latest atomic.Pointer[Snapshot]
	now    func() time.Time
}

// NewFilePublisher creates the parent directory of path if needed.
func NewFilePublisher(path string) (*FilePublisher, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FilePublisher{path: path, now: time.Now}, nil
}

// Path is the snapshot file.
func (p *FilePublisher) Path() string { return p.path }

// Publish stamps s, stores it as the latest snapshot and replaces the file.
func (p *FilePublisher) Publish(s Snapshot) error {
	s = normalise(s, p.now())
	p.latest.Store(&s)

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot published by this process.
func (p *FilePublisher) Latest() (Snapshot, bool) {
	s := p.latest.Load()
	if s == nil {
		return Snapshot{}, false
	}
	return *s, true
}

// Memory keeps only the latest snapshot in memory.
type Memory struct {
	latest atomic.Pointer[Snapshot]
	now    func() time.Time
}

// NewMemory returns an empty in-memory publisher.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) Publish(s Snapshot) error {
	s = normalise(s, m.now())
	m.latest.Store(&s)
	return nil
}

func (m *Memory) Latest() (Snapshot, bool) {
	s := m.latest.Load()
	if s == nil {
		return Snapshot{}, false
	}
	return *s, true
}

// ReadFile loads a snapshot written by a FilePublisher, possibly in another process.
func ReadFile(path string) (Snapshot, error) {
	var s Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode state %s: %w", path, err)
	}
	return s, nil
}

func normalise(s Snapshot, now time.Time) Snapshot {
	if s.Progress == nil {
		s.Progress = dose.NewProgress()
	} else {
		s.Progress = s.Progress.Clone()
	}
	if s.TS == 0 {
		s.TS = float64(now.UnixNano()) / 1e9
	}
	return s
}
