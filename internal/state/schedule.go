// internal/state/schedule.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/interpsync/internal/types"
)

// Schedule sets an owner's status at the times given by a cron expression,
// e.g. shift start and end.
type Schedule struct {
	Name    string            `json:"name"`
	OwnerID types.OwnerID     `json:"owner_id"`
	Status  types.StatusValue `json:"status"`
	Cron    string            `json:"cron"`
	Enabled bool              `json:"enabled"`
}

// ScheduleStore is a JSON-file-backed store for status schedules.
type ScheduleStore struct {
	path string
	mu   sync.RWMutex
}

func NewScheduleStore(path string) *ScheduleStore {
	return &ScheduleStore{path: path}
}

func (s *ScheduleStore) Path() string {
	return s.path
}

// List returns all schedules. Returns an empty slice if the file doesn't exist.
func (s *ScheduleStore) List() ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedules, err := s.load()
	if err != nil {
		return nil, err
	}
	if schedules == nil {
		return []*Schedule{}, nil
	}
	return schedules, nil
}

func (s *ScheduleStore) Get(name string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedules, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, sc := range schedules {
		if sc.Name == name {
			return sc, nil
		}
	}
	return nil, fmt.Errorf("schedule not found: %s", name)
}

// Add appends a schedule. Names are unique and the status must be one of
// the known values.
func (s *ScheduleStore) Add(sc *Schedule) error {
	if sc.Name == "" || sc.OwnerID == "" || sc.Cron == "" {
		return fmt.Errorf("schedule needs a name, owner and cron expression")
	}
	value, err := types.ParseStatusValue(string(sc.Status))
	if err != nil {
		return err
	}
	sc.Status = value

	s.mu.Lock()
	defer s.mu.Unlock()

	schedules, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range schedules {
		if existing.Name == sc.Name {
			return fmt.Errorf("schedule already exists: %s", sc.Name)
		}
	}
	return s.save(append(schedules, sc))
}

func (s *ScheduleStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules, err := s.load()
	if err != nil {
		return err
	}
	for i, sc := range schedules {
		if sc.Name == name {
			schedules = append(schedules[:i], schedules[i+1:]...)
			return s.save(schedules)
		}
	}
	return fmt.Errorf("schedule not found: %s", name)
}

func (s *ScheduleStore) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules, err := s.load()
	if err != nil {
		return err
	}
	for _, sc := range schedules {
		if sc.Name == name {
			sc.Enabled = enabled
			return s.save(schedules)
		}
	}
	return fmt.Errorf("schedule not found: %s", name)
}

// load returns nil if the file doesn't exist.
func (s *ScheduleStore) load() ([]*Schedule, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read schedules file: %w", err)
	}

	var schedules []*Schedule
	if err := json.Unmarshal(data, &schedules); err != nil {
		return nil, fmt.Errorf("unmarshal schedules: %w", err)
	}
	return schedules, nil
}

// save writes the list with an atomic temp file + rename.
func (s *ScheduleStore) save(schedules []*Schedule) error {
	data, err := json.MarshalIndent(schedules, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schedules: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create schedules dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp schedules file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp schedules file: %w", err)
	}
	return nil
}
