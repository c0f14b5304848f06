package store

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"schedsync/internal/model"
)

// Store is the in-memory schedule backed by one JSON file.
type Store struct {
	mu       sync.RWMutex
	events   []model.Event
	courses  []model.Course
	path     string
	onChange func()
}

// scheduleFile is the on-disk shape.
type scheduleFile struct {
	Events  []model.Event  `json:"events"`
	Courses []model.Course `json:"courses"`
}

// Open loads the schedule at path, starting empty when the file does not
// exist yet. An empty path keeps the store memory-only (tests use this).
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, err
	}

	var f scheduleFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	s.events = f.Events
	s.courses = f.Courses
	return s, nil
}

// OnChange registers a callback fired after every successful mutation.
// Consumers that need push updates hang off this; the sync core itself
// only takes snapshot reads. The callback runs with the store lock held,
// so it must not call back into the store.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// saveLocked writes the schedule atomically. Callers hold the write lock.
func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(scheduleFile{Events: s.events, Courses: s.courses}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".schedsync-schedule-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}
