// Package store holds the locally-owned schedule: discrete events and
// recurring courses. All mutation goes through one writer lock and readers
// get snapshot copies, so a sync pass always works on an immutable view.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"schedsync/internal/fingerprint"
	appLog "schedsync/internal/log"
	"schedsync/internal/model"
	synccore "schedsync/internal/sync"
)

// ErrNotFound is returned when an event or course id does not exist.
var ErrNotFound = errors.New("not found")

// AddEvent stores a new event, assigning an id when none is set, and
// returns the id.
func (s *Store) AddEvent(e model.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	for _, existing := range s.events {
		if existing.ID == e.ID {
			return "", fmt.Errorf("event %s already exists", e.ID)
		}
	}
	s.events = append(s.events, e)
	s.afterMutation()
	return e.ID, nil
}

// UpsertEvent replaces the event with the same id, or appends it when the
// id is unknown. Reverse sync's update hook routes through here.
func (s *Store) UpsertEvent(e model.Event) error {
	if e.ID == "" {
		return errors.New("event id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.events {
		if existing.ID == e.ID {
			// Keep local-only bookkeeping the external side knows nothing
			// about.
			e.ArchivedAt = existing.ArchivedAt
			e.Important = existing.Important
			e.Reminders = existing.Reminders
			s.events[i] = e
			s.afterMutation()
			return nil
		}
	}
	s.events = append(s.events, e)
	s.afterMutation()
	return nil
}

// SetEventArchived flips the archive flag of one event.
func (s *Store) SetEventArchived(id string, archived bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setArchivedLocked(id, archived, at)
}

func (s *Store) setArchivedLocked(id string, archived bool, at time.Time) error {
	for i := range s.events {
		if s.events[i].ID != id {
			continue
		}
		if archived {
			t := at
			s.events[i].ArchivedAt = &t
		} else {
			s.events[i].ArchivedAt = nil
		}
		s.afterMutation()
		return nil
	}
	return fmt.Errorf("event %s: %w", id, ErrNotFound)
}

// DeleteEvent removes an event.
func (s *Store) DeleteEvent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.events {
		if s.events[i].ID == id {
			s.events = append(s.events[:i], s.events[i+1:]...)
			s.afterMutation()
			return nil
		}
	}
	return fmt.Errorf("event %s: %w", id, ErrNotFound)
}

// Events returns a copy of all events.
func (s *Store) Events() []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Event(nil), s.events...)
}

// ActiveEvents returns the non-archived events.
func (s *Store) ActiveEvents() []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Event
	for _, e := range s.events {
		if !e.Archived() {
			out = append(out, e)
		}
	}
	return out
}

// ArchivedEvents returns the archived events.
func (s *Store) ArchivedEvents() []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Event
	for _, e := range s.events {
		if e.Archived() {
			out = append(out, e)
		}
	}
	return out
}

// ImportStats summarizes one ApplyImport call.
type ImportStats struct {
	Added    int
	Skipped  int
	Archived int
}

// ApplyImport merges an import batch through the fingerprint engine:
// new content is added, duplicates are skipped, and (when
// preserveArchiveStatus is set) archive-status conflicts are resolved in
// favor of the batch.
func (s *Store) ApplyImport(batch []model.Event, preserveArchiveStatus bool) (ImportStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active, archived []model.Event
	for _, e := range s.events {
		if e.Archived() {
			archived = append(archived, e)
		} else {
			active = append(active, e)
		}
	}
	res := fingerprint.ReconcileImport(batch, active, archived, preserveArchiveStatus)

	var stats ImportStats
	stats.Skipped = len(res.ToSkip)

	for _, e := range res.ToAdd {
		e.ID = uuid.NewString() // imported content always gets a fresh local id
		e.Kind = model.KindPlain
		s.events = append(s.events, e)
		stats.Added++
	}
	for _, ch := range res.ArchiveChanges {
		if err := s.setArchivedLocked(ch.Event.ID, ch.Archived, time.Now()); err != nil {
			return stats, err
		}
		stats.Archived++
	}
	if stats.Added > 0 {
		s.afterMutation()
	}
	return stats, nil
}

// ReverseHooks adapts the store to the orchestrator's reverse-pass
// callbacks. OnUpdated is idempotent: replaying the same event is a no-op
// rewrite of the same row.
func (s *Store) ReverseHooks() synccore.ReverseHooks {
	return synccore.ReverseHooks{
		OnAdded: func(e model.Event) (string, error) {
			return s.AddEvent(e)
		},
		OnUpdated: func(e model.Event) error {
			return s.UpsertEvent(e)
		},
		OnDeleted: func(appID string) error {
			err := s.DeleteEvent(appID)
			if errors.Is(err, ErrNotFound) {
				// Already gone locally; deletion is idempotent.
				return nil
			}
			return err
		},
	}
}

// afterMutation persists the schedule and fires the change notification.
// Callers hold the write lock.
func (s *Store) afterMutation() {
	if err := s.saveLocked(); err != nil {
		appLog.Error("failed to persist schedule", err, "path", s.path)
	}
	if s.onChange != nil {
		s.onChange()
	}
}
