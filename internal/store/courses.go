package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"schedsync/internal/model"
)

// AddCourse stores a new course, assigning an id when none is set. Shadow
// courses must span exactly one week and reference a parent.
func (s *Store) AddCourse(c model.Course) (string, error) {
	if c.IsShadow {
		if c.StartWeek != c.EndWeek {
			return "", errors.New("shadow course must span exactly one week")
		}
		if c.ParentCourseID == "" {
			return "", errors.New("shadow course needs a parent course id")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	for _, existing := range s.courses {
		if existing.ID == c.ID {
			return "", fmt.Errorf("course %s already exists", c.ID)
		}
	}
	s.courses = append(s.courses, c)
	s.afterMutation()
	return c.ID, nil
}

// DeleteCourse removes a course. Deleting a non-shadow course cascades to
// every shadow whose ParentCourseID matches; orphaned shadows left behind
// by older data are tolerated everywhere else.
func (s *Store) DeleteCourse(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.courses {
		if s.courses[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("course %s: %w", id, ErrNotFound)
	}

	cascade := !s.courses[idx].IsShadow
	kept := s.courses[:0]
	for _, c := range s.courses {
		if c.ID == id {
			continue
		}
		if cascade && c.IsShadow && c.ParentCourseID == id {
			continue
		}
		kept = append(kept, c)
	}
	s.courses = kept
	s.afterMutation()
	return nil
}

// OverrideCourseWeek creates a shadow course covering exactly one week of
// parent, applies edit to it, and excludes the overridden date from the
// parent so the two never collide. This is the single-occurrence
// reschedule path.
func (s *Store) OverrideCourseWeek(parentID string, week int, overriddenDate string, edit func(*model.Course)) (model.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parent *model.Course
	for i := range s.courses {
		if s.courses[i].ID == parentID && !s.courses[i].IsShadow {
			parent = &s.courses[i]
			break
		}
	}
	if parent == nil {
		return model.Course{}, fmt.Errorf("course %s: %w", parentID, ErrNotFound)
	}
	if week < parent.StartWeek || week > parent.EndWeek {
		return model.Course{}, fmt.Errorf("week %d outside course span %d-%d", week, parent.StartWeek, parent.EndWeek)
	}

	shadow := *parent
	shadow.ID = uuid.NewString()
	shadow.IsShadow = true
	shadow.ParentCourseID = parent.ID
	shadow.StartWeek = week
	shadow.EndWeek = week
	shadow.Parity = model.ParityAll
	shadow.ExcludedDates = nil
	if edit != nil {
		edit(&shadow)
	}

	if overriddenDate != "" {
		parent.ExcludedDates = append(parent.ExcludedDates, overriddenDate)
	}

	s.courses = append(s.courses, shadow)
	s.afterMutation()
	return shadow, nil
}

// Courses returns a copy of all courses.
func (s *Store) Courses() []model.Course {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Course(nil), s.courses...)
}
