package model

import "time"

// WeekParity filters which teaching weeks a course meets on.
type WeekParity string

const (
	ParityAll  WeekParity = "all"
	ParityOdd  WeekParity = "odd"
	ParityEven WeekParity = "even"
)

// Matches reports whether the 1-based teaching week passes the filter.
// Unknown values behave like ParityAll so stale config cannot silently
// drop a whole course.
func (p WeekParity) Matches(week int) bool {
	switch p {
	case ParityOdd:
		return week%2 == 1
	case ParityEven:
		return week%2 == 0
	default:
		return true
	}
}

// Course is a weekly recurring class definition.
//
// A shadow course (IsShadow=true) is a single-occurrence override of its
// parent: it always spans exactly one week (StartWeek == EndWeek) and points
// back via ParentCourseID. Deleting a parent is expected to cascade to its
// shadows, but orphaned shadows are tolerated everywhere.
type Course struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Location       string     `json:"location,omitempty"`
	Teacher        string     `json:"teacher,omitempty"`
	Color          string     `json:"color,omitempty"`
	DayOfWeek      int        `json:"day_of_week"` // 1=Monday .. 7=Sunday
	StartPeriod    int        `json:"start_period"`
	EndPeriod      int        `json:"end_period"`
	StartWeek      int        `json:"start_week"`
	EndWeek        int        `json:"end_week"`
	Parity         WeekParity `json:"parity"`
	ExcludedDates  []string   `json:"excluded_dates,omitempty"` // DateLayout strings
	IsShadow       bool       `json:"is_shadow,omitempty"`
	ParentCourseID string     `json:"parent_course_id,omitempty"`
}

// Excludes reports whether date is on the course's excluded-date list.
// Exclusion removes the whole occurrence regardless of parity.
func (c Course) Excludes(date time.Time) bool {
	iso := date.Format(DateLayout)
	for _, d := range c.ExcludedDates {
		if d == iso {
			return true
		}
	}
	return false
}

// CourseOccurrence is one concrete meeting of a course on a specific date.
// Occurrences are ephemeral expansion output and are never persisted.
type CourseOccurrence struct {
	Course Course
	Date   time.Time // midnight in the expansion location
}

// DateString returns the occurrence date in DateLayout.
func (o CourseOccurrence) DateString() string {
	return o.Date.Format(DateLayout)
}
