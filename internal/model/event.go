package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Date and time-of-day layouts used across the app. Events carry their
// start/end as a calendar date plus a wall-clock "HH:mm" string instead of
// an instant; the mapper is the only place that converts to/from absolute
// instants.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// EventKind discriminates the three event flavors. Only plain events take
// part in fingerprinting and bidirectional sync; temporary events and
// course occurrences are local-only.
type EventKind int

const (
	KindPlain EventKind = iota
	KindTemporary
	KindCourseOccurrence
)

func (k EventKind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindTemporary:
		return "temporary"
	case KindCourseOccurrence:
		return "course-occurrence"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalJSON encodes the kind as its stable string form so the persisted
// schedule file stays readable and reorder-proof.
func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *EventKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "plain":
		*k = KindPlain
	case "temporary":
		*k = KindTemporary
	case "course-occurrence":
		*k = KindCourseOccurrence
	default:
		return fmt.Errorf("unknown event kind %q", s)
	}
	return nil
}

// Event is a discrete schedule entry.
type Event struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	StartDate   string     `json:"start_date"` // DateLayout
	EndDate     string     `json:"end_date"`   // DateLayout
	StartTime   string     `json:"start_time"` // TimeLayout
	EndTime     string     `json:"end_time"`   // TimeLayout
	Location    string     `json:"location,omitempty"`
	Description string     `json:"description,omitempty"`
	Color       string     `json:"color,omitempty"`
	Important   bool       `json:"important,omitempty"`
	Kind        EventKind  `json:"kind"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
	// Reminders holds minute offsets before the start at which the caller
	// should alert; the sync core carries them through untouched.
	Reminders []int `json:"reminders,omitempty"`
}

// Archived reports whether the event has been archived locally.
func (e Event) Archived() bool {
	return e.ArchivedAt != nil
}

// StartAt resolves the event start to an instant in loc.
func (e Event) StartAt(loc *time.Location) (time.Time, error) {
	return combine(e.StartDate, e.StartTime, loc)
}

// EndAt resolves the event end to an instant in loc.
func (e Event) EndAt(loc *time.Location) (time.Time, error) {
	return combine(e.EndDate, e.EndTime, loc)
}

func combine(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad date/time %q %q: %w", date, clock, err)
	}
	return t, nil
}
