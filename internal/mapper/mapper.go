// Package mapper converts between the external calendar store's
// instant/timezone representation and the app's local-date plus
// time-of-day-string representation, and owns the managed marker and the
// semester hash.
package mapper

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"schedsync/internal/model"
)

// ManagedMarker is the fixed token appended to the description of every
// external event this engine creates for a course occurrence. Its presence
// is what makes the destructive course rebuild safe: only marked events are
// ever bulk-deleted.
const ManagedMarker = "#schedsync-managed"

// SyncedColor is stamped onto every event imported from the external store.
// Forcing one color is a deliberate visual cue that the entry came in via
// sync; the source color is intentionally not preserved.
const SyncedColor = "#4A90D9"

// Synthetic times given to all-day events on import.
const (
	allDayStartTime = "00:00"
	allDayEndTime   = "23:59"
)

// ExternalEvent is the provider-side view of an event.
type ExternalEvent struct {
	ID          string
	Title       string
	Location    string
	Description string
	Start       time.Time
	End         time.Time
	AllDay      bool
}

// EventFields is the payload for provider create/update calls.
type EventFields struct {
	Title       string
	Location    string
	Description string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Reminders   []int // minute offsets before start
}

// Mapper performs the conversions in a fixed device location.
type Mapper struct {
	loc *time.Location
}

// New returns a Mapper using loc as the device zone; nil means time.Local.
func New(loc *time.Location) *Mapper {
	if loc == nil {
		loc = time.Local
	}
	return &Mapper{loc: loc}
}

// IsManaged reports whether the description carries the managed marker.
func IsManaged(description string) bool {
	return strings.Contains(description, ManagedMarker)
}

// StripMarker removes the managed marker (and whitespace left around it)
// from a description.
func StripMarker(description string) string {
	return strings.TrimSpace(strings.ReplaceAll(description, ManagedMarker, ""))
}

// AppendMarker appends the managed marker to a description.
func AppendMarker(description string) string {
	if description == "" {
		return ManagedMarker
	}
	return description + "\n" + ManagedMarker
}

// ToInternal converts an external event into a plain local event. fixedID,
// when non-empty, becomes the event id (reverse sync passes the mapped app
// id so updates land on the right local row).
//
// All-day events are decoded in UTC because the external store pins all-day
// boundaries to UTC midnight regardless of device zone, and the stored end
// is exclusive (midnight of the following day), hence the one-nanosecond
// pullback before taking the end date. Timed events are decoded in the
// device zone with seconds truncated.
func (m *Mapper) ToInternal(ext ExternalEvent, fixedID string) (model.Event, error) {
	if ext.Start.IsZero() || ext.End.IsZero() {
		return model.Event{}, errors.New("external event has no start/end instant")
	}

	e := model.Event{
		ID:          fixedID,
		Title:       ext.Title,
		Location:    ext.Location,
		Description: StripMarker(ext.Description),
		Color:       SyncedColor,
		Kind:        model.KindPlain,
	}

	if ext.AllDay {
		start := ext.Start.In(time.UTC)
		end := ext.End.In(time.UTC).Add(-time.Nanosecond)
		if end.Before(start) {
			end = start
		}
		e.StartDate = start.Format(model.DateLayout)
		e.EndDate = end.Format(model.DateLayout)
		e.StartTime = allDayStartTime
		e.EndTime = allDayEndTime
		return e, nil
	}

	start := ext.Start.In(m.loc)
	end := ext.End.In(m.loc)
	e.StartDate = start.Format(model.DateLayout)
	e.EndDate = end.Format(model.DateLayout)
	e.StartTime = start.Format(model.TimeLayout)
	e.EndTime = end.Format(model.TimeLayout)
	return e, nil
}

// ToExternalFields is the forward-direction inverse of ToInternal for plain
// events. The synthetic all-day time pair round-trips back to an all-day
// external event with UTC-midnight boundaries and an exclusive end.
func (m *Mapper) ToExternalFields(e model.Event) (EventFields, error) {
	f := EventFields{
		Title:       e.Title,
		Location:    e.Location,
		Description: e.Description,
		Reminders:   e.Reminders,
	}

	if e.StartTime == allDayStartTime && e.EndTime == allDayEndTime {
		start, err := time.ParseInLocation(model.DateLayout, e.StartDate, time.UTC)
		if err != nil {
			return EventFields{}, fmt.Errorf("bad start date %q: %w", e.StartDate, err)
		}
		end, err := time.ParseInLocation(model.DateLayout, e.EndDate, time.UTC)
		if err != nil {
			return EventFields{}, fmt.Errorf("bad end date %q: %w", e.EndDate, err)
		}
		f.Start = start
		f.End = end.AddDate(0, 0, 1) // exclusive end
		f.AllDay = true
		return f, nil
	}

	start, err := e.StartAt(m.loc)
	if err != nil {
		return EventFields{}, err
	}
	end, err := e.EndAt(m.loc)
	if err != nil {
		return EventFields{}, err
	}
	f.Start = start
	f.End = end
	return f, nil
}

// PeriodSpan is the wall-clock span of one teaching period.
type PeriodSpan struct {
	Start string `json:"start" yaml:"start"` // TimeLayout
	End   string `json:"end" yaml:"end"`     // TimeLayout
}

// PeriodTable maps a 1-based period index to its wall-clock span.
type PeriodTable map[int]PeriodSpan

// defaultPeriod is used when a course references a period the table does
// not know, so a missing config row degrades to a visible wrong time
// instead of a dropped occurrence.
var defaultPeriod = PeriodSpan{Start: "09:00", End: "10:00"}

func (t PeriodTable) span(index int) PeriodSpan {
	if s, ok := t[index]; ok {
		return s
	}
	return defaultPeriod
}

// ToExternalCourseFields builds the provider payload for one course
// occurrence on date, resolving the course's period span through periods
// and appending the managed marker.
func (m *Mapper) ToExternalCourseFields(course model.Course, date time.Time, periods PeriodTable) (EventFields, error) {
	startClock := periods.span(course.StartPeriod).Start
	endClock := periods.span(course.EndPeriod).End

	day := date.Format(model.DateLayout)
	start, err := time.ParseInLocation(model.DateLayout+" "+model.TimeLayout, day+" "+startClock, m.loc)
	if err != nil {
		return EventFields{}, fmt.Errorf("bad period start %q: %w", startClock, err)
	}
	end, err := time.ParseInLocation(model.DateLayout+" "+model.TimeLayout, day+" "+endClock, m.loc)
	if err != nil {
		return EventFields{}, fmt.Errorf("bad period end %q: %w", endClock, err)
	}

	desc := course.Teacher
	return EventFields{
		Title:       course.Name,
		Location:    course.Location,
		Description: AppendMarker(desc),
		Start:       start,
		End:         end,
	}, nil
}

// SemesterHash derives the course-regeneration change detector from the
// semester anchor date and week count. Equal inputs always hash equal;
// any change in either input changes the hash. It is never used as an
// external identifier.
func SemesterHash(semesterStart time.Time, totalWeeks int) string {
	y, mo, d := semesterStart.Date()
	epochDay := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d", epochDay, totalWeeks)))
	return hex.EncodeToString(sum[:])
}
