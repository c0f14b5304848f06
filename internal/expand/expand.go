// Package expand turns recurring course definitions into concrete dated
// occurrences. Expansion is a pure function of its inputs: no clock, no
// store access, no side effects.
package expand

import (
	"time"

	"schedsync/internal/model"
)

// Expand materializes the occurrences of one course against a semester
// anchored at semesterStart (the Monday of teaching week 1, midnight in the
// caller's location) running totalWeeks weeks.
//
// For each week in [StartWeek, min(EndWeek, totalWeeks)] that passes the
// parity filter, the occurrence date is
//
//	semesterStart + (week-1)*7 + (DayOfWeek-1) days
//
// and is dropped again if it sits on the course's excluded-date list.
// Excluded dates remove whole occurrences regardless of parity.
//
// totalWeeks < StartWeek simply yields no occurrences.
func Expand(course model.Course, semesterStart time.Time, totalWeeks int) []model.CourseOccurrence {
	lastWeek := course.EndWeek
	if totalWeeks < lastWeek {
		lastWeek = totalWeeks
	}

	var out []model.CourseOccurrence
	for week := course.StartWeek; week <= lastWeek; week++ {
		if !course.Parity.Matches(week) {
			continue
		}
		date := semesterStart.AddDate(0, 0, (week-1)*7+(course.DayOfWeek-1))
		if course.Excludes(date) {
			continue
		}
		out = append(out, model.CourseOccurrence{Course: course, Date: date})
	}
	return out
}

// ExpandAll concatenates Expand over courses, preserving input order.
func ExpandAll(courses []model.Course, semesterStart time.Time, totalWeeks int) []model.CourseOccurrence {
	var out []model.CourseOccurrence
	for _, c := range courses {
		out = append(out, Expand(c, semesterStart, totalWeeks)...)
	}
	return out
}

// Window filters occurrences to the inclusive date range [from, until].
// The forward sync pass uses this to bound the course rebuild to a
// look-ahead window instead of recreating a whole semester of history.
func Window(occurrences []model.CourseOccurrence, from, until time.Time) []model.CourseOccurrence {
	var out []model.CourseOccurrence
	for _, occ := range occurrences {
		if occ.Date.Before(from) || occ.Date.After(until) {
			continue
		}
		out = append(out, occ)
	}
	return out
}
