// Package ics turns an ICS feed into a batch of plain events ready for
// fingerprint-based import reconciliation. It parses VEVENTs, expands
// RRULE recurrences inside a bounded window and converts every occurrence
// into the app's date + time-of-day representation.
package ics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "schedsync/internal/log"
	"schedsync/internal/model"
)

// maxOccurrencesPerEvent caps runaway recurrences.
const maxOccurrencesPerEvent = 1000

// Source is one ICS subscription.
type Source struct {
	ID  string `yaml:"id" json:"id"`
	URL string `yaml:"url" json:"url"`
}

// Fetcher downloads ICS payloads.
type Fetcher struct {
	client *http.Client
}

// NewFetcher returns a Fetcher with a sane timeout.
func NewFetcher() *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: 15 * time.Second}}
}

// Fetch downloads one source's payload.
func (f *Fetcher) Fetch(ctx context.Context, src Source) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", src.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", src.ID, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", src.ID, err)
	}
	return body, nil
}

// parsedEvent is one VEVENT before expansion.
type parsedEvent struct {
	uid         string
	summary     string
	description string
	location    string
	start, end  time.Time
	allDay      bool
	rawRRule    string
	exDates     []time.Time
}

// parse extracts the VEVENTs of one ICS payload. Events that cannot be
// parsed are skipped individually.
func parse(body []byte) ([]parsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var out []parsedEvent
	for _, ve := range cal.Events() {
		ev, err := parseVEvent(ve)
		if err != nil {
			appLog.Error("skipping unparseable vevent", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func parseVEvent(ve *ical.VEvent) (parsedEvent, error) {
	var out parsedEvent

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.uid = p.Value
	}
	if out.uid == "" {
		return out, errors.New("missing UID")
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.location = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("dtstart: %w", err)
	}
	end, err := ve.GetEndAt()
	if err != nil {
		// DTEND is optional; default to the start.
		end = start
	}
	out.start = start
	out.end = end

	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		if params := p.ICalParameters; params != nil {
			if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
				out.allDay = true
			}
		}
		if !strings.Contains(p.Value, "T") {
			out.allDay = true
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.rawRRule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICalTime(part); err == nil {
				out.exDates = append(out.exDates, t)
			}
		}
	}
	return out, nil
}

func parseICalTime(v string) (time.Time, error) {
	for _, layout := range []string{"20060102T150405Z", "20060102T150405", "20060102"} {
		loc := time.UTC
		if layout == "20060102T150405" || layout == "20060102" {
			loc = time.Local
		}
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized ical time %q", v)
}

// expandToEvents converts parsed VEVENTs into plain events inside the
// inclusive window [from, until], expanding recurrences via their RRULE
// and dropping EXDATE instances. Times are rendered in loc.
func expandToEvents(events []parsedEvent, from, until time.Time, loc *time.Location) []model.Event {
	if loc == nil {
		loc = time.Local
	}

	var out []model.Event
	for _, ev := range events {
		if ev.rawRRule == "" {
			if ev.end.Before(from) || ev.start.After(until) {
				continue
			}
			out = append(out, toEvent(ev, ev.start, ev.end, loc))
			continue
		}

		r, err := rrule.StrToRRule(ev.rawRRule)
		if err != nil {
			appLog.Error("skipping event with bad RRULE", err, "uid", ev.uid, "rrule", ev.rawRRule)
			continue
		}
		r.DTStart(ev.start)

		var set rrule.Set
		set.RRule(r)
		for _, ex := range ev.exDates {
			set.ExDate(ex.In(ev.start.Location()))
		}

		starts := set.Between(from.In(ev.start.Location()), until.In(ev.start.Location()), true)
		if len(starts) > maxOccurrencesPerEvent {
			appLog.Info("capping recurrence expansion", "uid", ev.uid, "cap", maxOccurrencesPerEvent)
			starts = starts[:maxOccurrencesPerEvent]
		}

		dur := ev.end.Sub(ev.start)
		for _, start := range starts {
			out = append(out, toEvent(ev, start, start.Add(dur), loc))
		}
	}
	return out
}

// toEvent renders one occurrence as a plain app event. All-day VEVENTs get
// the synthetic midnight-to-23:59 time pair; their DTEND is exclusive so a
// positive duration is pulled back one day.
func toEvent(ev parsedEvent, start, end time.Time, loc *time.Location) model.Event {
	e := model.Event{
		Title:       ev.summary,
		Location:    ev.location,
		Description: ev.description,
		Kind:        model.KindPlain,
	}
	if ev.allDay {
		endDate := end.AddDate(0, 0, -1)
		if endDate.Before(start) {
			endDate = start
		}
		e.StartDate = start.Format(model.DateLayout)
		e.EndDate = endDate.Format(model.DateLayout)
		e.StartTime = "00:00"
		e.EndTime = "23:59"
		return e
	}

	s := start.In(loc)
	en := end.In(loc)
	e.StartDate = s.Format(model.DateLayout)
	e.EndDate = en.Format(model.DateLayout)
	e.StartTime = s.Format(model.TimeLayout)
	e.EndTime = en.Format(model.TimeLayout)
	return e
}

// Import fetches, parses and expands every source, concatenating the
// resulting batches. Per-source failures are logged and skipped.
func Import(ctx context.Context, fetcher *Fetcher, sources []Source, from, until time.Time, loc *time.Location) []model.Event {
	var batch []model.Event
	for _, src := range sources {
		body, err := fetcher.Fetch(ctx, src)
		if err != nil {
			appLog.Error("ics fetch failed", err, "id", src.ID)
			continue
		}
		parsed, err := parse(body)
		if err != nil {
			appLog.Error("ics parse failed", err, "id", src.ID)
			continue
		}
		events := expandToEvents(parsed, from, until, loc)
		appLog.Info("ics source imported", "id", src.ID, "events", len(events))
		batch = append(batch, events...)
	}
	return batch
}
