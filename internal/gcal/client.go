// Package gcal implements the sync.Provider port on top of the Google
// Calendar API using service-account credentials.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appLog "schedsync/internal/log"
	"schedsync/internal/mapper"
	synccore "schedsync/internal/sync"
)

// Client is a Google Calendar-backed sync.Provider. It remembers the
// target calendar id: the value from the persisted sync state at
// construction time, replaced when a calendar is created or addressed
// explicitly, because event-level calls (update/delete/get) need it while
// the port only carries opaque event ids.
type Client struct {
	svc        *calendar.Service
	calendarID string
}

// New builds a Client from service-account credentials JSON. calendarID
// may be empty on a fresh install; the first forward pass resolves it.
func New(ctx context.Context, credentialsJSON []byte, calendarID string) (*Client, error) {
	creds, err := google.CredentialsFromJSON(ctx, credentialsJSON, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("reading google credentials: %w", err)
	}
	svc, err := calendar.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}

	return &Client{svc: svc, calendarID: calendarID}, nil
}

// Granted implements the permission gate: a cheap calendar-list probe that
// fails when credentials lack calendar access.
func (c *Client) Granted(ctx context.Context) bool {
	_, err := c.svc.CalendarList.List().MaxResults(1).Context(ctx).Do()
	if err != nil {
		appLog.Error("calendar access probe failed", err)
		return false
	}
	return true
}

func (c *Client) useCalendar(id string) string {
	if id != "" {
		c.calendarID = id
	}
	return c.calendarID
}

func (c *Client) CreateEvent(ctx context.Context, calendarID string, f mapper.EventFields) (string, error) {
	calID := c.useCalendar(calendarID)
	ev, err := c.svc.Events.Insert(calID, toAPIEvent(f)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return ev.Id, nil
}

func (c *Client) UpdateEvent(ctx context.Context, externalID string, f mapper.EventFields) error {
	if c.calendarID == "" {
		return synccore.ErrCalendarUnresolved
	}
	_, err := c.svc.Events.Update(c.calendarID, externalID, toAPIEvent(f)).Context(ctx).Do()
	if isGone(err) {
		return fmt.Errorf("event %s: %w", externalID, synccore.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update event %s: %w", externalID, err)
	}
	return nil
}

func (c *Client) DeleteEvent(ctx context.Context, externalID string) error {
	if c.calendarID == "" {
		return synccore.ErrCalendarUnresolved
	}
	err := c.svc.Events.Delete(c.calendarID, externalID).Context(ctx).Do()
	if isGone(err) {
		return fmt.Errorf("event %s: %w", externalID, synccore.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete event %s: %w", externalID, err)
	}
	return nil
}

// BatchCreate inserts serially and tolerates per-item API rejections,
// reporting ids only for the items that were actually created.
func (c *Client) BatchCreate(ctx context.Context, calendarID string, fields []mapper.EventFields) (map[int]string, error) {
	calID := c.useCalendar(calendarID)

	created := make(map[int]string, len(fields))
	for i, f := range fields {
		ev, err := c.svc.Events.Insert(calID, toAPIEvent(f)).Context(ctx).Do()
		if err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				appLog.Error("batch create: item rejected", err, "index", i, "title", f.Title)
				continue
			}
			return created, fmt.Errorf("batch create: %w", err)
		}
		created[i] = ev.Id
	}
	return created, nil
}

// BatchDelete deletes serially, counting successes. Already-gone events
// count as deleted.
func (c *Client) BatchDelete(ctx context.Context, externalIDs []string) (int, error) {
	if c.calendarID == "" {
		return 0, synccore.ErrCalendarUnresolved
	}

	deleted := 0
	for _, id := range externalIDs {
		err := c.svc.Events.Delete(c.calendarID, id).Context(ctx).Do()
		if err != nil && !isGone(err) {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				appLog.Error("batch delete: item rejected", err, "external_id", id)
				continue
			}
			return deleted, fmt.Errorf("batch delete: %w", err)
		}
		deleted++
	}
	return deleted, nil
}

// QueryByIDs fetches each id individually. Missing and cancelled events
// are simply absent from the result, which is how the reverse pass detects
// external deletions. An event that exists but cannot be converted comes
// back with just its id and zero instants: absence means deleted, and a
// parse failure must never read as one.
func (c *Client) QueryByIDs(ctx context.Context, externalIDs []string) ([]mapper.ExternalEvent, error) {
	if c.calendarID == "" {
		return nil, synccore.ErrCalendarUnresolved
	}

	out := make([]mapper.ExternalEvent, 0, len(externalIDs))
	for _, id := range externalIDs {
		ev, err := c.svc.Events.Get(c.calendarID, id).Context(ctx).Do()
		if isGone(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get event %s: %w", id, err)
		}
		if ev.Status == "cancelled" {
			continue
		}
		ext, err := toExternal(ev)
		if err != nil {
			appLog.Error("external event unconvertible, returning id only", err, "external_id", id)
			out = append(out, mapper.ExternalEvent{ID: id})
			continue
		}
		out = append(out, ext)
	}
	return out, nil
}

func (c *Client) QueryByRange(ctx context.Context, calendarID string, start, end time.Time) ([]mapper.ExternalEvent, error) {
	calID := c.useCalendar(calendarID)

	var out []mapper.ExternalEvent
	pageToken := ""
	for {
		call := c.svc.Events.List(calID).
			TimeMin(start.Format(time.RFC3339)).
			TimeMax(end.Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			MaxResults(250).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		events, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		for _, ev := range events.Items {
			if ev.Status == "cancelled" {
				continue
			}
			ext, err := toExternal(ev)
			if err != nil {
				appLog.Error("skipping unparseable external event", err, "external_id", ev.Id)
				continue
			}
			out = append(out, ext)
		}
		if events.NextPageToken == "" {
			return out, nil
		}
		pageToken = events.NextPageToken
	}
}

func (c *Client) ListWritableCalendars(ctx context.Context) ([]synccore.Calendar, error) {
	list, err := c.svc.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}

	var out []synccore.Calendar
	for _, item := range list.Items {
		if item.AccessRole != "owner" && item.AccessRole != "writer" {
			continue
		}
		out = append(out, synccore.Calendar{ID: item.Id, Name: item.Summary})
	}
	return out, nil
}

func (c *Client) CreateCalendar(ctx context.Context, name string) (string, error) {
	cal, err := c.svc.Calendars.Insert(&calendar.Calendar{Summary: name}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create calendar: %w", err)
	}
	c.calendarID = cal.Id
	return cal.Id, nil
}

// isGone reports whether err is the API telling us the event no longer
// exists (404, or 410 for previously deleted ids).
func isGone(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 404 || apiErr.Code == 410
	}
	return false
}

// toAPIEvent converts provider-neutral fields to the wire shape. All-day
// events carry date-only boundaries; timed events carry RFC3339 instants.
func toAPIEvent(f mapper.EventFields) *calendar.Event {
	ev := &calendar.Event{
		Summary:     f.Title,
		Location:    f.Location,
		Description: f.Description,
	}
	if f.AllDay {
		ev.Start = &calendar.EventDateTime{Date: f.Start.Format("2006-01-02")}
		ev.End = &calendar.EventDateTime{Date: f.End.Format("2006-01-02")}
	} else {
		ev.Start = &calendar.EventDateTime{DateTime: f.Start.Format(time.RFC3339)}
		ev.End = &calendar.EventDateTime{DateTime: f.End.Format(time.RFC3339)}
	}
	if len(f.Reminders) > 0 {
		overrides := make([]*calendar.EventReminder, 0, len(f.Reminders))
		for _, m := range f.Reminders {
			overrides = append(overrides, &calendar.EventReminder{Method: "popup", Minutes: int64(m)})
		}
		ev.Reminders = &calendar.EventReminders{
			UseDefault:      false,
			Overrides:       overrides,
			ForceSendFields: []string{"UseDefault"},
		}
	}
	return ev
}

// toExternal converts a wire event into the mapper's view. All-day
// boundaries are parsed as UTC midnights, which is how the mapper expects
// them.
func toExternal(ev *calendar.Event) (mapper.ExternalEvent, error) {
	ext := mapper.ExternalEvent{
		ID:          ev.Id,
		Title:       ev.Summary,
		Location:    ev.Location,
		Description: ev.Description,
	}
	if ev.Start == nil || ev.End == nil {
		return mapper.ExternalEvent{}, errors.New("event has no start/end")
	}

	start, allDay, err := parseBoundary(ev.Start)
	if err != nil {
		return mapper.ExternalEvent{}, fmt.Errorf("start: %w", err)
	}
	end, _, err := parseBoundary(ev.End)
	if err != nil {
		return mapper.ExternalEvent{}, fmt.Errorf("end: %w", err)
	}

	ext.Start = start
	ext.End = end
	ext.AllDay = allDay
	return ext, nil
}

func parseBoundary(b *calendar.EventDateTime) (time.Time, bool, error) {
	if b.DateTime != "" {
		t, err := time.Parse(time.RFC3339, b.DateTime)
		return t, false, err
	}
	if b.Date != "" {
		t, err := time.ParseInLocation("2006-01-02", b.Date, time.UTC)
		return t, true, err
	}
	return time.Time{}, false, errors.New("boundary has neither dateTime nor date")
}
