package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedsync/internal/mapper"
	"schedsync/internal/model"
)

// fakeProvider is an in-memory external calendar store.
type fakeProvider struct {
	mu     sync.Mutex
	events map[string]mapper.ExternalEvent
	nextID int

	calendars []Calendar

	createCalls      int
	updateCalls      int
	deleteCalls      int
	batchCreateCalls int
	batchDeleteCalls int
	rangeCalls       int
	idCalls          int

	failWith error // when set, every call fails with it

	// reentrancy test hooks: QueryByIDs signals entered then waits.
	entered chan struct{}
	release chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{events: map[string]mapper.ExternalEvent{}}
}

func (p *fakeProvider) newID() string {
	p.nextID++
	return fmt.Sprintf("ext-%d", p.nextID)
}

func extFromFields(id string, f mapper.EventFields) mapper.ExternalEvent {
	return mapper.ExternalEvent{
		ID:          id,
		Title:       f.Title,
		Location:    f.Location,
		Description: f.Description,
		Start:       f.Start,
		End:         f.End,
		AllDay:      f.AllDay,
	}
}

func (p *fakeProvider) CreateEvent(_ context.Context, _ string, f mapper.EventFields) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	if p.failWith != nil {
		return "", p.failWith
	}
	id := p.newID()
	p.events[id] = extFromFields(id, f)
	return id, nil
}

func (p *fakeProvider) UpdateEvent(_ context.Context, externalID string, f mapper.EventFields) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateCalls++
	if p.failWith != nil {
		return p.failWith
	}
	if _, ok := p.events[externalID]; !ok {
		return fmt.Errorf("event %s: %w", externalID, ErrNotFound)
	}
	p.events[externalID] = extFromFields(externalID, f)
	return nil
}

func (p *fakeProvider) DeleteEvent(_ context.Context, externalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleteCalls++
	if p.failWith != nil {
		return p.failWith
	}
	if _, ok := p.events[externalID]; !ok {
		return fmt.Errorf("event %s: %w", externalID, ErrNotFound)
	}
	delete(p.events, externalID)
	return nil
}

func (p *fakeProvider) BatchCreate(_ context.Context, _ string, fields []mapper.EventFields) (map[int]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batchCreateCalls++
	if p.failWith != nil {
		return nil, p.failWith
	}
	out := make(map[int]string, len(fields))
	for i, f := range fields {
		id := p.newID()
		p.events[id] = extFromFields(id, f)
		out[i] = id
	}
	return out, nil
}

func (p *fakeProvider) BatchDelete(_ context.Context, externalIDs []string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batchDeleteCalls++
	if p.failWith != nil {
		return 0, p.failWith
	}
	n := 0
	for _, id := range externalIDs {
		if _, ok := p.events[id]; ok {
			delete(p.events, id)
			n++
		}
	}
	return n, nil
}

func (p *fakeProvider) QueryByIDs(_ context.Context, externalIDs []string) ([]mapper.ExternalEvent, error) {
	if p.entered != nil {
		p.entered <- struct{}{}
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idCalls++
	if p.failWith != nil {
		return nil, p.failWith
	}
	var out []mapper.ExternalEvent
	for _, id := range externalIDs {
		if ev, ok := p.events[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (p *fakeProvider) QueryByRange(_ context.Context, _ string, start, end time.Time) ([]mapper.ExternalEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rangeCalls++
	if p.failWith != nil {
		return nil, p.failWith
	}
	var out []mapper.ExternalEvent
	for _, ev := range p.events {
		if ev.Start.Before(start) || ev.Start.After(end) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (p *fakeProvider) ListWritableCalendars(context.Context) ([]Calendar, error) {
	if p.failWith != nil {
		return nil, p.failWith
	}
	return p.calendars, nil
}

func (p *fakeProvider) CreateCalendar(_ context.Context, name string) (string, error) {
	if p.failWith != nil {
		return "", p.failWith
	}
	cal := Calendar{ID: "cal-" + name, Name: name}
	p.calendars = append(p.calendars, cal)
	return cal.ID, nil
}

// fakeState is an in-memory StateStore.
type fakeState struct {
	mu    sync.Mutex
	st    *model.SyncState
	saves int
}

func newFakeState(enabled bool) *fakeState {
	st := model.NewSyncState()
	st.Enabled = enabled
	return &fakeState{st: st}
}

func (s *fakeState) Load() (*model.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Clone(), nil
}

func (s *fakeState) Save(st *model.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = st.Clone()
	s.saves++
	return nil
}

func grantAll(context.Context) bool { return true }
func denyAll(context.Context) bool  { return false }

var testNow = time.Date(2024, 9, 5, 12, 0, 0, 0, time.UTC)

func newTestOrchestrator(p *fakeProvider, s *fakeState, gate func(context.Context) bool) *Orchestrator {
	return New(p, s, GateFunc(gate), mapper.New(time.UTC), Options{
		CalendarName: "schedsync",
		Periods:      mapper.PeriodTable{1: {Start: "08:00", End: "08:45"}},
		Now:          func() time.Time { return testNow },
	})
}

var semesterStart = time.Date(2024, 9, 2, 0, 0, 0, 0, time.UTC)

func plainEvent(id, title, date string) model.Event {
	return model.Event{
		ID:        id,
		Title:     title,
		StartDate: date,
		EndDate:   date,
		StartTime: "10:00",
		EndTime:   "11:00",
		Kind:      model.KindPlain,
	}
}

func testCourse(id string) model.Course {
	return model.Course{
		ID:          id,
		Name:        "Algorithms",
		DayOfWeek:   1,
		StartPeriod: 1,
		EndPeriod:   1,
		StartWeek:   1,
		EndWeek:     16,
		Parity:      model.ParityAll,
	}
}

func TestForward_PermissionDeniedMakesNoProviderCalls(t *testing.T) {
	p := newFakeProvider()
	s := newFakeState(true)
	o := newTestOrchestrator(p, s, denyAll)

	res := o.Forward(context.Background(), nil, nil, semesterStart, 16)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrPermissionDenied)
	assert.Zero(t, p.createCalls+p.updateCalls+p.deleteCalls+p.rangeCalls+p.batchCreateCalls)
}

func TestForward_DisabledIsFailure(t *testing.T) {
	p := newFakeProvider()
	s := newFakeState(false)
	o := newTestOrchestrator(p, s, grantAll)

	res := o.Forward(context.Background(), nil, nil, semesterStart, 16)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrSyncDisabled)
}

func TestForward_ResolvesCalendarByNameOrCreates(t *testing.T) {
	p := newFakeProvider()
	p.calendars = []Calendar{{ID: "cal-x", Name: "other"}}
	s := newFakeState(true)
	o := newTestOrchestrator(p, s, grantAll)

	res := o.Forward(context.Background(), nil, nil, semesterStart, 16)
	require.True(t, res.Success, "err: %v", res.Err)
	assert.Equal(t, "cal-schedsync", s.st.CalendarID)

	// Second orchestrator finds the existing calendar instead of creating.
	s2 := newFakeState(true)
	o2 := newTestOrchestrator(p, s2, grantAll)
	res = o2.Forward(context.Background(), nil, nil, semesterStart, 16)
	require.True(t, res.Success)
	assert.Equal(t, "cal-schedsync", s2.st.CalendarID)
}

func TestForward_CourseRebuildThenExactNoop(t *testing.T) {
	p := newFakeProvider()
	s := newFakeState(true)
	o := newTestOrchestrator(p, s, grantAll)

	courses := []model.Course{testCourse("c1")}

	res := o.Forward(context.Background(), nil, courses, semesterStart, 16)
	require.True(t, res.Success, "err: %v", res.Err)
	assert.Equal(t, 1, p.batchCreateCalls)
	assert.Greater(t, res.Created, 0)
	assert.NotEmpty(t, s.st.LastSemesterHash)

	// Identical input: the course phase must make zero provider calls.
	p.rangeCalls, p.batchCreateCalls, p.batchDeleteCalls = 0, 0, 0
	res = o.Forward(context.Background(), nil, courses, semesterStart, 16)
	require.True(t, res.Success)
	assert.Zero(t, p.rangeCalls)
	assert.Zero(t, p.batchCreateCalls)
	assert.Zero(t, p.batchDeleteCalls)
}

func TestForward_RebuildSweepsOnlyManagedEvents(t *testing.T) {
	p := newFakeProvider()
	s := newFakeState(true)
	o := newTestOrchestrator(p, s, grantAll)

	// A user-created event in the same calendar must survive the rebuild.
	p.events["user-1"] = mapper.ExternalEvent{
		ID:          "user-1",
		Title:       "Dentist",
		Description: "personal",
		Start:       testNow.AddDate(0, 0, 1),
		End:         testNow.AddDate(0, 0, 1).Add(time.Hour),
	}

	courses := []model.Course{testCourse("c1")}
	res := o.Forward(context.Background(), nil, courses, semesterStart, 16)
	require.True(t, res.Success, "err: %v", res.Err)

	managedBefore := countManaged(p)
	require.Greater(t, managedBefore, 0)

	// Change the semester length: full rebuild.
	res = o.Forward(context.Background(), nil, courses, semesterStart, 17)
	require.True(t, res.Success, "err: %v", res.Err)

	_, userSurvived := p.events["user-1"]
	assert.True(t, userSurvived)
	assert.Equal(t, 1, p.batchDeleteCalls)
}

func countManaged(p *fakeProvider) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if mapper.IsManaged(ev.Description) {
			n++
		}
	}
	return n
}

func TestForward_EventPhaseIdempotence(t *testing.T) {
	p := newFakeProvider()
	s := newFakeState(true)
	o := newTestOrchestrator(p, s, grantAll)

	events := []model.Event{plainEvent("e1", "Standup", "2024-09-10")}

	res := o.Forward(context.Background(), events, nil, semesterStart, 16)
	require.True(t, res.Success, "err: %v", res.Err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, p.createCalls)
	require.Len(t, s.st.Mapping, 1)
	firstExt := s.st.Mapping["e1"]

	// Unchanged input: an update, never a second create.
	res = o.Forward(context.Background(), events, nil, semesterStart, 16)
	require.True(t, res.Success)
	assert.Equal(t, 1, p.createCalls)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, firstExt, s.st.Mapping["e1"])
	assert.Len(t, p.events, 1)
}

func TestForward_SkipsNonPlainEvents(t *testing.T) {
	p := newFakeProvider()
	s := newFakeState(true)
	o := newTestOrchestrator(p, s, grantAll)

	temp := plainEvent("t1", "Temp", "2024-09-10")
	temp.Kind = model.KindTemporary

	res := o.Forward(context.Background(), []model.Event{temp}, nil, semesterStart, 16)
	require.True(t, res.Success)
	assert.Zero(t, p.createCalls)
	assert.Empty(t, s.st.Mapping)
}

func TestForward_TombstonePropagation(t *testing.T) {
	p := newFakeProvider()
	s := newFakeState(true)
	o := newTestOrchestrator(p, s, grantAll)

	events := []model.Event{plainEvent("e1", "Standup", "2024-09-10")}
	res := o.Forward(context.Background(), events, nil, semesterStart, 16)
	require.True(t, res.Success)
	extID := s.st.Mapping["e1"]
	require.NotEmpty(t, extID)

	// The event is gone locally: its external counterpart must follow.
	res = o.Forward(context.Background(), nil, nil, semesterStart, 16)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Deleted)
	assert.Empty(t, s.st.Mapping)
	_, stillThere := p.events[extID]
	assert.False(t, stillThere)
}

func TestForward_SelfHealsVanishedExternalEvent(t *testing.T) {
	p := newFakeProvider()
	s := newFakeState(true)
	s.st.CalendarID = "cal-schedsync"
	s.st.Mapping["e1"] = "ext-gone" // points at nothing
	o := newTestOrchestrator(p, s, grantAll)

	events := []model.Event{plainEvent("e1", "Standup", "2024-09-10")}
	res := o.Forward(context.Background(), events, nil, semesterStart, 16)

	require.True(t, res.Success, "vanished external event must not fail the pass")
	assert.NotContains(t, s.st.Mapping, "e1")

	// The next pass recreates it.
	res = o.Forward(context.Background(), events, nil, semesterStart, 16)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Created)
	assert.Contains(t, s.st.Mapping, "e1")
}

func TestForward_ProviderFailureAbortsPhase(t *testing.T) {
	p := newFakeProvider()
	s := newFakeState(true)
	s.st.CalendarID = "cal-schedsync"
	o := newTestOrchestrator(p, s, grantAll)

	boom := errors.New("transport down")
	p.failWith = boom

	events := []model.Event{plainEvent("e1", "Standup", "2024-09-10")}
	res := o.Forward(context.Background(), events, nil, semesterStart, 16)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, boom)
}

func TestReverse_RequiresResolvedCalendar(t *testing.T) {
	p := newFakeProvider()
	s := newFakeState(true) // calendar unresolved
	o := newTestOrchestrator(p, s, grantAll)

	res := o.Reverse(context.Background(), ReverseHooks{}, nil, nil)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrCalendarUnresolved)
}

func TestReverse_UpdatesDeletesAndAdds(t *testing.T) {
	p := newFakeProvider()
	s := newFakeState(true)
	s.st.CalendarID = "cal-schedsync"
	s.st.Mapping["e1"] = "ext-1"
	s.st.Mapping["e2"] = "ext-2"
	o := newTestOrchestrator(p, s, grantAll)

	// ext-1 still exists (edited externally), ext-2 was deleted, ext-3 is
	// brand new and unmanaged.
	p.events["ext-1"] = mapper.ExternalEvent{
		ID:    "ext-1",
		Title: "Standup (moved)",
		Start: time.Date(2024, 9, 10, 3, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 9, 10, 4, 0, 0, 0, time.UTC),
	}
	p.events["ext-3"] = mapper.ExternalEvent{
		ID:    "ext-3",
		Title: "New External",
		Start: time.Date(2024, 9, 12, 3, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 9, 12, 4, 0, 0, 0, time.UTC),
	}

	var updated []model.Event
	var deleted []string
	var added []model.Event
	hooks := ReverseHooks{
		OnAdded: func(e model.Event) (string, error) {
			added = append(added, e)
			return "local-new", nil
		},
		OnUpdated: func(e model.Event) error {
			updated = append(updated, e)
			return nil
		},
		OnDeleted: func(appID string) error {
			deleted = append(deleted, appID)
			return nil
		},
	}

	res := o.Reverse(context.Background(), hooks, nil, nil)
	require.True(t, res.Success, "err: %v", res.Err)

	require.Len(t, updated, 1)
	assert.Equal(t, "e1", updated[0].ID, "update keeps the mapped app id")
	assert.Equal(t, "Standup (moved)", updated[0].Title)

	assert.Equal(t, []string{"e2"}, deleted)
	assert.NotContains(t, s.st.Mapping, "e2")

	require.Len(t, added, 1)
	assert.Equal(t, "New External", added[0].Title)
	assert.Equal(t, "ext-3", s.st.Mapping["local-new"])

	assert.Equal(t, 3, res.Changes())
}

func TestReverse_UnconvertibleMappedEventIsSkippedNotDeleted(t *testing.T) {
	p := newFakeProvider()
	s := newFakeState(true)
	s.st.CalendarID = "cal-schedsync"
	s.st.Mapping["e1"] = "ext-1"
	o := newTestOrchestrator(p, s, grantAll)

	// The provider can see the event but not its boundaries, so it comes
	// back with its id and zero instants rather than being absent.
	p.events["ext-1"] = mapper.ExternalEvent{ID: "ext-1"}

	var deleted []string
	updatedCount := 0
	hooks := ReverseHooks{
		OnAdded:   func(model.Event) (string, error) { return "x", nil },
		OnUpdated: func(model.Event) error { updatedCount++; return nil },
		OnDeleted: func(appID string) error { deleted = append(deleted, appID); return nil },
	}

	res := o.Reverse(context.Background(), hooks, nil, nil)
	require.True(t, res.Success, "err: %v", res.Err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, updatedCount)
	assert.Empty(t, deleted, "a parse failure must never read as a deletion")
	assert.Equal(t, "ext-1", s.st.Mapping["e1"], "mapping survives for the next pass")
}

func TestReverse_ResurrectionGuard(t *testing.T) {
	p := newFakeProvider()
	s := newFakeState(true)
	s.st.CalendarID = "cal-schedsync"
	o := newTestOrchestrator(p, s, grantAll)

	// Unmapped external event whose content equals an archived local one.
	p.events["ext-dup"] = mapper.ExternalEvent{
		ID:    "ext-dup",
		Title: "Dentist",
		Start: time.Date(2024, 9, 10, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 9, 10, 11, 0, 0, 0, time.UTC),
	}
	at := testNow
	archived := plainEvent("old", "dentist", "2024-09-10")
	archived.ArchivedAt = &at

	addedCount := 0
	hooks := ReverseHooks{
		OnAdded:   func(model.Event) (string, error) { addedCount++; return "x", nil },
		OnUpdated: func(model.Event) error { return nil },
		OnDeleted: func(string) error { return nil },
	}

	res := o.Reverse(context.Background(), hooks, nil, []model.Event{archived})
	require.True(t, res.Success, "err: %v", res.Err)
	assert.Zero(t, addedCount)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, s.st.Mapping)
}

func TestReverse_SkipsManagedEvents(t *testing.T) {
	p := newFakeProvider()
	s := newFakeState(true)
	s.st.CalendarID = "cal-schedsync"
	o := newTestOrchestrator(p, s, grantAll)

	p.events["ext-m"] = mapper.ExternalEvent{
		ID:          "ext-m",
		Title:       "Algorithms",
		Description: mapper.AppendMarker(""),
		Start:       time.Date(2024, 9, 9, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 9, 9, 1, 0, 0, 0, time.UTC),
	}

	addedCount := 0
	hooks := ReverseHooks{
		OnAdded: func(model.Event) (string, error) { addedCount++; return "x", nil },
	}

	res := o.Reverse(context.Background(), hooks, nil, nil)
	require.True(t, res.Success, "err: %v", res.Err)
	assert.Zero(t, addedCount)
}

func TestReverse_SingleFlight(t *testing.T) {
	p := newFakeProvider()
	p.entered = make(chan struct{})
	p.release = make(chan struct{})
	s := newFakeState(true)
	s.st.CalendarID = "cal-schedsync"
	s.st.Mapping["e1"] = "ext-1"
	o := newTestOrchestrator(p, s, grantAll)

	hooks := ReverseHooks{
		OnAdded:   func(model.Event) (string, error) { return "x", nil },
		OnUpdated: func(model.Event) error { return nil },
		OnDeleted: func(string) error { return nil },
	}

	done := make(chan Result, 1)
	go func() {
		done <- o.Reverse(context.Background(), hooks, nil, nil)
	}()

	<-p.entered // first pass is inside the provider call

	second := o.Reverse(context.Background(), hooks, nil, nil)
	assert.True(t, second.Success)
	assert.Zero(t, second.Changes())
	assert.Equal(t, "reverse pass already running", second.Message)

	close(p.release)
	first := <-done
	assert.True(t, first.Success, "err: %v", first.Err)
}
