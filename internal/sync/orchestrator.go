package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"schedsync/internal/expand"
	"schedsync/internal/fingerprint"
	appLog "schedsync/internal/log"
	"schedsync/internal/mapper"
	"schedsync/internal/model"
)

// Defaults for the pass windows; all overridable via Options.
const (
	defaultForwardWindowWeeks = 16
	defaultReversePastDays    = 30
	defaultReverseFutureDays  = 180

	// The managed-occurrence sweep during a course rebuild scans this far
	// around "now". Occurrences outside it survive until the next rebuild.
	managedSweepDays = 366
)

// Options tune an Orchestrator. Zero values select the defaults above.
type Options struct {
	// CalendarName is the display name used to select or create the target
	// external calendar.
	CalendarName string

	ForwardWindowWeeks int
	ReversePastDays    int
	ReverseFutureDays  int

	// Periods resolves course period indexes to wall-clock spans.
	Periods mapper.PeriodTable

	// Now is a clock hook for tests; nil means time.Now.
	Now func() time.Time
}

// Orchestrator runs the forward (app to external) and reverse (external to
// app) reconciliation passes. It treats the event/course slices it is given
// as immutable snapshots; serializing mutation of the underlying lists is
// the caller's job. Both passes are single-flight: a concurrent invocation
// collapses to an immediate no-op success instead of queueing.
type Orchestrator struct {
	provider Provider
	state    StateStore
	gate     PermissionGate
	mapper   *mapper.Mapper
	opts     Options

	forwardBusy atomic.Bool
	reverseBusy atomic.Bool
}

// New builds an Orchestrator. provider, state, gate and m must be non-nil.
func New(provider Provider, state StateStore, gate PermissionGate, m *mapper.Mapper, opts Options) *Orchestrator {
	if opts.CalendarName == "" {
		opts.CalendarName = "schedsync"
	}
	if opts.ForwardWindowWeeks <= 0 {
		opts.ForwardWindowWeeks = defaultForwardWindowWeeks
	}
	if opts.ReversePastDays <= 0 {
		opts.ReversePastDays = defaultReversePastDays
	}
	if opts.ReverseFutureDays <= 0 {
		opts.ReverseFutureDays = defaultReverseFutureDays
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		provider: provider,
		state:    state,
		gate:     gate,
		mapper:   m,
		opts:     opts,
	}
}

// loadState fetches the persisted sync state, falling back to a fresh one
// when the stored blob is unreadable. Corrupt state must not fail the pass;
// a lost mapping only degrades reverse matching to fingerprints.
func (o *Orchestrator) loadState() *model.SyncState {
	st, err := o.state.Load()
	if err != nil {
		appLog.Error("sync state unreadable, starting fresh", err)
		return model.NewSyncState()
	}
	if st.Mapping == nil {
		st.Mapping = map[string]string{}
	}
	return st
}

// persist writes st back, logging rather than failing: state-save problems
// must not mask the pass outcome. It stamps the last-sync time.
func (o *Orchestrator) persist(st *model.SyncState) {
	st.LastSyncTime = o.opts.Now().UnixMilli()
	if err := o.state.Save(st); err != nil {
		appLog.Error("failed to persist sync state", err)
	}
}

// resolveCalendar ensures st.CalendarID points at a writable external
// calendar, selecting one by display name or creating it.
func (o *Orchestrator) resolveCalendar(ctx context.Context, st *model.SyncState) error {
	if st.Resolved() {
		return nil
	}

	cals, err := o.provider.ListWritableCalendars(ctx)
	if err != nil {
		return err
	}
	for _, c := range cals {
		if c.Name == o.opts.CalendarName {
			st.CalendarID = c.ID
			o.persist(st)
			return nil
		}
	}

	id, err := o.provider.CreateCalendar(ctx, o.opts.CalendarName)
	if err != nil {
		return err
	}
	st.CalendarID = id
	o.persist(st)
	appLog.Info("created target calendar", "name", o.opts.CalendarName, "calendar_id", id)
	return nil
}

// Forward pushes the local schedule to the external store: a hash-gated
// destructive rebuild of course occurrences (app is sole authority) followed
// by the id-mapped plain-event phase with tombstone propagation.
//
// events must be the caller's current active plain-event snapshot; any
// mapping entry whose app id is absent from it is treated as a local
// deletion and propagated.
func (o *Orchestrator) Forward(ctx context.Context, events []model.Event, courses []model.Course, semesterStart time.Time, totalWeeks int) Result {
	if !o.forwardBusy.CompareAndSwap(false, true) {
		return Result{Success: true, Message: "forward pass already running"}
	}
	defer o.forwardBusy.Store(false)

	started := o.opts.Now()
	finish := func(r Result) Result {
		r.Duration = o.opts.Now().Sub(started)
		return r
	}

	if !o.gate.Granted(ctx) {
		return finish(failure("calendar permission missing", ErrPermissionDenied))
	}

	st := o.loadState()
	if !st.Enabled {
		return finish(failure("sync disabled", ErrSyncDisabled))
	}
	st = st.Clone()

	if err := o.resolveCalendar(ctx, st); err != nil {
		return finish(failure("failed to resolve target calendar", err))
	}

	var res Result

	courseCreated, err := o.forwardCourses(ctx, st, courses, semesterStart, totalWeeks)
	if err != nil {
		return finish(failure("course phase failed", err))
	}
	res.Created += courseCreated

	if err := o.forwardEvents(ctx, st, events, &res); err != nil {
		// Whatever the phase committed stays committed; keep the mapping
		// mutations made so far.
		o.persist(st)
		return finish(failure("event phase failed", err))
	}

	o.persist(st)
	res.Success = true
	return finish(res)
}

// forwardCourses runs the course phase: when the semester hash changed,
// bulk-delete the managed occurrences and recreate the expansion bounded
// to the forward-looking window. The delete sweep queries managedSweepDays
// around now rather than all time; managed occurrences beyond it wait for
// a later rebuild. An unchanged hash makes no provider calls at all.
func (o *Orchestrator) forwardCourses(ctx context.Context, st *model.SyncState, courses []model.Course, semesterStart time.Time, totalWeeks int) (int, error) {
	newHash := mapper.SemesterHash(semesterStart, totalWeeks)
	if newHash == st.LastSemesterHash {
		return 0, nil
	}

	now := o.opts.Now()
	appLog.Info("semester changed, rebuilding course occurrences",
		"old_hash", st.LastSemesterHash, "new_hash", newHash, "courses", len(courses))

	// Sweep managed occurrences. Only events carrying the marker are ever
	// deleted here; user-created entries in the same calendar are untouched.
	existing, err := o.provider.QueryByRange(ctx, st.CalendarID,
		now.AddDate(0, 0, -managedSweepDays), now.AddDate(0, 0, managedSweepDays))
	if err != nil {
		return 0, err
	}
	var managed []string
	for _, ext := range existing {
		if mapper.IsManaged(ext.Description) {
			managed = append(managed, ext.ID)
		}
	}
	if len(managed) > 0 {
		n, err := o.provider.BatchDelete(ctx, managed)
		if err != nil {
			return 0, err
		}
		appLog.Info("deleted managed occurrences", "count", n)
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	horizon := today.AddDate(0, 0, 7*o.opts.ForwardWindowWeeks)
	occs := expand.Window(expand.ExpandAll(courses, semesterStart, totalWeeks), today, horizon)

	fields := make([]mapper.EventFields, 0, len(occs))
	for _, occ := range occs {
		f, err := o.mapper.ToExternalCourseFields(occ.Course, occ.Date, o.opts.Periods)
		if err != nil {
			appLog.Error("skipping unconvertible occurrence", err,
				"course", occ.Course.ID, "date", occ.DateString())
			continue
		}
		fields = append(fields, f)
	}

	created := 0
	if len(fields) > 0 {
		ids, err := o.provider.BatchCreate(ctx, st.CalendarID, fields)
		if err != nil {
			return 0, err
		}
		// Partial success is fine: course occurrences are not id-mapped,
		// the next rebuild recreates whatever is missing.
		created = len(ids)
	}

	st.LastSemesterHash = newHash
	o.persist(st)
	return created, nil
}

// forwardEvents runs the event phase: update mapped events (dropping
// mappings the provider reports gone), create unmapped ones, then delete
// external counterparts of locally removed events.
func (o *Orchestrator) forwardEvents(ctx context.Context, st *model.SyncState, events []model.Event, res *Result) error {
	present := make(map[string]bool, len(events))

	for _, e := range events {
		if e.Kind != model.KindPlain {
			continue
		}
		present[e.ID] = true

		fields, err := o.mapper.ToExternalFields(e)
		if err != nil {
			appLog.Error("skipping unconvertible event", err, "event", e.ID)
			res.Skipped++
			continue
		}

		if extID, ok := st.Mapping[e.ID]; ok {
			err := o.provider.UpdateEvent(ctx, extID, fields)
			if errors.Is(err, ErrNotFound) {
				// External side vanished under us; forget the mapping and
				// let the next pass recreate the event.
				appLog.Info("mapped external event gone, dropping mapping",
					"event", e.ID, "external_id", extID)
				delete(st.Mapping, e.ID)
				continue
			}
			if err != nil {
				return err
			}
			res.Updated++
			continue
		}

		extID, err := o.provider.CreateEvent(ctx, st.CalendarID, fields)
		if err != nil {
			return err
		}
		st.Mapping[e.ID] = extID
		res.Created++
	}

	// Tombstone propagation: mapping entries with no surviving local event.
	for appID, extID := range st.Mapping {
		if present[appID] {
			continue
		}
		err := o.provider.DeleteEvent(ctx, extID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		delete(st.Mapping, appID)
		res.Deleted++
	}
	return nil
}

// Reverse pulls external edits back into the app. Previously-mapped ids are
// fetched directly (not by time window, so old events are still caught):
// present ones are handed to OnUpdated unconditionally, absent ones are
// deletions. A bounded window is then scanned for unmapped, unmanaged
// events; content that duplicates an active or archived local event is
// skipped so archived entries are never resurrected.
func (o *Orchestrator) Reverse(ctx context.Context, hooks ReverseHooks, active, archived []model.Event) Result {
	if !o.reverseBusy.CompareAndSwap(false, true) {
		return Result{Success: true, Message: "reverse pass already running"}
	}
	defer o.reverseBusy.Store(false)

	started := o.opts.Now()
	finish := func(r Result) Result {
		r.Duration = o.opts.Now().Sub(started)
		return r
	}

	if !o.gate.Granted(ctx) {
		return finish(failure("calendar permission missing", ErrPermissionDenied))
	}

	st := o.loadState()
	if !st.Enabled {
		return finish(failure("sync disabled", ErrSyncDisabled))
	}
	if !st.Resolved() {
		return finish(failure("no target calendar", ErrCalendarUnresolved))
	}
	st = st.Clone()

	var res Result
	dirty := false

	// Phase 1: previously-mapped events.
	if len(st.Mapping) > 0 {
		reverseIdx := make(map[string]string, len(st.Mapping)) // external id -> app id
		ids := make([]string, 0, len(st.Mapping))
		for appID, extID := range st.Mapping {
			reverseIdx[extID] = appID
			ids = append(ids, extID)
		}

		exts, err := o.provider.QueryByIDs(ctx, ids)
		if err != nil {
			return finish(failure("mapped-id query failed", err))
		}

		found := make(map[string]bool, len(exts))
		for _, ext := range exts {
			found[ext.ID] = true
			appID := reverseIdx[ext.ID]
			ev, err := o.mapper.ToInternal(ext, appID)
			if err != nil {
				appLog.Error("skipping unconvertible external event", err, "external_id", ext.ID)
				res.Skipped++
				continue
			}
			// No field diffing here: the hook is idempotent by contract.
			if err := hooks.OnUpdated(ev); err != nil {
				o.finishReverse(st, dirty)
				return finish(failure("update hook failed", err))
			}
			res.Updated++
			dirty = true
		}

		for extID, appID := range reverseIdx {
			if found[extID] {
				continue
			}
			if err := hooks.OnDeleted(appID); err != nil {
				o.finishReverse(st, dirty)
				return finish(failure("delete hook failed", err))
			}
			delete(st.Mapping, appID)
			res.Deleted++
			dirty = true
		}
	}

	// Phase 2: discovery window for events created externally.
	now := o.opts.Now()
	windowStart := now.AddDate(0, 0, -o.opts.ReversePastDays)
	windowEnd := now.AddDate(0, 0, o.opts.ReverseFutureDays)

	exts, err := o.provider.QueryByRange(ctx, st.CalendarID, windowStart, windowEnd)
	if err != nil {
		o.finishReverse(st, dirty)
		return finish(failure("window query failed", err))
	}

	mappedExt := make(map[string]bool, len(st.Mapping))
	for _, extID := range st.Mapping {
		mappedExt[extID] = true
	}
	union := make([]model.Event, 0, len(active)+len(archived))
	union = append(union, active...)
	union = append(union, archived...)

	for _, ext := range exts {
		if mappedExt[ext.ID] || mapper.IsManaged(ext.Description) {
			continue
		}
		ev, err := o.mapper.ToInternal(ext, "")
		if err != nil {
			appLog.Error("skipping unconvertible external event", err, "external_id", ext.ID)
			res.Skipped++
			continue
		}
		if fingerprint.IsDuplicateOf(ev, union) {
			res.Skipped++
			continue
		}
		appID, err := hooks.OnAdded(ev)
		if err != nil {
			o.finishReverse(st, dirty)
			return finish(failure("add hook failed", err))
		}
		st.Mapping[appID] = ext.ID
		res.Created++
		dirty = true
	}

	o.finishReverse(st, dirty)
	res.Success = true
	return finish(res)
}

// finishReverse persists reverse-pass state only when the mapping actually
// changed, so a read-only pass leaves the stored timestamp alone.
func (o *Orchestrator) finishReverse(st *model.SyncState, dirty bool) {
	if dirty {
		o.persist(st)
	}
}
