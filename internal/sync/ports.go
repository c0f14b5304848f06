// Package sync drives bidirectional reconciliation between the local
// schedule and an external calendar store, anchored on a persisted
// app-id to external-id mapping table plus content fingerprints.
package sync

import (
	"context"
	"errors"
	"time"

	"schedsync/internal/mapper"
	"schedsync/internal/model"
)

// Failure taxonomy. Provider implementations wrap transport failures with
// their own context; ErrNotFound is the one sentinel they must surface
// verbatim so the orchestrator can self-heal stale mappings.
var (
	ErrPermissionDenied   = errors.New("calendar permission denied")
	ErrSyncDisabled       = errors.New("sync is disabled")
	ErrCalendarUnresolved = errors.New("target calendar not resolved")
	ErrNotFound           = errors.New("external event not found")
)

// Calendar is one writable external calendar.
type Calendar struct {
	ID      string
	Name    string
	Account string
}

// Provider is the external calendar store. Batch calls tolerate partial
// success: BatchCreate reports the external id per input index for the
// items that were actually created, and only transport-level failures come
// back as an error.
type Provider interface {
	CreateEvent(ctx context.Context, calendarID string, f mapper.EventFields) (string, error)
	UpdateEvent(ctx context.Context, externalID string, f mapper.EventFields) error
	DeleteEvent(ctx context.Context, externalID string) error
	BatchCreate(ctx context.Context, calendarID string, fields []mapper.EventFields) (map[int]string, error)
	BatchDelete(ctx context.Context, externalIDs []string) (int, error)
	QueryByIDs(ctx context.Context, externalIDs []string) ([]mapper.ExternalEvent, error)
	QueryByRange(ctx context.Context, calendarID string, start, end time.Time) ([]mapper.ExternalEvent, error)
	ListWritableCalendars(ctx context.Context) ([]Calendar, error)
	CreateCalendar(ctx context.Context, name string) (string, error)
}

// StateStore persists the sync bookkeeping between passes.
type StateStore interface {
	Load() (*model.SyncState, error)
	Save(*model.SyncState) error
}

// PermissionGate answers whether the app currently holds calendar access.
// It is checked before any provider call; a denied gate aborts the pass
// without touching the provider.
type PermissionGate interface {
	Granted(ctx context.Context) bool
}

// GateFunc adapts a plain function to PermissionGate.
type GateFunc func(ctx context.Context) bool

func (f GateFunc) Granted(ctx context.Context) bool { return f(ctx) }

// ReverseHooks receive local mutations discovered by the reverse pass.
//
// OnAdded must store the event and return the app id it was assigned, so
// the orchestrator can record the new mapping entry. OnUpdated is invoked
// for every previously-mapped event the provider still has, without
// field-level diffing; it must be idempotent. Hooks already invoked before
// a failure are not undone.
type ReverseHooks struct {
	OnAdded   func(model.Event) (string, error)
	OnUpdated func(model.Event) error
	OnDeleted func(appID string) error
}
