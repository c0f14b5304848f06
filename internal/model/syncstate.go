package model

// CalendarUnresolved marks a SyncState whose target calendar has not been
// selected or created yet. External calendar ids are opaque provider
// strings, so the empty string is the sentinel.
const CalendarUnresolved = ""

// SyncState is the durable sync bookkeeping. Mapping is the only link
// between app event ids and external event ids; losing it degrades reverse
// sync's add path to fingerprint-based matching.
type SyncState struct {
	Enabled          bool              `json:"sync_enabled"`
	CalendarID       string            `json:"target_calendar_id"`
	Mapping          map[string]string `json:"mapping"` // app event id -> external id
	LastSyncTime     int64             `json:"last_sync_time"` // unix millis
	LastSemesterHash string            `json:"last_semester_hash"`
}

// NewSyncState returns a disabled state with an unresolved calendar and an
// empty (non-nil) mapping.
func NewSyncState() *SyncState {
	return &SyncState{
		CalendarID: CalendarUnresolved,
		Mapping:    map[string]string{},
	}
}

// Clone deep-copies the state so one sync pass can mutate its own working
// copy without racing readers of the stored one.
func (s *SyncState) Clone() *SyncState {
	out := *s
	out.Mapping = make(map[string]string, len(s.Mapping))
	for k, v := range s.Mapping {
		out.Mapping[k] = v
	}
	return &out
}

// Resolved reports whether a target calendar has been picked.
func (s *SyncState) Resolved() bool {
	return s.CalendarID != CalendarUnresolved
}
