package domain

import "time"

// SyncStatus describes where an event is in its sync lifecycle.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
	SyncError    SyncStatus = "error"
)

// ProviderApple is the provider tag for events synced over CalDAV.
const ProviderApple = "apple"

// Event is the canonical local calendar event. Events created through the API
// start with SyncStatus pending and a nil Provider; after a successful push
// they carry Provider, ExternalID and SyncETag. Events materialized from a
// remote fetch are created directly as synced.
//
// (UserID, Provider, ExternalID) is unique and acts as the upsert key during
// reconciliation.
type Event struct {
	ID          int64
	UserID      int64
	Title       string
	Description string
	Location    string
	StartsAt    time.Time
	EndsAt      time.Time
	AllDay      bool
	RRule       string // raw RRULE value, empty if non-recurring
	Status      string // iCalendar STATUS (CONFIRMED, TENTATIVE, CANCELLED)

	Provider      *string
	ExternalID    *string
	SyncStatus    SyncStatus
	SyncETag      *string
	LastSynced    *time.Time
	LastSyncError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsRemote reports whether the event is bound to a remote resource.
func (e *Event) IsRemote() bool {
	return e.Provider != nil && e.ExternalID != nil
}

// Recurring reports whether the event carries a recurrence rule.
func (e *Event) Recurring() bool {
	return e.RRule != ""
}

// FormatTime returns a short display time for the event.
func (e *Event) FormatTime() string {
	if e.AllDay {
		return "all day"
	}
	if e.EndsAt.IsZero() {
		return e.StartsAt.Format("15:04")
	}
	return e.StartsAt.Format("15:04") + "-" + e.EndsAt.Format("15:04")
}
