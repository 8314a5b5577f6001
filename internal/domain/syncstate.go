package domain

import "time"

// Direction controls which halves of a sync pass run for an account.
type Direction string

const (
	ImportOnly    Direction = "import_only"
	ExportOnly    Direction = "export_only"
	Bidirectional Direction = "bidirectional"
)

// Imports reports whether the remote fetch half should run.
func (d Direction) Imports() bool {
	return d == ImportOnly || d == Bidirectional
}

// Exports reports whether the local push half should run.
func (d Direction) Exports() bool {
	return d == ExportOnly || d == Bidirectional
}

// SyncState is the per-account sync bookkeeping row. CalendarHref persists the
// selected calendar: the first discovery picks one and later passes reuse it
// instead of recomputing the choice. CalendarCTag drives the unchanged-remote
// short-circuit. Mutated only by the sync service.
type SyncState struct {
	UserID           int64
	Direction        Direction
	AutoSync         bool
	SyncIntervalMins int
	CalendarHref     string
	CalendarCTag     string
	LastSyncTime     *time.Time
	LastSyncAttempt  *time.Time
	LastSyncError    string
	UpdatedAt        time.Time
}
