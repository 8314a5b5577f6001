package service

import "fmt"

// Account-level errors abort one account's pass and are recorded on its sync
// state; event-level errors are recorded on the event and never abort the
// batch. Nothing here may abort a whole scheduled run.

// DiscoveryError means calendars could not be enumerated (network or auth).
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string { return "discover calendars: " + e.Err.Error() }
func (e *DiscoveryError) Unwrap() error { return e.Err }

// FetchError means the calendar-query REPORT failed or its response could
// not be parsed.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return "fetch events: " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError localizes a malformed VEVENT to that one event.
type DecodeError struct {
	Href string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode event %s: %v", e.Href, e.Err)
}
func (e *DecodeError) Unwrap() error { return e.Err }

// PushConflictError is a 412 on create: the remote resource pre-exists.
type PushConflictError struct {
	EventID int64
	Href    string
}

func (e *PushConflictError) Error() string {
	return fmt.Sprintf("event %d: remote resource %s already exists", e.EventID, e.Href)
}

// PushTransportError is any PUT failure other than a conflict.
type PushTransportError struct {
	EventID int64
	Err     error
}

func (e *PushTransportError) Error() string {
	return fmt.Sprintf("push event %d: %v", e.EventID, e.Err)
}
func (e *PushTransportError) Unwrap() error { return e.Err }

// PersistenceError is a datastore write failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }
