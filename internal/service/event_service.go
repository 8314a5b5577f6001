package service

import (
	"fmt"
	"time"

	"calsync/internal/domain"
	"calsync/internal/ics"
	"calsync/internal/storage"
)

// EventService serves local event reads and creates. Events created here are
// pending: the next export pass pushes them to the remote calendar.
type EventService struct {
	storage *storage.Storage
}

func NewEventService(s *storage.Storage) *EventService {
	return &EventService{storage: s}
}

// Create stores a locally authored event in pending state.
func (s *EventService) Create(e *domain.Event) error {
	if e.Title == "" {
		return fmt.Errorf("title is required")
	}
	if e.StartsAt.IsZero() {
		return fmt.Errorf("start time is required")
	}
	if !e.EndsAt.IsZero() && e.EndsAt.Before(e.StartsAt) {
		return fmt.Errorf("end time precedes start time")
	}
	e.SyncStatus = domain.SyncPending
	return s.storage.CreateEvent(e)
}

// ListOccurrences returns concrete event occurrences in [from, to], with
// recurrence rules expanded.
func (s *EventService) ListOccurrences(userID int64, from, to time.Time) ([]ics.Occurrence, error) {
	events, err := s.storage.ListEvents(userID, from, to)
	if err != nil {
		return nil, err
	}
	return ics.ExpandOccurrences(events, from, to), nil
}

// SyncStatus returns the account's sync state, nil if sync was never set up.
func (s *EventService) SyncStatus(userID int64) (*domain.SyncState, error) {
	return s.storage.GetSyncState(userID)
}
