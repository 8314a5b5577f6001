package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"calsync/config"
	"calsync/internal/clients/caldav"
	"calsync/internal/domain"
	"calsync/internal/ics"
	"calsync/internal/storage"
)

// Remote events within now-fetchWindow .. now+fetchWindow are fetched.
const fetchWindow = 30 * 24 * time.Hour

// SyncService reconciles local events with a remote CalDAV calendar per
// account: discovery, ctag-gated fetch, create-only push.
type SyncService struct {
	storage *storage.Storage
	cfg     *config.Config
}

func NewSyncService(s *storage.Storage, cfg *config.Config) *SyncService {
	return &SyncService{storage: s, cfg: cfg}
}

// AccountResult is one account's outcome within a scheduled run.
type AccountResult struct {
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RunResult summarizes one scheduled pass over all auto-sync accounts.
type RunResult struct {
	RunID   string          `json:"run_id"`
	Synced  int             `json:"synced_users"`
	Results []AccountResult `json:"results"`
}

// RunScheduled syncs every account with auto-sync enabled. Accounts are
// processed by a bounded worker pool; one account's failure never stops the
// others. Accounts whose last attempt is more recent than their configured
// interval are skipped.
func (s *SyncService) RunScheduled(ctx context.Context) (*RunResult, error) {
	states, err := s.storage.ListAutoSyncStates()
	if err != nil {
		return nil, &PersistenceError{Op: "list auto-sync accounts", Err: err}
	}

	result := &RunResult{RunID: uuid.NewString()}
	log.Printf("sync run %s: %d account(s)", result.RunID, len(states))

	now := time.Now()
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.cfg.SyncWorkers)

	for _, st := range states {
		if st.LastSyncAttempt != nil && st.SyncIntervalMins > 0 {
			due := st.LastSyncAttempt.Add(time.Duration(st.SyncIntervalMins) * time.Minute)
			if now.Before(due) {
				continue
			}
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(st *domain.SyncState) {
			defer wg.Done()
			defer func() { <-sem }()

			res := s.syncOne(ctx, st.UserID)

			mu.Lock()
			if res.Status == "success" {
				result.Synced++
			}
			result.Results = append(result.Results, res)
			mu.Unlock()
		}(st)
	}
	wg.Wait()

	log.Printf("sync run %s: %d/%d succeeded", result.RunID, result.Synced, len(result.Results))
	return result, nil
}

// syncOne runs SyncAccount with panic isolation so one misbehaving account
// cannot take down the scheduled run.
func (s *SyncService) syncOne(ctx context.Context, userID int64) (res AccountResult) {
	res = AccountResult{UserID: userID, Status: "success"}
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			log.Printf("sync user %d: %s", userID, msg)
			_ = s.storage.MarkSyncError(userID, msg, time.Now())
			res.Status = "error"
			res.Error = msg
		}
	}()

	if err := s.SyncAccount(ctx, userID); err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

// SyncAccount performs one full pass for one account:
// discover -> fetch (import directions) -> push (export directions).
// The ctag and last-sync markers are only advanced after every event write of
// the pass has been attempted.
func (s *SyncService) SyncAccount(ctx context.Context, userID int64) error {
	now := time.Now()

	cred, err := s.storage.GetCredential(userID)
	if err != nil {
		perr := &PersistenceError{Op: "load credential", Err: err}
		_ = s.storage.MarkSyncError(userID, perr.Error(), now)
		return perr
	}
	if !cred.Configured() {
		err := fmt.Errorf("user %d has no CalDAV credential", userID)
		_ = s.storage.MarkSyncError(userID, err.Error(), now)
		return err
	}

	st, err := s.storage.GetSyncState(userID)
	if err != nil {
		perr := &PersistenceError{Op: "load sync state", Err: err}
		_ = s.storage.MarkSyncError(userID, perr.Error(), now)
		return perr
	}
	if st == nil {
		st = &domain.SyncState{UserID: userID, Direction: domain.Bidirectional, SyncIntervalMins: 15}
		if err := s.storage.UpsertSyncState(st); err != nil {
			return &PersistenceError{Op: "init sync state", Err: err}
		}
	}

	client := s.newClient(cred)

	calendars, err := client.FindCalendars(ctx)
	if err != nil {
		derr := &DiscoveryError{Err: err}
		_ = s.storage.MarkSyncError(userID, derr.Error(), now)
		return derr
	}
	if len(calendars) == 0 {
		// Nothing to sync; keep the stored ctag untouched.
		log.Printf("sync user %d: no calendars discovered", userID)
		return s.finish(userID, st.CalendarCTag, now)
	}

	cal := s.selectCalendar(st, calendars)

	// The stored ctag only advances when the import half runs; an export-only
	// pass that recorded it would make a later import skip its first fetch.
	ctag := st.CalendarCTag
	if st.Direction.Imports() {
		if err := s.fetchRemote(ctx, client, st, cal, now); err != nil {
			_ = s.storage.MarkSyncError(userID, err.Error(), now)
			return err
		}
		ctag = cal.CTag
	}

	if st.Direction.Exports() {
		s.pushPending(ctx, client, userID, cal.Href)
	}

	return s.finish(userID, ctag, now)
}

func (s *SyncService) finish(userID int64, ctag string, at time.Time) error {
	if err := s.storage.MarkSyncSuccess(userID, ctag, at); err != nil {
		return &PersistenceError{Op: "record sync success", Err: err}
	}
	return nil
}

func (s *SyncService) newClient(cred *domain.Credential) *caldav.Client {
	baseURL := cred.BaseURL
	if baseURL == "" {
		baseURL = s.cfg.DefaultCalDAVURL
	}
	return caldav.NewClient(baseURL, cred.Username, cred.AppPassword, s.cfg.HTTPTimeout)
}

// selectCalendar resolves the account's active calendar. The choice is
// persisted on first discovery and honored on later passes; if the stored
// href disappears from the account the first calendar takes over.
func (s *SyncService) selectCalendar(st *domain.SyncState, calendars []caldav.Calendar) caldav.Calendar {
	if st.CalendarHref != "" {
		for _, c := range calendars {
			if c.Href == st.CalendarHref {
				return c
			}
		}
	}
	cal := calendars[0]
	st.CalendarHref = cal.Href
	if err := s.storage.SetSyncCalendar(st.UserID, cal.Href); err != nil {
		log.Printf("sync user %d: persist calendar selection: %v", st.UserID, err)
	}
	return cal
}

// fetchRemote pulls remote events in the fetch window and reconciles them
// into local storage. When the calendar's ctag matches the stored one and a
// prior successful sync exists, the remote is unchanged and no REPORT is
// issued.
func (s *SyncService) fetchRemote(ctx context.Context, client *caldav.Client, st *domain.SyncState, cal caldav.Calendar, now time.Time) error {
	if cal.CTag != "" && cal.CTag == st.CalendarCTag && st.LastSyncTime != nil {
		log.Printf("sync user %d: ctag unchanged, skipping fetch", st.UserID)
		return nil
	}

	from := now.Add(-fetchWindow)
	to := now.Add(fetchWindow)

	objects, err := client.QueryEvents(ctx, cal.Href, from, to)
	if err != nil {
		return &FetchError{Err: err}
	}

	var upserted, skipped int
	for _, obj := range objects {
		events, dropped, err := ics.DecodeEvents(obj.CalendarData, obj.ETag)
		if err != nil {
			log.Printf("sync user %d: %v", st.UserID, &DecodeError{Href: obj.Href, Err: err})
			continue
		}
		for _, derr := range dropped {
			log.Printf("sync user %d: %v", st.UserID, &DecodeError{Href: obj.Href, Err: derr})
		}

		for _, remote := range events {
			changed, err := s.reconcile(st.UserID, remote, now)
			if err != nil {
				// Localized failure: log and keep going.
				log.Printf("sync user %d: reconcile %s: %v", st.UserID, remote.UID, err)
				continue
			}
			if changed {
				upserted++
			} else {
				skipped++
			}
		}
	}

	log.Printf("sync user %d: fetched %d object(s), upserted %d, unchanged %d",
		st.UserID, len(objects), upserted, skipped)
	return nil
}

// reconcile upserts one remote event keyed on (owner, provider, uid).
// An unchanged etag means the stored copy is current and no write happens.
func (s *SyncService) reconcile(userID int64, remote ics.RemoteEvent, now time.Time) (bool, error) {
	existing, err := s.storage.GetEventByExternal(userID, domain.ProviderApple, remote.UID)
	if err != nil {
		return false, &PersistenceError{Op: "lookup event", Err: err}
	}
	if existing != nil && remote.ETag != "" &&
		existing.SyncETag != nil && *existing.SyncETag == remote.ETag {
		return false, nil
	}

	provider := domain.ProviderApple
	uid := remote.UID
	etag := remote.ETag
	e := &domain.Event{
		UserID:      userID,
		Title:       remote.Summary,
		Description: remote.Description,
		Location:    remote.Location,
		StartsAt:    remote.StartsAt,
		EndsAt:      remote.EndsAt,
		AllDay:      remote.AllDay,
		RRule:       remote.RRule,
		Status:      remote.Status,
		Provider:    &provider,
		ExternalID:  &uid,
		SyncStatus:  domain.SyncSynced,
		LastSynced:  &now,
	}
	if etag != "" {
		e.SyncETag = &etag
	}

	if err := s.storage.UpsertRemoteEvent(e); err != nil {
		return false, &PersistenceError{Op: "upsert event", Err: err}
	}
	return true, nil
}

// pushPending creates every pending locally-authored event on the remote
// calendar. Each event ends the pass as synced, conflict or error; none are
// dropped silently.
func (s *SyncService) pushPending(ctx context.Context, client *caldav.Client, userID int64, calendarHref string) {
	pending, err := s.storage.ListPendingEvents(userID)
	if err != nil {
		log.Printf("sync user %d: list pending events: %v", userID, err)
		return
	}
	if len(pending) == 0 {
		return
	}

	now := time.Now()
	for _, e := range pending {
		body, err := ics.EncodeEvent(e)
		if err != nil {
			log.Printf("sync user %d: encode event %d: %v", userID, e.ID, err)
			_ = s.storage.MarkEventError(e.ID, err.Error())
			continue
		}

		eventID := strconv.FormatInt(e.ID, 10)
		href := calendarHref + eventID + ".ics"

		etag, err := client.PutEvent(ctx, href, body)
		switch {
		case errors.Is(err, caldav.ErrPreconditionFailed):
			cerr := &PushConflictError{EventID: e.ID, Href: href}
			log.Printf("sync user %d: %v", userID, cerr)
			_ = s.storage.MarkEventConflict(e.ID, cerr.Error())
		case err != nil:
			terr := &PushTransportError{EventID: e.ID, Err: err}
			log.Printf("sync user %d: %v", userID, terr)
			_ = s.storage.MarkEventError(e.ID, terr.Error())
		default:
			if err := s.storage.MarkEventSynced(e.ID, domain.ProviderApple, eventID, etag, now); err != nil {
				log.Printf("sync user %d: record push of event %d: %v", userID, e.ID, err)
			}
		}
	}
}

// TestConnection validates freshly entered credentials: it runs discovery for
// one account and stops, returning the calendar list untouched by fetch/push.
func (s *SyncService) TestConnection(ctx context.Context, userID int64) ([]caldav.Calendar, error) {
	cred, err := s.storage.GetCredential(userID)
	if err != nil {
		return nil, &PersistenceError{Op: "load credential", Err: err}
	}
	if !cred.Configured() {
		return nil, fmt.Errorf("user %d has no CalDAV credential", userID)
	}

	calendars, err := s.newClient(cred).FindCalendars(ctx)
	if err != nil {
		return nil, &DiscoveryError{Err: err}
	}
	return calendars, nil
}
