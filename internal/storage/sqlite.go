package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"calsync/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS caldav_credentials (
			user_id INTEGER PRIMARY KEY,
			username TEXT NOT NULL,
			app_password TEXT NOT NULL,
			base_url TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			user_id INTEGER PRIMARY KEY,
			direction TEXT NOT NULL DEFAULT 'bidirectional',
			auto_sync INTEGER DEFAULT 0,
			sync_interval_mins INTEGER DEFAULT 15,
			calendar_href TEXT DEFAULT '',
			calendar_ctag TEXT DEFAULT '',
			last_sync_time DATETIME,
			last_sync_attempt DATETIME,
			last_sync_error TEXT DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			title TEXT NOT NULL,
			description TEXT DEFAULT '',
			location TEXT DEFAULT '',
			starts_at DATETIME NOT NULL,
			ends_at DATETIME,
			all_day INTEGER DEFAULT 0,
			rrule TEXT DEFAULT '',
			status TEXT DEFAULT '',
			provider TEXT,
			external_id TEXT,
			sync_status TEXT NOT NULL DEFAULT 'pending',
			sync_etag TEXT,
			last_synced DATETIME,
			last_sync_error TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id),
			UNIQUE (user_id, provider, external_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user ON events(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_starts ON events(starts_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_sync_status ON events(sync_status)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("exec migration: %w", err)
			}
		}
	}
	return nil
}

// === Users ===

func (s *Storage) CreateUser(u *domain.User) error {
	res, err := s.db.Exec(`INSERT INTO users (name) VALUES (?)`, u.Name)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	u.ID = id
	u.CreatedAt = time.Now()
	return nil
}

func (s *Storage) GetUser(id int64) (*domain.User, error) {
	u := &domain.User{}
	err := s.db.QueryRow(
		`SELECT id, name, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// === Credentials ===

func (s *Storage) SetCredential(c *domain.Credential) error {
	_, err := s.db.Exec(
		`INSERT INTO caldav_credentials (user_id, username, app_password, base_url)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			app_password = excluded.app_password,
			base_url = excluded.base_url,
			updated_at = CURRENT_TIMESTAMP`,
		c.UserID, c.Username, c.AppPassword, c.BaseURL,
	)
	return err
}

func (s *Storage) GetCredential(userID int64) (*domain.Credential, error) {
	c := &domain.Credential{}
	err := s.db.QueryRow(
		`SELECT user_id, username, app_password, base_url, created_at, updated_at
		 FROM caldav_credentials WHERE user_id = ?`, userID,
	).Scan(&c.UserID, &c.Username, &c.AppPassword, &c.BaseURL, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// === Sync state ===

func (s *Storage) GetSyncState(userID int64) (*domain.SyncState, error) {
	st := &domain.SyncState{}
	var lastSync, lastAttempt sql.NullTime
	err := s.db.QueryRow(
		`SELECT user_id, direction, auto_sync, sync_interval_mins, calendar_href,
			calendar_ctag, last_sync_time, last_sync_attempt, last_sync_error, updated_at
		 FROM sync_state WHERE user_id = ?`, userID,
	).Scan(&st.UserID, &st.Direction, &st.AutoSync, &st.SyncIntervalMins, &st.CalendarHref,
		&st.CalendarCTag, &lastSync, &lastAttempt, &st.LastSyncError, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastSync.Valid {
		st.LastSyncTime = &lastSync.Time
	}
	if lastAttempt.Valid {
		st.LastSyncAttempt = &lastAttempt.Time
	}
	return st, nil
}

func (s *Storage) UpsertSyncState(st *domain.SyncState) error {
	_, err := s.db.Exec(
		`INSERT INTO sync_state (user_id, direction, auto_sync, sync_interval_mins, calendar_href)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			direction = excluded.direction,
			auto_sync = excluded.auto_sync,
			sync_interval_mins = excluded.sync_interval_mins,
			calendar_href = excluded.calendar_href,
			updated_at = CURRENT_TIMESTAMP`,
		st.UserID, st.Direction, st.AutoSync, st.SyncIntervalMins, st.CalendarHref,
	)
	return err
}

// SetSyncCalendar persists the selected calendar for an account.
func (s *Storage) SetSyncCalendar(userID int64, href string) error {
	_, err := s.db.Exec(
		`UPDATE sync_state SET calendar_href = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?`,
		href, userID,
	)
	return err
}

// MarkSyncSuccess records a completed pass: new ctag, sync time, cleared error.
func (s *Storage) MarkSyncSuccess(userID int64, ctag string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE sync_state SET calendar_ctag = ?, last_sync_time = ?, last_sync_attempt = ?,
			last_sync_error = '', updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ?`,
		ctag, at, at, userID,
	)
	return err
}

// MarkSyncError records a failed pass without touching the stored ctag, so
// the next run re-fetches.
func (s *Storage) MarkSyncError(userID int64, msg string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE sync_state SET last_sync_error = ?, last_sync_attempt = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ?`,
		msg, at, userID,
	)
	return err
}

// ListAutoSyncStates returns sync state for every account with auto-sync on.
func (s *Storage) ListAutoSyncStates() ([]*domain.SyncState, error) {
	rows, err := s.db.Query(
		`SELECT user_id, direction, auto_sync, sync_interval_mins, calendar_href,
			calendar_ctag, last_sync_time, last_sync_attempt, last_sync_error, updated_at
		 FROM sync_state WHERE auto_sync = 1 ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*domain.SyncState
	for rows.Next() {
		st := &domain.SyncState{}
		var lastSync, lastAttempt sql.NullTime
		if err := rows.Scan(&st.UserID, &st.Direction, &st.AutoSync, &st.SyncIntervalMins,
			&st.CalendarHref, &st.CalendarCTag, &lastSync, &lastAttempt,
			&st.LastSyncError, &st.UpdatedAt); err != nil {
			return nil, err
		}
		if lastSync.Valid {
			st.LastSyncTime = &lastSync.Time
		}
		if lastAttempt.Valid {
			st.LastSyncAttempt = &lastAttempt.Time
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// === Events ===

const eventColumns = `id, user_id, title, description, location, starts_at, ends_at,
	all_day, rrule, status, provider, external_id, sync_status, sync_etag,
	last_synced, last_sync_error, created_at, updated_at`

func (s *Storage) scanEvent(row interface{ Scan(...any) error }) (*domain.Event, error) {
	e := &domain.Event{}
	var endsAt, lastSynced sql.NullTime
	var provider, externalID, syncETag sql.NullString
	err := row.Scan(&e.ID, &e.UserID, &e.Title, &e.Description, &e.Location,
		&e.StartsAt, &endsAt, &e.AllDay, &e.RRule, &e.Status,
		&provider, &externalID, &e.SyncStatus, &syncETag,
		&lastSynced, &e.LastSyncError, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if endsAt.Valid {
		e.EndsAt = endsAt.Time
	}
	if provider.Valid {
		e.Provider = &provider.String
	}
	if externalID.Valid {
		e.ExternalID = &externalID.String
	}
	if syncETag.Valid {
		e.SyncETag = &syncETag.String
	}
	if lastSynced.Valid {
		e.LastSynced = &lastSynced.Time
	}
	return e, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// CreateEvent inserts a locally authored event. It starts pending with no
// provider, which is what the push pass looks for.
func (s *Storage) CreateEvent(e *domain.Event) error {
	if e.SyncStatus == "" {
		e.SyncStatus = domain.SyncPending
	}
	res, err := s.db.Exec(
		`INSERT INTO events (user_id, title, description, location, starts_at, ends_at,
			all_day, rrule, status, sync_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Title, e.Description, e.Location, e.StartsAt, nullTime(e.EndsAt),
		e.AllDay, e.RRule, e.Status, e.SyncStatus,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	e.ID = id
	e.CreatedAt = time.Now()
	return nil
}

func (s *Storage) GetEvent(id int64) (*domain.Event, error) {
	e, err := s.scanEvent(s.db.QueryRow(
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetEventByExternal looks an event up by its idempotency key.
func (s *Storage) GetEventByExternal(userID int64, provider, externalID string) (*domain.Event, error) {
	e, err := s.scanEvent(s.db.QueryRow(
		`SELECT `+eventColumns+` FROM events
		 WHERE user_id = ? AND provider = ? AND external_id = ?`,
		userID, provider, externalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// UpsertRemoteEvent writes a remotely fetched event keyed on
// (user_id, provider, external_id). The conflict clause makes concurrent
// reconciliations converge on one row instead of racing a read-then-write.
func (s *Storage) UpsertRemoteEvent(e *domain.Event) error {
	if e.Provider == nil || e.ExternalID == nil {
		return fmt.Errorf("remote event needs provider and external id")
	}
	_, err := s.db.Exec(
		`INSERT INTO events (user_id, title, description, location, starts_at, ends_at,
			all_day, rrule, status, provider, external_id, sync_status, sync_etag, last_synced)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, provider, external_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			location = excluded.location,
			starts_at = excluded.starts_at,
			ends_at = excluded.ends_at,
			all_day = excluded.all_day,
			rrule = excluded.rrule,
			status = excluded.status,
			sync_status = excluded.sync_status,
			sync_etag = excluded.sync_etag,
			last_synced = excluded.last_synced,
			last_sync_error = '',
			updated_at = CURRENT_TIMESTAMP`,
		e.UserID, e.Title, e.Description, e.Location, e.StartsAt, nullTime(e.EndsAt),
		e.AllDay, e.RRule, e.Status, *e.Provider, *e.ExternalID,
		domain.SyncSynced, e.SyncETag, e.LastSynced,
	)
	return err
}

// ListPendingEvents returns locally authored events awaiting their first push.
func (s *Storage) ListPendingEvents(userID int64) ([]*domain.Event, error) {
	rows, err := s.db.Query(
		`SELECT `+eventColumns+` FROM events
		 WHERE user_id = ? AND sync_status = ? AND provider IS NULL
		 ORDER BY id`,
		userID, domain.SyncPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectEvents(rows)
}

// ListEvents returns events overlapping [from, to]. Recurring events are
// always included so callers can expand their occurrences into the window.
func (s *Storage) ListEvents(userID int64, from, to time.Time) ([]*domain.Event, error) {
	rows, err := s.db.Query(
		`SELECT `+eventColumns+` FROM events
		 WHERE user_id = ?
		   AND (rrule != '' OR (starts_at <= ? AND (ends_at IS NULL OR ends_at >= ? OR starts_at >= ?)))
		 ORDER BY starts_at`,
		userID, to, from, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectEvents(rows)
}

func (s *Storage) collectEvents(rows *sql.Rows) ([]*domain.Event, error) {
	var events []*domain.Event
	for rows.Next() {
		e, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkEventSynced records a successful first push.
func (s *Storage) MarkEventSynced(id int64, provider, externalID, etag string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE events SET sync_status = ?, provider = ?, external_id = ?, sync_etag = ?,
			last_synced = ?, last_sync_error = '', updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		domain.SyncSynced, provider, externalID, etag, at, id,
	)
	return err
}

// MarkEventConflict records a 412: the remote resource pre-exists and needs
// manual reconciliation.
func (s *Storage) MarkEventConflict(id int64, msg string) error {
	_, err := s.db.Exec(
		`UPDATE events SET sync_status = ?, last_sync_error = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		domain.SyncConflict, msg, id,
	)
	return err
}

// MarkEventError records a push failure other than a conflict.
func (s *Storage) MarkEventError(id int64, msg string) error {
	_, err := s.db.Exec(
		`UPDATE events SET sync_status = ?, last_sync_error = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		domain.SyncError, msg, id,
	)
	return err
}
