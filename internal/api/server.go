package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"calsync/config"
	"calsync/internal/domain"
	"calsync/internal/service"
)

// Server exposes the sync trigger endpoint and a small read API over the
// local event store.
type Server struct {
	cfg         *config.Config
	syncService *service.SyncService
	events      *service.EventService
	httpServer  *http.Server
}

func New(cfg *config.Config, syncSvc *service.SyncService, eventSvc *service.EventService) *Server {
	s := &Server{
		cfg:         cfg,
		syncService: syncSvc,
		events:      eventSvc,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/sync", s.basicAuth(s.handleSync))
	mux.HandleFunc("/api/sync/status", s.basicAuth(s.handleSyncStatus))
	mux.HandleFunc("/api/events", s.basicAuth(s.handleEvents))

	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	log.Printf("API listening on %s", s.cfg.Listen)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ba := s.cfg.BasicAuth
		if ba == nil {
			next(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(ba.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(ba.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type syncRequest struct {
	TestConnection bool   `json:"test_connection"`
	UserID         string `json:"user_id"`
}

type calendarInfo struct {
	Name string `json:"name"`
	Href string `json:"href"`
}

// handleSync is the trigger entry point. With test_connection=true it runs
// discovery only for the one account and reports the calendar names; without
// it, it performs a full scheduled pass over all auto-sync accounts.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req syncRequest
	// An empty body means a full scheduled run.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.TestConnection {
		userID, err := strconv.ParseInt(req.UserID, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "test_connection requires user_id")
			return
		}

		calendars, err := s.syncService.TestConnection(r.Context(), userID)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": false,
				"message": err.Error(),
			})
			return
		}

		infos := make([]calendarInfo, 0, len(calendars))
		for _, c := range calendars {
			infos = append(infos, calendarInfo{Name: c.DisplayName, Href: c.Href})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"calendars": infos,
			"message":   "connection ok",
		})
		return
	}

	result, err := s.syncService.RunScheduled(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"synced_users": result.Synced,
		"results":      result.Results,
	})
}

type syncStatusResponse struct {
	Direction       string  `json:"direction"`
	AutoSync        bool    `json:"auto_sync"`
	CalendarHref    string  `json:"calendar_href,omitempty"`
	LastSyncTime    *string `json:"last_sync_time,omitempty"`
	LastSyncAttempt *string `json:"last_sync_attempt,omitempty"`
	LastSyncError   string  `json:"last_sync_error,omitempty"`
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	st, err := s.events.SyncStatus(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, "sync not configured")
		return
	}

	resp := syncStatusResponse{
		Direction:     string(st.Direction),
		AutoSync:      st.AutoSync,
		CalendarHref:  st.CalendarHref,
		LastSyncError: st.LastSyncError,
	}
	resp.LastSyncTime = formatTimePtr(st.LastSyncTime)
	resp.LastSyncAttempt = formatTimePtr(st.LastSyncAttempt)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": resp})
}

type eventResponse struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	Location   string `json:"location,omitempty"`
	StartsAt   string `json:"starts_at"`
	EndsAt     string `json:"ends_at,omitempty"`
	AllDay     bool   `json:"all_day"`
	SyncStatus string `json:"sync_status"`
}

type createEventRequest struct {
	UserID      int64  `json:"user_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`
	StartsAt    string `json:"starts_at"`
	EndsAt      string `json:"ends_at"`
	AllDay      bool   `json:"all_day"`
	RRule       string `json:"rrule"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listEvents(w, r)
	case http.MethodPost:
		s.createEvent(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	from := time.Now()
	to := from.AddDate(0, 0, 7)
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid from")
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid to")
			return
		}
	}

	occurrences, err := s.events.ListOccurrences(userID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]eventResponse, 0, len(occurrences))
	for _, o := range occurrences {
		er := eventResponse{
			ID:         o.Event.ID,
			Title:      o.Event.Title,
			Location:   o.Event.Location,
			StartsAt:   o.StartsAt.Format(time.RFC3339),
			AllDay:     o.Event.AllDay,
			SyncStatus: string(o.Event.SyncStatus),
		}
		if !o.EndsAt.IsZero() {
			er.EndsAt = o.EndsAt.Format(time.RFC3339)
		}
		resp = append(resp, er)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": resp})
}

func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	startsAt, err := time.Parse(time.RFC3339, req.StartsAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid starts_at")
		return
	}
	var endsAt time.Time
	if req.EndsAt != "" {
		if endsAt, err = time.Parse(time.RFC3339, req.EndsAt); err != nil {
			writeError(w, http.StatusBadRequest, "invalid ends_at")
			return
		}
	}

	e := &domain.Event{
		UserID:      req.UserID,
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		StartsAt:    startsAt,
		EndsAt:      endsAt,
		AllDay:      req.AllDay,
		RRule:       req.RRule,
	}
	if err := s.events.Create(e); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": map[string]any{"id": e.ID}})
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
