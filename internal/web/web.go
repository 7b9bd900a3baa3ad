package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"rstrack/internal/api"
	"rstrack/internal/calendar"
	"rstrack/internal/config"
	appLog "rstrack/internal/log"
	"rstrack/internal/model"
	"rstrack/internal/queue"
	"rstrack/internal/status"
)

const eventsCacheTTL = 30 * time.Second

// EventSource reads the event feed.
type EventSource interface {
	ListEvents(ctx context.Context) ([]model.Event, error)
	GetEvent(ctx context.Context, eventID string) (model.Event, error)
}

// Server is the local companion API: event statuses, calendar marks, an
// ICS feed and the offline queue.
type Server struct {
	cfg      *config.Config
	events   EventSource
	resolver status.Resolver
	queue    *queue.Queue   // nil when offline mode is off
	drainer  *queue.Drainer // nil when offline mode is off
	mux      *http.ServeMux

	// Raw events only. Statuses are derived per request because "now" moves.
	eventsMu    sync.RWMutex
	eventsCache *eventsCache
}

type eventsCache struct {
	events    []model.Event
	updatedAt time.Time
}

// Deps are the collaborators of a Server.
type Deps struct {
	Events   EventSource
	Resolver status.Resolver
	Queue    *queue.Queue
	Drainer  *queue.Drainer
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		events:   deps.Events,
		resolver: deps.Resolver,
		queue:    deps.Queue,
		drainer:  deps.Drainer,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="rstrack", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/events/{id}", s.handleEvent)
	s.mux.HandleFunc("GET /api/calendar", s.handleCalendar)
	s.mux.HandleFunc("GET /calendar.ics", s.handleICS)
	s.mux.HandleFunc("GET /api/queue", s.handleQueue)
	s.mux.HandleFunc("POST /api/queue/drain", s.handleDrain)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventDTO is an event with its status evaluated at response time.
type eventDTO struct {
	model.Event
	Status    string `json:"status"`
	Color     string `json:"color"`
	CanSubmit bool   `json:"can_submit"`
}

type eventsResponse struct {
	Events   []eventDTO `json:"events"`
	Timezone string     `json:"timezone"`
	Now      time.Time  `json:"now"`
}

func (s *Server) toDTO(ev model.Event, now time.Time) eventDTO {
	st := s.resolver.StatusAt(ev, now)
	return eventDTO{
		Event:     ev,
		Status:    st.String(),
		Color:     status.DotColor(st),
		CanSubmit: status.IsActive(st),
	}
}

func (s *Server) now() time.Time {
	if s.resolver.Now != nil {
		return s.resolver.Now()
	}
	return time.Now()
}

// handleEvents returns the feed with statuses.
//
// GET /api/events?status=ongoing
//   - status: optional filter (previous, ongoing, upcoming)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.loadEvents(r.Context())
	if err != nil {
		appLog.Error("api events: load failed", err)
		writeUpstreamError(w, err)
		return
	}

	filter := r.URL.Query().Get("status")
	now := s.now()
	dtos := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		dto := s.toDTO(ev, now)
		if filter != "" && dto.Status != filter {
			continue
		}
		dtos = append(dtos, dto)
	}

	writeJSON(w, http.StatusOK, eventsResponse{
		Events:   dtos,
		Timezone: s.location().String(),
		Now:      now.In(s.location()),
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.events.GetEvent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toDTO(ev, s.now()))
}

type calendarResponse struct {
	Month string         `json:"month"`
	Days  []calendar.Day `json:"days"`
}

// handleCalendar returns per-day dot markers.
//
// GET /api/calendar?month=2024-02 (default: current month)
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	month, err := calendar.ParseMonth(r.URL.Query().Get("month"), s.now(), s.location())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.loadEvents(r.Context())
	if err != nil {
		appLog.Error("api calendar: load failed", err)
		writeUpstreamError(w, err)
		return
	}

	days, err := calendar.MonthMarks(events, month, s.resolver)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build calendar")
		return
	}
	writeJSON(w, http.StatusOK, calendarResponse{Month: month.Format("2006-01"), Days: days})
}

func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	events, err := s.loadEvents(r.Context())
	if err != nil {
		appLog.Error("calendar.ics: load failed", err)
		writeUpstreamError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(calendar.ExportICS(events, s.resolver, "Return Service")))
}

type queueEntryDTO struct {
	ID       string      `json:"id"`
	EventID  string      `json:"event_id"`
	Phase    queue.Phase `json:"phase"`
	Captured string      `json:"captured_time"`
	QueuedAt time.Time   `json:"queued_at"`
}

type queueResponse struct {
	Enabled bool            `json:"enabled"`
	Pending []queueEntryDTO `json:"pending"`
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	resp := queueResponse{Enabled: s.queue != nil, Pending: []queueEntryDTO{}}
	if s.queue != nil {
		for _, e := range s.queue.Pending() {
			// Image data stays out of the listing.
			resp.Pending = append(resp.Pending, queueEntryDTO{
				ID:       e.ID,
				EventID:  e.EventID,
				Phase:    e.Phase,
				Captured: e.Record.CapturedAt,
				QueuedAt: e.QueuedAt,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.drainer == nil {
		writeError(w, http.StatusNotFound, "offline mode is disabled")
		return
	}
	res, err := s.drainer.Drain(r.Context())
	switch {
	case errors.Is(err, queue.ErrDrainRunning):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		appLog.Error("api drain failed", err, "left", res.Left)
		writeJSON(w, http.StatusBadGateway, struct {
			queue.DrainResult
			Error string `json:"error"`
		}{res, err.Error()})
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// RefreshEvents reloads the feed into the cache. It is driven by cron in
// serve mode so that the first request after a quiet period is fast.
func (s *Server) RefreshEvents(ctx context.Context) error {
	events, err := s.events.ListEvents(ctx)
	if err != nil {
		return err
	}
	s.storeEvents(events)
	appLog.Info("event feed refreshed", "count", len(events))
	return nil
}

func (s *Server) loadEvents(ctx context.Context) ([]model.Event, error) {
	s.eventsMu.RLock()
	ec := s.eventsCache
	s.eventsMu.RUnlock()
	if ec != nil && time.Since(ec.updatedAt) < eventsCacheTTL {
		return ec.events, nil
	}

	events, err := s.events.ListEvents(ctx)
	if err != nil {
		return nil, err
	}
	s.storeEvents(events)
	return events, nil
}

func (s *Server) storeEvents(events []model.Event) {
	s.eventsMu.Lock()
	s.eventsCache = &eventsCache{events: events, updatedAt: time.Now()}
	s.eventsMu.Unlock()
}

func (s *Server) location() *time.Location {
	if s.resolver.Location != nil {
		return s.resolver.Location
	}
	return status.LoadLocation(status.DefaultTimezone)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, code, errResp{Error: msg})
}

// writeUpstreamError maps backend failures: backend 4xx statuses pass
// through, everything else is a 502.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var se *api.StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
		writeError(w, se.Code, se.Error())
		return
	}
	writeError(w, http.StatusBadGateway, "backend unavailable")
}
