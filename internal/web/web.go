package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signage/internal/board"
	"signage/internal/calendar"
	"signage/internal/clock"
	"signage/internal/config"
	appLog "signage/internal/log"
	"signage/internal/model"
	"signage/internal/selector"
)

// Server provides the HTTP API of one room screen.
type Server struct {
	cfg    *config.Config
	board  *board.Board
	clock  *clock.Switchable // nil disables /api/clock
	router chi.Router
}

// NewServer constructs a new Server. clk may be nil.
func NewServer(cfg *config.Config, b *board.Board, clk *clock.Switchable) *Server {
	s := &Server{
		cfg:   cfg,
		board: b,
		clock: clk,
	}
	s.router = s.newRouter()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on cfg.Listen until ctx is canceled, then shuts
// down gracefully.
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
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		r.Use(s.basicAuthMiddleware)
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/upcoming", s.handleUpcoming)
		r.Get("/presentations", s.handlePresentations)
		r.Get("/schedule.ics", s.handleICS)
		r.Get("/speakers/{id}/photo", s.handlePhoto)
		r.Put("/room", s.handleRoom)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/photos/refresh", s.handlePhotoRefresh)
		r.Post("/clock", s.handleClock)
	})
	return r
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health is always public.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Signage", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// speakerDTO is a JSON-friendly view of a speaker.
type speakerDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Company  string `json:"company,omitempty"`
	Twitter  string `json:"twitter,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"` // served by this API
}

// presentationDTO is a JSON-friendly view of a presentation.
type presentationDTO struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Room        string       `json:"room"`
	Start       time.Time    `json:"start"`
	End         time.Time    `json:"end"`
	Summary     string       `json:"summary,omitempty"`
	Track       string       `json:"track,omitempty"`
	Type        string       `json:"type,omitempty"`
	SpeakerList string       `json:"speaker_list,omitempty"`
	Speakers    []speakerDTO `json:"speakers"`
}

// upcomingResponse is the JSON response shape for /api/upcoming.
type upcomingResponse struct {
	Room     string           `json:"room"`
	RoomName string           `json:"room_name"`
	Online   bool             `json:"online"`
	Now      time.Time        `json:"now"`
	LastSync *time.Time       `json:"last_sync,omitempty"`
	First    *presentationDTO `json:"first"`
	Second   *presentationDTO `json:"second"`
	Third    *presentationDTO `json:"third"`
}

func (s *Server) toDTO(p *model.Presentation) *presentationDTO {
	if p == nil {
		return nil
	}
	d := &presentationDTO{
		ID:          p.ID,
		Title:       p.Title,
		Room:        p.Room,
		Start:       p.Start,
		End:         p.End,
		Summary:     p.Summary,
		Track:       p.Track,
		Type:        p.Type,
		SpeakerList: p.SpeakerList(),
		Speakers:    make([]speakerDTO, 0, len(p.Speakers)),
	}
	photos := s.board.Photos()
	for _, sp := range p.Speakers {
		sd := speakerDTO{ID: sp.ID, Name: sp.FullName, Company: sp.Company, Twitter: sp.Twitter}
		if photos != nil && photos.Has(sp.ID) {
			sd.PhotoURL = "/api/speakers/" + sp.ID + "/photo"
		}
		d.Speakers = append(d.Speakers, sd)
	}
	return d
}

// handleUpcoming returns what the screen shows at the board's current
// time. It reads only; the display is updated by the scheduled ticks.
func (s *Server) handleUpcoming(w http.ResponseWriter, _ *http.Request) {
	snap := s.board.Snapshot()
	now := s.board.Clock().Now()
	sel := selector.At(now, s.board.Engine().Presentations())

	resp := upcomingResponse{
		Room:     snap.Room,
		RoomName: snap.RoomName,
		Online:   snap.Online,
		Now:      now,
		First:    s.toDTO(sel.First),
		Second:   s.toDTO(sel.Second),
		Third:    s.toDTO(sel.Third),
	}
	if !snap.LastSync.IsZero() {
		resp.LastSync = &snap.LastSync
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePresentations(w http.ResponseWriter, _ *http.Request) {
	list := s.board.Engine().Presentations()
	out := make([]*presentationDTO, 0, len(list))
	for _, p := range list {
		out = append(out, s.toDTO(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleICS(w http.ResponseWriter, _ *http.Request) {
	eng := s.board.Engine()
	room := eng.Room()
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="`+room+`.ics"`)
	if err := calendar.WriteICS(w, board.RoomName(room), eng.Presentations()); err != nil {
		appLog.Error("api ics: write failed", err, "room", room)
	}
}

// handlePhoto serves a cached speaker photo. Photos are only ever served
// from the cache; a miss is a 404.
func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	photos := s.board.Photos()
	if photos == nil || id == "" || filepath.Base(id) != id || !photos.Has(id) {
		writeError(w, http.StatusNotFound, "photo not cached")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, photos.Path(id))
}

type roomRequest struct {
	Room string `json:"room"`
}

type roomResponse struct {
	Room     string `json:"room"`
	RoomName string `json:"room_name"`
	Synced   bool   `json:"synced"`
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	room := strings.TrimSpace(req.Room)
	if room == "" {
		writeError(w, http.StatusBadRequest, "room is required")
		return
	}

	// The sync outlives a client that hangs up.
	synced, err := s.board.SwitchRoom(context.WithoutCancel(r.Context()), room)
	if err != nil {
		appLog.Error("api room: switch failed", err, "room", room)
		writeError(w, http.StatusInternalServerError, "failed to switch room")
		return
	}
	writeJSON(w, http.StatusOK, roomResponse{Room: room, RoomName: board.RoomName(room), Synced: synced})
}

type refreshResponse struct {
	OK            bool     `json:"ok"`
	Online        bool     `json:"online"`
	Presentations int      `json:"presentations"`
	FailedDays    []string `json:"failed_days,omitempty"`
	Error         string   `json:"error,omitempty"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ok := s.board.Refresh(context.WithoutCancel(r.Context()))
	rep, err := s.board.LastResult()

	resp := refreshResponse{
		OK:            ok,
		Online:        s.board.Online(),
		Presentations: len(s.board.Engine().Presentations()),
		FailedDays:    rep.FailedDays,
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func (s *Server) handlePhotoRefresh(w http.ResponseWriter, r *http.Request) {
	removed, err := s.board.RecachePhotos(context.WithoutCancel(r.Context()))
	if err != nil {
		appLog.Error("api photos: recache failed", err)
		writeError(w, http.StatusInternalServerError, "failed to rebuild photo cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

type clockRequest struct {
	Mode string `json:"mode,omitempty"` // "real" | "test" | "toggle"
	Step string `json:"step,omitempty"` // "+5m" | "-5m" | "+30m" | "-30m"
}

type clockResponse struct {
	Mode string    `json:"mode"`
	Now  time.Time `json:"now"`
	Day  *int      `json:"test_day,omitempty"`
}

// handleClock switches between the wall clock and the test clock, and
// steps the test clock.
func (s *Server) handleClock(w http.ResponseWriter, r *http.Request) {
	if s.clock == nil {
		writeError(w, http.StatusNotFound, "clock control disabled")
		return
	}
	var req clockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	switch mode {
	case "", string(clock.ModeReal), string(clock.ModeTest), "toggle":
	default:
		writeError(w, http.StatusBadRequest, "mode must be real, test or toggle")
		return
	}
	var step func(*clock.TestClock) time.Time
	if req.Step != "" {
		var ok bool
		if step, ok = clockSteps[req.Step]; !ok {
			writeError(w, http.StatusBadRequest, "step must be one of +5m, -5m, +30m, -30m")
			return
		}
	}
	tc := s.clock.Test()
	if tc == nil && (mode == string(clock.ModeTest) || mode == "toggle" || step != nil) {
		writeError(w, http.StatusConflict, "test clock not configured")
		return
	}

	switch mode {
	case string(clock.ModeReal):
		s.clock.SetMode(clock.ModeReal)
	case string(clock.ModeTest):
		s.clock.SetMode(clock.ModeTest)
	case "toggle":
		s.clock.Toggle()
	}
	if step != nil {
		step(tc)
	}

	s.board.Tick()

	resp := clockResponse{Mode: string(s.clock.Mode()), Now: s.clock.Now()}
	if tc != nil {
		d := tc.Day()
		resp.Day = &d
	}
	writeJSON(w, http.StatusOK, resp)
}

var clockSteps = map[string]func(*clock.TestClock) time.Time{
	"+5m":  (*clock.TestClock).Forward5,
	"-5m":  (*clock.TestClock).Back5,
	"+30m": (*clock.TestClock).Forward30,
	"-30m": (*clock.TestClock).Back30,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
