package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/heyalexchoi/tenex-better-perplexity/internal/session"
	"github.com/heyalexchoi/tenex-better-perplexity/internal/state"
)

type Server struct {
	Registry *session.Registry
	Store    *state.Store

	// Password guards every /api route except health; empty disables auth.
	Password string

	ScreenshotDir       string
	ScreenshotURLPrefix string
}

func (s *Server) Handler() http.Handler {
	authed := http.NewServeMux()
	authed.HandleFunc("/api/auth/check", s.handleAuthCheck)
	authed.HandleFunc("/api/sessions", s.handleSessions)
	authed.HandleFunc("/api/sessions/", s.handleSessionItem)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	if s.ScreenshotDir != "" && s.ScreenshotURLPrefix != "" {
		prefix := strings.TrimSuffix(s.ScreenshotURLPrefix, "/") + "/"
		mux.Handle(prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(s.ScreenshotDir))))
	}
	mux.Handle("/api/", s.requireAuth(authed))

	return corsMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type sessionResponse struct {
	ID        string              `json:"id"`
	Status    state.Status        `json:"status"`
	CreatedAt time.Time           `json:"created_at"`
	Messages  []state.Message     `json:"messages"`
	Events    []state.EventRecord `json:"events"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	sess, err := s.Store.CreateSession(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		ID:        sess.ID,
		Status:    sess.Status,
		CreatedAt: sess.CreatedAt,
		Messages:  []state.Message{},
		Events:    []state.EventRecord{},
	})
}

func (s *Server) handleSessionItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	sessionID := segments[0]

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleSessionGet(w, r, sessionID)
		case http.MethodDelete:
			s.handleSessionCancel(w, r, sessionID)
		default:
			writeMethodNotAllowed(w)
		}
		return
	}

	switch segments[1] {
	case "messages":
		s.handleSessionMessage(w, r, sessionID)
	case "events":
		s.handleSessionEvents(w, r, sessionID)
	case "stream":
		s.handleSessionStream(w, r, sessionID)
	case "ws":
		s.handleSessionWS(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("session action"))
	}
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	messages, err := s.Store.ListMessages(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	events, err := s.Store.ListEvents(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if messages == nil {
		messages = []state.Message{}
	}
	if events == nil {
		events = []state.EventRecord{}
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		ID:        sess.ID,
		Status:    sess.Status,
		CreatedAt: sess.CreatedAt,
		Messages:  messages,
		Events:    events,
	})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if _, err := s.Store.GetSession(r.Context(), sessionID); err != nil {
		writeSessionError(w, err)
		return
	}
	events, err := s.Store.ListEvents(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []state.EventRecord{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, err := s.Registry.Submit(r.Context(), sessionID, payload.Content)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request, sessionID string) {
	if _, err := s.Store.GetSession(r.Context(), sessionID); err != nil {
		writeSessionError(w, err)
		return
	}
	if err := s.Registry.Cancel(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": sessionID})
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, session.ErrNoActiveRun):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, session.ErrRunActive):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, session.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
