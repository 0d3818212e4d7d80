// Package api exposes session state and the device uplinks over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"spotwatch/internal/parking"
	"spotwatch/internal/session"
	"spotwatch/internal/storage"
)

type Sessions interface {
	Snapshot(id string) (parking.Snapshot, error)
	Close(id string) error
	IDs() []string
}

type PromptHistory interface {
	ListPrompts(ctx context.Context, sessionID string, limit int) ([]storage.PromptRecord, error)
}

type Sockets interface {
	ServeSession(w http.ResponseWriter, r *http.Request, sessionID string)
}

type Uplink interface {
	Samples(w http.ResponseWriter, r *http.Request)
	Answer(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Sessions Sessions
	Prompts  PromptHistory
	Sockets  Sockets
	Uplink   Uplink
	Metrics  http.Handler
	Log      *logrus.Entry
}

// NewRouter wires the handlers and returns the root http.Handler.
func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &server{Deps: d}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", health).Methods(http.MethodGet)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics).Methods(http.MethodGet)
	}
	r.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.getSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.deleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/prompts", s.listPrompts).Methods(http.MethodGet)
	if d.Sockets != nil {
		r.HandleFunc("/sessions/{id}/ws", s.socket).Methods(http.MethodGet)
	}
	if d.Uplink != nil {
		r.HandleFunc("/sessions/{id}/samples", d.Uplink.Samples).Methods(http.MethodPost)
		r.HandleFunc("/prompts/{id}/answer", d.Uplink.Answer).Methods(http.MethodPost)
	}

	return loggingMiddleware(d.Log)(r)
}

type server struct {
	Deps
}

type SessionView struct {
	SessionID        string        `json:"session_id"`
	Phase            parking.Phase `json:"phase"`
	ParkedSince      *time.Time    `json:"parked_since,omitempty"`
	PromptedThisStop bool          `json:"prompted_this_stop"`
	CooldownUntil    *time.Time    `json:"cooldown_until,omitempty"`
	ConfirmedParked  bool          `json:"confirmed_parked"`
	PromptID         string        `json:"prompt_id,omitempty"`
}

func newSessionView(snap parking.Snapshot) SessionView {
	return SessionView{
		SessionID:        snap.SessionID,
		Phase:            snap.Phase,
		ParkedSince:      optionalTime(snap.State.ParkedSince),
		PromptedThisStop: snap.State.PromptedThisStop,
		CooldownUntil:    optionalTime(snap.State.CooldownUntil),
		ConfirmedParked:  snap.State.ConfirmedParked,
		PromptID:         snap.PromptID,
	}
}

type PromptView struct {
	PromptID   string     `json:"prompt_id"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	IssuedAt   time.Time  `json:"issued_at"`
	Deadline   time.Time  `json:"deadline"`
	Outcome    string     `json:"outcome,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string][]string{"sessions": s.Sessions.IDs()})
}

func (s *server) getSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Sessions.Snapshot(mux.Vars(r)["id"])
	if err != nil {
		s.sessionError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, newSessionView(snap))
}

func (s *server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Sessions.Close(mux.Vars(r)["id"]); err != nil {
		s.sessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) listPrompts(w http.ResponseWriter, r *http.Request) {
	if s.Prompts == nil {
		writeError(w, r, http.StatusNotImplemented, "prompt history disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.Prompts.ListPrompts(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.Log.WithError(err).Error("list prompts")
		writeError(w, r, http.StatusInternalServerError, "failed to list prompts")
		return
	}
	views := make([]PromptView, 0, len(records))
	for _, rec := range records {
		views = append(views, PromptView{
			PromptID:   rec.ID,
			Latitude:   rec.Position.Lat,
			Longitude:  rec.Position.Lon,
			IssuedAt:   rec.IssuedAt.UTC(),
			Deadline:   rec.Deadline.UTC(),
			Outcome:    string(rec.Outcome),
			ResolvedAt: optionalTime(rec.ResolvedAt),
		})
	}
	writeJSON(w, r, http.StatusOK, map[string][]PromptView{"prompts": views})
}

func (s *server) socket(w http.ResponseWriter, r *http.Request) {
	s.Sockets.ServeSession(w, r, mux.Vars(r)["id"])
}

func (s *server) sessionError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	s.Log.WithError(err).Error("session lookup")
	writeError(w, r, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).WithError(err).Warn("encode failed")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}
