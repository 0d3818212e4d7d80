package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"spotwatch/internal/confirm"
	"spotwatch/internal/gps"
	"spotwatch/internal/notify"
	"spotwatch/internal/session"
)

const maxBodyBytes = 64 << 10

type Sessions interface {
	PublishBatch(id string, samples []gps.Sample) (int, error)
}

type Answers interface {
	RespondFor(sessionID, promptID string, a confirm.Answer) error
}

// AnswerRequest is the body of an answer POST. SessionID must name the
// session the prompt was issued to.
type AnswerRequest struct {
	SessionID string `json:"session_id"`
	Answer    string `json:"answer"`
}

// Handler accepts samples and prompt answers from devices that post them
// over HTTP instead of holding a socket open. When SigningSecret is set,
// bodies must carry a valid signature header.
type Handler struct {
	Sessions      Sessions
	Answers       Answers
	SigningSecret string
	Log           *logrus.Entry
}

// Samples handles POST /sessions/{id}/samples. The body is one reading or
// an array of readings, applied in order. A batch is validated and rate
// limited as a whole before any of it is applied.
func (h *Handler) Samples(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	payload, ok := h.readBody(w, r)
	if !ok {
		return
	}

	var readings []gps.Reading
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &readings); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	} else {
		var one gps.Reading
		if err := json.Unmarshal(trimmed, &one); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		readings = []gps.Reading{one}
	}

	samples := make([]gps.Sample, 0, len(readings))
	for _, reading := range readings {
		s, err := reading.Sample()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		samples = append(samples, s)
	}

	accepted, err := h.Sessions.PublishBatch(sessionID, samples)
	if err != nil {
		h.logger().WithError(err).WithFields(logrus.Fields{
			"session_id": sessionID,
			"accepted":   accepted,
		}).Debug("samples rejected")
		writeJSON(w, sessionStatus(err), map[string]any{"error": err.Error(), "accepted": accepted})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

// Answer handles POST /prompts/{id}/answer.
func (h *Handler) Answer(w http.ResponseWriter, r *http.Request) {
	promptID := mux.Vars(r)["id"]
	payload, ok := h.readBody(w, r)
	if !ok {
		return
	}

	var req AnswerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	answer, err := confirm.ParseAnswer(req.Answer)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Answers.RespondFor(req.SessionID, promptID, answer); err != nil {
		if errors.Is(err, confirm.ErrUnknownPrompt) {
			writeError(w, http.StatusNotFound, "prompt not awaiting an answer")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to record answer")
		return
	}

	h.logger().WithFields(logrus.Fields{
		"session_id": req.SessionID,
		"prompt_id":  promptID,
		"answer":     answer,
	}).Info("prompt answered over http")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return nil, false
	}
	if h.SigningSecret != "" {
		if !notify.ValidSignature(payload, r.Header.Get(notify.SignatureHeader), h.SigningSecret) {
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return nil, false
		}
	}
	return payload, true
}

func (h *Handler) logger() *logrus.Entry {
	if h.Log != nil {
		return h.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func sessionStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
