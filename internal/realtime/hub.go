// Package realtime carries parked prompts to devices and samples and
// answers back over one WebSocket per session.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"spotwatch/internal/confirm"
	"spotwatch/internal/gps"
)

var ErrNotConnected = errors.New("realtime: session not connected")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxMessageSize = 4096
)

// Message types.
const (
	TypeConfirmParked = "confirm_parked"
	TypeSample        = "sample"
	TypeAnswer        = "answer"
	TypeAck           = "ack"
	TypeError         = "error"
)

// Message is every frame exchanged on the socket. Fields are filled
// according to Type.
type Message struct {
	Type      string     `json:"type"`
	PromptID  string     `json:"prompt_id,omitempty"`
	Answer    string     `json:"answer,omitempty"`
	Speed     *float64   `json:"speed,omitempty"`
	Latitude  *float64   `json:"latitude,omitempty"`
	Longitude *float64   `json:"longitude,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Sessions receives samples arriving on a socket.
type Sessions interface {
	Open(id string) error
	Publish(id string, s gps.Sample) error
}

// Answers receives prompt responses arriving on a socket. Answers are
// scoped to the socket's session.
type Answers interface {
	RespondFor(sessionID, promptID string, a confirm.Answer) error
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) write(m Message, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteJSON(m)
}

func (c *conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Hub tracks the connected socket of each session. It is the
// confirm.Channel prompts are sent on.
type Hub struct {
	Sessions Sessions
	Answers  Answers
	Log      *logrus.Entry

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn
}

func NewHub(sessions Sessions, answers Answers, log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		Sessions: sessions,
		Answers:  answers,
		Log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

// RequestConfirmation pushes a confirm_parked message to the session's
// socket.
func (h *Hub) RequestConfirmation(ctx context.Context, p confirm.Prompt) error {
	h.mu.Lock()
	c, ok := h.conns[p.SessionID]
	h.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	lat, lon := p.Position.Lat, p.Position.Lon
	due := p.Deadline
	err := c.write(Message{
		Type:      TypeConfirmParked,
		PromptID:  p.ID,
		Latitude:  &lat,
		Longitude: &lon,
		Deadline:  &due,
	}, deadline)
	if err != nil {
		return fmt.Errorf("send prompt %s: %w", p.ID, err)
	}
	return nil
}

// Connected reports whether a socket is attached to the session.
func (h *Hub) Connected(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[sessionID]
	return ok
}

// ServeSession upgrades the request and serves the session's socket until
// the peer goes away. A newer socket for the same session replaces the
// older one.
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if h.Sessions != nil {
		if err := h.Sessions.Open(sessionID); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.WithError(err).WithField("session_id", sessionID).Warn("websocket upgrade failed")
		return
	}
	c := &conn{ws: ws}
	h.attach(sessionID, c)
	defer h.detach(sessionID, c)

	log := h.Log.WithField("session_id", sessionID)
	log.Info("device connected")

	done := make(chan struct{})
	defer close(done)
	go h.keepAlive(c, done)

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("device connection lost")
			} else {
				log.Info("device disconnected")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		reply := h.handle(sessionID, msg)
		if err := c.write(reply, time.Now().Add(writeWait)); err != nil {
			log.WithError(err).Warn("write reply")
			return
		}
	}
}

func (h *Hub) handle(sessionID string, msg Message) Message {
	switch msg.Type {
	case TypeSample:
		reading := gps.Reading{Speed: msg.Speed, Latitude: msg.Latitude, Longitude: msg.Longitude}
		sample, err := reading.Sample()
		if err != nil {
			return errorMessage(err)
		}
		if h.Sessions == nil {
			return errorMessage(errors.New("samples not accepted"))
		}
		if err := h.Sessions.Publish(sessionID, sample); err != nil {
			return errorMessage(err)
		}
		return Message{Type: TypeAck}
	case TypeAnswer:
		answer, err := confirm.ParseAnswer(msg.Answer)
		if err != nil {
			return errorMessage(err)
		}
		if h.Answers == nil {
			return errorMessage(errors.New("answers not accepted"))
		}
		if err := h.Answers.RespondFor(sessionID, msg.PromptID, answer); err != nil {
			return Message{Type: TypeError, PromptID: msg.PromptID, Error: err.Error()}
		}
		return Message{Type: TypeAck, PromptID: msg.PromptID}
	default:
		return errorMessage(fmt.Errorf("unknown message type %q", msg.Type))
	}
}

func errorMessage(err error) Message {
	return Message{Type: TypeError, Error: err.Error()}
}

func (h *Hub) keepAlive(c *conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func (h *Hub) attach(sessionID string, c *conn) {
	h.mu.Lock()
	old := h.conns[sessionID]
	h.conns[sessionID] = c
	h.mu.Unlock()
	if old != nil {
		old.writeMu.Lock()
		_ = old.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "replaced by a newer connection"),
			time.Now().Add(writeWait))
		old.writeMu.Unlock()
		_ = old.ws.Close()
	}
}

func (h *Hub) detach(sessionID string, c *conn) {
	h.mu.Lock()
	if h.conns[sessionID] == c {
		delete(h.conns, sessionID)
	}
	h.mu.Unlock()
	_ = c.ws.Close()
}

// Close disconnects every socket.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*conn)
	h.mu.Unlock()
	for _, c := range conns {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	}
}
