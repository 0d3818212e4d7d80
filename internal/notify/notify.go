// Package notify carries detector notifications out of the process.
package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/sirupsen/logrus"
)

type Kind string

const KindSpotOpening Kind = "spot_opening"

type Payload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type Notification struct {
	ID        int64     `json:"id,omitempty"`
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink accepts notifications. Callers do not wait for acknowledgement
// beyond the returned error.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogSink writes notifications to the log. It is the delivery target when
// no webhook is configured.
type LogSink struct {
	Log *logrus.Entry
}

func (s LogSink) Notify(ctx context.Context, n Notification) error {
	log := s.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log.WithFields(logrus.Fields{
		"session_id": n.SessionID,
		"kind":       n.Kind,
		"latitude":   n.Payload.Latitude,
		"longitude":  n.Payload.Longitude,
	}).Info("notification")
	return nil
}

// OutboxStore persists notifications for later delivery.
type OutboxStore interface {
	EnqueueNotification(ctx context.Context, n Notification) (int64, error)
}

// Outbox is a Sink that queues notifications in a store. The worker
// delivers them.
type Outbox struct {
	Store OutboxStore
}

func (o Outbox) Notify(ctx context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	_, err := o.Store.EnqueueNotification(ctx, n)
	return err
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidSignature reports whether signature is the hex HMAC of body.
func ValidSignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := mac.Sum(nil)
	received, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, received)
}
