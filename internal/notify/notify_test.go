package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memOutbox struct {
	queued []Notification
}

func (m *memOutbox) EnqueueNotification(ctx context.Context, n Notification) (int64, error) {
	m.queued = append(m.queued, n)
	return int64(len(m.queued)), nil
}

func TestOutboxStampsCreatedAt(t *testing.T) {
	store := &memOutbox{}
	sink := Outbox{Store: store}

	err := sink.Notify(context.Background(), Notification{
		SessionID: "s1",
		Kind:      KindSpotOpening,
		Payload:   Payload{Latitude: 12.34, Longitude: 56.78},
	})
	require.NoError(t, err)
	require.Len(t, store.queued, 1)
	assert.False(t, store.queued[0].CreatedAt.IsZero())
	assert.Equal(t, 12.34, store.queued[0].Payload.Latitude)
}

func TestWebhookSinkSignsBody(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !ValidSignature(body, r.Header.Get(SignatureHeader), "secret") {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := &WebhookSink{URL: srv.URL, Secret: "secret"}
	err := sink.Notify(context.Background(), Notification{
		SessionID: "s1",
		Kind:      KindSpotOpening,
		Payload:   Payload{Latitude: 12.34, Longitude: 56.78},
		CreatedAt: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, KindSpotOpening, got.Kind)
	assert.Equal(t, Payload{Latitude: 12.34, Longitude: 56.78}, got.Payload)
}

func TestWebhookSinkReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink := &WebhookSink{URL: srv.URL}
	err := sink.Notify(context.Background(), Notification{Kind: KindSpotOpening})

	var delivery *DeliveryError
	require.True(t, errors.As(err, &delivery))
	assert.Equal(t, http.StatusServiceUnavailable, delivery.StatusCode)
}

func TestValidSignature(t *testing.T) {
	body := []byte(`{"speed":0}`)
	sig := Sign(body, "secret")
	assert.True(t, ValidSignature(body, sig, "secret"))
	assert.False(t, ValidSignature(body, sig, "other"))
	assert.False(t, ValidSignature(body, "zz", "secret"))
	assert.False(t, ValidSignature(body, "", "secret"))
}
