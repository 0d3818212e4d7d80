package webhook

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"spotwatch/internal/confirm"
	"spotwatch/internal/gps"
	"spotwatch/internal/notify"
	"spotwatch/internal/session"
)

type recordingSessions struct {
	samples []gps.Sample
	err     error
}

func (r *recordingSessions) PublishBatch(id string, samples []gps.Sample) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.samples = append(r.samples, samples...)
	return len(samples), nil
}

func post(h http.HandlerFunc, path, id string, payload []byte, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req = mux.SetURLVars(req, map[string]string{"id": id})
	if secret != "" {
		req.Header.Set(notify.SignatureHeader, notify.Sign(payload, secret))
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestSamplesAcceptsSignedReading(t *testing.T) {
	sessions := &recordingSessions{}
	handler := &Handler{Sessions: sessions, SigningSecret: "secret"}

	payload := []byte(`{"speed":0.1,"latitude":37.77,"longitude":-122.41}`)
	rec := post(handler.Samples, "/sessions/car/samples", "car", payload, "secret")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(sessions.samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(sessions.samples))
	}
	got := sessions.samples[0]
	if got.Position == nil || got.Position.Lat != 37.77 {
		t.Fatalf("unexpected position %+v", got.Position)
	}
}

func TestSamplesAcceptsBatch(t *testing.T) {
	sessions := &recordingSessions{}
	handler := &Handler{Sessions: sessions}

	payload := []byte(`[{"speed":0},{"speed":null},{"speed":5,"latitude":1,"longitude":2}]`)
	rec := post(handler.Samples, "/sessions/car/samples", "car", payload, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(sessions.samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(sessions.samples))
	}
	if sessions.samples[1].Speed != nil {
		t.Fatalf("expected unknown speed, got %v", *sessions.samples[1].Speed)
	}
}

func TestSamplesRejectsBadSignature(t *testing.T) {
	sessions := &recordingSessions{}
	handler := &Handler{Sessions: sessions, SigningSecret: "secret"}

	payload := []byte(`{"speed":0}`)
	rec := post(handler.Samples, "/sessions/car/samples", "car", payload, "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(sessions.samples) != 0 {
		t.Fatalf("expected no samples, got %d", len(sessions.samples))
	}
}

func TestSamplesRejectsPartialPosition(t *testing.T) {
	sessions := &recordingSessions{}
	handler := &Handler{Sessions: sessions}

	payload := []byte(`[{"speed":0},{"latitude":1}]`)
	rec := post(handler.Samples, "/sessions/car/samples", "car", payload, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(sessions.samples) != 0 {
		t.Fatalf("batch should be rejected whole, got %d samples", len(sessions.samples))
	}
}

func TestSamplesMapsSessionErrors(t *testing.T) {
	cases := map[error]int{
		session.ErrRateLimited: http.StatusTooManyRequests,
		session.ErrClosed:      http.StatusServiceUnavailable,
		session.ErrInvalidID:   http.StatusBadRequest,
	}
	for err, want := range cases {
		handler := &Handler{Sessions: &recordingSessions{err: err}}
		rec := post(handler.Samples, "/sessions/car/samples", "car", []byte(`{"speed":0}`), "")
		if rec.Code != want {
			t.Fatalf("%v: expected %d, got %d", err, want, rec.Code)
		}
	}
}

func TestSamplesRateLimitedBatchAppliesNothing(t *testing.T) {
	manager := session.NewManager(session.Config{SampleRate: 5, SampleBurst: 10})
	defer func() { _ = manager.Shutdown(context.Background()) }()
	handler := &Handler{Sessions: manager}

	payload := []byte(`[` + strings.TrimSuffix(strings.Repeat(`{"speed":0,"latitude":1,"longitude":2},`, 12), ",") + `]`)
	rec := post(handler.Samples, "/sessions/car/samples", "car", payload, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"accepted":0`) {
		t.Fatalf("expected accepted count in body, got %s", rec.Body.String())
	}
	snap, err := manager.Snapshot("car")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.State.ParkedSince.IsZero() {
		t.Fatalf("rejected batch must not reach the detector, parked since %v", snap.State.ParkedSince)
	}
}

func TestAnswerDeliversToWaitingPrompt(t *testing.T) {
	broker := confirm.NewBroker(nil)
	handler := &Handler{Answers: broker, SigningSecret: "secret"}

	prompt := confirm.NewPrompt("car", gps.Position{Lat: 1, Lon: 2}, time.Now(), time.Second)
	dispatched := make(chan struct{})
	outcome := make(chan confirm.Outcome, 1)
	go func() {
		outcome <- broker.Confirm(context.Background(), channelFunc(func() { close(dispatched) }), prompt, 2*time.Second)
	}()
	<-dispatched

	rec := post(handler.Answer, "/prompts/"+prompt.ID+"/answer", prompt.ID, []byte(`{"session_id":"car","answer":"yes"}`), "secret")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := <-outcome; got != confirm.OutcomeYes {
		t.Fatalf("expected yes, got %s", got)
	}

	rec = post(handler.Answer, "/prompts/"+prompt.ID+"/answer", prompt.ID, []byte(`{"session_id":"car","answer":"yes"}`), "secret")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a resolved prompt, got %d", rec.Code)
	}
}

func TestAnswerFromOtherSessionIsRejected(t *testing.T) {
	broker := confirm.NewBroker(nil)
	handler := &Handler{Answers: broker}

	prompt := confirm.NewPrompt("car", gps.Position{Lat: 1, Lon: 2}, time.Now(), time.Second)
	dispatched := make(chan struct{})
	outcome := make(chan confirm.Outcome, 1)
	go func() {
		outcome <- broker.Confirm(context.Background(), channelFunc(func() { close(dispatched) }), prompt, 200*time.Millisecond)
	}()
	<-dispatched

	rec := post(handler.Answer, "/prompts/"+prompt.ID+"/answer", prompt.ID, []byte(`{"session_id":"van","answer":"no"}`), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if got := <-outcome; got != confirm.OutcomeTimeout {
		t.Fatalf("foreign answer must not resolve the prompt, got %s", got)
	}
}

func TestAnswerRejectsBadRequests(t *testing.T) {
	handler := &Handler{Answers: confirm.NewBroker(nil)}
	for _, body := range []string{`{"session_id":"car","answer":"maybe"}`, `{"answer":"yes"}`} {
		rec := post(handler.Answer, "/prompts/p/answer", "p", []byte(body), "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

type channelFunc func()

func (f channelFunc) RequestConfirmation(ctx context.Context, p confirm.Prompt) error {
	f()
	return nil
}
