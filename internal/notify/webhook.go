package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const SignatureHeader = "X-Spotwatch-Signature"

// DeliveryError is returned when the receiving endpoint answers with a
// non-2xx status.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notify webhook: status %d: %s", e.StatusCode, e.Body)
}

// WebhookSink POSTs notifications as JSON. When Secret is set the body is
// signed in SignatureHeader.
type WebhookSink struct {
	URL        string
	Secret     string
	HTTPClient *http.Client
}

func (s *WebhookSink) Notify(ctx context.Context, n Notification) error {
	if s.URL == "" {
		return fmt.Errorf("notify webhook: url not configured")
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify webhook: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, s.Secret))
	}

	resp, err := s.client().Do(req)
	if err != nil {
		return fmt.Errorf("notify webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &DeliveryError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	return nil
}

func (s *WebhookSink) client() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}
