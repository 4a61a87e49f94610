package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultDeliveryTimeout = 10 * time.Second

// WebhookSink POSTs alerts as JSON to a generic webhook endpoint. Any
// non-2xx status is a delivery failure.
type WebhookSink struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewWebhookSink creates a sink for the given URL. A nil client uses a
// dedicated one; timeout bounds each individual delivery.
func NewWebhookSink(url string, client *http.Client, timeout time.Duration) *WebhookSink {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	return &WebhookSink{url: url, client: client, timeout: timeout}
}

func (s *WebhookSink) Deliver(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	dctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
