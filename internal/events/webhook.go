package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookConfig configures delivery of events to an HTTP endpoint.
type WebhookConfig struct {
	// URL receives a POST per event.
	URL string

	// Secret, when set, is sent in the X-Webhook-Secret header.
	Secret string

	// Timeout per delivery. Default: 5s.
	Timeout time.Duration
}

// WebhookEmitter POSTs each event as JSON.
type WebhookEmitter struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookEmitter creates a WebhookEmitter.
func NewWebhookEmitter(cfg WebhookConfig) *WebhookEmitter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &WebhookEmitter{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (w *WebhookEmitter) Emit(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("webhook: encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", ev.Type)
	if w.cfg.Secret != "" {
		req.Header.Set("X-Webhook-Secret", w.cfg.Secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver %s: %w", ev.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: deliver %s: status %d", ev.ID, resp.StatusCode)
	}
	return nil
}
