// Package notify delivers post-commit webhook notifications. It implements
// domain.Notifier; failures are the DLQ's problem, never the ledger's.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/tutu-network/tally/internal/domain"
)

// Config parameterizes the notifier. An empty URL selects the log-only
// notifier, which is what dev setups and most tests run with.
type Config struct {
	URL     string
	Timeout time.Duration
}

// DefaultConfig returns production defaults (log-only until a URL is set).
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

// New selects the notifier for the given config.
func New(cfg Config) domain.Notifier {
	if cfg.URL == "" {
		return &Log{}
	}
	return NewWebhook(cfg)
}

// ─── Webhook Notifier ───────────────────────────────────────────────────────

// Webhook POSTs each event to a single configured endpoint as JSON. Any
// non-2xx response or transport error is a delivery failure.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook returns a notifier POSTing to cfg.URL.
func NewWebhook(cfg Config) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}
}

// Notify delivers one event. The payload is already-marshaled JSON; the kind
// travels in a header so receivers can route without parsing the body.
func (w *Webhook) Notify(ctx context.Context, kind string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tally-Event", kind)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s webhook: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("deliver %s webhook: endpoint returned %d", kind, resp.StatusCode)
	}
	return nil
}

// ─── Log Notifier ───────────────────────────────────────────────────────────

// Log writes events to the process log instead of the network. It never
// fails, so nothing lands on the DLQ while running without an endpoint.
type Log struct{}

// Notify records the event in the process log.
func (l *Log) Notify(ctx context.Context, kind string, payload []byte) error {
	log.Printf("[notify] %s %s", kind, payload)
	return nil
}
