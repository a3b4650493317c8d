// Package webhook exports finished run summaries to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tokwatch/tokwatch/config"
	"github.com/tokwatch/tokwatch/models"
)

// Event is the payload posted after each run.
type Event struct {
	Type      string             `json:"type"` // "run.completed" or "run.failed"
	RunID     string             `json:"run_id"`
	Timestamp int64              `json:"timestamp"`
	Summary   *models.RunSummary `json:"summary"`
}

// Exporter delivers run summaries to a configured URL. Deliveries are
// signed with HMAC-SHA256 when a secret is configured.
// Header: X-Tokwatch-Signature: sha256=<hex>
type Exporter struct {
	url    string
	secret string
	client *http.Client
}

// NewExporter creates an Exporter, or nil when no URL is configured so
// callers can pass the result straight through.
func NewExporter(cfg config.WebhookConfig) *Exporter {
	if cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Exporter{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: timeout},
	}
}

// Export posts the run summary synchronously.
func (e *Exporter) Export(ctx context.Context, summary *models.RunSummary) error {
	eventType := "run.completed"
	if !summary.Succeeded() {
		eventType = "run.failed"
	}
	event := &Event{
		Type:      eventType,
		RunID:     summary.RunID,
		Timestamp: time.Now().Unix(),
		Summary:   summary,
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Tokwatch-Webhook/1.0")

	if e.secret != "" {
		mac := hmac.New(sha256.New, []byte(e.secret))
		mac.Write(body)
		sig := hex.EncodeToString(mac.Sum(nil))
		req.Header.Set("X-Tokwatch-Signature", "sha256="+sig)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
