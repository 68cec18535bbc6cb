// Package notify tells owners that their conversion finished.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

type Notifier interface {
	NotifyConversionComplete(ctx context.Context, ownerID, fileName, downloadRef string) error
}

// LogNotifier only writes the notice to the log. Used when no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) NotifyConversionComplete(ctx context.Context, ownerID, fileName, downloadRef string) error {
	log.Printf("[Notify] Conversion of %q for %s is ready: %s", fileName, ownerID, downloadRef)
	return nil
}

// WebhookNotifier posts completion notices as JSON to an external endpoint,
// typically the mailer.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	Event       string `json:"event"`
	OwnerID     string `json:"ownerId"`
	FileName    string `json:"fileName"`
	DownloadRef string `json:"downloadRef"`
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) NotifyConversionComplete(ctx context.Context, ownerID, fileName, downloadRef string) error {
	body, err := json.Marshal(webhookPayload{
		Event:       "conversion.completed",
		OwnerID:     ownerID,
		FileName:    fileName,
		DownloadRef: downloadRef,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// New picks the webhook notifier when a URL is configured.
func New(webhookURL string) Notifier {
	if webhookURL == "" {
		return LogNotifier{}
	}
	return NewWebhookNotifier(webhookURL)
}
