package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// DiscordNotifier posts terminal task events to a Discord webhook.
type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, e Event) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	content, ok := message(e)
	if !ok {
		return nil
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

func message(e Event) (string, bool) {
	name := e.Task.Title
	if name == "" {
		name = e.Task.SourceURL
	}

	switch e.Kind {
	case EventCompleted:
		return fmt.Sprintf("✅ Download finished: %s (%d files)", name, e.Task.CompletedFiles), true
	case EventFailed:
		return fmt.Sprintf("❌ Download failed: %s (%s)", name, e.Task.ErrorMessage), true
	case EventWaiting:
		return fmt.Sprintf("⏸️ Video found, waiting for confirmation: %s", name), true
	default:
		return "", false
	}
}
