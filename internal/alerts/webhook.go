package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Discord rejects message content above 2000 characters; stay under it.
const discordContentLimit = 1900

// WebhookSink posts alerts to a JSON webhook. Discord webhook URLs get the
// Discord message shape, everything else a generic envelope.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook sink for the given URL.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the sink name.
func (s *WebhookSink) Name() string { return "webhook" }

// Send posts one alert.
func (s *WebhookSink) Send(ctx context.Context, message string, level Level, meta map[string]any) error {
	body, err := json.Marshal(s.buildPayload(message, level, meta))
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *WebhookSink) buildPayload(message string, level Level, meta map[string]any) any {
	if strings.Contains(s.url, "discord.com/api/webhooks") {
		content := fmt.Sprintf("[%s] %s", level, message)
		if len(meta) > 0 {
			if encoded, err := json.Marshal(meta); err == nil {
				content += " " + string(encoded)
			}
		}
		if len(content) > discordContentLimit {
			content = content[:discordContentLimit-3] + "..."
		}
		return map[string]string{"content": content}
	}

	if meta == nil {
		meta = map[string]any{}
	}
	return map[string]any{"text": message, "level": level, "context": meta}
}
