package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"merlin-itsm/core/compliance"
)

// Sink delivers one alert to an external receiver.
type Sink interface {
	Send(ctx context.Context, alert compliance.Alert) error
}

// HTTPWebhookSender posts alerts as JSON to a configured endpoint.
type HTTPWebhookSender struct {
	client *http.Client
	url    string
}

func NewHTTPWebhookSender(url string) *HTTPWebhookSender {
	return &HTTPWebhookSender{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    strings.TrimSpace(url),
	}
}

func (s *HTTPWebhookSender) Send(ctx context.Context, alert compliance.Alert) error {
	if s.url == "" {
		return errors.New("webhook url missing")
	}
	body := map[string]any{
		"type":     string(alert.Type),
		"priority": string(alert.Priority),
		"subject":  alert.Subject,
		"metric":   alert.Metric,
		"message":  alert.Message,
		"sent_at":  time.Now().UTC().Format(time.RFC3339),
	}
	raw, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook status %d", resp.StatusCode)
}
