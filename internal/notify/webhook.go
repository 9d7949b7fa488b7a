package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"jobd/pkg/cloudevent"
)

const webhookTimeout = 10 * time.Second

// WebhookSink delivers notifications as signed CloudEvents over HTTP POST.
type WebhookSink struct {
	url    string
	source string
	sender *cloudevent.Sender
}

// NewWebhookSink creates a sink posting to url. secret enables HMAC signing
// when non-empty.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		source: "jobd",
		sender: cloudevent.NewSender(url, secret, webhookTimeout),
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

// Publish posts one CloudEvent. The event type encodes the lifecycle kind.
func (s *WebhookSink) Publish(ctx context.Context, subject, body string, tags Tags) (string, error) {
	event := cloudevent.New(
		fmt.Sprintf("jobd.notification.%s", tags.Kind),
		s.source,
		fmt.Sprintf("%s_%d", tags.Username, tags.JobID),
		map[string]any{
			"subject":  subject,
			"body":     body,
			"job_id":   tags.JobID,
			"username": tags.Username,
		},
	)

	if err := s.sender.Send(ctx, event); err != nil {
		return "", fmt.Errorf("webhook delivery failed: %w", err)
	}

	receipt, err := json.Marshal(map[string]string{
		"event_id": event.ID,
		"type":     event.Type,
		"url":      s.url,
	})
	if err != nil {
		return "", err
	}
	return string(receipt), nil
}

func (s *WebhookSink) Close() error { return nil }
