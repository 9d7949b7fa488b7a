package cloudevent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sender posts CloudEvents to one destination URL, signing each body when
// a key is configured.
type Sender struct {
	url    string
	key    string
	client *http.Client
}

// NewSender builds a sender for url. An empty signingKey disables the
// X-Signature-256 header.
func NewSender(url, signingKey string, timeout time.Duration) *Sender {
	return &Sender{
		url: url,
		key: signingKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Send posts event as application/cloudevents+json with the event
// attributes mirrored into Ce-* headers.
func (s *Sender) Send(ctx context.Context, event *CloudEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	setEventHeaders(req.Header, event)
	if s.key != "" {
		req.Header.Set("X-Signature-256", Signature(body, s.key))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &HTTPError{StatusCode: resp.StatusCode}
}

func setEventHeaders(h http.Header, event *CloudEvent) {
	h.Set("Content-Type", "application/cloudevents+json")
	h.Set("Ce-Specversion", event.SpecVersion)
	h.Set("Ce-Type", event.Type)
	h.Set("Ce-Source", event.Source)
	h.Set("Ce-Subject", event.Subject)
	h.Set("Ce-Id", event.ID)
	h.Set("Ce-Time", event.Time.Format(time.RFC3339))
}

// Signature computes the sha256=<hex> HMAC value receivers compare against
// the X-Signature-256 header.
func Signature(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// HTTPError is a non-2xx delivery response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsClientError reports whether err is an HTTP 4xx response, which a retry
// cannot fix.
func IsClientError(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}
