package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookSink_Publish(t *testing.T) {
	t.Parallel()

	type captured struct {
		ceType    string
		signature string
		body      []byte
	}
	var got captured

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = captured{
			ceType:    r.Header.Get("Ce-Type"),
			signature: r.Header.Get("X-Signature-256"),
			body:      body,
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "hook-secret")
	receipt, err := sink.Publish(context.Background(), "subject line", "body text", Tags{
		JobID:    202601150001,
		Username: "jane.doe",
		Kind:     KindFinished,
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if got.ceType != "jobd.notification.finished" {
		t.Errorf("Ce-Type = %q, want jobd.notification.finished", got.ceType)
	}

	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(got.body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if got.signature != want {
		t.Errorf("X-Signature-256 = %q, want %q", got.signature, want)
	}

	var event struct {
		Subject string         `json:"subject"`
		Data    map[string]any `json:"data"`
	}
	if err := json.Unmarshal(got.body, &event); err != nil {
		t.Fatalf("event body is not JSON: %v", err)
	}
	if event.Subject != "jane.doe_202601150001" {
		t.Errorf("event subject = %q", event.Subject)
	}
	if event.Data["username"] != "jane.doe" || event.Data["subject"] != "subject line" {
		t.Errorf("event data = %v", event.Data)
	}

	var r map[string]string
	if err := json.Unmarshal([]byte(receipt), &r); err != nil {
		t.Fatalf("receipt is not JSON: %v", err)
	}
	if r["event_id"] == "" || r["type"] != "jobd.notification.finished" {
		t.Errorf("receipt = %v", r)
	}
}

func TestWebhookSink_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "")
	if _, err := sink.Publish(context.Background(), "s", "b", testTags()); err == nil {
		t.Fatal("Publish() expected error on 502")
	}
}
