package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendDeliversCard(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, "https://wiki.example.com/", time.Second, discard())
	if err := n.Send(context.Background(), OpUpdated, "Setup Guide", "guides/setup"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got["type"] != "message" {
		t.Errorf("envelope type = %v", got["type"])
	}
	raw, _ := json.Marshal(got)
	payload := string(raw)
	if !strings.Contains(payload, "Wiki page updated") {
		t.Errorf("payload missing headline: %s", payload)
	}
	if !strings.Contains(payload, "Setup Guide") {
		t.Errorf("payload missing title: %s", payload)
	}
	if !strings.Contains(payload, "https://wiki.example.com/wiki/guides/setup") {
		t.Errorf("payload missing page link: %s", payload)
	}
}

func TestSendDeletedOmitsLink(t *testing.T) {
	var payload string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		payload = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, "https://wiki.example.com", time.Second, discard())
	if err := n.Send(context.Background(), OpDeleted, "Old Page", "old-page"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if strings.Contains(payload, "Action.OpenUrl") {
		t.Errorf("deleted notification should not carry a page link: %s", payload)
	}
}

func TestSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := New(srv.URL, "", time.Second, discard())
	err := n.Send(context.Background(), OpCreated, "T", "p")
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error should mention status: %v", err)
	}
}

func TestSendTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	n := New(srv.URL, "", 50*time.Millisecond, discard())
	start := time.Now()
	err := n.Send(context.Background(), OpCreated, "T", "p")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v, want ~50ms", elapsed)
	}
}

func TestDisabledNotifier(t *testing.T) {
	n := New("", "https://wiki.example.com", time.Second, discard())
	if n.Enabled() {
		t.Error("empty webhook URL should disable delivery")
	}
	if err := n.Send(context.Background(), OpCreated, "T", "p"); err != nil {
		t.Errorf("disabled Send should be a no-op, got %v", err)
	}
}
