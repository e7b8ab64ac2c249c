package payout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	logx "paystream/pkg/logx"
)

func TestWebhookSend(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		got  transferRequest
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := newWebhookSender(WebhookConfig{URL: srv.URL, Token: "tok"}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Send(context.Background(), "0xaa", 42); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Destination != "0xaa" || got.Amount != 42 {
		t.Fatalf("request = %+v", got)
	}
	if auth != "Bearer tok" {
		t.Fatalf("auth header = %q", auth)
	}
}

func TestWebhookRejectionIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient executor funds", http.StatusConflict)
	}))
	defer srv.Close()

	s, err := newWebhookSender(WebhookConfig{URL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Send(context.Background(), "0xaa", 42); err == nil {
		t.Fatal("non-2xx response must be a failed transfer")
	}
}

func TestNewDriverSelection(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Driver: "log"}, logx.Nop()); err != nil {
		t.Fatalf("log driver: %v", err)
	}
	if _, err := New(Config{Driver: ""}, logx.Nop()); err != nil {
		t.Fatalf("default driver: %v", err)
	}
	if _, err := New(Config{Driver: "webhook"}, logx.Nop()); err == nil {
		t.Fatal("webhook driver without url accepted")
	}
	if _, err := New(Config{Driver: "carrier-pigeon"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}
