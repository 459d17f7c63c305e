package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebhook_DeliversKindAndPayload(t *testing.T) {
	var gotKind, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKind = r.Header.Get("X-Tally-Event")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhook(Config{URL: srv.URL, Timeout: 2 * time.Second})
	err := n.Notify(context.Background(), "ledger.finalize", []byte(`{"reservation":"rsv-1"}`))
	if err != nil {
		t.Fatalf("Notify() error: %v", err)
	}
	if gotKind != "ledger.finalize" {
		t.Errorf("event header = %q, want ledger.finalize", gotKind)
	}
	if gotBody != `{"reservation":"rsv-1"}` {
		t.Errorf("body = %q", gotBody)
	}
}

func TestWebhook_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhook(Config{URL: srv.URL})
	if err := n.Notify(context.Background(), "payout.completed", []byte(`{}`)); err == nil {
		t.Fatal("expected error on 502 response")
	}
}

func TestWebhook_TransportErrorIsFailure(t *testing.T) {
	n := NewWebhook(Config{URL: "http://127.0.0.1:1", Timeout: time.Second})
	if err := n.Notify(context.Background(), "payout.completed", []byte(`{}`)); err == nil {
		t.Fatal("expected error when nothing listens")
	}
}

func TestNew_SelectsLogWithoutURL(t *testing.T) {
	if _, ok := New(Config{}).(*Log); !ok {
		t.Error("empty URL should select the log notifier")
	}
	if _, ok := New(Config{URL: "http://example.com/hook"}).(*Webhook); !ok {
		t.Error("non-empty URL should select the webhook notifier")
	}
}

func TestLog_NeverFails(t *testing.T) {
	var l Log
	if err := l.Notify(context.Background(), "reconcile.violation", []byte(`{}`)); err != nil {
		t.Fatalf("Notify() error: %v", err)
	}
}
