package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nextlevelbuilder/wxbridge/internal/bus"
)

func TestFormat(t *testing.T) {
	m := bus.Message{Target: "group_with_AI", Sender: "Mwu！", Content: "大家好"}
	if got, want := Format("微信消息", m), "[微信消息] [group_with_AI] [Mwu！] 大家好"; got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestDeliverSuccess(t *testing.T) {
	var got Payload
	var auth, ctype string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		ctype = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w := NewWebhook(Options{URL: srv.URL, Token: "wechat-bridge-2026"})
	err := w.Deliver(context.Background(), bus.Message{Target: "group_with_AI", Sender: "Mwu！", Content: "大家好"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if auth != "Bearer wechat-bridge-2026" {
		t.Errorf("Authorization = %q", auth)
	}
	if ctype != "application/json" {
		t.Errorf("Content-Type = %q", ctype)
	}
	if got.Text != "[微信消息] [group_with_AI] [Mwu！] 大家好" || got.Mode != "now" {
		t.Errorf("payload = %+v", got)
	}
}

func TestDeliverErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrAuth},
		{"forbidden", http.StatusForbidden, ErrAuth},
		{"server error", http.StatusInternalServerError, ErrNetwork},
		{"redirect-ish", http.StatusNotModified, ErrNetwork},
		{"not found", http.StatusNotFound, ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewWebhook(Options{URL: srv.URL}).Deliver(context.Background(), bus.Message{Content: "x"})
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDeliverTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewWebhook(Options{URL: url}).Deliver(context.Background(), bus.Message{Content: "x"})
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("err = %v, want ErrNetwork", err)
	}
}

func TestDeliverTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	start := time.Now()
	err := NewWebhook(Options{URL: srv.URL, Timeout: 50 * time.Millisecond}).Deliver(context.Background(), bus.Message{Content: "x"})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout not enforced")
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	if err := NewWebhook(Options{URL: srv.URL, Token: "good"}).Ping(context.Background()); err != nil {
		t.Errorf("Ping good token: %v", err)
	}
	if err := NewWebhook(Options{URL: srv.URL, Token: "bad"}).Ping(context.Background()); !errors.Is(err, ErrAuth) {
		t.Errorf("Ping bad token = %v, want ErrAuth", err)
	}
}
