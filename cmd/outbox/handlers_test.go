package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sapliy/coordination/internal/outbox"
	"github.com/sapliy/coordination/pkg/locator"
	"github.com/sapliy/coordination/pkg/remote"
	"github.com/sapliy/coordination/pkg/server"
)

func do(t *testing.T, h http.Handler, method, path, body string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code
}

func TestEnqueueThenRelay(t *testing.T) {
	var delivered atomic.Int32
	billing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/events" && r.Header.Get("X-Outbox-Message-Id") != "" {
			delivered.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer billing.Close()

	loc, err := locator.ParseStatic([]string{"billing=" + strings.TrimPrefix(billing.URL, "http://")})
	if err != nil {
		t.Fatal(err)
	}
	cfg := remote.DefaultConfig()
	cfg.Timeout = time.Second

	repo := outbox.NewMemoryRepository()
	api := server.NewRouter("outbox")
	NewHandler(outbox.NewService(repo, nil)).Register(api)
	relay := outbox.NewRelay(repo, remote.NewCaller(loc, cfg, nil), nil, outbox.DefaultRelayConfig(), nil)

	var m outbox.Message
	if code := do(t, api, http.MethodPost, "/messages",
		`{"destination_service":"billing","payload":{"invoice":7}}`, &m); code != http.StatusCreated {
		t.Fatalf("enqueue = %d", code)
	}
	if m.Status() != outbox.StatusPending || string(m.Payload) != `{"invoice":7}` {
		t.Fatalf("enqueued = %+v", m)
	}

	var pending []outbox.Message
	do(t, api, http.MethodGet, "/messages?status=pending", "", &pending)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	if _, err := relay.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if delivered.Load() != 1 {
		t.Fatalf("delivered %d times", delivered.Load())
	}

	var got outbox.Message
	if code := do(t, api, http.MethodGet, "/messages/"+m.ID, "", &got); code != http.StatusOK || !got.Processed {
		t.Errorf("get = %d %+v", code, got)
	}
	do(t, api, http.MethodGet, "/messages?status=pending", "", &pending)
	if len(pending) != 0 {
		t.Errorf("still pending: %d", len(pending))
	}
}

func TestOutboxErrors(t *testing.T) {
	api := server.NewRouter("outbox")
	NewHandler(outbox.NewService(outbox.NewMemoryRepository(), nil)).Register(api)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"missing destination", http.MethodPost, "/messages", `{"payload":{}}`, http.StatusBadRequest},
		{"missing payload", http.MethodPost, "/messages", `{"destination_service":"billing"}`, http.StatusBadRequest},
		{"unknown message", http.MethodGet, "/messages/nope", "", http.StatusNotFound},
		{"unknown status", http.MethodGet, "/messages?status=lost", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/messages?limit=-1", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out map[string]any
			if code := do(t, api, tt.method, tt.path, tt.body, &out); code != tt.want || out["error"] == nil {
				t.Errorf("status = %d (%v), want %d", code, out, tt.want)
			}
		})
	}
}
