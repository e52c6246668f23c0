package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sapliy/coordination/pkg/apperr"
)

func TestNewRouter_Health(t *testing.T) {
	r := NewRouter("saga")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	Handler("saga", r, nil).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"active"`) || !strings.Contains(w.Body.String(), `"service":"saga"`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestNewRouter_Metrics(t *testing.T) {
	r := NewRouter("dlq")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, "127.0.0.1:0", http.NotFoundHandler(), time.Second, slog.Default())
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestQueryHelpers(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?state=started,+prepared&state=failed&limit=5&resolved=true&bad=-1", nil)

	if got := QueryList(r, "state"); len(got) != 3 || got[0] != "started" || got[1] != "prepared" || got[2] != "failed" {
		t.Errorf("QueryList() = %v", got)
	}
	if n, err := QueryInt(r, "limit", 100); err != nil || n != 5 {
		t.Errorf("QueryInt(limit) = %d, %v", n, err)
	}
	if n, err := QueryInt(r, "offset", 7); err != nil || n != 7 {
		t.Errorf("QueryInt(offset) default = %d, %v", n, err)
	}
	if _, err := QueryInt(r, "bad", 0); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("QueryInt(bad) error = %v", err)
	}
	if b, err := QueryBool(r, "resolved"); err != nil || b == nil || !*b {
		t.Errorf("QueryBool(resolved) = %v, %v", b, err)
	}
	if b, err := QueryBool(r, "missing"); err != nil || b != nil {
		t.Errorf("QueryBool(missing) = %v, %v", b, err)
	}
}
