package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sapliy/coordination/pkg/apperr"
	"github.com/sapliy/coordination/pkg/locator"
	"github.com/sapliy/coordination/pkg/resilience"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Breaker = resilience.BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Hour}
	return cfg
}

func TestCaller_Do(t *testing.T) {
	var gotBody, gotHeader, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody, gotHeader, gotMethod = string(b), r.Header.Get("X-Saga-Id"), r.Method
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"reserved":true}`))
		case "/conflict":
			http.Error(w, "already reserved", http.StatusConflict)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewCaller(nil, testConfig(), nil)
	ctx := context.Background()

	resp, err := c.Do(ctx, Request{
		Service:  "inventory",
		BaseURL:  srv.URL,
		Endpoint: MustEndpoint("PUT /ok"),
		Body:     map[string]string{"sku": "A1"},
		Header:   http.Header{"X-Saga-Id": []string{"s-1"}},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != `{"reserved":true}` {
		t.Errorf("unexpected response %d %s", resp.StatusCode, resp.Body)
	}
	if gotMethod != http.MethodPut || gotBody != `{"sku":"A1"}` || gotHeader != "s-1" {
		t.Errorf("server saw %s %s header=%q", gotMethod, gotBody, gotHeader)
	}

	_, err = c.Do(ctx, Request{Service: "inventory", BaseURL: srv.URL, Endpoint: MustEndpoint("/conflict")})
	var rejected *apperr.RejectedError
	if !errors.As(err, &rejected) || rejected.StatusCode != http.StatusConflict {
		t.Fatalf("expected a 409 rejection, got %v", err)
	}
	if !strings.Contains(rejected.Body, "already reserved") {
		t.Errorf("expected the reply body to be kept, got %q", rejected.Body)
	}
}

func TestCaller_RetriesUnreachableOnly(t *testing.T) {
	var calls int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("connection refused")
	})}
	c := NewCaller(nil, testConfig(), nil, WithHTTPClient(client))

	_, err := c.Do(context.Background(), Request{Service: "ledger", BaseURL: "http://ledger", Endpoint: MustEndpoint("/prepare")})
	if !errors.Is(err, apperr.ErrUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}

	var rejectedCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&rejectedCalls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c = NewCaller(nil, testConfig(), nil)
	_, err = c.Do(context.Background(), Request{Service: "ledger", BaseURL: srv.URL, Endpoint: MustEndpoint("/prepare")})
	if !errors.Is(err, apperr.ErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
	if n := atomic.LoadInt32(&rejectedCalls); n != 1 {
		t.Errorf("rejections must not be retried, got %d attempts", n)
	}
}

func TestCaller_BreakerOpensOnServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path == "/bad-request" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewCaller(nil, testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = c.Do(ctx, Request{Service: "orders", BaseURL: srv.URL, Endpoint: MustEndpoint("/bad-request")})
	}
	if snaps := c.Breakers(); len(snaps) != 1 || snaps[0].State != resilience.StateClosed {
		t.Fatalf("4xx replies must not trip the breaker, got %+v", snaps)
	}

	for i := 0; i < 3; i++ {
		_, _ = c.Do(ctx, Request{Service: "orders", BaseURL: srv.URL, Endpoint: MustEndpoint("/fail")})
	}
	before := atomic.LoadInt32(&calls)

	_, err := c.Do(ctx, Request{Service: "orders", BaseURL: srv.URL, Endpoint: MustEndpoint("/fail")})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if after := atomic.LoadInt32(&calls); after != before {
		t.Errorf("open breaker must not reach the service, saw %d extra calls", after-before)
	}
}

func TestCaller_ResolvesThroughLocator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	addr, err := locator.ParseAddress(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	loc := locator.NewStatic(map[string]locator.Address{"billing": addr})
	c := NewCaller(loc, testConfig(), nil)

	resp, err := c.Do(context.Background(), Request{Service: "billing", Endpoint: MustEndpoint("/commit")})
	if err != nil || resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %v, %v", resp, err)
	}

	_, err = c.Do(context.Background(), Request{Service: "unknown", Endpoint: MustEndpoint("/commit")})
	if !errors.Is(err, apperr.ErrUnreachable) {
		t.Errorf("expected an unresolvable service to be unreachable, got %v", err)
	}
}
