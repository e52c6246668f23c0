package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/viper"
)

type recorded struct {
	method string
	uri    string
}

// fakeServices answers every call with a canned reply and records it.
func fakeServices(t *testing.T, status int, reply string) (*[]recorded, func()) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, recorded{method: r.Method, uri: r.URL.RequestURI()})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(reply))
	}))
	for k := range defaultURLs {
		viper.Set(k, srv.URL)
	}
	return &calls, func() {
		srv.Close()
		viper.Reset()
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCommandsCallServices(t *testing.T) {
	tests := []struct {
		args   []string
		method string
		uri    string
	}{
		{[]string{"tx", "get", "tx-1"}, http.MethodGet, "/transactions/tx-1"},
		{[]string{"tx", "abort", "tx-1"}, http.MethodPost, "/transactions/tx-1/abort"},
		{[]string{"tx", "list", "--state", "preparing,committing"}, http.MethodGet, "/transactions?state=preparing%2Ccommitting"},
		{[]string{"saga", "get", "s-1"}, http.MethodGet, "/sagas/s-1"},
		{[]string{"saga", "list", "--state", "failed"}, http.MethodGet, "/sagas?state=failed"},
		{[]string{"outbox", "get", "m-1"}, http.MethodGet, "/messages/m-1"},
		{[]string{"dlq", "list", "--resolved", "false", "--source", "orders"}, http.MethodGet, "/messages?resolved=false&source_queue=orders"},
		{[]string{"dlq", "list", "--destination", "billing", "--limit", "5"}, http.MethodGet, "/messages?destination_service=billing&limit=5"},
		{[]string{"dlq", "get", "d-1"}, http.MethodGet, "/messages/d-1"},
		{[]string{"dlq", "retry", "d-1"}, http.MethodPost, "/messages/d-1/retry"},
		{[]string{"dlq", "resolve", "d-1"}, http.MethodPost, "/messages/d-1/resolve"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			calls, done := fakeServices(t, http.StatusOK, `{"id":"x","state":"committed"}`)
			defer done()

			out, err := execute(t, tt.args...)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if len(*calls) != 1 {
				t.Fatalf("calls = %+v, want one", *calls)
			}
			if got := (*calls)[0]; got.method != tt.method || got.uri != tt.uri {
				t.Errorf("called %s %s, want %s %s", got.method, got.uri, tt.method, tt.uri)
			}

			var printed map[string]any
			if err := json.Unmarshal([]byte(out), &printed); err != nil || printed["state"] != "committed" {
				t.Errorf("output = %q", out)
			}
		})
	}
}

func TestRejectedCallShowsServiceError(t *testing.T) {
	_, done := fakeServices(t, http.StatusConflict, `{"error":"invalid state: transaction is committed"}`)
	defer done()

	_, err := execute(t, "tx", "abort", "tx-1")
	if err == nil || !strings.Contains(err.Error(), "HTTP 409") || !strings.Contains(err.Error(), "transaction is committed") {
		t.Errorf("err = %v", err)
	}
}

func TestArgumentValidation(t *testing.T) {
	calls, done := fakeServices(t, http.StatusOK, `{}`)
	defer done()

	for _, args := range [][]string{
		{"tx", "get"},
		{"saga", "list", "extra"},
		{"dlq", "list", "--resolved", "maybe"},
	} {
		if _, err := execute(t, args...); err == nil {
			t.Errorf("%v: expected an error", args)
		}
	}
	if len(*calls) != 0 {
		t.Errorf("invalid invocations reached a service: %+v", *calls)
	}
}
