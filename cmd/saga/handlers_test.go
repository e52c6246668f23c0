package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sapliy/coordination/internal/saga"
	"github.com/sapliy/coordination/pkg/remote"
	"github.com/sapliy/coordination/pkg/server"
)

type inlineScheduler struct{}

func (inlineScheduler) Go(_ string, fn func(ctx context.Context)) error {
	fn(context.Background())
	return nil
}

func newTestAPI(t *testing.T) http.Handler {
	t.Helper()
	cfg := remote.DefaultConfig()
	cfg.Timeout = time.Second
	svc := saga.NewService(saga.NewMemoryRepository(), remote.NewCaller(nil, cfg, nil), inlineScheduler{}, nil)

	router := server.NewRouter("saga")
	NewHandler(svc).Register(router)
	return router
}

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

func TestSagaStepTwoFailsOverHTTP(t *testing.T) {
	steps := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/payment/charge" {
			http.Error(w, "card declined", http.StatusPaymentRequired)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer steps.Close()

	body := fmt.Sprintf(`{"name":"checkout","steps":[
		{"service_name":"inventory","service_url":%[1]q,"action_endpoint":"/inventory/reserve","compensation_endpoint":"/inventory/release","payload":{"sku":"A1"}},
		{"service_name":"payment","service_url":%[1]q,"action_endpoint":"/payment/charge","compensation_endpoint":"/payment/refund","payload":{"amount":42}},
		{"service_name":"shipping","service_url":%[1]q,"action_endpoint":"/shipping/book","compensation_endpoint":"/shipping/cancel"}
	]}`, steps.URL)

	api := newTestAPI(t)
	var started struct {
		ID    string `json:"saga_id"`
		State string `json:"state"`
	}
	if code := do(t, api, http.MethodPost, "/sagas", body, &started); code != http.StatusAccepted || started.ID == "" {
		t.Fatalf("start = %d %+v", code, started)
	}

	var sg saga.Saga
	if code := do(t, api, http.MethodGet, "/sagas/"+started.ID, "", &sg); code != http.StatusOK {
		t.Fatalf("get = %d", code)
	}
	if sg.State != saga.StateFailed {
		t.Errorf("state = %s, want failed", sg.State)
	}
	want := []saga.StepState{saga.StepCompensated, saga.StepFailed, saga.StepPending}
	for i, st := range sg.Steps {
		if st.State != want[i] {
			t.Errorf("step %d = %s, want %s", st.Ordinal, st.State, want[i])
		}
	}

	var failed []saga.Saga
	if code := do(t, api, http.MethodGet, "/sagas?state=failed", "", &failed); code != http.StatusOK || len(failed) != 1 {
		t.Errorf("list failed = %d, %d sagas", code, len(failed))
	}
}

func TestSagaErrors(t *testing.T) {
	api := newTestAPI(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown saga", http.MethodGet, "/sagas/nope", "", http.StatusNotFound},
		{"no steps", http.MethodPost, "/sagas", `{"name":"x","steps":[]}`, http.StatusBadRequest},
		{"bad endpoint", http.MethodPost, "/sagas",
			`{"name":"x","steps":[{"service_name":"a","action_endpoint":"GRAB /a","compensation_endpoint":"/b"}]}`, http.StatusBadRequest},
		{"unknown state", http.MethodGet, "/sagas?state=paused", "", http.StatusBadRequest},
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
