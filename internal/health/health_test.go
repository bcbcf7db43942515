package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okCheck(context.Context) error { return nil }

func get(t *testing.T, h http.Handler, path string) (int, result) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()
	code, body := get(t, http.HandlerFunc(New().Healthz), "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("got %d %+v", code, body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		started    bool
		checkers   []Checker
		wantCode   int
		wantChecks map[string]string
	}{
		{
			name:     "no checkers",
			started:  true,
			wantCode: http.StatusOK,
		},
		{
			name:    "all pass",
			started: true,
			checkers: []Checker{
				{Name: "knowledge_base", Check: okCheck},
				{Name: "local_llm", Check: okCheck},
			},
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"knowledge_base": "ok", "local_llm": "ok"},
		},
		{
			name:    "one fails",
			started: true,
			checkers: []Checker{
				{Name: "knowledge_base", Check: func(context.Context) error { return errors.New("connection refused") }},
				{Name: "local_llm", Check: okCheck},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"knowledge_base": "fail: connection refused", "local_llm": "ok"},
		},
		{
			name:       "not started",
			checkers:   []Checker{{Name: "local_llm", Check: okCheck}},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"startup": "fail: not started", "local_llm": "ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := New(tt.checkers...)
			h.SetStarted(tt.started)
			code, body := get(t, http.HandlerFunc(h.Readyz), "/readyz")
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
			wantStatus := "ok"
			if tt.wantCode != http.StatusOK {
				wantStatus = "fail"
			}
			if body.Status != wantStatus {
				t.Errorf("status field = %q, want %q", body.Status, wantStatus)
			}
			for k, v := range tt.wantChecks {
				if body.Checks[k] != v {
					t.Errorf("check %q = %q, want %q", k, body.Checks[k], v)
				}
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	slow := func(context.Context) error { time.Sleep(50 * time.Millisecond); return nil }
	h := Started(
		Checker{Name: "a", Check: slow},
		Checker{Name: "b", Check: slow},
		Checker{Name: "c", Check: slow},
	)
	start := time.Now()
	code, _ := get(t, http.HandlerFunc(h.Readyz), "/readyz")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if elapsed := time.Since(start); elapsed > 140*time.Millisecond {
		t.Errorf("readyz took %s; checks appear to run sequentially", elapsed)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := Started(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	Started(Checker{Name: "test", Check: okCheck}).Register(mux)
	for _, path := range []string{"/healthz", "/readyz"} {
		code, _ := get(t, mux, path)
		if code != http.StatusOK {
			t.Errorf("%s status = %d", path, code)
		}
	}
}
