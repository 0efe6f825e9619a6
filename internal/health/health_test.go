package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func probe(t *testing.T, h http.HandlerFunc, path string) (int, response) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	var body response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysReady(t *testing.T) {
	t.Parallel()
	h := New()

	code, body := probe(t, h.Healthz, "/healthz")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if !body.Ready {
		t.Error("ready = false")
	}
}

func TestReadyz_AllChecksPass(t *testing.T) {
	t.Parallel()
	h := New(
		Checker{Name: "store", Check: func(context.Context) error { return nil }},
		Checker{Name: "switch", Check: func(context.Context) error { return nil }},
	)

	code, body := probe(t, h.Readyz, "/readyz")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if !body.Ready {
		t.Error("ready = false")
	}
	if body.Checks["store"] != "ok" || body.Checks["switch"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestReadyz_FailedCheckGoes503(t *testing.T) {
	t.Parallel()
	h := New(
		Checker{Name: "store", Check: func(context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "switch", Check: func(context.Context) error { return nil }},
	)

	code, body := probe(t, h.Readyz, "/readyz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if body.Ready {
		t.Error("ready = true with a failed check")
	}
	if body.Checks["store"] != "connection refused" {
		t.Errorf("store = %q", body.Checks["store"])
	}
	if body.Checks["switch"] != "ok" {
		t.Errorf("switch = %q", body.Checks["switch"])
	}
}

func TestReadyz_NoCheckersIsReady(t *testing.T) {
	t.Parallel()
	h := New()

	code, body := probe(t, h.Readyz, "/readyz")
	if code != http.StatusOK || !body.Ready {
		t.Errorf("status = %d, ready = %v", code, body.Ready)
	}
}

func TestReadyz_CheckHonorsRequestContext(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRegister_ServesBothRoutes(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New().Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}
