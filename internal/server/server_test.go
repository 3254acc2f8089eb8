package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/parley-ai/parley/internal/health"
)

// newTestServer builds a server around the given invite func and returns its
// handler for recorder-driven requests.
func newTestServer(t *testing.T, invite InviteFunc) http.Handler {
	t.Helper()
	s, err := New(Config{Addr: ":0", Invite: invite})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s.Handler()
}

func TestInviteAgent_Success(t *testing.T) {
	var gotContext, gotToken string
	h := newTestServer(t, func(_ context.Context, contextID, accessToken string) error {
		gotContext = contextID
		gotToken = accessToken
		return nil
	})

	req := httptest.NewRequest("POST", "/invite-agent", strings.NewReader(`{"context_id":"ctx-42"}`))
	req.Header.Set("Authorization", "Bearer opaque-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	var body messageResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Message != "Initializing agent" {
		t.Errorf("message = %q, want %q", body.Message, "Initializing agent")
	}
	if gotContext != "ctx-42" {
		t.Errorf("context id = %q, want %q", gotContext, "ctx-42")
	}
	if gotToken != "Bearer opaque-token" {
		t.Errorf("token = %q, want the Authorization header verbatim", gotToken)
	}
}

func TestInviteAgent_NoAuthorizationHeader(t *testing.T) {
	gotToken := "sentinel"
	h := newTestServer(t, func(_ context.Context, _, accessToken string) error {
		gotToken = accessToken
		return nil
	})

	req := httptest.NewRequest("POST", "/invite-agent", strings.NewReader(`{"context_id":"ctx-1"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotToken != "" {
		t.Errorf("token = %q, want empty when no Authorization header is sent", gotToken)
	}
}

func TestInviteAgent_InitializationError(t *testing.T) {
	h := newTestServer(t, func(_ context.Context, _, _ string) error {
		return errors.New("join room: connection refused")
	})

	req := httptest.NewRequest("POST", "/invite-agent", strings.NewReader(`{"context_id":"ctx-1"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if !strings.Contains(body.Error, "connection refused") {
		t.Errorf("error = %q, want the initialization error surfaced", body.Error)
	}
}

func TestInviteAgent_InvalidBody(t *testing.T) {
	called := false
	h := newTestServer(t, func(_ context.Context, _, _ string) error {
		called = true
		return nil
	})

	req := httptest.NewRequest("POST", "/invite-agent", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if called {
		t.Error("invite called despite malformed body")
	}
}

func TestInviteAgent_MissingContextID(t *testing.T) {
	called := false
	h := newTestServer(t, func(_ context.Context, _, _ string) error {
		called = true
		return nil
	})

	req := httptest.NewRequest("POST", "/invite-agent", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if called {
		t.Error("invite called despite empty context id")
	}
}

func TestInviteAgent_MethodNotAllowed(t *testing.T) {
	h := newTestServer(t, func(_ context.Context, _, _ string) error { return nil })

	req := httptest.NewRequest("GET", "/invite-agent", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHealthRoute(t *testing.T) {
	h := newTestServer(t, func(_ context.Context, _, _ string) error { return nil })

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"ok"}` {
		t.Errorf("body = %s, want {\"status\":\"ok\"}", got)
	}
}

func TestReadyzRoute_UsesCheckers(t *testing.T) {
	s, err := New(Config{
		Addr:   ":0",
		Invite: func(_ context.Context, _, _ string) error { return nil },
		Health: health.New(health.Checker{
			Name:  "signaling",
			Check: func(_ context.Context) error { return errors.New("no upstream configured") },
		}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestMetricsRoute(t *testing.T) {
	h := newTestServer(t, func(_ context.Context, _, _ string) error { return nil })

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	// The default registry always carries the Go runtime collectors.
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("expected Prometheus exposition output")
	}
}

func TestCORS_Preflight(t *testing.T) {
	h := newTestServer(t, func(_ context.Context, _, _ string) error { return nil })

	req := httptest.NewRequest("OPTIONS", "/invite-agent", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Authorization") {
		t.Errorf("Access-Control-Allow-Headers = %q, want Authorization allowed", got)
	}
}

func TestCORS_HeadersOnEveryResponse(t *testing.T) {
	h := newTestServer(t, func(_ context.Context, _, _ string) error { return nil })

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestNew_RequiresAddr(t *testing.T) {
	_, err := New(Config{Invite: func(_ context.Context, _, _ string) error { return nil }})
	if err == nil {
		t.Fatal("expected error for missing listen address")
	}
}

func TestNew_RequiresInvite(t *testing.T) {
	_, err := New(Config{Addr: ":0"})
	if err == nil {
		t.Fatal("expected error for missing invite func")
	}
}
