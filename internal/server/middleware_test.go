package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRouteLabel(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/42", nil)
	req.Pattern = "GET /api/v1/devices/{id}"
	if got := routeLabel(req); got != "/api/v1/devices/{id}" {
		t.Errorf("routeLabel = %q, want pattern without method", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	if got := routeLabel(req); got != "unmatched" {
		t.Errorf("routeLabel for unrouted request = %q, want unmatched", got)
	}
}

func TestRateLimitMiddleware_RetryAfter(t *testing.T) {
	handler := RateLimitMiddleware(1, 1, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.RemoteAddr = "192.0.2.9:5000"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request = %d, want 204", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("throttled response missing Retry-After header")
	}
}
