package gateway

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCORS_Disabled(t *testing.T) {
	wrap := NewCORSMiddleware(false, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("disabled CORS set headers")
	}
}

func TestCORS_AllowedOrigin(t *testing.T) {
	wrap := NewCORSMiddleware(true, []string{"https://dash.example"})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	wrap(okHandler()).ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Fatalf("allow-origin = %q", got)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	wrap := NewCORSMiddleware(true, []string{"https://dash.example"})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("disallowed origin got CORS headers")
	}
}

func TestCORS_Wildcard(t *testing.T) {
	wrap := NewCORSMiddleware(true, []string{"*"})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Origin", "https://anything.example")
	rec := httptest.NewRecorder()
	wrap(okHandler()).ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://anything.example" {
		t.Fatalf("allow-origin = %q", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	wrap := NewCORSMiddleware(true, []string{"https://dash.example"})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/delegate", nil)
	req.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight code = %d, want 204", rec.Code)
	}
}

func TestRequestSizeLimit(t *testing.T) {
	wrap := RequestSizeLimitMiddleware(16)
	h := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	small := httptest.NewRequest(http.MethodPost, "/api/v1/delegate", strings.NewReader("tiny"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, small)
	if rec.Code != http.StatusOK {
		t.Fatalf("small body code = %d", rec.Code)
	}

	big := httptest.NewRequest(http.MethodPost, "/api/v1/delegate",
		strings.NewReader(strings.Repeat("x", 64)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("big body code = %d, want 413", rec.Code)
	}
}
