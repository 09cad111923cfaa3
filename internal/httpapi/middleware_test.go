package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"helpdesk.org/internal/obs"
)

func TestRateLimitExceeded(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(RateLimit(base, 1, 1))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(t.Context()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(t.Context()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	var body map[string]any
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body["error"] == "" || body["code"] != "RATE_LIMITED" {
		t.Fatalf("unexpected rate limit body: %+v", body)
	}
	if body["request_id"] == "" {
		t.Fatalf("expected request_id in body")
	}

	other := req.Clone(t.Context())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("buckets must be per client, got %d", rr3.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != "req-123" || rr.Header().Get(requestIDHeader) != "req-123" {
		t.Fatalf("expected inbound id to be reused, got %q / %q", seen, rr.Header().Get(requestIDHeader))
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "has spaces in it")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen == "" || seen == "has spaces in it" {
		t.Fatalf("expected a fresh id, got %q", seen)
	}
}

func TestLoggingEmitsStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	prev := obs.SetLogger(obs.NewLogger("helpdesk-test", "info", &buf))
	defer obs.SetLogger(prev)

	handler := ClientIP(nil)(RequestID(Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setRequestUser(r.Context(), "u-42")
		w.WriteHeader(http.StatusTeapot)
	}))))
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	req.RemoteAddr = "198.51.100.4:5555"
	req.Header.Set(requestIDHeader, "log-1")
	req.Header.Set("User-Agent", "helpdesk-cli/1.0")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["msg"] != "request_complete" || entry["level"] != "WARN" || entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry["request_id"] != "log-1" || entry["path"] != "/v1/auth/login" || entry["service"] != "helpdesk-test" {
		t.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry["user_agent"] != "helpdesk-cli/1.0" || entry["user_id"] != "u-42" || entry["remote_ip"] != "198.51.100.4" {
		t.Fatalf("missing request fields: %+v", entry)
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Fatalf("missing duration_ms: %+v", entry)
	}
}

func TestLoggingOmitsUserForAnonymousRequests(t *testing.T) {
	var buf bytes.Buffer
	prev := obs.SetLogger(obs.NewLogger("helpdesk-test", "info", &buf))
	defer obs.SetLogger(prev)

	Logging(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if _, ok := entry["user_id"]; ok {
		t.Fatalf("unexpected user_id: %+v", entry)
	}
}

func TestSpoofedForwardedForStillRateLimited(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := ClientIP(nil)(RequestID(RateLimit(base, 2, 1)))

	limited := 0
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.1.0.%d", i))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited < 18 {
		t.Fatalf("expected the peer to be limited regardless of X-Forwarded-For, limited=%d", limited)
	}
}

func TestResolveClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	cases := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"untrusted peer ignores header", "203.0.113.7:1", "1.2.3.4", "203.0.113.7"},
		{"trusted peer uses header", "10.0.0.5:1", "198.51.100.9", "198.51.100.9"},
		{"rightmost untrusted hop wins", "10.0.0.5:1", "6.6.6.6, 198.51.100.9, 10.0.0.7", "198.51.100.9"},
		{"trusted peer without header", "10.0.0.5:1", "", "10.0.0.5"},
		{"garbage hop stops the walk", "10.0.0.5:1", "1.1.1.1, junk", "10.0.0.5"},
		{"all hops trusted", "10.0.0.5:1", "10.9.9.9, 10.0.0.7", "10.9.9.9"},
		{"ipv6 peer", "[2001:db8::1]:443", "1.2.3.4", "2001:db8::1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := resolveClientIP(req, trusted); got != tc.want {
				t.Fatalf("resolveClientIP() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDeviceUsesResolvedIP(t *testing.T) {
	var got string
	handler := ClientIP(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = device(r, "laptop").IP
	}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got != "203.0.113.7" {
		t.Fatalf("audit ip must come from the peer, got %q", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy", "Cache-Control"} {
		if rr.Header().Get(h) == "" {
			t.Fatalf("missing %s", h)
		}
	}
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := CORS([]string{"https://app.example.com/"})(next)

	preflight := httptest.NewRequest(http.MethodOptions, "/v1/auth/login", nil)
	preflight.Header.Set("Origin", "https://app.example.com")
	preflight.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, preflight)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" || rr.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentialed CORS headers, got %v", rr.Header())
	}
	if !strings.Contains(rr.Header().Get("Access-Control-Allow-Headers"), refreshHeader) {
		t.Fatalf("refresh header must be allowed")
	}

	foreign := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	foreign.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, foreign)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected allow origin for foreign site")
	}

	local := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	local.Header.Set("Origin", "http://localhost:3000")
	rr = httptest.NewRecorder()
	CORS(nil)(next).ServeHTTP(rr, local)
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("localhost must be allowed without configured origins")
	}
}

func TestMaxBodyBytesRejectsLargeBody(t *testing.T) {
	handler := MaxBodyBytes(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		bind(w, r, &req, false)
	}), 16)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"`+strings.Repeat("a", 64)+`"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}
