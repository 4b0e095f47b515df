package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSMiddleware(t *testing.T) {
	handler := CORSMiddleware(DefaultCORSConfig())(okHandler())

	tests := []struct {
		name           string
		method         string
		origin         string
		wantStatus     int
		wantCORSHeader bool
	}{
		{"no origin", "GET", "", http.StatusOK, false},
		{"with origin", "GET", "http://localhost:5173", http.StatusOK, true},
		{"preflight request", "OPTIONS", "http://localhost:5173", http.StatusNoContent, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/emails", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}

			corsHeader := w.Header().Get("Access-Control-Allow-Origin")
			if tt.wantCORSHeader && corsHeader != tt.origin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", corsHeader, tt.origin)
			}
			if !tt.wantCORSHeader && corsHeader != "" {
				t.Errorf("unexpected CORS header: %s", corsHeader)
			}
		})
	}
}

func TestCORSRestrictedOrigins(t *testing.T) {
	cfg := DefaultCORSConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	handler := CORSMiddleware(cfg)(okHandler())

	req := httptest.NewRequest("GET", "/fetch_emails", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got CORS header %q", got)
	}

	req = httptest.NewRequest("GET", "/fetch_emails", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allowed origin CORS header = %q", got)
	}
}

func TestCORSPreflightHeaders(t *testing.T) {
	handler := CORSMiddleware(DefaultCORSConfig())(okHandler())

	req := httptest.NewRequest("OPTIONS", "/api/v1/emails", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	for _, h := range []string{
		"Access-Control-Allow-Origin",
		"Access-Control-Allow-Methods",
		"Access-Control-Allow-Headers",
		"Access-Control-Max-Age",
	} {
		if w.Header().Get(h) == "" {
			t.Errorf("missing %s", h)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, 2) // 2 req/sec with burst of 2
	defer rl.Close()

	if !rl.Allow("127.0.0.1") {
		t.Error("first request should be allowed")
	}
	if !rl.Allow("127.0.0.1") {
		t.Error("second request should be allowed (burst)")
	}
	if rl.Allow("127.0.0.1") {
		t.Error("third request should be rate limited")
	}
	if !rl.Allow("192.168.1.1") {
		t.Error("different IP should be allowed")
	}
}

func TestRateLimiterEvictIdle(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Close()

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.2")

	rl.evictIdle(time.Now().Add(time.Minute))

	rl.mu.Lock()
	n := len(rl.limiters)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("limiters after eviction = %d, want 0", n)
	}

	// An evicted client starts with a fresh bucket.
	if !rl.Allow("10.0.0.1") {
		t.Error("request after eviction should be allowed")
	}
}

func TestRateLimiterCloseConcurrent(t *testing.T) {
	rl := NewRateLimiter(10, 10)

	// Concurrent Close calls must not panic.
	const n = 50
	start := make(chan struct{})
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			<-start
			rl.Close()
			done <- struct{}{}
		}()
	}
	close(start)
	for i := 0; i < n; i++ {
		<-done
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 1) // Very restrictive for testing
	defer rl.Close()
	handler := RateLimitMiddleware(rl)(okHandler())

	req1 := httptest.NewRequest("GET", "/test", nil)
	req1.RemoteAddr = "127.0.0.1:1234"
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req1)

	if w1.Code != http.StatusOK {
		t.Errorf("first request status = %d, want %d", w1.Code, http.StatusOK)
	}

	// Same host from another port shares the bucket.
	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.RemoteAddr = "127.0.0.1:5678"
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)

	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}
	if w2.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header on rate limited response")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		realIP     string
		want       string
	}{
		{"host and port", "203.0.113.7:4000", "", "203.0.113.7"},
		{"ipv6", "[2001:db8::1]:4000", "", "2001:db8::1"},
		{"no port", "203.0.113.7", "", "203.0.113.7"},
		{"real ip header ignored", "127.0.0.1:4000", "198.51.100.2", "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
