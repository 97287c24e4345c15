package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		username       string
		password       string
		token          string
		reqUsername    string
		reqPassword    string
		reqToken       string
		expectedStatus int
	}{
		{
			name:           "no auth configured - allows request",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "valid basic auth",
			username:       "admin",
			password:       "secret123",
			reqUsername:    "admin",
			reqPassword:    "secret123",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid basic auth username",
			username:       "admin",
			password:       "secret123",
			reqUsername:    "wrong",
			reqPassword:    "secret123",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid basic auth password",
			username:       "admin",
			password:       "secret123",
			reqUsername:    "admin",
			reqPassword:    "wrong",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "missing credentials",
			username:       "admin",
			password:       "secret123",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "valid token auth",
			token:          "test-token-12345",
			reqToken:       "test-token-12345",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid token auth",
			token:          "test-token-12345",
			reqToken:       "wrong-token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "token auth takes precedence over basic auth",
			username:       "admin",
			password:       "secret123",
			token:          "test-token-12345",
			reqToken:       "test-token-12345",
			reqUsername:    "wrong",
			reqPassword:    "wrong",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "basic auth still works when a token is configured",
			username:       "admin",
			password:       "secret123",
			token:          "test-token-12345",
			reqUsername:    "admin",
			reqPassword:    "secret123",
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newAuthConfig(AuthOptions{Username: tt.username, Password: tt.password, Token: tt.token})
			handler := adminAuth(cfg)(okHandler())

			req := httptest.NewRequest(http.MethodGet, "/api/kinds", nil)
			if tt.reqUsername != "" || tt.reqPassword != "" {
				req.SetBasicAuth(tt.reqUsername, tt.reqPassword)
			}
			if tt.reqToken != "" {
				req.Header.Set("X-Admin-Token", tt.reqToken)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
			if tt.expectedStatus == http.StatusUnauthorized {
				if auth := rr.Header().Get("WWW-Authenticate"); auth == "" {
					t.Error("expected WWW-Authenticate header on 401 response")
				}
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	cfg := &rateLimiterConfig{
		enabled:       true,
		requestsPerIP: 3,
		window:        100 * time.Millisecond,
	}
	limiter := newIPRateLimiter(context.Background(), cfg)

	for i := 0; i < 3; i++ {
		if !limiter.allow("192.168.1.1") {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if limiter.allow("192.168.1.1") {
		t.Error("request 4 should be denied (rate limit exceeded)")
	}

	time.Sleep(150 * time.Millisecond)

	if !limiter.allow("192.168.1.1") {
		t.Error("request after window expiry should be allowed")
	}
}

func TestRateLimiterDifferentIPs(t *testing.T) {
	cfg := &rateLimiterConfig{
		enabled:       true,
		requestsPerIP: 2,
		window:        1 * time.Second,
	}
	limiter := newIPRateLimiter(context.Background(), cfg)

	for _, ip := range []string{"192.168.1.1", "192.168.1.2"} {
		for i := 0; i < 2; i++ {
			if !limiter.allow(ip) {
				t.Errorf("%s request %d should be allowed", ip, i+1)
			}
		}
	}
	if limiter.allow("192.168.1.1") {
		t.Error("IP1 request 3 should be denied")
	}
	if limiter.allow("192.168.1.2") {
		t.Error("IP2 request 3 should be denied")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	cfg := &rateLimiterConfig{
		enabled:       false,
		requestsPerIP: 1,
		window:        1 * time.Second,
	}
	limiter := newIPRateLimiter(context.Background(), cfg)

	for i := 0; i < 100; i++ {
		if !limiter.allow("192.168.1.1") {
			t.Errorf("request %d should be allowed when rate limiter is disabled", i+1)
		}
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 5, window: 10 * time.Millisecond}
	limiter := newIPRateLimiter(context.Background(), cfg)
	limiter.allow("10.0.0.1")

	time.Sleep(30 * time.Millisecond)
	limiter.cleanup()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.visitors) != 0 {
		t.Errorf("expected stale visitors to be removed, got %d", len(limiter.visitors))
	}
}

func TestNewRateLimiterConfigDefaults(t *testing.T) {
	cfg := newRateLimiterConfig(RateLimitOptions{Enabled: true})
	if cfg.requestsPerIP != 60 || cfg.window != time.Minute {
		t.Errorf("unexpected defaults: %d per %s", cfg.requestsPerIP, cfg.window)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := &rateLimiterConfig{
		enabled:       true,
		requestsPerIP: 2,
		window:        1 * time.Second,
	}
	handler := rateLimitMiddleware(newIPRateLimiter(context.Background(), cfg))(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "192.168.1.1:54321"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("request 3: expected 429, got %d", rr.Code)
	}
	if retryAfter := rr.Header().Get("Retry-After"); retryAfter != "1" {
		t.Errorf("expected Retry-After 1, got %q", retryAfter)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"ipv4 with port", "192.168.1.1:12345", "", "192.168.1.1"},
		{"ipv4 without port", "192.168.1.1", "", "192.168.1.1"},
		{"ipv6 with port", "[2001:db8::1]:12345", "", "2001:db8::1"},
		{"forwarded chain", "10.0.0.1:12345", "203.0.113.1, 10.0.0.2", "203.0.113.1"},
		{"forwarded ipv6 without port", "127.0.0.1:8080", "2001:db8::42", "2001:db8::42"},
		{"forwarded with port", "127.0.0.1:8080", "203.0.113.9:443", "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORSConfig(t *testing.T) {
	tests := []struct {
		name              string
		permissive        bool
		allowedOrigins    []string
		requestOrigin     string
		expectAllowOrigin string
		expectCredentials bool
	}{
		{
			name:              "permissive mode allows all origins",
			permissive:        true,
			requestOrigin:     "https://example.com",
			expectAllowOrigin: "*",
		},
		{
			name:              "restricted mode with matching origin",
			allowedOrigins:    []string{"https://example.com", " https://app.example.com "},
			requestOrigin:     "https://app.example.com",
			expectAllowOrigin: "https://app.example.com",
			expectCredentials: true,
		},
		{
			name:              "restricted mode with non-matching origin",
			allowedOrigins:    []string{"https://example.com"},
			requestOrigin:     "https://evil.com",
			expectAllowOrigin: "",
		},
		{
			name:              "wildcard subdomain matching",
			allowedOrigins:    []string{"*.example.com"},
			requestOrigin:     "https://app.example.com",
			expectAllowOrigin: "https://app.example.com",
			expectCredentials: true,
		},
		{
			name:              "restricted mode without origin header",
			allowedOrigins:    []string{"https://example.com"},
			expectAllowOrigin: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newCORSConfig(CORSOptions{Permissive: tt.permissive, AllowedOrigins: tt.allowedOrigins})
			handler := withCORSConfig(cfg)(okHandler())

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.expectAllowOrigin {
				t.Errorf("expected Allow-Origin %q, got %q", tt.expectAllowOrigin, got)
			}
			if tt.expectCredentials {
				if creds := rr.Header().Get("Access-Control-Allow-Credentials"); creds != "true" {
					t.Error("expected Allow-Credentials: true for restricted mode")
				}
			}
		})
	}
}

func TestCORSPreflightRequest(t *testing.T) {
	cfg := newCORSConfig(CORSOptions{Permissive: true})
	handler := withCORSConfig(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for OPTIONS request")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/kinds", nil)
	req.Header.Set("Origin", "https://example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204 for OPTIONS, got %d", rr.Code)
	}
	if allowMethods := rr.Header().Get("Access-Control-Allow-Methods"); allowMethods == "" {
		t.Error("expected Allow-Methods header on OPTIONS response")
	}
	if allowHeaders := rr.Header().Get("Access-Control-Allow-Headers"); allowHeaders == "" {
		t.Error("expected Allow-Headers header on OPTIONS response")
	}
}

func TestIsOriginAllowed(t *testing.T) {
	tests := []struct {
		name           string
		origin         string
		allowedOrigins []string
		want           bool
	}{
		{"exact match", "https://example.com", []string{"https://example.com", "https://other.com"}, true},
		{"no match", "https://evil.com", []string{"https://example.com"}, false},
		{"wildcard subdomain match", "https://app.example.com", []string{"*.example.com"}, true},
		{"wildcard subdomain deeper match", "https://api.v2.example.com", []string{"*.example.com"}, true},
		{"wildcard matches bare domain", "https://example.com", []string{"*.example.com"}, true},
		{"lookalike domain", "https://badexample.com", []string{"*.example.com"}, false},
		{"http vs https mismatch", "http://example.com", []string{"https://example.com"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isOriginAllowed(tt.origin, tt.allowedOrigins); got != tt.want {
				t.Errorf("isOriginAllowed(%q, %v) = %v, want %v", tt.origin, tt.allowedOrigins, got, tt.want)
			}
		})
	}
}
