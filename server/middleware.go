// Package server middleware for authentication, rate limiting and CORS
package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// authConfig holds admin authentication settings
type authConfig struct {
	adminUsername string
	adminPassword string
	adminToken    string
	enabled       bool
}

func newAuthConfig(opts AuthOptions) *authConfig {
	// Auth is enabled if either basic auth (username+password) or token auth is configured
	enabled := (opts.Username != "" && opts.Password != "") || opts.Token != ""
	if !enabled {
		slog.Warn("Admin authentication not configured - admin endpoints are UNPROTECTED. Set ADMIN_USERNAME+ADMIN_PASSWORD or ADMIN_TOKEN for production")
	}
	return &authConfig{
		adminUsername: opts.Username,
		adminPassword: opts.Password,
		adminToken:    opts.Token,
		enabled:       enabled,
	}
}

// adminAuth protects admin endpoints with Basic Auth or token-based auth
func adminAuth(cfg *authConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth if not configured (dev mode)
			if !cfg.enabled {
				next.ServeHTTP(w, r)
				return
			}

			if cfg.adminToken != "" {
				token := r.Header.Get("X-Admin-Token")
				if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.adminToken)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}

			if cfg.adminUsername != "" && cfg.adminPassword != "" {
				username, password, ok := r.BasicAuth()
				if ok {
					usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(cfg.adminUsername)) == 1
					passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(cfg.adminPassword)) == 1
					if usernameMatch && passwordMatch {
						next.ServeHTTP(w, r)
						return
					}
				}
			}

			w.Header().Set("WWW-Authenticate", `Basic realm="trackerbot admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
		})
	}
}

// rateLimiterConfig holds rate limiting configuration
type rateLimiterConfig struct {
	enabled       bool
	requestsPerIP int           // Max requests per IP per window
	window        time.Duration // Time window for rate limiting
}

func newRateLimiterConfig(opts RateLimitOptions) *rateLimiterConfig {
	cfg := &rateLimiterConfig{
		enabled:       opts.Enabled,
		requestsPerIP: opts.RequestsPerIP,
		window:        opts.Window,
	}
	if cfg.requestsPerIP <= 0 {
		cfg.requestsPerIP = 60
	}
	if cfg.window <= 0 {
		cfg.window = time.Minute
	}
	return cfg
}

// ipRateLimiter implements a simple sliding window rate limiter per IP
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	cfg      *rateLimiterConfig
}

type visitor struct {
	requests  []time.Time
	lastClean time.Time
}

func newIPRateLimiter(ctx context.Context, cfg *rateLimiterConfig) *ipRateLimiter {
	limiter := &ipRateLimiter{
		visitors: make(map[string]*visitor),
		cfg:      cfg,
	}
	go limiter.cleanupLoop(ctx)
	return limiter
}

// cleanupLoop periodically removes stale visitor entries
func (rl *ipRateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, v := range rl.visitors {
		// Remove if no requests in the last 2 windows
		if now.Sub(v.lastClean) > rl.cfg.window*2 {
			delete(rl.visitors, ip)
		}
	}
}

// allow checks if a request from the given IP should be allowed
func (rl *ipRateLimiter) allow(ip string) bool {
	if !rl.cfg.enabled {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, exists := rl.visitors[ip]
	if !exists {
		rl.visitors[ip] = &visitor{requests: []time.Time{now}, lastClean: now}
		return true
	}

	cutoff := now.Add(-rl.cfg.window)
	filtered := v.requests[:0]
	for _, t := range v.requests {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	v.requests = filtered
	v.lastClean = now

	if len(v.requests) >= rl.cfg.requestsPerIP {
		return false
	}
	v.requests = append(v.requests, now)
	return true
}

// retryAfter is the Retry-After value in whole seconds, at least one.
func (rl *ipRateLimiter) retryAfter() string {
	secs := int(rl.cfg.window / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// rateLimitMiddleware rejects clients over their per-window budget with 429
func rateLimitMiddleware(limiter *ipRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !limiter.allow(ip) {
				w.Header().Set("Retry-After", limiter.retryAfter())
				http.Error(w, "Too Many Requests - rate limit exceeded", http.StatusTooManyRequests)
				slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP takes the first X-Forwarded-For hop when present, else RemoteAddr,
// without its port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx >= 0 {
			forwarded = forwarded[:idx]
		}
		ip = strings.TrimSpace(forwarded)
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return strings.Trim(ip, "[]")
}

// corsConfig holds CORS configuration
type corsConfig struct {
	allowedOrigins []string
	permissive     bool // Allow every origin; meant for local development
}

func newCORSConfig(opts CORSOptions) *corsConfig {
	var origins []string
	for _, origin := range opts.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return &corsConfig{allowedOrigins: origins, permissive: opts.Permissive}
}

// withCORSConfig adds CORS headers based on configuration and answers preflights
func withCORSConfig(cfg *corsConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if cfg.permissive {
				w.Header().Set("Access-Control-Allow-Origin", "*")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID")
			} else if origin != "" && isOriginAllowed(origin, cfg.allowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// isOriginAllowed checks if an origin is in the allowed list
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if origin == allowed {
			return true
		}
		// Support wildcard subdomains (e.g., "*.example.com"); the bare domain matches too
		if strings.HasPrefix(allowed, "*.") {
			domain := allowed[2:]
			if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
				return true
			}
		}
	}
	return false
}
