// Package server exposes the admin HTTP API over the tracker hub: health,
// readiness, metrics and subscription management. Admin routes sit behind
// token or Basic auth plus a per-IP rate limit, and every request carries a
// correlation ID into its context for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/trackerbot/config"
	"github.com/onnwee/trackerbot/telemetry"
	"github.com/onnwee/trackerbot/tracker"
)

// Options wires the router to the hub and its protection settings.
type Options struct {
	Hub *tracker.Hub
	// Ping checks the backing database; nil when running on the memory store.
	Ping func(ctx context.Context) error

	Auth      AuthOptions
	RateLimit RateLimitOptions
	CORS      CORSOptions
}

// AuthOptions configures admin authentication. Empty values disable it.
type AuthOptions struct {
	Username string
	Password string
	Token    string
}

// RateLimitOptions configures the per-IP limiter applied to admin routes.
type RateLimitOptions struct {
	Enabled       bool
	RequestsPerIP int
	Window        time.Duration
}

// CORSOptions configures cross-origin access to the API.
type CORSOptions struct {
	Permissive     bool
	AllowedOrigins []string
}

// OptionsFromConfig maps the service configuration onto router options.
func OptionsFromConfig(cfg *config.Config, hub *tracker.Hub, ping func(ctx context.Context) error) Options {
	return Options{
		Hub:  hub,
		Ping: ping,
		Auth: AuthOptions{
			Username: cfg.AdminUsername,
			Password: cfg.AdminPassword,
			Token:    cfg.AdminToken,
		},
		RateLimit: RateLimitOptions{
			Enabled:       cfg.RateLimitEnabled,
			RequestsPerIP: cfg.RateLimitPerIP,
			Window:        cfg.RateLimitWindow,
		},
		CORS: CORSOptions{
			Permissive:     cfg.CORSPermissive,
			AllowedOrigins: cfg.CORSAllowedOrigins,
		},
	}
}

// NewRouter returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewRouter(ctx context.Context, opts Options) http.Handler {
	authCfg := newAuthConfig(opts.Auth)
	limiter := newIPRateLimiter(ctx, newRateLimiterConfig(opts.RateLimit))
	h := NewHandlers(opts.Hub, opts.Ping)

	r := chi.NewRouter()
	r.Use(withCORSConfig(newCORSConfig(opts.CORS)))
	r.Use(withCorrelation)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(adminAuth(authCfg))
		r.Use(rateLimitMiddleware(limiter))

		r.Get("/kinds", h.HandleKinds)
		r.Get("/kinds/{kind}/subjects", h.HandleSubjects)
		r.Route("/kinds/{kind}/subjects/{name}/channels/{channel}", func(r chi.Router) {
			r.Post("/", h.HandleSubscribe)
			r.Delete("/", h.HandleUnsubscribe)
			r.Put("/notification", h.HandleSetNotification)
		})
		r.Get("/channels/{channel}/subscriptions", h.HandleChannelSubscriptions)
		r.Get("/channels/{channel}/summary", h.HandleChannelSummary)
		r.Post("/admin/merge", h.HandleMerge)
	})
	return r
}

// withCorrelation reuses or generates X-Correlation-ID, opens a server span and
// records the matched route and response status on it.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		// The route pattern is only known once chi has matched it.
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				span.SetAttributes(telemetry.HTTPRouteAttr(pattern))
			}
		}
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
