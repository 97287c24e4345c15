// Command trackerbot is the main entrypoint for the tracker service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the subject store (Postgres, SQLite or memory) and migrates it.
//   - Connects the delivery surface (Discord bot or Twitch chat).
//   - Installs one registry per enabled tracker kind and starts polling.
//   - Exposes the admin HTTP API with /healthz, /readyz and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/onnwee/trackerbot/config"
	"github.com/onnwee/trackerbot/db"
	"github.com/onnwee/trackerbot/discord"
	"github.com/onnwee/trackerbot/osuapi"
	"github.com/onnwee/trackerbot/server"
	"github.com/onnwee/trackerbot/sources/osutrack"
	"github.com/onnwee/trackerbot/sources/pagewatch"
	"github.com/onnwee/trackerbot/sources/twitchgroup"
	"github.com/onnwee/trackerbot/sources/twitchlive"
	"github.com/onnwee/trackerbot/sources/youtubefeed"
	"github.com/onnwee/trackerbot/store"
	"github.com/onnwee/trackerbot/telemetry"
	"github.com/onnwee/trackerbot/tracker"
	"github.com/onnwee/trackerbot/twitchapi"
	"github.com/onnwee/trackerbot/twitchchat"
	"github.com/onnwee/trackerbot/youtubeapi"
)

func main() {
	if err := run(); err != nil {
		slog.Error("trackerbot exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	slog.SetDefault(newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat))
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("trackerbot", "1.0.0")
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	defer shutdownTracing()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, ping, closeStore, err := openGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	surface, closeSurface, err := openSurface(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSurface()

	hub := tracker.NewHub(tracker.Options{
		Gateway:       gateway,
		Surface:       surface,
		StaggerWindow: cfg.StaggerWindow,
		Workers:       cfg.MaxConcurrentPolls,
		PollTimeout:   cfg.PollTimeout,
	})

	factories, err := buildFactories(ctx, cfg, newHTTPClient(cfg.PollTimeout))
	if err != nil {
		return err
	}
	for _, factory := range factories {
		if _, err := hub.Install(factory); err != nil {
			return err
		}
	}

	// The HTTP server comes up before loading so probes can answer while the
	// registries hydrate; /readyz reports not ready until Start returns.
	srvErr := make(chan error, 1)
	go func() {
		handler := server.NewRouter(ctx, server.OptionsFromConfig(cfg, hub, ping))
		srvErr <- server.Start(ctx, cfg.HTTPAddr, handler)
	}()

	if err := hub.Start(ctx); err != nil {
		slog.Error("some trackers failed to load", slog.Any("err", err))
	}
	slog.Info("trackers started", slog.Int("kinds", len(hub.Handles())))

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			stop()
			closeHub(hub)
			return fmt.Errorf("http server: %w", err)
		}
	}
	slog.Info("shutting down")
	closeHub(hub)
	return nil
}

func closeHub(hub *tracker.Hub) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := hub.Close(ctx); err != nil {
		slog.Warn("trackers did not stop cleanly", slog.Any("err", err))
	}
}

// newLogger builds the process logger. Defaults: level=info, format=text.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	unknown := false
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		unknown = true
	}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	logger := slog.New(handler)
	if unknown {
		logger.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	return logger
}

// openGateway opens the subject store selected by DB_DRIVER. The returned ping
// is nil for the memory store.
func openGateway(ctx context.Context, cfg *config.Config) (tracker.Gateway, func(context.Context) error, func(), error) {
	if cfg.DBDriver == db.DriverMemory {
		slog.Warn("using in-memory store; subscriptions are lost on restart")
		return store.NewMemory(), nil, func() {}, nil
	}

	database, err := db.Connect(ctx, cfg.DBDriver, cfg.DBDsn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open db: %w", err)
	}
	closer := func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}
	if err := migrate(ctx, database, cfg.DBDriver); err != nil {
		closer()
		return nil, nil, nil, err
	}
	gw := store.NewSQL(database, cfg.DBDriver)
	return gw, gw.Ping, closer, nil
}

// migrate applies versioned migrations on Postgres and falls back to the
// embedded idempotent schema when they cannot run. SQLite only uses the latter.
func migrate(ctx context.Context, database *sql.DB, driver string) error {
	slog.Info("running database migrations", slog.String("component", "db_migrate"), slog.String("driver", driver))
	if driver == db.DriverPostgres {
		err := db.RunMigrations(database)
		if err == nil {
			return nil
		}
		slog.Warn("versioned migrations failed, attempting fallback to embedded schema",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
	}
	if err := db.Migrate(ctx, database, driver); err != nil {
		return fmt.Errorf("failed to migrate db: %w", err)
	}
	return nil
}

// openSurface connects the delivery surface chosen by DELIVERY_SURFACE.
func openSurface(ctx context.Context, cfg *config.Config) (tracker.Surface, func(), error) {
	switch cfg.DeliverySurface {
	case config.SurfaceDiscord:
		s, err := discord.New(cfg.DiscordToken)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Open(ctx); err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Warn("discord close", slog.Any("err", err))
			}
		}, nil
	case config.SurfaceTwitch:
		s, err := twitchchat.New(cfg.TwitchBotUsername, cfg.TwitchOAuthToken)
		if err != nil {
			return nil, nil, err
		}
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := s.Run(runCtx); err != nil {
				slog.Error("twitch chat stopped", slog.Any("err", err))
			}
		}()
		return s, func() {
			cancel()
			<-done
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported DELIVERY_SURFACE %q", cfg.DeliverySurface)
	}
}

// newHTTPClient is the client shared by the source adapters. Outgoing calls
// are traced once an exporter is configured.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = tracker.DefaultPollTimeout
	}
	transport := http.DefaultTransport
	if telemetry.IsTracingEnabled() {
		transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// buildFactories returns one registry factory per enabled tracker kind, in
// install order.
func buildFactories(ctx context.Context, cfg *config.Config, client *http.Client) ([]tracker.Factory, error) {
	var out []tracker.Factory
	for _, kind := range cfg.EnabledKinds() {
		switch kind {
		case config.KindTwitch:
			tokens, err := twitchapi.NewAppTokenSource(context.WithValue(ctx, oauth2.HTTPClient, client),
				cfg.TwitchClientID, cfg.TwitchClientSecret, twitchapi.DefaultTokenURL)
			if err != nil {
				return nil, err
			}
			helix := &twitchapi.HelixClient{
				BaseURL:    twitchapi.DefaultBaseURL,
				ClientID:   cfg.TwitchClientID,
				Tokens:     tokens,
				HTTPClient: client,
			}
			out = append(out, twitchlive.Factory(helix, cfg.TwitchPollInterval))
		case config.KindYouTube:
			// The API key is only applied by the library's own transport, so
			// the shared client is not passed here.
			yt, err := youtubeapi.New(ctx, cfg.YouTubeAPIKey)
			if err != nil {
				return nil, fmt.Errorf("youtube client: %w", err)
			}
			out = append(out, youtubefeed.Factory(yt, cfg.YouTubePollPeriod))
		case config.KindOsu:
			osu := &osuapi.Client{
				BaseURL:    osuapi.DefaultBaseURL,
				APIKey:     cfg.OsuAPIKey,
				HTTPClient: client,
			}
			out = append(out, osutrack.Factory(osu, cfg.OsuPollPeriod))
		case config.KindPage:
			fetcher := &pagewatch.Fetcher{Client: client, XPath: cfg.PageWatchXPath}
			out = append(out, pagewatch.Factory(fetcher, cfg.PageWatchPeriod))
		case config.KindTwitchGroup:
			// EnabledKinds lists it after twitch, so the twitch registry exists.
			out = append(out, twitchgroup.Factory(cfg.TwitchGroupPeriod))
		default:
			return nil, errors.New("unknown tracker kind " + kind)
		}
		slog.Info("tracker enabled", slog.String("kind", kind))
	}
	return out, nil
}
