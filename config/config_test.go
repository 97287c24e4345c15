package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DB_DRIVER", "DB_DSN", "TRACKER_STAGGER_WINDOW", "MAX_CONCURRENT_POLLS", "POLL_TIMEOUT",
		"DELIVERY_SURFACE", "DISCORD_TOKEN", "TWITCH_BOT_USERNAME", "TWITCH_OAUTH_TOKEN",
		"TWITCH_CLIENT_ID", "TWITCH_CLIENT_SECRET", "TWITCH_POLL_INTERVAL",
		"YOUTUBE_API_KEY", "YOUTUBE_POLL_INTERVAL", "OSU_API_KEY", "OSU_POLL_INTERVAL",
		"PAGEWATCH_XPATH", "PAGEWATCH_POLL_INTERVAL", "TWITCHGROUP_POLL_INTERVAL", "HTTP_ADDR",
		"ADMIN_USERNAME", "ADMIN_PASSWORD", "ADMIN_TOKEN", "TRACKERS", "LOG_LEVEL", "LOG_FORMAT",
		"RATE_LIMIT_ENABLED", "RATE_LIMIT_REQUESTS_PER_IP", "RATE_LIMIT_WINDOW", "CORS_PERMISSIVE", "CORS_ALLOWED_ORIGINS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, cfg.StaggerWindow)
	assert.Equal(t, 16, cfg.MaxConcurrentPolls)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, SurfaceDiscord, cfg.DeliverySurface)
	assert.Equal(t, "//body", cfg.PageWatchXPath)
	assert.Equal(t, []string{"twitch", "youtube", "osu", "page", "twitchgroup"}, cfg.Trackers)
	assert.Equal(t, time.Minute, cfg.TwitchGroupPeriod)
	assert.True(t, cfg.RateLimitEnabled)
	assert.Equal(t, 60, cfg.RateLimitPerIP)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.False(t, cfg.CORSPermissive)
	assert.Empty(t, cfg.CORSAllowedOrigins)
}

func TestLoadParsesValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_DRIVER", " SQLite ")
	t.Setenv("DB_DSN", ":memory:")
	t.Setenv("TRACKER_STAGGER_WINDOW", "90s")
	t.Setenv("DELIVERY_SURFACE", "Twitch")
	t.Setenv("TRACKERS", "osu,page")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "twitch", cfg.DeliverySurface)
	assert.Equal(t, 90*time.Second, cfg.StaggerWindow)
	assert.Equal(t, []string{"osu", "page"}, cfg.Trackers)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.False(t, cfg.RateLimitEnabled)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRACKER_STAGGER_WINDOW", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			DBDriver:           "memory",
			DeliverySurface:    SurfaceDiscord,
			DiscordToken:       "tok",
			StaggerWindow:      time.Minute,
			MaxConcurrentPolls: 4,
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"unknown driver", func(c *Config) { c.DBDriver = "oracle" }, true},
		{"sqlite needs dsn", func(c *Config) { c.DBDriver = "sqlite" }, true},
		{"discord needs token", func(c *Config) { c.DiscordToken = "" }, true},
		{"twitch needs creds", func(c *Config) { c.DeliverySurface = SurfaceTwitch }, true},
		{"twitch ok", func(c *Config) {
			c.DeliverySurface = SurfaceTwitch
			c.TwitchBotUsername = "bot"
			c.TwitchOAuthToken = "oauth:x"
		}, false},
		{"unknown surface", func(c *Config) { c.DeliverySurface = "irc" }, true},
		{"zero stagger", func(c *Config) { c.StaggerWindow = 0 }, true},
		{"zero workers", func(c *Config) { c.MaxConcurrentPolls = 0 }, true},
		{"rate limit needs a window", func(c *Config) {
			c.RateLimitEnabled = true
			c.RateLimitPerIP = 10
		}, true},
		{"disabled rate limit ignores values", func(c *Config) { c.RateLimitPerIP = 0 }, false},
		{"half admin creds", func(c *Config) { c.AdminUsername = "admin" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEnabledKinds(t *testing.T) {
	c := &Config{Trackers: []string{"twitchgroup", "twitch", " OSU ", "youtube", "page", "page", "bogus"}}
	assert.Equal(t, []string{"page"}, c.EnabledKinds())

	c.TwitchClientID, c.TwitchClientSecret = "id", "secret"
	c.OsuAPIKey = "k"
	c.YouTubeAPIKey = "y"
	assert.Equal(t, []string{"twitch", "osu", "youtube", "page", "twitchgroup"}, c.EnabledKinds())

	c.Trackers = []string{"twitchgroup", "page"}
	assert.Equal(t, []string{"page"}, c.EnabledKinds())
}

func TestAdminEnabled(t *testing.T) {
	c := &Config{}
	assert.False(t, c.AdminEnabled())
	c.AdminToken = "t"
	assert.True(t, c.AdminEnabled())
}
