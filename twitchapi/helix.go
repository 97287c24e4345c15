// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// for user resolution and live stream status, using an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"

	"github.com/onnwee/trackerbot/tracker"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// HelixClient provides the methods needed for live status tracking.
type HelixClient struct {
	BaseURL    string
	ClientID   string
	Tokens     oauth2.TokenSource
	HTTPClient *http.Client
	// MaxTries bounds retries of 429 and 5xx responses. Zero means 3.
	MaxTries uint
}

// User is a Helix user.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// Stream is a live Helix stream.
type Stream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	UserName     string    `json:"user_name"`
	GameName     string    `json:"game_name"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

// Thumbnail returns the stream preview URL at the given size.
func (s Stream) Thumbnail(width, height int) string {
	r := strings.NewReplacer("{width}", strconv.Itoa(width), "{height}", strconv.Itoa(height))
	return r.Replace(s.ThumbnailURL)
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultBaseURL
}

// GetUser resolves a login name. A login Twitch does not know returns tracker.ErrNotFound.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (User, error) {
	if login == "" {
		return User{}, fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.get(ctx, "/users", url.Values{"login": {login}}, &body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, fmt.Errorf("user %q: %w", login, tracker.ErrNotFound)
	}
	return body.Data[0], nil
}

// GetStream returns the live stream of userID, or nil when the user is offline.
func (hc *HelixClient) GetStream(ctx context.Context, userID string) (*Stream, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "/streams", url.Values{"user_id": {userID}}, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return &body.Data[0], nil
}

func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	tries := hc.MaxTries
	if tries == 0 {
		tries = 3
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, hc.do(ctx, path, q, out)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
	return err
}

func (hc *HelixClient) do(ctx context.Context, path string, q url.Values, out any) error {
	if hc.Tokens == nil {
		return backoff.Permanent(errors.New("twitch token source not configured"))
	}
	tok, err := hc.Tokens.Token()
	if err != nil {
		return backoff.Permanent(fmt.Errorf("twitch app token: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+path+"?"+q.Encode(), nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := hc.http().Do(req)
	if err != nil {
		return fmt.Errorf("%w: helix %s: %w", tracker.ErrTransientSource, path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: helix %s: %s", tracker.ErrTransientSource, path, resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("helix %s: %w", path, tracker.ErrNotFound))
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return backoff.Permanent(fmt.Errorf("helix %s failed: %s: %s", path, resp.Status, string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode helix %s: %w", path, err))
	}
	return nil
}
