// Package osuapi is a small client for the osu! v1 API (get_user, get_beatmaps,
// get_scores) used by the performance tracker.
package osuapi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/trackerbot/tracker"
)

// DefaultBaseURL is the osu! website root.
const DefaultBaseURL = "https://osu.ppy.sh"

// Client calls the osu! v1 API with a single API key.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// MaxTries bounds retries of 429 and 5xx responses. Zero means 3.
	MaxTries uint
}

// User is a get_user row. Numbers arrive as strings.
type User struct {
	ID       string      `json:"user_id"`
	Username string      `json:"username"`
	PPRaw    string      `json:"pp_raw"`
	PPRank   string      `json:"pp_rank"`
	Country  string      `json:"country"`
	Events   []UserEvent `json:"events"`
}

// UserEvent is a recent-activity entry.
type UserEvent struct {
	BeatmapID    string `json:"beatmap_id"`
	BeatmapsetID string `json:"beatmapset_id"`
	DisplayHTML  string `json:"display_html"`
}

// PP parses the raw performance points, 0 when absent.
func (u User) PP() float64 { return parseFloat(u.PPRaw) }

// AvatarURL is the user's avatar image.
func (u User) AvatarURL() string { return "https://a.ppy.sh/" + u.ID }

// ProfileURL links to the user's profile.
func ProfileURL(name string) string { return DefaultBaseURL + "/u/" + name }

// Beatmap is a get_beatmaps row.
type Beatmap struct {
	ID               string `json:"beatmap_id"`
	SetID            string `json:"beatmapset_id"`
	Artist           string `json:"artist"`
	Title            string `json:"title"`
	Version          string `json:"version"`
	Mode             string `json:"mode"`
	DifficultyRating string `json:"difficultyrating"`
}

// Stars is the difficulty rounded to two decimals.
func (b Beatmap) Stars() float64 { return round2(parseFloat(b.DifficultyRating)) }

// URL links to the beatmap page.
func (b Beatmap) URL() string { return DefaultBaseURL + "/b/" + b.ID }

// CoverURL is the beatmap set's large thumbnail.
func (b Beatmap) CoverURL() string { return "https://b.ppy.sh/thumb/" + b.SetID + "l.jpg" }

// Score is a get_scores row.
type Score struct {
	Score     string `json:"score"`
	MaxCombo  string `json:"maxcombo"`
	Count50   string `json:"count50"`
	Count100  string `json:"count100"`
	Count300  string `json:"count300"`
	CountMiss string `json:"countmiss"`
	CountKatu string `json:"countkatu"`
	CountGeki string `json:"countgeki"`
	Rank      string `json:"rank"`
	PP        string `json:"pp"`
}

// Accuracy returns the play's accuracy in percent for the given game mode
// (0 standard, 1 taiko, 2 catch, 3 mania).
func (s Score) Accuracy(mode int) float64 {
	n50, n100, n300 := parseFloat(s.Count50), parseFloat(s.Count100), parseFloat(s.Count300)
	miss, katu, geki := parseFloat(s.CountMiss), parseFloat(s.CountKatu), parseFloat(s.CountGeki)
	var acc float64
	switch mode {
	case 0:
		hits := n50 + n100 + n300 + miss
		if hits == 0 {
			return 0
		}
		acc = (n50*50 + n100*100 + n300*300) / (hits * 300)
	case 1:
		hits := miss + n100 + n300
		if hits == 0 {
			return 0
		}
		acc = (n100*0.5 + n300) / hits
	case 2:
		fruits := n50 + n100 + n300 + katu + miss
		if fruits == 0 {
			return 0
		}
		acc = (n50 + n100 + n300) / fruits
	case 3:
		hits := n50 + n100 + n300 + miss + katu + geki
		if hits == 0 {
			return 0
		}
		acc = (n50*50 + n100*100 + n300*300 + katu*200 + geki*300) / (hits * 300)
	default:
		return 0
	}
	return round2(acc * 100)
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return DefaultBaseURL
}

// GetUser fetches a user by name. Unknown users return tracker.ErrNotFound.
func (c *Client) GetUser(ctx context.Context, name string) (User, error) {
	if name == "" {
		return User{}, fmt.Errorf("user name empty")
	}
	var users []User
	if err := c.fetch(ctx, "/api/get_user", map[string]string{"u": name, "type": "string", "event_days": "1"}, &users); err != nil {
		return User{}, err
	}
	if len(users) == 0 {
		return User{}, fmt.Errorf("osu user %q: %w", name, tracker.ErrNotFound)
	}
	return users[0], nil
}

// GetBeatmap fetches one beatmap.
func (c *Client) GetBeatmap(ctx context.Context, id string) (Beatmap, error) {
	var maps []Beatmap
	if err := c.fetch(ctx, "/api/get_beatmaps", map[string]string{"b": id, "a": "1"}, &maps); err != nil {
		return Beatmap{}, err
	}
	if len(maps) == 0 {
		return Beatmap{}, fmt.Errorf("beatmap %s: %w", id, tracker.ErrNotFound)
	}
	return maps[0], nil
}

// GetScore fetches the user's best score on a beatmap.
func (c *Client) GetScore(ctx context.Context, beatmapID, user, mode string) (Score, error) {
	var scores []Score
	params := map[string]string{"b": beatmapID, "u": user, "type": "string", "limit": "1"}
	if mode != "" {
		params["m"] = mode
	}
	if err := c.fetch(ctx, "/api/get_scores", params, &scores); err != nil {
		return Score{}, err
	}
	if len(scores) == 0 {
		return Score{}, fmt.Errorf("score %s/%s: %w", beatmapID, user, tracker.ErrNotFound)
	}
	return scores[0], nil
}

func (c *Client) fetch(ctx context.Context, path string, params map[string]string, out any) error {
	if c.APIKey == "" {
		return errors.New("osu api key empty")
	}
	tries := c.MaxTries
	if tries == 0 {
		tries = 3
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		rb := requests.URL(c.base()).Path(path).Param("k", c.APIKey).ToJSON(out)
		for k, v := range params {
			rb = rb.Param(k, v)
		}
		if c.HTTPClient != nil {
			rb = rb.Client(c.HTTPClient)
		}
		err := rb.Fetch(ctx)
		switch {
		case err == nil:
			return struct{}{}, nil
		case requests.HasStatusErr(err, http.StatusTooManyRequests, 500, 502, 503, 504):
			return struct{}{}, fmt.Errorf("%w: osu %s: %w", tracker.ErrTransientSource, path, err)
		case requests.HasStatusErr(err, http.StatusNotFound):
			return struct{}{}, backoff.Permanent(fmt.Errorf("osu %s: %w", path, tracker.ErrNotFound))
		case ctx.Err() != nil:
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if requests.HasStatusErr(err, clientErrors...) {
			return struct{}{}, backoff.Permanent(fmt.Errorf("osu %s: %w", path, err))
		}
		// Transport failure.
		return struct{}{}, fmt.Errorf("%w: osu %s: %w", tracker.ErrTransientSource, path, err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
	return err
}

var clientErrors = func() []int {
	out := make([]int, 0, 100)
	for code := 400; code < 500; code++ {
		out = append(out, code)
	}
	return out
}()

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
