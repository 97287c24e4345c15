// Package osutrack reports performance point gains of osu! players.
package osutrack

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/onnwee/trackerbot/osuapi"
	"github.com/onnwee/trackerbot/tracker"
)

// Kind is the subject kind served by this package.
const Kind tracker.Kind = "osu"

// Threshold is the pp gain that triggers an announcement.
const Threshold = 0.5

const color = 0xFF66AA

// API is the part of the osu! client the source needs.
type API interface {
	GetUser(ctx context.Context, name string) (osuapi.User, error)
	GetBeatmap(ctx context.Context, id string) (osuapi.Beatmap, error)
	GetScore(ctx context.Context, beatmapID, user, mode string) (osuapi.Score, error)
}

// State keeps the last seen pp. Zero means no baseline yet.
type State struct {
	UserID string  `json:"user_id"`
	PP     float64 `json:"pp"`
}

// Source reports pp gains of osu! players.
type Source struct {
	api    API
	period time.Duration
	log    *slog.Logger
}

// New returns a source polling every period (default one minute).
func New(api API, period time.Duration) *Source {
	if period <= 0 {
		period = time.Minute
	}
	return &Source{api: api, period: period, log: slog.Default().With(slog.String("component", "osutrack"))}
}

// Factory installs the osu registry on a hub.
func Factory(api API, period time.Duration) tracker.Factory {
	return func(h *tracker.Hub) (tracker.Handle, error) {
		return tracker.NewRegistry[State](h, New(api, period)), nil
	}
}

// Descriptor implements tracker.Source. Player names fold case.
func (s *Source) Descriptor() tracker.Descriptor {
	return tracker.Descriptor{Kind: Kind, Title: "osu!", Period: s.period, FoldCase: true, Color: color}
}

// URL links the player profile.
func (s *Source) URL(name string) string { return osuapi.ProfileURL(name) }

// Lookup resolves the player. The pp baseline is taken on the first poll.
func (s *Source) Lookup(ctx context.Context, name string) (string, State, error) {
	u, err := s.api.GetUser(ctx, name)
	if err != nil {
		return "", State{}, err
	}
	return s.Descriptor().Normalize(name), State{UserID: u.ID}, nil
}

// Poll emits one Major event when pp rose by at least Threshold since the
// last reading.
func (s *Source) Poll(ctx context.Context, sub tracker.Subject[State]) (State, []tracker.Event, error) {
	st := sub.State
	u, err := s.api.GetUser(ctx, sub.Name)
	if err != nil {
		return st, nil, err
	}
	st.UserID = u.ID
	old, cur := st.PP, u.PP()
	st.PP = cur
	if old == 0 || cur < old+Threshold {
		return st, nil, nil
	}
	gain := cur - old
	card := s.card(ctx, sub.Name, u, gain)
	text := fmt.Sprintf("%s gained %.2fpp (now %.2fpp) %s", u.Username, gain, cur, s.URL(sub.Name))
	return st, []tracker.Event{tracker.MajorEvent(card, text)}, nil
}

// card describes the gain; beatmap details from the latest play are added when
// the API can provide them.
func (s *Source) card(ctx context.Context, name string, u osuapi.User, gain float64) *tracker.Card {
	c := &tracker.Card{
		Title:      fmt.Sprintf("%s gained %.2fpp", u.Username, gain),
		URL:        s.URL(name),
		Color:      color,
		Author:     u.Username,
		AuthorURL:  s.URL(name),
		AuthorIcon: u.AvatarURL(),
		Thumbnail:  u.AvatarURL(),
	}
	c.AddField("PP", strconv.FormatFloat(u.PP(), 'f', 2, 64)+fmt.Sprintf(" (+%.2f)", gain), true)
	if u.PPRank != "" {
		c.AddField("Rank", "#"+u.PPRank, true)
	}
	if len(u.Events) == 0 || u.Events[0].BeatmapID == "" {
		return c
	}
	bm, err := s.api.GetBeatmap(ctx, u.Events[0].BeatmapID)
	if err != nil {
		s.log.Debug("beatmap lookup failed", slog.String("subject", name), slog.Any("err", err))
		return c
	}
	c.Title = bm.Artist + " - " + bm.Title
	c.URL = bm.URL()
	c.Description = strconv.FormatFloat(bm.Stars(), 'f', 2, 64) + "*"
	c.Image = bm.CoverURL()
	score, err := s.api.GetScore(ctx, bm.ID, name, bm.Mode)
	if err != nil {
		s.log.Debug("score lookup failed", slog.String("subject", name), slog.Any("err", err))
		return c
	}
	mode, _ := strconv.Atoi(bm.Mode)
	c.AddField("Score", score.Score+" ("+score.MaxCombo+"x)", true)
	c.AddField("Acc", strconv.FormatFloat(score.Accuracy(mode), 'f', 2, 64)+"% "+score.Rank, true)
	if score.PP != "" {
		c.AddField("PP for play", score.PP, true)
	}
	return c
}
