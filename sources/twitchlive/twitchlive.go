// Package twitchlive tracks Twitch channels going live. Each subject shows one
// status card per channel that is edited while the stream runs.
package twitchlive

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/trackerbot/tracker"
	"github.com/onnwee/trackerbot/twitchapi"
)

// Kind is the subject kind served by this package.
const Kind tracker.Kind = "twitch"

const color = 0x6441A4

// Helix is the part of the Helix client the source needs.
type Helix interface {
	GetUser(ctx context.Context, login string) (twitchapi.User, error)
	GetStream(ctx context.Context, userID string) (*twitchapi.Stream, error)
}

// State is what is remembered about a channel between polls.
type State struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Avatar      string    `json:"avatar,omitempty"`
	Live        bool      `json:"live"`
	StreamID    string    `json:"stream_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	Game        string    `json:"game,omitempty"`
	Viewers     int       `json:"viewers,omitempty"`
	PeakViewers int       `json:"peak_viewers,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

// Source follows the live status of Twitch channels.
type Source struct {
	api    Helix
	period time.Duration
}

// New returns a source polling every period.
func New(api Helix, period time.Duration) *Source {
	if period <= 0 {
		period = time.Minute
	}
	return &Source{api: api, period: period}
}

// Factory installs the twitch registry on a hub.
func Factory(api Helix, period time.Duration) tracker.Factory {
	return func(h *tracker.Hub) (tracker.Handle, error) {
		return tracker.NewRegistry[State](h, New(api, period)), nil
	}
}

// Descriptor implements tracker.Source. Status cards are edited in place.
func (s *Source) Descriptor() tracker.Descriptor {
	return tracker.Descriptor{
		Kind:     Kind,
		Title:    "Twitch",
		Period:   s.period,
		Binding:  true,
		FoldCase: true,
		Color:    color,
	}
}

// URL links the channel.
func (s *Source) URL(name string) string { return "https://www.twitch.tv/" + name }

// Lookup resolves a login to the canonical lowercase name.
func (s *Source) Lookup(ctx context.Context, name string) (string, State, error) {
	u, err := s.api.GetUser(ctx, name)
	if err != nil {
		return "", State{}, err
	}
	return strings.ToLower(u.Login), State{UserID: u.ID, DisplayName: u.DisplayName, Avatar: u.ProfileImageURL}, nil
}

// Poll compares the current stream with the stored state. A new stream posts a
// fresh card, title/game/viewer changes edit it, and going offline edits it one
// last time.
func (s *Source) Poll(ctx context.Context, sub tracker.Subject[State]) (State, []tracker.Event, error) {
	st := sub.State
	if st.UserID == "" {
		u, err := s.api.GetUser(ctx, sub.Name)
		if err != nil {
			return st, nil, err
		}
		st.UserID, st.DisplayName, st.Avatar = u.ID, u.DisplayName, u.ProfileImageURL
	}
	stream, err := s.api.GetStream(ctx, st.UserID)
	if err != nil {
		return st, nil, err
	}

	switch {
	case stream == nil && !st.Live:
		return st, nil, nil

	case stream == nil:
		st.Live = false
		st.Viewers = 0
		ev := tracker.MajorEvent(s.card(sub.Name, st, nil), fmt.Sprintf("%s went offline.", s.display(sub.Name, st)))
		return st, []tracker.Event{ev}, nil

	case !st.Live || stream.ID != st.StreamID:
		st.Live = true
		st.StreamID = stream.ID
		st.Title, st.Game, st.Viewers = stream.Title, stream.GameName, stream.ViewerCount
		st.PeakViewers = stream.ViewerCount
		st.StartedAt = stream.StartedAt
		ev := tracker.MajorEvent(s.card(sub.Name, st, stream), fmt.Sprintf("%s is live: %s %s", s.display(sub.Name, st), st.Title, s.URL(sub.Name)))
		ev.Fresh = true
		return st, []tracker.Event{ev}, nil
	}

	changed := stream.Title != st.Title || stream.GameName != st.Game || stream.ViewerCount != st.Viewers
	st.Title, st.Game, st.Viewers = stream.Title, stream.GameName, stream.ViewerCount
	if st.Viewers > st.PeakViewers {
		st.PeakViewers = st.Viewers
	}
	if !changed {
		return st, nil, nil
	}
	ev := tracker.MajorEvent(s.card(sub.Name, st, stream), fmt.Sprintf("%s is live: %s %s", s.display(sub.Name, st), st.Title, s.URL(sub.Name)))
	return st, []tracker.Event{ev}, nil
}

func (s *Source) display(name string, st State) string {
	if st.DisplayName != "" {
		return st.DisplayName
	}
	return name
}

func (s *Source) card(name string, st State, stream *twitchapi.Stream) *tracker.Card {
	c := &tracker.Card{
		Title:      st.Title,
		URL:        s.URL(name),
		Color:      color,
		Author:     s.display(name, st),
		AuthorURL:  s.URL(name),
		AuthorIcon: st.Avatar,
		Thumbnail:  st.Avatar,
		Timestamp:  st.StartedAt,
	}
	if stream == nil {
		c.Description = "Stream ended"
		c.Footer = "Offline"
		c.AddField("Peak viewers", strconv.Itoa(st.PeakViewers), true)
		return c
	}
	c.Footer = "Live"
	c.Image = stream.Thumbnail(640, 360)
	if st.Game != "" {
		c.AddField("Game", st.Game, true)
	}
	c.AddField("Viewers", strconv.Itoa(st.Viewers), true)
	c.AddField("Peak viewers", strconv.Itoa(st.PeakViewers), true)
	return c
}
