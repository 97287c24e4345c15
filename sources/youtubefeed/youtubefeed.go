// Package youtubefeed announces new uploads of YouTube channels.
package youtubefeed

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/trackerbot/tracker"
	"github.com/onnwee/trackerbot/youtubeapi"
)

// Kind is the subject kind served by this package.
const Kind tracker.Kind = "youtube"

const color = 0xFF0000

// API is the part of the YouTube client the source needs.
type API interface {
	Channel(ctx context.Context, id string) (youtubeapi.Channel, error)
	VideosSince(ctx context.Context, channelID string, after time.Time) ([]youtubeapi.Video, error)
}

// State holds the channel metadata and the publish time of the newest
// announced upload.
type State struct {
	Title     string    `json:"title"`
	Thumbnail string    `json:"thumbnail,omitempty"`
	Watermark time.Time `json:"watermark"`
}

// Source announces uploads newer than each channel's watermark.
type Source struct {
	api    API
	period time.Duration
	clock  clockwork.Clock
}

// New returns a source polling every period (default five minutes). A nil
// clock uses the wall clock.
func New(api API, period time.Duration, clock clockwork.Clock) *Source {
	if period <= 0 {
		period = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Source{api: api, period: period, clock: clock}
}

// Factory installs the youtube registry on a hub, sharing the hub's clock.
func Factory(api API, period time.Duration) tracker.Factory {
	return func(h *tracker.Hub) (tracker.Handle, error) {
		return tracker.NewRegistry[State](h, New(api, period, h.Scheduler().Clock())), nil
	}
}

// Descriptor implements tracker.Source. Channel ids are case-sensitive.
func (s *Source) Descriptor() tracker.Descriptor {
	return tracker.Descriptor{Kind: Kind, Title: "YouTube", Period: s.period, Color: color}
}

// URL links the channel page.
func (s *Source) URL(name string) string { return youtubeapi.ChannelURL(name) }

// Lookup validates the channel id. Only uploads after the subscription are announced.
func (s *Source) Lookup(ctx context.Context, name string) (string, State, error) {
	ch, err := s.api.Channel(ctx, name)
	if err != nil {
		return "", State{}, err
	}
	return ch.ID, State{Title: ch.Title, Thumbnail: ch.Thumbnail, Watermark: s.clock.Now().UTC()}, nil
}

// Poll emits one Major event per upload published after the watermark, oldest
// first, and advances the watermark past them.
func (s *Source) Poll(ctx context.Context, sub tracker.Subject[State]) (State, []tracker.Event, error) {
	st := sub.State
	if st.Watermark.IsZero() {
		st.Watermark = s.clock.Now().UTC()
		return st, nil, nil
	}
	videos, err := s.api.VideosSince(ctx, sub.Name, st.Watermark)
	if err != nil {
		return st, nil, err
	}
	var events []tracker.Event
	for _, v := range videos {
		if !v.PublishedAt.After(st.Watermark) {
			continue
		}
		events = append(events, tracker.MajorEvent(s.card(sub.Name, st, v), fmt.Sprintf("New video: %s %s", v.Title, v.URL())))
		st.Watermark = v.PublishedAt
	}
	return st, events, nil
}

func (s *Source) card(channelID string, st State, v youtubeapi.Video) *tracker.Card {
	author := v.ChannelTitle
	if author == "" {
		author = st.Title
	}
	return &tracker.Card{
		Title:       v.Title,
		URL:         v.URL(),
		Description: v.Description,
		Color:       color,
		Author:      author,
		AuthorURL:   youtubeapi.ChannelURL(channelID),
		AuthorIcon:  st.Thumbnail,
		Thumbnail:   st.Thumbnail,
		Image:       v.Thumbnail,
		Footer:      "YouTube",
		Timestamp:   v.PublishedAt,
	}
}
