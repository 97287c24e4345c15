// Package twitchgroup keeps one summary card per channel listing which of the
// channel's Twitch subscriptions are live, busiest first. The card is edited in
// place whenever the list changes.
package twitchgroup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/trackerbot/sources/twitchlive"
	"github.com/onnwee/trackerbot/tracker"
)

// Kind is the subject kind served by this package.
const Kind tracker.Kind = "twitchgroup"

const (
	color = 0x6441A4
	// maxFields is the most streams a single card lists.
	maxFields   = 25
	nameRunes   = 18
	gameRunes   = 25
	nobodyLive  = "Nobody is streaming."
	streamerURL = "https://www.twitch.tv/"
)

// Roster reads the Twitch subjects subscribed in a channel.
// *tracker.Registry[twitchlive.State] implements it.
type Roster interface {
	Snapshot(channel string) []tracker.Subject[twitchlive.State]
}

// State remembers a digest of the card last shown in each channel.
type State struct {
	Cards map[string]string `json:"cards,omitempty"`
}

// Source renders the summary cards from the Twitch registry's state. It makes
// no requests of its own.
type Source struct {
	roster Roster
	period time.Duration
	clock  clockwork.Clock
}

// New returns a source refreshing every period (default one minute).
func New(roster Roster, period time.Duration, clock clockwork.Clock) *Source {
	if period <= 0 {
		period = time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Source{roster: roster, period: period, clock: clock}
}

// Factory installs the group registry on a hub. The twitch kind must already
// be installed.
func Factory(period time.Duration) tracker.Factory {
	return func(h *tracker.Hub) (tracker.Handle, error) {
		handle, err := h.Handle(twitchlive.Kind)
		if err != nil {
			return nil, fmt.Errorf("twitchgroup needs the twitch tracker: %w", err)
		}
		roster, ok := handle.(Roster)
		if !ok {
			return nil, fmt.Errorf("twitch handle %T cannot list subjects", handle)
		}
		return tracker.NewRegistry[State](h, New(roster, period, h.Scheduler().Clock())), nil
	}
}

func (s *Source) Descriptor() tracker.Descriptor {
	return tracker.Descriptor{Kind: Kind, Title: "Twitch summary", Period: s.period, Binding: true, FoldCase: true, Color: color}
}

// Lookup accepts any non-empty label; the group is defined by the channels
// subscribed to it.
func (s *Source) Lookup(_ context.Context, name string) (string, State, error) {
	canonical := s.Descriptor().Normalize(name)
	if canonical == "" {
		return "", State{}, fmt.Errorf("%w: empty group name", tracker.ErrInvalidName)
	}
	return canonical, State{}, nil
}

// Poll emits one Major event per channel whose list of live streams changed
// since the card was last shown there.
func (s *Source) Poll(_ context.Context, sub tracker.Subject[State]) (State, []tracker.Event, error) {
	channels := make([]string, 0, len(sub.Channels))
	for ch := range sub.Channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	next := State{Cards: make(map[string]string, len(channels))}
	var events []tracker.Event
	for _, ch := range channels {
		live := s.live(ch)
		digest := digestOf(live)
		next.Cards[ch] = digest
		if sub.State.Cards[ch] == digest {
			continue
		}
		ev := tracker.MajorEvent(s.card(sub.Name, live), fallback(live))
		ev.Channel = ch
		events = append(events, ev)
	}
	return next, events, nil
}

type stream struct {
	login   string
	display string
	game    string
	viewers int
}

func (s *Source) live(channel string) []stream {
	var out []stream
	for _, sub := range s.roster.Snapshot(channel) {
		if !sub.State.Live {
			continue
		}
		display := sub.State.DisplayName
		if display == "" {
			display = sub.Name
		}
		out = append(out, stream{login: sub.Name, display: display, game: sub.State.Game, viewers: sub.State.Viewers})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].viewers != out[j].viewers {
			return out[i].viewers > out[j].viewers
		}
		return out[i].login < out[j].login
	})
	return out
}

func digestOf(live []stream) string {
	h := sha256.New()
	for _, st := range live {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\n", st.login, st.display, st.game, st.viewers)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Source) card(group string, live []stream) *tracker.Card {
	c := &tracker.Card{
		Title:     "Twitch live summary",
		Color:     color,
		Footer:    "Twitch group " + group,
		Timestamp: s.clock.Now().UTC(),
	}
	if len(live) == 0 {
		c.Description = nobodyLive
		return c
	}
	for i, st := range live {
		if i == maxFields {
			c.Description = fmt.Sprintf("%d more live", len(live)-maxFields)
			break
		}
		value := fmt.Sprintf("**[%d viewers](%s%s)**", st.viewers, streamerURL, st.login)
		if st.game != "" {
			value += "\n" + clip(st.game, gameRunes)
		}
		c.AddField(clip(st.display, nameRunes), value, true)
	}
	return c
}

func fallback(live []stream) string {
	if len(live) == 0 {
		return nobodyLive
	}
	parts := make([]string, len(live))
	for i, st := range live {
		parts[i] = fmt.Sprintf("%s (%d)", st.display, st.viewers)
	}
	return "Live now: " + strings.Join(parts, ", ")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
