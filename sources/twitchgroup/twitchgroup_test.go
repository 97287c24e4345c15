package twitchgroup

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/trackerbot/sources/twitchlive"
	"github.com/onnwee/trackerbot/store"
	"github.com/onnwee/trackerbot/tracker"
	"github.com/onnwee/trackerbot/twitchapi"
)

type fakeRoster map[string][]tracker.Subject[twitchlive.State]

func (f fakeRoster) Snapshot(channel string) []tracker.Subject[twitchlive.State] {
	return f[channel]
}

func streamer(name string, live bool, viewers int, game string) tracker.Subject[twitchlive.State] {
	return tracker.Subject[twitchlive.State]{
		Name:  name,
		State: twitchlive.State{DisplayName: strings.ToUpper(name[:1]) + name[1:], Live: live, Viewers: viewers, Game: game},
	}
}

func group(channels ...string) tracker.Subject[State] {
	sub := tracker.Subject[State]{Name: "main", Channels: map[string]string{}}
	for _, ch := range channels {
		sub.Channels[ch] = ""
	}
	return sub
}

func TestDescriptorAndLookup(t *testing.T) {
	src := New(fakeRoster{}, 0, nil)
	d := src.Descriptor()
	assert.Equal(t, Kind, d.Kind)
	assert.True(t, d.Binding)
	assert.Equal(t, time.Minute, d.Period)

	name, _, err := src.Lookup(context.Background(), " Main ")
	require.NoError(t, err)
	assert.Equal(t, "main", name)

	_, _, err = src.Lookup(context.Background(), "  ")
	assert.ErrorIs(t, err, tracker.ErrInvalidName)
}

func TestPollListsLiveStreamsByViewers(t *testing.T) {
	roster := fakeRoster{"C1": {
		streamer("alice", true, 40, "Chess"),
		streamer("bob", false, 0, ""),
		streamer("carol", true, 120, "A game with a really long name indeed"),
	}}
	fc := clockwork.NewFakeClock()
	src := New(roster, time.Minute, fc)

	st, evs, err := src.Poll(context.Background(), group("C1"))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, tracker.Major, ev.Type)
	assert.Equal(t, "C1", ev.Channel)
	assert.Equal(t, "Live now: Carol (120), Alice (40)", ev.Text)
	require.Len(t, ev.Card.Fields, 2)
	assert.Equal(t, "Carol", ev.Card.Fields[0].Name)
	assert.Contains(t, ev.Card.Fields[0].Value, "https://www.twitch.tv/carol")
	assert.Contains(t, ev.Card.Fields[0].Value, "A game with a really long")
	assert.NotContains(t, ev.Card.Fields[0].Value, "name indeed")
	assert.Equal(t, fc.Now().UTC(), ev.Card.Timestamp)
	assert.NotEmpty(t, st.Cards["C1"])

	// Same list: the card stays as it is.
	sub := group("C1")
	sub.State = st
	_, evs, err = src.Poll(context.Background(), sub)
	require.NoError(t, err)
	assert.Empty(t, evs)

	// A viewer count change edits the card.
	roster["C1"][0].State.Viewers = 41
	_, evs, err = src.Poll(context.Background(), sub)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestPollPerChannel(t *testing.T) {
	roster := fakeRoster{
		"C1": {streamer("alice", true, 5, "")},
	}
	src := New(roster, time.Minute, clockwork.NewFakeClock())

	st, evs, err := src.Poll(context.Background(), group("C1", "C2"))
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "C1", evs[0].Channel)
	assert.Equal(t, "C2", evs[1].Channel)
	assert.Equal(t, "Nobody is streaming.", evs[1].Text)
	assert.Equal(t, "Nobody is streaming.", evs[1].Card.Description)
	assert.Len(t, st.Cards, 2)

	// Dropping C2 forgets its card digest.
	sub := group("C1")
	sub.State = st
	st, evs, err = src.Poll(context.Background(), sub)
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Len(t, st.Cards, 1)
}

func TestCardCapsFields(t *testing.T) {
	var subs []tracker.Subject[twitchlive.State]
	for i := 0; i < maxFields+5; i++ {
		subs = append(subs, streamer(fmt.Sprintf("s%02d", i), true, i, ""))
	}
	src := New(fakeRoster{"C1": subs}, time.Minute, clockwork.NewFakeClock())

	_, evs, err := src.Poll(context.Background(), group("C1"))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Len(t, evs[0].Card.Fields, maxFields)
	assert.Equal(t, "5 more live", evs[0].Card.Description)
}

type fakeHelix struct{}

func (fakeHelix) GetUser(_ context.Context, login string) (twitchapi.User, error) {
	return twitchapi.User{ID: "1", Login: login, DisplayName: login}, nil
}

func (fakeHelix) GetStream(context.Context, string) (*twitchapi.Stream, error) { return nil, nil }

func TestFactoryReadsTwitchRegistry(t *testing.T) {
	hub := tracker.NewHub(tracker.Options{Gateway: store.NewMemory(), Clock: clockwork.NewFakeClock()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = hub.Close(ctx)
	})

	_, err := hub.Install(Factory(time.Minute))
	require.ErrorIs(t, err, tracker.ErrUnknownKind)

	twitch, err := hub.Install(twitchlive.Factory(fakeHelix{}, time.Minute))
	require.NoError(t, err)
	require.NoError(t, twitch.Subscribe(context.Background(), "alice", "C1", ""))
	_, err = hub.Install(Factory(time.Minute))
	require.NoError(t, err)

	roster, ok := twitch.(Roster)
	require.True(t, ok)
	subs := roster.Snapshot("C1")
	require.Len(t, subs, 1)
	assert.Equal(t, "alice", subs[0].Name)
	assert.False(t, subs[0].State.Live)
}
