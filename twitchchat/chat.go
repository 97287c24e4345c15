package twitchchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/onnwee/trackerbot/tracker"
)

// maxLine is the Twitch chat message limit.
const maxLine = 500

var errNotConnected = errors.New("twitch chat not connected")

var _ tracker.Surface = (*Surface)(nil)

// ircClient is the part of *twitch.Client the surface uses.
type ircClient interface {
	Join(channels ...string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
	OnConnect(callback func())
}

// Surface delivers notifications as chat lines over Twitch IRC.
type Surface struct {
	client    ircClient
	connected atomic.Bool
	log       *slog.Logger

	mu     sync.Mutex
	joined map[string]bool
}

// New builds an IRC client for the bot account. Run connects it.
func New(username, oauth string) (*Surface, error) {
	if username == "" || oauth == "" {
		return nil, fmt.Errorf("missing twitch env: require TWITCH_BOT_USERNAME, TWITCH_OAUTH_TOKEN")
	}
	if !strings.HasPrefix(oauth, "oauth:") {
		oauth = "oauth:" + oauth
	}
	return newSurface(twitch.NewClient(username, oauth)), nil
}

func newSurface(c ircClient) *Surface {
	s := &Surface{
		client: c,
		log:    slog.Default().With(slog.String("component", "twitchchat")),
		joined: make(map[string]bool),
	}
	c.OnConnect(func() {
		s.connected.Store(true)
		s.log.Info("twitch chat connected")
	})
	return s
}

// Run keeps the IRC connection open until ctx is cancelled.
func (s *Surface) Run(ctx context.Context) error {
	// Handle context cancellation by closing the client
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		if err := s.client.Disconnect(); err != nil {
			s.log.Debug("twitch chat disconnect", slog.Any("err", err))
		}
		close(done)
	}()

	err := s.client.Connect()
	s.connected.Store(false)
	if errors.Is(err, twitch.ErrClientDisconnected) {
		err = nil
	}
	if err != nil {
		s.log.Error("twitch chat connect error", slog.Any("err", err))
	}
	<-done
	return err
}

// Connected reports whether the IRC session is up.
func (s *Surface) Connected() bool { return s.connected.Load() }

func (s *Surface) Send(_ context.Context, channel, text string, card *tracker.Card) (string, error) {
	if !s.connected.Load() {
		return "", errNotConnected
	}
	line := Render(text, card)
	if line == "" {
		return "", errors.New("empty message")
	}
	ch := channelName(channel)
	s.join(ch)
	s.client.Say(ch, line)
	return uuid.NewString(), nil
}

// Edit posts the update as a new line; the previous line stays in chat.
func (s *Surface) Edit(ctx context.Context, channel, _ string, text string, card *tracker.Card) (bool, error) {
	if _, err := s.Send(ctx, channel, text, card); err != nil {
		return false, err
	}
	return true, nil
}

// Delete is a no-op; chat lines cannot be taken back.
func (s *Surface) Delete(context.Context, string, string) error { return nil }

// Permissions grants everything while connected. Chat bans surface as silent drops.
func (s *Surface) Permissions(context.Context, string) (tracker.Permissions, error) {
	if !s.connected.Load() {
		return tracker.Permissions{}, errNotConnected
	}
	return tracker.Permissions{View: true, Send: true, ReadHistory: true, ManageMessages: true, AddReactions: true}, nil
}

// ChannelExists assumes every channel exists while connected.
func (s *Surface) ChannelExists(context.Context, string) (bool, error) {
	if !s.connected.Load() {
		return false, errNotConnected
	}
	return true, nil
}

func (s *Surface) join(ch string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined[ch] {
		return
	}
	s.joined[ch] = true
	s.client.Join(ch)
}

func channelName(ch string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
}

// Render flattens text and card into one chat line. The text wins when set;
// otherwise the card's title, link and fields are used.
func Render(text string, card *tracker.Card) string {
	line := strings.TrimSpace(text)
	if line == "" && card != nil {
		parts := []string{}
		if card.Title != "" {
			parts = append(parts, card.Title)
		}
		if card.URL != "" {
			parts = append(parts, card.URL)
		}
		for _, f := range card.Fields {
			parts = append(parts, f.Name+": "+f.Value)
		}
		line = strings.Join(parts, " | ")
	}
	line = strings.Join(strings.Fields(line), " ")
	r := []rune(line)
	if len(r) > maxLine {
		line = string(r[:maxLine-1]) + "…"
	}
	return line
}
