// Package discord delivers tracker events to Discord text channels. Cards are
// rendered as embeds and status cards are edited in place.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/trackerbot/tracker"
)

// Discord API limits.
const (
	maxContent     = 2000
	maxTitle       = 256
	maxDescription = 4096
	maxFields      = 25
	maxFieldName   = 256
	maxFieldValue  = 1024
	maxFooter      = 2048
)

// session is the part of *discordgo.Session the surface uses.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
}

var _ tracker.Surface = (*Surface)(nil)

// Surface implements tracker.Surface on a bot session.
type Surface struct {
	dg   *discordgo.Session
	sess session
	self string
	log  *slog.Logger
}

// New creates a bot session for token. Call Open before delivering.
func New(token string) (*Surface, error) {
	if token == "" {
		return nil, errors.New("discord token empty")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds
	return &Surface{dg: dg, sess: dg, log: slog.Default().With(slog.String("component", "discord"))}, nil
}

// Open connects the gateway and records the bot's own user id.
func (s *Surface) Open(ctx context.Context) error {
	if s.dg == nil {
		return nil
	}
	if err := s.dg.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	if s.dg.State != nil && s.dg.State.User != nil {
		s.self = s.dg.State.User.ID
	}
	if s.self == "" {
		u, err := s.dg.User("@me", discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("discord self user: %w", err)
		}
		s.self = u.ID
	}
	s.log.Info("discord connected", slog.String("user_id", s.self))
	return nil
}

// Close disconnects the gateway.
func (s *Surface) Close() error {
	if s.dg == nil {
		return nil
	}
	return s.dg.Close()
}

// Send posts text with the card as an embed and returns the message id.
func (s *Surface) Send(ctx context.Context, channel, text string, card *tracker.Card) (string, error) {
	msg := &discordgo.MessageSend{Content: truncate(text, maxContent)}
	if card != nil {
		msg.Embeds = []*discordgo.MessageEmbed{Embed(card)}
	}
	m, err := s.sess.ChannelMessageSendComplex(channel, msg, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord send to %s: %w", channel, err)
	}
	return m.ID, nil
}

// Edit rewrites a posted message. An unknown message reports false, nil.
func (s *Surface) Edit(ctx context.Context, channel, messageID, text string, card *tracker.Card) (bool, error) {
	edit := discordgo.NewMessageEdit(channel, messageID).SetContent(truncate(text, maxContent))
	if card != nil {
		edit = edit.SetEmbed(Embed(card))
	}
	if _, err := s.sess.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		if hasCode(err, discordgo.ErrCodeUnknownMessage) {
			return false, nil
		}
		return false, fmt.Errorf("discord edit %s/%s: %w", channel, messageID, err)
	}
	return true, nil
}

// Delete removes a message; one that is already gone is not an error.
func (s *Surface) Delete(ctx context.Context, channel, messageID string) error {
	if err := s.sess.ChannelMessageDelete(channel, messageID, discordgo.WithContext(ctx)); err != nil {
		if hasCode(err, discordgo.ErrCodeUnknownMessage) {
			return nil
		}
		return fmt.Errorf("discord delete %s/%s: %w", channel, messageID, err)
	}
	return nil
}

// Permissions reads the bot's effective permissions, from the state cache when
// the channel is cached and over REST otherwise.
func (s *Surface) Permissions(ctx context.Context, channel string) (tracker.Permissions, error) {
	p, err := s.sess.UserChannelPermissions(s.self, channel, discordgo.WithContext(ctx))
	if err != nil {
		return tracker.Permissions{}, fmt.Errorf("discord permissions %s: %w", channel, err)
	}
	return permissionsOf(p), nil
}

// ChannelExists reports false when the channel or its guild is gone or the bot
// lost access to it.
func (s *Surface) ChannelExists(ctx context.Context, channel string) (bool, error) {
	if _, err := s.sess.Channel(channel, discordgo.WithContext(ctx)); err != nil {
		if gone(err) {
			return false, nil
		}
		return false, fmt.Errorf("discord channel %s: %w", channel, err)
	}
	return true, nil
}

func permissionsOf(p int64) tracker.Permissions {
	if p&discordgo.PermissionAdministrator != 0 {
		return tracker.Permissions{View: true, Send: true, ReadHistory: true, ManageMessages: true, AddReactions: true}
	}
	return tracker.Permissions{
		View:           p&discordgo.PermissionViewChannel != 0,
		Send:           p&discordgo.PermissionSendMessages != 0,
		ReadHistory:    p&discordgo.PermissionReadMessageHistory != 0,
		ManageMessages: p&discordgo.PermissionManageMessages != 0,
		AddReactions:   p&discordgo.PermissionAddReactions != 0,
	}
}

func restError(err error) *discordgo.RESTError {
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) {
		return rerr
	}
	return nil
}

func hasCode(err error, codes ...int) bool {
	rerr := restError(err)
	if rerr == nil || rerr.Message == nil {
		return false
	}
	for _, c := range codes {
		if rerr.Message.Code == c {
			return true
		}
	}
	return false
}

func gone(err error) bool {
	if hasCode(err, discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeMissingAccess, discordgo.ErrCodeUnknownGuild) {
		return true
	}
	rerr := restError(err)
	return rerr != nil && rerr.Response != nil && rerr.Response.StatusCode == http.StatusNotFound
}

// Embed converts a card, clamping every part to Discord's limits.
func Embed(c *tracker.Card) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Type:        discordgo.EmbedTypeRich,
		Title:       truncate(c.Title, maxTitle),
		URL:         c.URL,
		Description: truncate(c.Description, maxDescription),
		Color:       c.Color,
	}
	if !c.Timestamp.IsZero() {
		e.Timestamp = c.Timestamp.UTC().Format(time.RFC3339)
	}
	if c.Author != "" {
		e.Author = &discordgo.MessageEmbedAuthor{Name: truncate(c.Author, maxTitle), URL: c.AuthorURL, IconURL: c.AuthorIcon}
	}
	if c.Thumbnail != "" {
		e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: c.Thumbnail}
	}
	if c.Image != "" {
		e.Image = &discordgo.MessageEmbedImage{URL: c.Image}
	}
	if c.Footer != "" {
		e.Footer = &discordgo.MessageEmbedFooter{Text: truncate(c.Footer, maxFooter)}
	}
	for i, f := range c.Fields {
		if i == maxFields {
			break
		}
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{
			Name:   truncate(f.Name, maxFieldName),
			Value:  truncate(f.Value, maxFieldValue),
			Inline: f.Inline,
		})
	}
	return e
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
