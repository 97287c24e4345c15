package discord

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/trackerbot/tracker"
)

type fakeSession struct {
	sent    []*discordgo.MessageSend
	edits   []*discordgo.MessageEdit
	deleted []string
	err     error
	perms   int64
	permsAs string
}

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, data)
	return &discordgo.Message{ID: "m1", ChannelID: channelID}, nil
}

func (f *fakeSession) ChannelMessageEditComplex(m *discordgo.MessageEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.edits = append(f.edits, m)
	return &discordgo.Message{ID: m.ID}, nil
}

func (f *fakeSession) ChannelMessageDelete(channelID, messageID string, _ ...discordgo.RequestOption) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeSession) Channel(channelID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &discordgo.Channel{ID: channelID}, nil
}

func (f *fakeSession) UserChannelPermissions(userID, channelID string, _ ...discordgo.RequestOption) (int64, error) {
	f.permsAs = userID
	return f.perms, f.err
}

func restErr(status, code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: "x"},
	}
}

func newSurface(f *fakeSession) *Surface {
	return &Surface{sess: f, self: "bot"}
}

func TestEmbed(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c := &tracker.Card{
		Title: "t", URL: "https://u", Description: "d", Color: 0xFF0000,
		Author: "a", AuthorURL: "https://a", AuthorIcon: "https://i",
		Thumbnail: "https://th", Image: "https://im", Footer: "f", Timestamp: ts,
	}
	c.AddField("k", "v", true)
	e := Embed(c)
	assert.Equal(t, "t", e.Title)
	assert.Equal(t, 0xFF0000, e.Color)
	assert.Equal(t, "2024-01-02T03:04:05Z", e.Timestamp)
	require.NotNil(t, e.Author)
	assert.Equal(t, "https://i", e.Author.IconURL)
	assert.Equal(t, "https://th", e.Thumbnail.URL)
	assert.Equal(t, "https://im", e.Image.URL)
	assert.Equal(t, "f", e.Footer.Text)
	require.Len(t, e.Fields, 1)
	assert.True(t, e.Fields[0].Inline)
}

func TestEmbedClampsLimits(t *testing.T) {
	c := &tracker.Card{Title: strings.Repeat("x", 300)}
	for i := 0; i < 30; i++ {
		c.AddField("n", strings.Repeat("v", 2000), false)
	}
	e := Embed(c)
	assert.Len(t, []rune(e.Title), maxTitle)
	assert.Len(t, e.Fields, maxFields)
	assert.Len(t, []rune(e.Fields[0].Value), maxFieldValue)
	assert.Nil(t, e.Author)
	assert.Empty(t, e.Timestamp)
}

func TestSendAndEdit(t *testing.T) {
	f := &fakeSession{}
	s := newSurface(f)
	ctx := context.Background()

	id, err := s.Send(ctx, "C1", "hello", &tracker.Card{Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, "m1", id)
	require.Len(t, f.sent, 1)
	assert.Len(t, f.sent[0].Embeds, 1)

	found, err := s.Edit(ctx, "C1", "m1", "again", &tracker.Card{Title: "t2"})
	require.NoError(t, err)
	assert.True(t, found)
	require.Len(t, f.edits, 1)
	assert.Equal(t, "again", *f.edits[0].Content)
}

func TestEditUnknownMessage(t *testing.T) {
	f := &fakeSession{err: restErr(http.StatusNotFound, discordgo.ErrCodeUnknownMessage)}
	found, err := newSurface(f).Edit(context.Background(), "C1", "m1", "x", nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEditOtherError(t *testing.T) {
	f := &fakeSession{err: restErr(http.StatusForbidden, discordgo.ErrCodeMissingPermissions)}
	found, err := newSurface(f).Edit(context.Background(), "C1", "m1", "x", nil)
	assert.Error(t, err)
	assert.False(t, found)
}

func TestDeleteIgnoresUnknownMessage(t *testing.T) {
	f := &fakeSession{err: restErr(http.StatusNotFound, discordgo.ErrCodeUnknownMessage)}
	assert.NoError(t, newSurface(f).Delete(context.Background(), "C1", "m1"))
}

func TestChannelExists(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    bool
		wantErr bool
	}{
		{"exists", nil, true, false},
		{"unknown channel", restErr(http.StatusNotFound, discordgo.ErrCodeUnknownChannel), false, false},
		{"missing access", restErr(http.StatusForbidden, discordgo.ErrCodeMissingAccess), false, false},
		{"unknown guild", restErr(http.StatusNotFound, discordgo.ErrCodeUnknownGuild), false, false},
		{"bare 404", &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}, false, false},
		{"network", errors.New("connection reset"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := newSurface(&fakeSession{err: tt.err}).ChannelExists(context.Background(), "C1")
			assert.Equal(t, tt.want, ok)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPermissions(t *testing.T) {
	f := &fakeSession{perms: discordgo.PermissionViewChannel | discordgo.PermissionSendMessages}
	p, err := newSurface(f).Permissions(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, "bot", f.permsAs)
	assert.True(t, p.View)
	assert.True(t, p.Send)
	assert.False(t, p.ReadHistory)
	assert.False(t, p.Deliverable())

	f.perms = discordgo.PermissionAdministrator
	p, err = newSurface(f).Permissions(context.Background(), "C1")
	require.NoError(t, err)
	assert.True(t, p.Deliverable())
	assert.True(t, p.ManageMessages)
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
