// Package youtubeapi wraps the YouTube Data API for the uploads tracker:
// channel lookup and listing uploads newer than a watermark. Requests are
// authenticated with a plain API key.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/trackerbot/tracker"
)

// MaxResults caps one search page.
const MaxResults = 20

// Client wraps the YouTube Data API service.
type Client struct {
	svc *yt.Service
}

// Channel is the subset of channel metadata used in cards.
type Channel struct {
	ID        string
	Title     string
	Thumbnail string
}

// Video is one upload.
type Video struct {
	ID           string
	Title        string
	Description  string
	ChannelID    string
	ChannelTitle string
	Thumbnail    string
	PublishedAt  time.Time
}

// URL is the watch link of v.
func (v Video) URL() string { return "https://www.youtube.com/watch?v=" + v.ID }

// ChannelURL links to a channel page.
func ChannelURL(id string) string { return "https://www.youtube.com/channel/" + id }

// New builds a client authenticated with apiKey. Extra options (endpoint,
// HTTP client) are appended after the key.
func New(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("youtube api key empty")
	}
	all := append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := yt.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// Channel looks up a channel by id.
func (c *Client) Channel(ctx context.Context, id string) (Channel, error) {
	if id == "" {
		return Channel{}, fmt.Errorf("channel id empty")
	}
	res, err := c.svc.Channels.List([]string{"snippet"}).Id(id).Context(ctx).Do()
	if err != nil {
		return Channel{}, classify("channels.list", err)
	}
	if len(res.Items) == 0 || res.Items[0].Snippet == nil {
		return Channel{}, fmt.Errorf("channel %q: %w", id, tracker.ErrNotFound)
	}
	sn := res.Items[0].Snippet
	return Channel{ID: res.Items[0].Id, Title: sn.Title, Thumbnail: thumb(sn.Thumbnails)}, nil
}

// VideosSince lists uploads of channelID published strictly after after, oldest first.
func (c *Client) VideosSince(ctx context.Context, channelID string, after time.Time) ([]Video, error) {
	call := c.svc.Search.List([]string{"snippet", "id"}).
		ChannelId(channelID).
		Type("video").
		Order("date").
		MaxResults(MaxResults).
		Context(ctx)
	if !after.IsZero() {
		call = call.PublishedAfter(after.UTC().Format(time.RFC3339))
	}
	res, err := call.Do()
	if err != nil {
		return nil, classify("search.list", err)
	}
	out := make([]Video, 0, len(res.Items))
	for _, it := range res.Items {
		if it.Id == nil || it.Id.VideoId == "" || it.Snippet == nil {
			continue
		}
		published, err := time.Parse(time.RFC3339, it.Snippet.PublishedAt)
		if err != nil || !published.After(after) {
			continue
		}
		out = append(out, Video{
			ID:           it.Id.VideoId,
			Title:        it.Snippet.Title,
			Description:  it.Snippet.Description,
			ChannelID:    it.Snippet.ChannelId,
			ChannelTitle: it.Snippet.ChannelTitle,
			Thumbnail:    thumb(it.Snippet.Thumbnails),
			PublishedAt:  published,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PublishedAt.Before(out[j].PublishedAt) })
	return out, nil
}

func thumb(t *yt.ThumbnailDetails) string {
	if t == nil {
		return ""
	}
	for _, th := range []*yt.Thumbnail{t.High, t.Medium, t.Default} {
		if th != nil && th.Url != "" {
			return th.Url
		}
	}
	return ""
}

func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound:
			return fmt.Errorf("youtube %s: %w", op, tracker.ErrNotFound)
		case gerr.Code == http.StatusForbidden, gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
			// 403 is what the API returns for exhausted quota.
			return fmt.Errorf("%w: youtube %s: %w", tracker.ErrTransientSource, op, err)
		}
		return fmt.Errorf("youtube %s: %w", op, err)
	}
	return fmt.Errorf("%w: youtube %s: %w", tracker.ErrTransientSource, op, err)
}
