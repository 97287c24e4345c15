// Package pagewatch watches a part of a web page and posts a notice when the
// text under the configured XPath changes.
package pagewatch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/trackerbot/tracker"
)

// Kind is the subject kind served by this package.
const Kind tracker.Kind = "page"

const excerptRunes = 200

// PageFetcher is implemented by Fetcher.
type PageFetcher interface {
	Fetch(ctx context.Context, endpoint string) (Page, error)
}

// State is the digest of the watched text plus what the notice shows.
type State struct {
	Digest   string `json:"digest"`
	Title    string `json:"title,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Source posts a notice when a page changes.
type Source struct {
	fetcher PageFetcher
	period  time.Duration
}

// New returns a source polling every period (default one hour).
func New(f PageFetcher, period time.Duration) *Source {
	if period <= 0 {
		period = time.Hour
	}
	return &Source{fetcher: f, period: period}
}

// Factory installs the page registry on a hub.
func Factory(f PageFetcher, period time.Duration) tracker.Factory {
	return func(h *tracker.Hub) (tracker.Handle, error) {
		return tracker.NewRegistry[State](h, New(f, period)), nil
	}
}

// Descriptor implements tracker.Source. URLs are case-sensitive.
func (s *Source) Descriptor() tracker.Descriptor {
	return tracker.Descriptor{Kind: Kind, Title: "Pages", Period: s.period, Color: 0x2F3136}
}

// URL returns the page itself.
func (s *Source) URL(name string) string { return name }

// Lookup accepts absolute http(s) URLs that can be fetched right now.
func (s *Source) Lookup(ctx context.Context, name string) (string, State, error) {
	u, err := url.Parse(name)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", State{}, fmt.Errorf("%w: %q is not an http(s) URL", tracker.ErrInvalidName, name)
	}
	page, err := s.fetcher.Fetch(ctx, u.String())
	if err != nil {
		return "", State{}, err
	}
	return u.String(), stateOf(page), nil
}

// Poll emits a Minor notice when the digest differs from the stored one.
func (s *Source) Poll(ctx context.Context, sub tracker.Subject[State]) (State, []tracker.Event, error) {
	page, err := s.fetcher.Fetch(ctx, sub.Name)
	if err != nil {
		return sub.State, nil, err
	}
	next := stateOf(page)
	if sub.State.Digest == "" || sub.State.Digest == next.Digest {
		return next, nil, nil
	}
	title := next.Title
	if title == "" {
		title = sub.Name
	}
	text := fmt.Sprintf("**%s** changed: %s", title, sub.Name)
	if next.Excerpt != "" {
		text += "\n> " + next.Excerpt
	}
	return next, []tracker.Event{tracker.MinorEvent(text)}, nil
}

func stateOf(p Page) State {
	return State{Digest: p.Digest(), Title: p.Title, Excerpt: excerpt(p.Text), ImageURL: p.ImageURL}
}

func excerpt(s string) string {
	r := []rune(s)
	if len(r) <= excerptRunes {
		return s
	}
	return strings.TrimSpace(string(r[:excerptRunes])) + "…"
}
