// Package tracker is the orchestration engine: it keeps one Registry per subject
// kind, polls every subject on its own staggered timer, classifies what the
// sources report into Minor and Major events and delivers them to chat channels,
// editing status cards in place where the kind supports it.
//
// Sources, chat platforms and storage are plugged in through the Source, Surface
// and Gateway interfaces.
package tracker

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Kind is the type tag of a subject ("twitch", "youtube", ...).
type Kind string

// Subject is one tracked external target together with its subscriptions.
// Channels maps a channel id to an optional notification override.
// Bindings maps a channel id to the message currently showing the status card.
type Subject[S any] struct {
	Name     string            `json:"name"`
	Channels map[string]string `json:"channels"`
	Bindings map[string]string `json:"bindings,omitempty"`
	State    S                 `json:"state"`
}

func (s Subject[S]) clone() Subject[S] {
	out := s
	out.Channels = cloneMap(s.Channels)
	out.Bindings = cloneMap(s.Bindings)
	return out
}

// Record is the persisted form of a subject, independent of its state type.
type Record struct {
	Kind      Kind              `json:"kind"`
	Name      string            `json:"name"`
	Channels  map[string]string `json:"channels"`
	Bindings  map[string]string `json:"bindings,omitempty"`
	State     json.RawMessage   `json:"state,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Descriptor carries the static parameters of a subject kind.
type Descriptor struct {
	Kind  Kind
	Title string
	// Period between two polls of the same subject.
	Period time.Duration
	// Binding enables edit-in-place delivery of Major events.
	Binding bool
	// FoldCase marks identities as case-insensitive at the source.
	FoldCase bool
	// Color is a hint for card rendering (0xRRGGBB).
	Color int
}

// Normalize returns the canonical identity for name under this descriptor.
func (d Descriptor) Normalize(name string) string {
	name = strings.TrimSpace(name)
	if d.FoldCase {
		name = strings.ToLower(strings.TrimPrefix(name, "@"))
	}
	return name
}

// Source is implemented once per subject kind. Lookup validates a new identity
// against the external service and returns its canonical name and initial state.
// Poll fetches fresh data and returns the new state together with the events it
// implies; the returned state must already include the watermark for those events.
type Source[S any] interface {
	Descriptor() Descriptor
	Lookup(ctx context.Context, name string) (string, S, error)
	Poll(ctx context.Context, sub Subject[S]) (S, []Event, error)
}

// Disposer is implemented by sources that keep per-subject resources.
type Disposer interface {
	Dispose(name string)
}

// Linker is implemented by sources that can link a subject in summaries.
type Linker interface {
	URL(name string) string
}

// Gateway is the document store used by registries. Every call is treated as
// atomic and independent from calls for other subjects.
type Gateway interface {
	LoadAll(ctx context.Context, kind Kind) ([]Record, error)
	Insert(ctx context.Context, rec Record) error
	// Replace overwrites the record stored under name; rec.Name may differ to rename it.
	Replace(ctx context.Context, kind Kind, name string, rec Record) error
	Delete(ctx context.Context, kind Kind, name string) error
}

// Permissions is what the bot may do in a channel.
type Permissions struct {
	View           bool
	Send           bool
	ReadHistory    bool
	ManageMessages bool
	AddReactions   bool
}

// Deliverable reports whether the minimum set for delivery is present.
func (p Permissions) Deliverable() bool { return p.View && p.Send && p.ReadHistory }

// Surface is the chat platform used for delivery.
type Surface interface {
	Send(ctx context.Context, channel, text string, card *Card) (string, error)
	// Edit returns false with a nil error when the message no longer exists.
	Edit(ctx context.Context, channel, messageID, text string, card *Card) (bool, error)
	Delete(ctx context.Context, channel, messageID string) error
	Permissions(ctx context.Context, channel string) (Permissions, error)
	ChannelExists(ctx context.Context, channel string) (bool, error)
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
