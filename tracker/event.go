package tracker

import "time"

// EventType classifies what a poll produced.
type EventType int

const (
	// Minor events are one-off notifications.
	Minor EventType = iota
	// Major events are status cards, edited in place for binding kinds.
	Major
)

func (t EventType) String() string {
	if t == Major {
		return "major"
	}
	return "minor"
}

// Event is emitted by a Source when it detects new information.
type Event struct {
	Type EventType
	// Text is the notification for Minor events and the fallback text for Major ones.
	Text string
	Card *Card
	// Channel restricts delivery to one subscribed channel when set.
	Channel string
	// Fresh starts a new status card instead of editing the bound one.
	Fresh bool
}

// MinorEvent builds a Minor event.
func MinorEvent(text string) Event { return Event{Type: Minor, Text: text} }

// MajorEvent builds a Major event with a card and its plain-text fallback.
func MajorEvent(card *Card, fallback string) Event {
	return Event{Type: Major, Card: card, Text: fallback}
}

// Card is a platform-neutral rich message.
type Card struct {
	Title       string
	URL         string
	Description string
	Color       int
	Author      string
	AuthorURL   string
	AuthorIcon  string
	Thumbnail   string
	Image       string
	Footer      string
	Timestamp   time.Time
	Fields      []CardField
}

// CardField is one name/value row on a card.
type CardField struct {
	Name   string
	Value  string
	Inline bool
}

// AddField appends a field and returns the card for chaining.
func (c *Card) AddField(name, value string, inline bool) *Card {
	c.Fields = append(c.Fields, CardField{Name: name, Value: value, Inline: inline})
	return c
}
