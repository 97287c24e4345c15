package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// memGateway is an in-memory Gateway that counts calls.
type memGateway struct {
	mu       sync.Mutex
	records  map[Kind]map[string]Record
	inserts  int
	replaces int
	deletes  int
	failAll  error
}

func newMemGateway() *memGateway {
	return &memGateway{records: make(map[Kind]map[string]Record)}
}

func (g *memGateway) LoadAll(_ context.Context, kind Kind) ([]Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failAll != nil {
		return nil, g.failAll
	}
	out := make([]Record, 0, len(g.records[kind]))
	for _, rec := range g.records[kind] {
		out = append(out, rec)
	}
	return out, nil
}

func (g *memGateway) Insert(_ context.Context, rec Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inserts++
	if g.failAll != nil {
		return g.failAll
	}
	if g.records[rec.Kind] == nil {
		g.records[rec.Kind] = make(map[string]Record)
	}
	if _, ok := g.records[rec.Kind][rec.Name]; ok {
		return fmt.Errorf("duplicate %s", rec.Name)
	}
	g.records[rec.Kind][rec.Name] = rec
	return nil
}

func (g *memGateway) Replace(_ context.Context, kind Kind, name string, rec Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replaces++
	if g.failAll != nil {
		return g.failAll
	}
	if g.records[kind] == nil {
		g.records[kind] = make(map[string]Record)
	}
	delete(g.records[kind], name)
	g.records[kind][rec.Name] = rec
	return nil
}

func (g *memGateway) Delete(_ context.Context, kind Kind, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deletes++
	if g.failAll != nil {
		return g.failAll
	}
	delete(g.records[kind], name)
	return nil
}

func (g *memGateway) put(rec Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.records[rec.Kind] == nil {
		g.records[rec.Kind] = make(map[string]Record)
	}
	g.records[rec.Kind][rec.Name] = rec
}

func (g *memGateway) record(kind Kind, name string) (Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[kind][name]
	return rec, ok
}

func (g *memGateway) names(kind Kind) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for name := range g.records[kind] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (g *memGateway) calls() (int, int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inserts, g.replaces, g.deletes
}

type sentMessage struct {
	Channel string
	ID      string
	Text    string
	Card    *Card
}

// fakeSurface is a Surface keeping messages in memory.
type fakeSurface struct {
	mu        sync.Mutex
	nextID    int
	messages  map[string]sentMessage
	sends     []sentMessage
	edits     []sentMessage
	deleted   []string
	failSends map[string]int
	editErr   error
	missing   map[string]bool
	perms     map[string]Permissions
	lookupErr error
}

var errSendFailed = errors.New("send failed")

func newFakeSurface() *fakeSurface {
	return &fakeSurface{
		messages:  make(map[string]sentMessage),
		failSends: make(map[string]int),
		missing:   make(map[string]bool),
		perms:     make(map[string]Permissions),
	}
}

func (s *fakeSurface) Send(_ context.Context, channel, text string, card *Card) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missing[channel] {
		s.sends = append(s.sends, sentMessage{Channel: channel, Text: text, Card: card})
		return "", errSendFailed
	}
	if n := s.failSends[channel]; n > 0 {
		s.failSends[channel] = n - 1
		s.sends = append(s.sends, sentMessage{Channel: channel, Text: text, Card: card})
		return "", errSendFailed
	}
	s.nextID++
	m := sentMessage{Channel: channel, ID: fmt.Sprintf("M%d", s.nextID), Text: text, Card: card}
	s.messages[m.ID] = m
	s.sends = append(s.sends, m)
	return m.ID, nil
}

func (s *fakeSurface) Edit(_ context.Context, channel, messageID, text string, card *Card) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editErr != nil {
		return false, s.editErr
	}
	if _, ok := s.messages[messageID]; !ok {
		return false, nil
	}
	m := sentMessage{Channel: channel, ID: messageID, Text: text, Card: card}
	s.messages[messageID] = m
	s.edits = append(s.edits, m)
	return true, nil
}

func (s *fakeSurface) Delete(_ context.Context, _, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, messageID)
	s.deleted = append(s.deleted, messageID)
	return nil
}

func (s *fakeSurface) Permissions(_ context.Context, channel string) (Permissions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return Permissions{}, s.lookupErr
	}
	if p, ok := s.perms[channel]; ok {
		return p, nil
	}
	return Permissions{View: true, Send: true, ReadHistory: true, ManageMessages: true, AddReactions: true}, nil
}

func (s *fakeSurface) ChannelExists(_ context.Context, channel string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return false, s.lookupErr
	}
	return !s.missing[channel], nil
}

func (s *fakeSurface) forget(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, messageID)
}

func (s *fakeSurface) counts() (sends, edits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends), len(s.edits)
}

func (s *fakeSurface) sendsTo(channel string) []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentMessage
	for _, m := range s.sends {
		if m.Channel == channel {
			out = append(out, m)
		}
	}
	return out
}

// metricState mirrors a "high-water metric" source such as a player score.
type metricState struct {
	Value float64 `json:"value"`
}

// metricSource replays scripted readings. Unknown names fail Lookup.
type metricSource struct {
	desc Descriptor

	mu       sync.Mutex
	known    map[string]bool
	readings []float64
	events   []Event
	pollErr  error
	polls    int
	block    chan struct{}
	disposed []string
}

func newMetricSource(binding bool, known ...string) *metricSource {
	m := &metricSource{
		desc:  Descriptor{Kind: "metric", Title: "Metric", Period: time.Minute, Binding: binding, FoldCase: true},
		known: make(map[string]bool),
	}
	for _, k := range known {
		m.known[k] = true
	}
	return m
}

func (m *metricSource) Descriptor() Descriptor { return m.desc }

func (m *metricSource) Lookup(_ context.Context, name string) (string, metricState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known[name] {
		return "", metricState{}, ErrNotFound
	}
	return name, metricState{}, nil
}

func (m *metricSource) Poll(ctx context.Context, sub Subject[metricState]) (metricState, []Event, error) {
	m.mu.Lock()
	block := m.block
	m.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return sub.State, nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	if m.pollErr != nil {
		return sub.State, nil, m.pollErr
	}
	if len(m.events) > 0 {
		evs := m.events
		m.events = nil
		return sub.State, evs, nil
	}
	if len(m.readings) == 0 {
		return sub.State, nil, nil
	}
	next := m.readings[0]
	m.readings = m.readings[1:]
	old := sub.State.Value
	state := metricState{Value: next}
	if old == 0 || next < old+0.5 {
		return state, nil, nil
	}
	card := &Card{Title: sub.Name, Description: fmt.Sprintf("%.2f -> %.2f", old, next)}
	return state, []Event{MajorEvent(card, fmt.Sprintf("%s reached %.2f", sub.Name, next))}, nil
}

func (m *metricSource) Dispose(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed = append(m.disposed, name)
}

func (m *metricSource) URL(name string) string { return "https://metrics.example/" + name }

func (m *metricSource) pollCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

type testEnv struct {
	hub     *Hub
	clock   *clockwork.FakeClock
	gateway *memGateway
	surface *fakeSurface
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:   clockwork.NewFakeClock(),
		gateway: newMemGateway(),
		surface: newFakeSurface(),
	}
	env.hub = NewHub(Options{
		Gateway:       env.gateway,
		Surface:       env.surface,
		Clock:         env.clock,
		StaggerWindow: 20 * time.Minute,
		Workers:       4,
		PollTimeout:   -1,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = env.hub.Close(ctx)
	})
	return env
}

func (env *testEnv) install(t *testing.T, src *metricSource) *Registry[metricState] {
	t.Helper()
	var reg *Registry[metricState]
	_, err := env.hub.Install(func(h *Hub) (Handle, error) {
		reg = NewRegistry[metricState](h, src)
		return reg, nil
	})
	require.NoError(t, err)
	return reg
}

// waitTimers blocks until the fake clock has exactly n pending timers.
func waitTimers(t *testing.T, fc *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fc.BlockUntilContext(ctx, n))
}
