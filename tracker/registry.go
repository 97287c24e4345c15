package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/trackerbot/telemetry"
)

// Handle is the kind-independent view of a Registry used by the Hub and the
// admin API.
type Handle interface {
	Descriptor() Descriptor
	Load(ctx context.Context) error
	Subscribe(ctx context.Context, name, channel, notification string) error
	Unsubscribe(ctx context.Context, name, channel string) (bool, error)
	SetNotification(ctx context.Context, name, channel, text string) error
	MergeCapitalization(ctx context.Context) error
	Subscriptions(channel string) []Subscription
	Subjects() []SubjectInfo
	Count() int
	Close()
}

// Subscription is one (subject, channel) pair.
type Subscription struct {
	Kind         Kind   `json:"kind"`
	Name         string `json:"name"`
	Channel      string `json:"channel"`
	Notification string `json:"notification,omitempty"`
	URL          string `json:"url,omitempty"`
	Bound        bool   `json:"bound,omitempty"`
}

// SubjectInfo summarizes one subject of a kind.
type SubjectInfo struct {
	Kind     Kind     `json:"kind"`
	Name     string   `json:"name"`
	Channels []string `json:"channels"`
	URL      string   `json:"url,omitempty"`
}

type entry[S any] struct {
	mu      sync.Mutex
	sub     Subject[S]
	dirty   bool // state not yet written to the gateway
	removed atomic.Bool
}

// Registry owns every subject of one kind: their subscriptions, their timers
// and their persisted records.
type Registry[S any] struct {
	desc        Descriptor
	source      Source[S]
	gateway     Gateway
	sched       *Scheduler
	disp        *Dispatcher
	log         *slog.Logger
	window      time.Duration
	pollTimeout time.Duration

	mu      sync.RWMutex
	entries map[string]*entry[S]
	mergeMu sync.Mutex
}

// NewRegistry builds the registry for src on the hub's shared scheduler,
// dispatcher and gateway.
func NewRegistry[S any](h *Hub, src Source[S]) *Registry[S] {
	desc := src.Descriptor()
	if desc.Title == "" {
		desc.Title = string(desc.Kind)
	}
	return &Registry[S]{
		desc:        desc,
		source:      src,
		gateway:     h.gateway,
		sched:       h.sched,
		disp:        h.disp,
		log:         h.log.With(slog.String("component", "registry"), slog.String("kind", string(desc.Kind))),
		window:      h.window,
		pollTimeout: h.pollTimeout,
		entries:     make(map[string]*entry[S]),
	}
}

// Descriptor returns the static parameters of the kind.
func (r *Registry[S]) Descriptor() Descriptor { return r.desc }

func (r *Registry[S]) key(name string) string { return string(r.desc.Kind) + "/" + name }

func (r *Registry[S]) get(name string) *entry[S] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// lookup finds a subject by the name as given, then by its normalized form.
func (r *Registry[S]) lookup(name string) *entry[S] {
	if e := r.get(name); e != nil {
		return e
	}
	if n := r.desc.Normalize(name); n != name {
		return r.get(n)
	}
	return nil
}

// Load reads every persisted subject of the kind and arms their pollers spread
// evenly over the stagger window. It is meant to be called once at startup.
func (r *Registry[S]) Load(ctx context.Context) error {
	recs, err := r.gateway.LoadAll(ctx, r.desc.Kind)
	if err != nil {
		telemetry.CountPersistenceError(string(r.desc.Kind), "load")
		return fmt.Errorf("%w: load %s: %w", ErrPersistence, r.desc.Kind, err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })

	names := make([]string, 0, len(recs))
	r.mu.Lock()
	for _, rec := range recs {
		sub, err := decodeSubject[S](rec)
		if err != nil {
			r.log.Error("skipping undecodable record", slog.String("subject", rec.Name), slog.Any("err", err))
			continue
		}
		if len(sub.Channels) == 0 {
			r.log.Warn("skipping record without channels", slog.String("subject", rec.Name))
			continue
		}
		if _, dup := r.entries[rec.Name]; dup {
			continue
		}
		e := &entry[S]{sub: sub}
		r.entries[rec.Name] = e
		names = append(names, rec.Name)
	}
	count := len(r.entries)
	r.mu.Unlock()

	for i, delay := range Stagger(r.window, len(names)) {
		if err := r.arm(names[i], delay); err != nil {
			r.log.Error("failed to arm poller", slog.String("subject", names[i]), slog.Any("err", err))
		}
	}
	telemetry.SetSubjects(string(r.desc.Kind), count)
	r.log.Info("subjects loaded", slog.Int("count", len(names)), slog.Duration("window", r.window))
	return nil
}

func (r *Registry[S]) arm(name string, delay time.Duration) error {
	return r.sched.Arm(r.key(name), r.desc.Period, delay, func(ctx context.Context) { r.poll(ctx, name) })
}

// Subscribe adds channel to the subject, creating the subject after validating
// it against the source when it is not tracked yet. Re-adding a channel is a no-op.
func (r *Registry[S]) Subscribe(ctx context.Context, name, channel, notification string) error {
	if channel == "" {
		return fmt.Errorf("%w: empty channel", ErrInvalidName)
	}
	if e := r.lookup(name); e != nil {
		if ok, err := r.addChannel(ctx, e, channel, notification); ok {
			return err
		}
	}
	name = r.desc.Normalize(name)
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}

	canonical, state, err := r.source.Lookup(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%s %q: %w", r.desc.Title, name, ErrNotFound)
		}
		return fmt.Errorf("look up %s %q: %w", r.desc.Title, name, err)
	}
	if canonical = r.desc.Normalize(canonical); canonical == "" {
		canonical = name
	}

	e := &entry[S]{sub: Subject[S]{
		Name:     canonical,
		Channels: map[string]string{channel: notification},
		State:    state,
	}}
	e.mu.Lock()
	r.mu.Lock()
	if cur, ok := r.entries[canonical]; ok && !cur.removed.Load() {
		r.mu.Unlock()
		e.mu.Unlock()
		if ok, err := r.addChannel(ctx, cur, channel, notification); ok {
			return err
		}
		return fmt.Errorf("%s %q was removed concurrently, retry", r.desc.Title, canonical)
	}
	r.entries[canonical] = e
	count := len(r.entries)
	r.mu.Unlock()

	rec, err := encodeSubject(r.desc.Kind, e.sub)
	if err == nil {
		err = r.gateway.Insert(ctx, rec)
	}
	e.mu.Unlock()

	if aerr := r.arm(canonical, r.desc.Period); aerr != nil {
		r.log.Error("failed to arm poller", slog.String("subject", canonical), slog.Any("err", aerr))
	}
	telemetry.SetSubjects(string(r.desc.Kind), count)
	r.log.Info("subject created", slog.String("subject", canonical), slog.String("channel", channel))
	if err != nil {
		telemetry.CountPersistenceError(string(r.desc.Kind), "insert")
		r.log.Error("failed to persist new subject", slog.String("subject", canonical), slog.Any("err", err))
		return fmt.Errorf("%w: insert %s: %w", ErrPersistence, canonical, err)
	}
	return nil
}

// addChannel reports false when the entry was removed before it could be locked.
func (r *Registry[S]) addChannel(ctx context.Context, e *entry[S], channel, notification string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed.Load() {
		return false, nil
	}
	if _, ok := e.sub.Channels[channel]; ok {
		return true, nil
	}
	e.sub.Channels[channel] = notification
	return true, r.persistLocked(ctx, e, "subscribe")
}

// Unsubscribe removes channel from the subject. Removing the last channel stops
// polling and deletes the record. It reports whether the pair existed.
func (r *Registry[S]) Unsubscribe(ctx context.Context, name, channel string) (bool, error) {
	e := r.lookup(name)
	if e == nil {
		return false, nil
	}
	e.mu.Lock()
	if e.removed.Load() {
		e.mu.Unlock()
		return false, nil
	}
	if _, ok := e.sub.Channels[channel]; !ok {
		e.mu.Unlock()
		return false, nil
	}
	delete(e.sub.Channels, channel)
	delete(e.sub.Bindings, channel)
	if len(e.sub.Channels) > 0 {
		err := r.persistLocked(ctx, e, "unsubscribe")
		e.mu.Unlock()
		return true, err
	}

	stored := e.sub.Name
	e.removed.Store(true)
	r.sched.Cancel(r.key(stored))
	r.mu.Lock()
	if r.entries[stored] == e {
		delete(r.entries, stored)
	}
	count := len(r.entries)
	r.mu.Unlock()
	err := r.gateway.Delete(ctx, r.desc.Kind, stored)
	e.mu.Unlock()

	r.dispose(stored)
	telemetry.SetSubjects(string(r.desc.Kind), count)
	r.log.Info("subject removed", slog.String("subject", stored), slog.String("channel", channel))
	if err != nil {
		telemetry.CountPersistenceError(string(r.desc.Kind), "delete")
		r.log.Error("failed to delete record", slog.String("subject", stored), slog.Any("err", err))
		return true, fmt.Errorf("%w: delete %s: %w", ErrPersistence, stored, err)
	}
	return true, nil
}

// SetNotification replaces the notification override of an existing subscription.
func (r *Registry[S]) SetNotification(ctx context.Context, name, channel, text string) error {
	e := r.lookup(name)
	if e == nil {
		return fmt.Errorf("%s %q: %w", r.desc.Title, name, ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed.Load() {
		return fmt.Errorf("%s %q: %w", r.desc.Title, name, ErrNotFound)
	}
	if _, ok := e.sub.Channels[channel]; !ok {
		return fmt.Errorf("%s %q in channel %s: %w", r.desc.Title, name, channel, ErrNotFound)
	}
	e.sub.Channels[channel] = text
	return r.persistLocked(ctx, e, "notification")
}

// MergeCapitalization folds subjects whose stored names are not in canonical
// form into their canonical record, renaming them when no canonical record
// exists. Kinds without case folding are left untouched. Running it again is a no-op.
func (r *Registry[S]) MergeCapitalization(ctx context.Context) error {
	if !r.desc.FoldCase {
		return nil
	}
	r.mergeMu.Lock()
	defer r.mergeMu.Unlock()

	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		canonical := r.desc.Normalize(name)
		if canonical == name || canonical == "" {
			continue
		}
		if err := r.merge(ctx, name, canonical); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type retired struct{ channel, messageID string }

func (r *Registry[S]) merge(ctx context.Context, from, to string) error {
	dup := r.get(from)
	if dup == nil {
		return nil
	}
	dup.mu.Lock()
	if dup.removed.Load() {
		dup.mu.Unlock()
		return nil
	}
	delay := r.desc.Period
	if dl, ok := r.sched.Deadline(r.key(from)); ok {
		delay = dl.Sub(r.sched.Clock().Now())
	}
	r.sched.Cancel(r.key(from))
	dup.removed.Store(true)

	r.mu.Lock()
	delete(r.entries, from)
	target, exists := r.entries[to]
	var renamed *entry[S]
	if !exists {
		renamed = &entry[S]{sub: dup.sub.clone()}
		renamed.sub.Name = to
		renamed.mu.Lock()
		r.entries[to] = renamed
	}
	r.mu.Unlock()

	if renamed != nil {
		rec, err := encodeSubject(r.desc.Kind, renamed.sub)
		if err == nil {
			err = r.gateway.Replace(ctx, r.desc.Kind, from, rec)
		}
		renamed.mu.Unlock()
		dup.mu.Unlock()
		if aerr := r.arm(to, delay); aerr != nil {
			r.log.Error("failed to arm poller", slog.String("subject", to), slog.Any("err", aerr))
		}
		r.log.Info("subject renamed", slog.String("from", from), slog.String("to", to))
		if err != nil {
			telemetry.CountPersistenceError(string(r.desc.Kind), "rename")
			return fmt.Errorf("%w: rename %s to %s: %w", ErrPersistence, from, to, err)
		}
		return nil
	}

	var retire []retired
	target.mu.Lock()
	for ch, note := range dup.sub.Channels {
		cur, has := target.sub.Channels[ch]
		if !has || (cur == "" && note != "") {
			target.sub.Channels[ch] = note
		}
	}
	for ch, msg := range dup.sub.Bindings {
		if target.sub.Bindings == nil {
			target.sub.Bindings = make(map[string]string)
		}
		if cur, has := target.sub.Bindings[ch]; !has {
			target.sub.Bindings[ch] = msg
		} else if cur != msg {
			retire = append(retire, retired{channel: ch, messageID: msg})
		}
	}
	perr := r.persistLocked(ctx, target, "merge")
	target.mu.Unlock()

	derr := r.gateway.Delete(ctx, r.desc.Kind, from)
	dup.mu.Unlock()
	r.dispose(from)

	for _, m := range retire {
		r.disp.Retire(ctx, m.channel, m.messageID)
	}
	r.mu.RLock()
	telemetry.SetSubjects(string(r.desc.Kind), len(r.entries))
	r.mu.RUnlock()
	r.log.Info("subject merged", slog.String("from", from), slog.String("into", to))
	if derr != nil {
		telemetry.CountPersistenceError(string(r.desc.Kind), "delete")
		derr = fmt.Errorf("%w: delete %s: %w", ErrPersistence, from, derr)
	}
	return errors.Join(perr, derr)
}

// poll runs one cycle for name: fetch, apply the new state, deliver events in
// order, then persist the state if it changed. Errors never leave this function.
func (r *Registry[S]) poll(ctx context.Context, name string) {
	e := r.get(name)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.removed.Load() {
		e.mu.Unlock()
		return
	}
	snap := e.sub.clone()
	e.mu.Unlock()

	kind := string(r.desc.Kind)
	ctx, span := telemetry.StartSpan(ctx, tracerName, "tracker.poll",
		attribute.String("kind", kind), attribute.String("subject", name))
	defer span.End()

	pctx := ctx
	if r.pollTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, r.pollTimeout)
		defer cancel()
	}
	var (
		state  S
		events []Event
		err    error
	)
	telemetry.TimeFunc(telemetry.PollTimer(kind), func() {
		state, events, err = r.source.Poll(pctx, snap)
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrTransientSource, err)
		telemetry.CountPoll(kind, "error")
		telemetry.RecordError(span, err)
		r.log.Warn("poll failed", slog.String("subject", name), slog.Any("err", err))
		return
	}
	telemetry.CountPoll(kind, "ok")

	changed := stateChanged(snap.State, state)
	e.mu.Lock()
	if e.removed.Load() {
		e.mu.Unlock()
		return
	}
	e.sub.State = state
	if changed {
		e.dirty = true
	}
	e.mu.Unlock()

	for _, ev := range events {
		telemetry.CountEvent(kind, ev.Type.String())
		r.deliver(ctx, e, name, ev)
	}
	// A binding written during delivery already carried the new state.
	if err := r.persistDirty(ctx, e, "poll"); err != nil {
		telemetry.RecordError(span, err)
	}
}

func (r *Registry[S]) deliver(ctx context.Context, e *entry[S], name string, ev Event) {
	for _, ch := range r.targets(e, ev) {
		override, ok := r.override(e, ch)
		if !ok {
			continue
		}
		text := composeText(ev, override)
		var err error
		if ev.Type == Major {
			err = r.disp.DeliverMajor(ctx, r, name, ch, ev.Card, text, ev.Fresh)
		} else {
			err = r.disp.DeliverMinor(ctx, r, name, ch, text)
		}
		if err != nil {
			r.log.Debug("delivery failed", slog.String("subject", name), slog.String("channel", ch), slog.Any("err", err))
		}
	}
}

func (r *Registry[S]) targets(e *entry[S], ev Event) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ev.Channel != "" {
		if _, ok := e.sub.Channels[ev.Channel]; ok {
			return []string{ev.Channel}
		}
		return nil
	}
	out := make([]string, 0, len(e.sub.Channels))
	for ch := range e.sub.Channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// override returns the channel's notification text and whether the channel is
// still subscribed.
func (r *Registry[S]) override(e *entry[S], channel string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed.Load() {
		return "", false
	}
	text, ok := e.sub.Channels[channel]
	return text, ok
}

func composeText(ev Event, override string) string {
	switch {
	case override == "":
		return ev.Text
	case ev.Type == Major, ev.Text == "":
		return override
	default:
		return override + "\n" + ev.Text
	}
}

func (r *Registry[S]) binding(name, channel string) (string, bool) {
	e := r.get(name)
	if e == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.sub.Bindings[channel]
	return id, ok && id != ""
}

func (r *Registry[S]) bind(ctx context.Context, name, channel, messageID string) error {
	e := r.get(name)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed.Load() {
		return nil
	}
	if _, ok := e.sub.Channels[channel]; !ok {
		return nil
	}
	if e.sub.Bindings == nil {
		e.sub.Bindings = make(map[string]string)
	}
	e.sub.Bindings[channel] = messageID
	return r.persistLocked(ctx, e, "bind")
}

func (r *Registry[S]) persistDirty(ctx context.Context, e *entry[S], op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dirty {
		return nil
	}
	return r.persistLocked(ctx, e, op)
}

// persistLocked writes the subject back; it never writes a removed subject.
func (r *Registry[S]) persistLocked(ctx context.Context, e *entry[S], op string) error {
	if e.removed.Load() {
		return nil
	}
	rec, err := encodeSubject(r.desc.Kind, e.sub)
	if err == nil {
		err = r.gateway.Replace(ctx, r.desc.Kind, e.sub.Name, rec)
	}
	if err != nil {
		telemetry.CountPersistenceError(string(r.desc.Kind), op)
		r.log.Error("failed to persist subject", slog.String("subject", e.sub.Name), slog.String("op", op), slog.Any("err", err))
		return fmt.Errorf("%w: %s %s: %w", ErrPersistence, op, e.sub.Name, err)
	}
	e.dirty = false
	return nil
}

func (r *Registry[S]) dispose(name string) {
	if d, ok := r.source.(Disposer); ok {
		d.Dispose(name)
	}
}

// Subscriptions lists the subscriptions of channel, sorted by name.
func (r *Registry[S]) Subscriptions(channel string) []Subscription {
	linker, _ := r.source.(Linker)
	r.mu.RLock()
	entries := make([]*entry[S], 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var out []Subscription
	for _, e := range entries {
		e.mu.Lock()
		note, ok := e.sub.Channels[channel]
		_, bound := e.sub.Bindings[channel]
		name := e.sub.Name
		e.mu.Unlock()
		if !ok {
			continue
		}
		s := Subscription{Kind: r.desc.Kind, Name: name, Channel: channel, Notification: note, Bound: bound}
		if linker != nil {
			s.URL = linker.URL(name)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Subjects lists every subject of the kind, sorted by name.
func (r *Registry[S]) Subjects() []SubjectInfo {
	linker, _ := r.source.(Linker)
	r.mu.RLock()
	entries := make([]*entry[S], 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]SubjectInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		info := SubjectInfo{Kind: r.desc.Kind, Name: e.sub.Name}
		for ch := range e.sub.Channels {
			info.Channels = append(info.Channels, ch)
		}
		e.mu.Unlock()
		sort.Strings(info.Channels)
		if linker != nil {
			info.URL = linker.URL(info.Name)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot returns copies of the subjects subscribed in channel, or of every
// subject when channel is empty, sorted by name.
func (r *Registry[S]) Snapshot(channel string) []Subject[S] {
	r.mu.RLock()
	entries := make([]*entry[S], 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var out []Subject[S]
	for _, e := range entries {
		e.mu.Lock()
		_, ok := e.sub.Channels[channel]
		if (ok || channel == "") && !e.removed.Load() {
			out = append(out, e.sub.clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of live subjects.
func (r *Registry[S]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close cancels the timers of every subject. Records are left untouched.
func (r *Registry[S]) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.entries {
		r.sched.Cancel(r.key(name))
	}
}

func encodeSubject[S any](kind Kind, sub Subject[S]) (Record, error) {
	state, err := json.Marshal(sub.State)
	if err != nil {
		return Record{}, fmt.Errorf("encode state of %s: %w", sub.Name, err)
	}
	return Record{
		Kind:      kind,
		Name:      sub.Name,
		Channels:  cloneMap(sub.Channels),
		Bindings:  cloneMap(sub.Bindings),
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func decodeSubject[S any](rec Record) (Subject[S], error) {
	sub := Subject[S]{
		Name:     rec.Name,
		Channels: cloneMap(rec.Channels),
		Bindings: cloneMap(rec.Bindings),
	}
	if sub.Channels == nil {
		sub.Channels = make(map[string]string)
	}
	if len(rec.State) > 0 && !bytes.Equal(rec.State, []byte("null")) {
		if err := json.Unmarshal(rec.State, &sub.State); err != nil {
			return sub, fmt.Errorf("decode state of %s: %w", rec.Name, err)
		}
	}
	return sub, nil
}

func stateChanged[S any](before, after S) bool {
	a, err1 := json.Marshal(before)
	b, err2 := json.Marshal(after)
	if err1 != nil || err2 != nil {
		return true
	}
	return !bytes.Equal(a, b)
}
