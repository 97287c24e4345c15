package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Default tuning for a Hub.
const (
	DefaultStaggerWindow = 20 * time.Minute
	DefaultWorkers       = 16
	DefaultPollTimeout   = 30 * time.Second
	DefaultSummaryLimit  = 2048
)

// Options configures a Hub.
type Options struct {
	Gateway       Gateway
	Surface       Surface
	Clock         clockwork.Clock
	Logger        *slog.Logger
	StaggerWindow time.Duration
	Workers       int
	PollTimeout   time.Duration
}

// Factory builds the registry of one kind on a hub. Factories are registered
// explicitly in main, one per enabled kind.
type Factory func(h *Hub) (Handle, error)

// Hub is the process-wide set of live registries with the scheduler and
// dispatcher they share. Tests build one per test.
type Hub struct {
	gateway     Gateway
	sched       *Scheduler
	disp        *Dispatcher
	log         *slog.Logger
	window      time.Duration
	pollTimeout time.Duration

	mu      sync.RWMutex
	handles map[Kind]Handle
	started atomic.Bool
}

// NewHub wires a scheduler and a dispatcher around the given gateway and surface.
func NewHub(opts Options) *Hub {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.StaggerWindow <= 0 {
		opts.StaggerWindow = DefaultStaggerWindow
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.PollTimeout == 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	return &Hub{
		gateway:     opts.Gateway,
		sched:       NewScheduler(opts.Clock, opts.Workers, log),
		disp:        NewDispatcher(opts.Surface, log),
		log:         log,
		window:      opts.StaggerWindow,
		pollTimeout: opts.PollTimeout,
		handles:     make(map[Kind]Handle),
	}
}

// Scheduler exposes the shared scheduler.
func (h *Hub) Scheduler() *Scheduler { return h.sched }

// Install builds a registry with factory and registers it under its kind.
func (h *Hub) Install(factory Factory) (Handle, error) {
	handle, err := factory(h)
	if err != nil {
		return nil, err
	}
	kind := handle.Descriptor().Kind
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.handles[kind]; ok {
		return nil, fmt.Errorf("tracker kind %q registered twice", kind)
	}
	h.handles[kind] = handle
	return handle, nil
}

// Handle returns the registry for kind.
func (h *Hub) Handle(kind Kind) (Handle, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handle, ok := h.handles[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return handle, nil
}

// Handles returns every registry sorted by kind.
func (h *Hub) Handles() []Handle {
	h.mu.RLock()
	out := make([]Handle, 0, len(h.handles))
	for _, handle := range h.handles {
		out = append(out, handle)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor().Kind < out[j].Descriptor().Kind })
	return out
}

// Start loads every registry in parallel, then folds case duplicates. A kind
// that fails to load is logged; the others still start.
func (h *Hub) Start(ctx context.Context) error {
	handles := h.Handles()
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, handle := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := handle.Load(ctx); err != nil {
				kind := handle.Descriptor().Kind
				h.log.Error("registry load failed", slog.String("kind", string(kind)), slog.Any("err", err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", kind, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if err := h.MergeAll(ctx); err != nil {
		h.log.Warn("capitalization merge failed", slog.Any("err", err))
	}
	h.started.Store(true)
	return errors.Join(errs...)
}

// Started reports whether Start has completed.
func (h *Hub) Started() bool { return h.started.Load() }

// MergeAll runs MergeCapitalization on every registry.
func (h *Hub) MergeAll(ctx context.Context) error {
	var errs []error
	for _, handle := range h.Handles() {
		if err := handle.MergeCapitalization(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", handle.Descriptor().Kind, err))
		}
	}
	return errors.Join(errs...)
}

// Subscriptions lists the subscriptions of a channel across every kind.
func (h *Hub) Subscriptions(channel string) []Subscription {
	var out []Subscription
	for _, handle := range h.Handles() {
		out = append(out, handle.Subscriptions(channel)...)
	}
	return out
}

// Summary renders the subscriptions of a channel as pages of at most limit characters.
func (h *Hub) Summary(channel string, limit int) []string {
	if limit <= 0 {
		limit = DefaultSummaryLimit
	}
	var lines []string
	for _, handle := range h.Handles() {
		subs := handle.Subscriptions(channel)
		if len(subs) == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("**%s** (%d)\n", handle.Descriptor().Title, len(subs)))
		lines = append(lines, SummaryLines(subs)...)
	}
	return Paginate(lines, limit)
}

// Close stops every timer and waits for running polls until ctx expires.
func (h *Hub) Close(ctx context.Context) error {
	for _, handle := range h.Handles() {
		handle.Close()
	}
	return h.sched.Stop(ctx)
}
