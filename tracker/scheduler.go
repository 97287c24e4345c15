package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
)

var errSchedulerStopped = errors.New("scheduler stopped")

// minDelay keeps every timer in the future so callbacks never run inline with Arm.
const minDelay = time.Millisecond

// Scheduler owns one periodic timer per key. A job is re-armed as soon as it
// fires, runs on a bounded worker pool, and never overlaps with itself: a fire
// that lands while the previous run is still busy is folded into a single
// follow-up run.
type Scheduler struct {
	clock clockwork.Clock
	sem   *semaphore.Weighted
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*job
	retired map[string]*job // cancelled jobs whose last run is still going
	stopped bool
}

type job struct {
	key    string
	period time.Duration
	fn     func(context.Context)
	timer  clockwork.Timer
	gen    uint64
	next   time.Time

	running   bool
	pending   bool
	cancelled bool
}

// NewScheduler returns a scheduler running at most workers jobs at once.
func NewScheduler(clock clockwork.Clock, workers int, log *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if workers <= 0 {
		workers = 16
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:  clock,
		sem:    semaphore.NewWeighted(int64(workers)),
		log:    log.With(slog.String("component", "scheduler")),
		ctx:    ctx,
		cancel: cancel,
		jobs:    make(map[string]*job),
		retired: make(map[string]*job),
	}
}

// Clock returns the time source used for all timers.
func (s *Scheduler) Clock() clockwork.Clock { return s.clock }

// Arm schedules fn under key: first after initialDelay, then every period.
// Arming an existing key replaces its function and timing but keeps its
// serialization, so an in-flight run is never duplicated.
func (s *Scheduler) Arm(key string, period, initialDelay time.Duration, fn func(context.Context)) error {
	if period <= 0 {
		return fmt.Errorf("arm %s: period must be positive", key)
	}
	if initialDelay < 0 {
		initialDelay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errSchedulerStopped
	}
	j, ok := s.jobs[key]
	if !ok {
		if r, busy := s.retired[key]; busy {
			// Reuse the cancelled job so the new schedule waits for its run.
			delete(s.retired, key)
			j = r
			j.cancelled = false
		} else {
			j = &job{key: key}
		}
		s.jobs[key] = j
	}
	j.period = period
	j.fn = fn
	s.scheduleLocked(j, initialDelay)
	return nil
}

// Cancel stops the timer for key. A run already in progress finishes normally,
// and arming key again before it returns queues behind it.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return false
	}
	j.cancelled = true
	j.gen++
	if j.timer != nil {
		j.timer.Stop()
	}
	delete(s.jobs, key)
	if j.running {
		s.retired[key] = j
	}
	return true
}

// Rearm changes the period of key and restarts its timer from now.
func (s *Scheduler) Rearm(key string, period time.Duration) bool {
	if period <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok || s.stopped {
		return false
	}
	j.period = period
	s.scheduleLocked(j, period)
	return true
}

// Deadline returns the next fire time of key.
func (s *Scheduler) Deadline(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return time.Time{}, false
	}
	return j.next, true
}

// Armed reports whether key has a live timer.
func (s *Scheduler) Armed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}

// Len returns the number of armed keys.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Stop cancels every timer, cancels the context handed to running jobs and
// waits for them to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for key, j := range s.jobs {
		j.cancelled = true
		if j.timer != nil {
			j.timer.Stop()
		}
		delete(s.jobs, key)
	}
	clear(s.retired)
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

func (s *Scheduler) scheduleLocked(j *job, delay time.Duration) {
	if delay < minDelay {
		delay = minDelay
	}
	if j.timer != nil {
		j.timer.Stop()
	}
	j.gen++
	gen := j.gen
	j.next = s.clock.Now().Add(delay)
	j.timer = s.clock.AfterFunc(delay, func() { s.fire(j, gen) })
}

func (s *Scheduler) fire(j *job, gen uint64) {
	s.mu.Lock()
	if s.stopped || j.cancelled || gen != j.gen {
		s.mu.Unlock()
		return
	}
	s.scheduleLocked(j, j.period)
	if j.running {
		j.pending = true
		s.mu.Unlock()
		return
	}
	j.running = true
	s.wg.Add(1)
	s.mu.Unlock()
	go s.run(j)
}

func (s *Scheduler) run(j *job) {
	defer s.wg.Done()
	for {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			s.mu.Lock()
			s.finishLocked(j)
			s.mu.Unlock()
			return
		}
		s.invoke(j)
		s.sem.Release(1)

		s.mu.Lock()
		if j.pending && !j.cancelled && !s.stopped {
			j.pending = false
			s.mu.Unlock()
			continue
		}
		s.finishLocked(j)
		s.mu.Unlock()
		return
	}
}

func (s *Scheduler) finishLocked(j *job) {
	j.running, j.pending = false, false
	if s.retired[j.key] == j {
		delete(s.retired, j.key)
	}
}

func (s *Scheduler) invoke(j *job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled job panicked", slog.String("key", j.key), slog.Any("panic", r))
		}
	}()
	j.fn(s.ctx)
}

// Stagger spreads n initial delays evenly across window: the i-th delay is
// i*window/n, so all of them are distinct and fall inside [0, window).
func Stagger(window time.Duration, n int) []time.Duration {
	if n <= 0 {
		return nil
	}
	gap := window / time.Duration(n)
	if gap <= 0 {
		gap = 1
	}
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = time.Duration(i) * gap
	}
	return out
}
