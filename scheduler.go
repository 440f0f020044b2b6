package rivulet

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultTick = 100 * time.Millisecond

// timerEntry is one recurring task on the shared scheduler: a window firing
// scan, a join cleanup pass or a buffer wakeup. Entries are single-flight; a
// run never starts while the previous one for the same entry is in progress.
type timerEntry struct {
	interval time.Duration
	clock    ClockKind
	fn       func(ctx context.Context, now time.Time) error

	mu        sync.Mutex
	next      time.Time
	running   bool
	cancelled bool
}

// Cancel removes the entry from future scans. An in-flight run completes.
func (e *timerEntry) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = true
}

func (e *timerEntry) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// tryClaim marks the entry as running if it is due at now. The caller must
// call release after running the entry function.
func (e *timerEntry) tryClaim(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled || e.running || now.Before(e.next) {
		return false
	}
	e.running = true
	return true
}

func (e *timerEntry) release(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.next = now.Add(e.interval)
}

// scheduler multiplexes every background timer of a pipeline onto a single
// goroutine plus the watermark-advance path, so operator count does not
// translate into timer goroutine count. Wall-clock entries run from the tick
// loop; event-time entries run whenever the watermark advances.
type scheduler struct {
	log  zerolog.Logger
	tick time.Duration

	mu        sync.RWMutex
	entries   []*timerEntry
	watermark time.Time

	onError func(error)

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

func newScheduler(tick time.Duration, log zerolog.Logger, onError func(error)) *scheduler {
	if tick <= 0 {
		tick = defaultTick
	}
	return &scheduler{
		log:     log,
		tick:    tick,
		onError: onError,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// schedule registers a recurring entry. Event-time entries start due
// immediately so the first watermark advance can fire them.
func (s *scheduler) schedule(interval time.Duration, clock ClockKind, fn func(ctx context.Context, now time.Time) error) *timerEntry {
	if interval <= 0 {
		interval = s.tick
	}
	e := &timerEntry{
		interval: interval,
		clock:    clock,
		fn:       fn,
	}
	if clock == WallClock {
		e.next = time.Now().Add(interval)
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return e
}

// run is the wall-clock tick loop. It exits when stop is called.
func (s *scheduler) run(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.check(ctx, WallClock, now)
		}
	}
}

// advanceWatermark moves event time forward to the max observed timestamp and
// runs due event-time entries. Called from ingress paths, so it is safe under
// concurrent callers; single-flight claiming keeps entry runs exclusive.
func (s *scheduler) advanceWatermark(ctx context.Context, ts time.Time) {
	s.mu.Lock()
	if ts.After(s.watermark) {
		s.watermark = ts
	}
	wm := s.watermark
	s.mu.Unlock()

	s.check(ctx, EventTime, wm)
}

func (s *scheduler) currentWatermark() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark
}

func (s *scheduler) check(ctx context.Context, clock ClockKind, now time.Time) {
	s.mu.RLock()
	entries := make([]*timerEntry, len(s.entries))
	copy(entries, s.entries)
	s.mu.RUnlock()

	for _, e := range entries {
		if e.clock != clock || !e.tryClaim(now) {
			continue
		}
		if err := e.fn(ctx, now); err != nil {
			s.onError(err)
		}
		e.release(now)
	}

	s.compact()
}

// compact drops cancelled entries.
func (s *scheduler) compact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	filtered := s.entries[:0]
	for _, e := range s.entries {
		if !e.isCancelled() {
			filtered = append(filtered, e)
		}
	}
	s.entries = filtered
}

func (s *scheduler) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.stopped
}
