package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ActivitySpec describes one periodic activity: a name, a cadence, and
// the callback fired each time the cadence elapses.
type ActivitySpec struct {
	Name    string
	Cadence time.Duration
	Fire    func(now time.Time)
}

// Scheduler drives a set of named periodic activities from a single
// ticking goroutine. Cancellation is atomic: once Stop begins (or the
// context is done), no further callback fires, even if a tick is
// already racing in.
type Scheduler struct {
	tickResolution time.Duration

	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	stopped bool
}

type entry struct {
	spec ActivitySpec
	next time.Time
}

type Option func(*Scheduler)

func WithTickResolution(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickResolution = d
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tickResolution: 10 * time.Millisecond,
		now:            time.Now,
		entries:        make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register replaces the scheduler's activity set. The first firing of
// each activity happens one cadence after registration.
func (s *Scheduler) Register(specs []ActivitySpec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	next := make(map[string]*entry, len(specs))
	for _, spec := range specs {
		if spec.Cadence <= 0 || spec.Fire == nil {
			continue
		}
		next[spec.Name] = &entry{
			spec: spec,
			next: now.Add(spec.Cadence),
		}
	}
	s.entries = next
	s.stopped = false
}

// Stop cancels all activities. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.entries = make(map[string]*entry)
}

// Run ticks until the context is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

// tick fires every due activity. Callbacks run outside the lock so an
// activity may call Stop or Register without deadlocking, but the due
// set is decided under the lock, so a concurrent Stop wins over a
// racing tick.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	var due []ActivitySpec
	for _, e := range s.entries {
		if !now.Before(e.next) {
			due = append(due, e.spec)
			for !now.Before(e.next) {
				e.next = e.next.Add(e.spec.Cadence)
			}
		}
	}
	s.mu.Unlock()

	// Stable firing order keeps multi-activity ticks deterministic.
	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })

	for _, spec := range due {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		spec.Fire(now)
	}
}

// Tick exposes one manual tick for deterministic tests.
func (s *Scheduler) Tick(now time.Time) {
	s.tick(now)
}
