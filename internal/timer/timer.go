// Package timer provides the cancellable, kind-keyed delayed tasks owned by the
// drive detector. Expiries are handed to a single callback as event.TimerExpired
// values; the receiver confirms them with Expire before acting.
package timer

import (
	"sync"
	"time"

	"drive-service/internal/event"
)

// Handle identifies one scheduled instance of a timer. Zero is never issued.
type Handle uint64

type entry struct {
	handle   Handle
	deadline time.Time
	t        *time.Timer
}

type Scheduler struct {
	mu     sync.Mutex
	live   map[event.TimerKind]*entry
	next   Handle
	fire   func(event.TimerExpired)
	now    func() time.Time
	closed bool
}

// New creates a scheduler delivering expiries to fire, which runs on its own goroutine.
func New(fire func(event.TimerExpired)) *Scheduler {
	return &Scheduler{
		live: make(map[event.TimerKind]*entry),
		fire: fire,
		now:  time.Now,
	}
}

// Schedule starts a timer of the given kind, replacing any pending one of the same kind.
func (s *Scheduler) Schedule(kind event.TimerKind, d time.Duration) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.live[kind]; ok {
		old.t.Stop()
		delete(s.live, kind)
	}
	if s.closed {
		return 0
	}
	if d < 0 {
		d = 0
	}

	s.next++
	h := s.next
	e := &entry{handle: h, deadline: s.now().Add(d)}
	e.t = time.AfterFunc(d, func() {
		s.fire(event.TimerExpired{Timer: kind, Handle: uint64(h)})
	})
	s.live[kind] = e
	return h
}

// Cancel stops the timer with the given handle. Once Cancel returns, an expiry
// for h that is already in flight will be refused by Expire.
func (s *Scheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for kind, e := range s.live {
		if e.handle == h {
			e.t.Stop()
			delete(s.live, kind)
			return true
		}
	}
	return false
}

// CancelKind stops the pending timer of a kind, if any.
func (s *Scheduler) CancelKind(kind event.TimerKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live[kind]
	if !ok {
		return false
	}
	e.t.Stop()
	delete(s.live, kind)
	return true
}

func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for kind, e := range s.live {
		e.t.Stop()
		delete(s.live, kind)
	}
}

// Expire consumes a delivered expiry. It returns false when the handle was
// cancelled or superseded, in which case the expiry must be dropped.
func (s *Scheduler) Expire(ev event.TimerExpired) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live[ev.Timer]
	if !ok || uint64(e.handle) != ev.Handle {
		return false
	}
	delete(s.live, ev.Timer)
	return true
}

// Pending returns the live handle of a kind.
func (s *Scheduler) Pending(kind event.TimerKind) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live[kind]
	if !ok {
		return 0, false
	}
	return e.handle, true
}

// Deadlines reports when each pending timer is due.
func (s *Scheduler) Deadlines() map[event.TimerKind]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[event.TimerKind]time.Time, len(s.live))
	for kind, e := range s.live {
		out[kind] = e.deadline
	}
	return out
}

// Close cancels everything and refuses further scheduling.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for kind, e := range s.live {
		e.t.Stop()
		delete(s.live, kind)
	}
}
