package clock

import (
	"sync"
	"time"
)

// Scheduler holds at most one pending callback. Scheduling again replaces
// the pending callback and restarts its delay.
type Scheduler struct {
	clock Clock

	mu    sync.Mutex
	timer Timer
	gen   uint64
}

// NewScheduler returns a Scheduler driven by c.
func NewScheduler(c Clock) *Scheduler {
	return &Scheduler{clock: c}
}

// Schedule stops any pending callback and arranges for fn to run after d.
func (s *Scheduler) Schedule(fn func(), d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		// A timer that already fired on the real clock cannot be stopped;
		// the generation check drops it.
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops the pending callback, if any.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

// Pending reports whether a callback is waiting to run.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}
