package coroutine

import (
	"time"

	"github.com/joeycumines/go-coroutine/internal/wheel"
)

// TimerID identifies a callback registered with ExpireAt or ExpireAfter.
// The zero value is valid, and cancels nothing.
type TimerID struct {
	id    wheel.ID
	sched *Scheduler
}

// Cancel prevents the callback from running, returning false if it already
// ran, is running, or was already cancelled.
func (x TimerID) Cancel() bool {
	if !x.id.Stop() {
		return false
	}
	x.sched.log.debug(DebugTimer).Log(`timer cancelled`)
	return true
}

// ExpireAt runs fn on the timer goroutine, at or shortly after deadline.
// The fn must not block.
func (s *Scheduler) ExpireAt(deadline time.Time, fn func()) TimerID {
	id := s.wheel.Start(deadline, fn)
	s.log.debug(DebugTimer).
		Time(`deadline`, deadline).
		Log(`timer started`)
	return TimerID{id: id, sched: s}
}

// ExpireAfter is ExpireAt(now+d, fn).
func (s *Scheduler) ExpireAfter(d time.Duration, fn func()) TimerID {
	return s.ExpireAt(s.opts.now().Add(d), fn)
}

// TimerCount returns the number of pending timers, including those armed
// for suspend timeouts.
func (s *Scheduler) TimerCount() int {
	return s.wheel.Len()
}
