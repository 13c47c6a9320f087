package coroutine

import (
	"sync"
	"time"

	"github.com/joeycumines/go-coroutine/internal/queue"
	"github.com/joeycumines/go-coroutine/internal/spinlock"
)

// Cond is a condition variable that works with any sync.Locker, including
// Mutex. Waiters are signalled in FIFO order.
type Cond struct {
	waiters *queue.Queue[*waiter[struct{}]]
	mu      spinlock.Lock
}

// NewCond constructs a Cond.
func NewCond() *Cond {
	return &Cond{waiters: newWaitQueue[struct{}]()}
}

// Wait atomically unlocks l and blocks until signalled, re-locking l
// before returning.
func (x *Cond) Wait(l sync.Locker) {
	_ = x.wait(l, noTimeout)
}

// WaitFor is Wait, giving up after d. It returns false on timeout. The
// lock is re-acquired in either case.
func (x *Cond) WaitFor(l sync.Locker, d time.Duration) bool {
	if d < 0 {
		d = 0
	}
	return x.wait(l, d) == nil
}

// WaitUntil is WaitFor, with an absolute deadline.
func (x *Cond) WaitUntil(l sync.Locker, deadline time.Time) bool {
	return x.wait(l, timeoutUntil(deadline)) == nil
}

// WaitPred waits until pred, called with l held, returns true.
func (x *Cond) WaitPred(l sync.Locker, pred func() bool) {
	for !pred() {
		x.Wait(l)
	}
}

func (x *Cond) wait(l sync.Locker, timeout time.Duration) error {
	x.mu.Lock()
	err := newWaiter[struct{}]().park(x.waiters, func() {
		x.mu.Unlock()
		l.Unlock()
	}, timeout)
	l.Lock()
	return err
}

// Signal wakes the oldest waiter, returning false if there were none.
func (x *Cond) Signal() bool {
	x.mu.Lock()
	w := popClaimed(x.waiters)
	x.mu.Unlock()
	if w == nil {
		return false
	}
	w.wake()
	return true
}

// Broadcast wakes every waiter, returning how many were woken.
func (x *Cond) Broadcast() int {
	var woken []*waiter[struct{}]
	x.mu.Lock()
	for w := popClaimed(x.waiters); w != nil; w = popClaimed(x.waiters) {
		woken = append(woken, w)
	}
	x.mu.Unlock()
	for _, w := range woken {
		w.wake()
	}
	return len(woken)
}

// Waiters returns the number of blocked callers.
func (x *Cond) Waiters() int {
	return x.waiters.Len()
}

// Close checks that the Cond is no longer in use. Waiters that remain are
// stranded, which is a programming error, reported as a *ContractError
// wrapping ErrCondBusy. If called from a task, it is also logged.
func (x *Cond) Close() error {
	n := x.waiters.Len()
	if n == 0 {
		return nil
	}
	err := &ContractError{Cause: ErrCondBusy, Op: `Cond.Close`}
	if tk := currentTask(); tk != nil {
		tk.sched.log.crit().
			Uint64(`task`, uint64(tk.id)).
			Int(`waiters`, n).
			Err(err).
			Log(`condition variable closed while in use`)
	}
	return err
}
