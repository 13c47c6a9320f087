package coroutine

import (
	"time"

	"github.com/joeycumines/go-coroutine/internal/queue"
	"github.com/joeycumines/go-coroutine/internal/spinlock"
)

// BlockObject is a counting semaphore, bounded by a maximum, that blocks
// tasks by suspending them, and plain goroutines by parking them. Waiters
// are resumed in FIFO order, and a Wakeup with waiters hands the permit
// directly to the oldest, leaving the count unchanged.
type BlockObject struct {
	waiters *queue.Queue[*waiter[struct{}]]
	count   int
	max     int
	mu      spinlock.Lock
}

// NewBlockObject constructs a BlockObject. It panics if max is less than
// one, or initial is outside [0, max].
func NewBlockObject(initial, max int) *BlockObject {
	if max < 1 || initial < 0 || initial > max {
		panic(`coroutine: invalid block object bounds`)
	}
	return &BlockObject{
		waiters: newWaitQueue[struct{}](),
		count:   initial,
		max:     max,
	}
}

// Wait takes a permit, blocking until one is available.
func (x *BlockObject) Wait() {
	_ = x.wait(noTimeout)
}

// TryWait takes a permit if one is available.
func (x *BlockObject) TryWait() bool {
	return x.wait(0) == nil
}

// WaitFor is Wait, giving up after d.
func (x *BlockObject) WaitFor(d time.Duration) bool {
	if d < 0 {
		d = 0
	}
	return x.wait(d) == nil
}

// WaitUntil is Wait, giving up at deadline.
func (x *BlockObject) WaitUntil(deadline time.Time) bool {
	return x.wait(timeoutUntil(deadline)) == nil
}

func (x *BlockObject) wait(timeout time.Duration) error {
	x.mu.Lock()
	if x.count > 0 {
		x.count--
		x.mu.Unlock()
		return nil
	}
	if timeout == 0 {
		x.mu.Unlock()
		return ErrTimeout
	}
	return newWaiter[struct{}]().park(x.waiters, x.mu.Unlock, timeout)
}

// Wakeup releases a permit, to the oldest waiter if any. It returns false,
// and does nothing, if there are no waiters and the count is at its
// maximum.
func (x *BlockObject) Wakeup() bool {
	x.mu.Lock()
	if w := popClaimed(x.waiters); w != nil {
		x.mu.Unlock()
		w.wake()
		return true
	}
	if x.count >= x.max {
		x.mu.Unlock()
		return false
	}
	x.count++
	x.mu.Unlock()
	return true
}

// Count returns the number of available permits.
func (x *BlockObject) Count() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.count
}

// Waiters returns the number of blocked callers.
func (x *BlockObject) Waiters() int {
	return x.waiters.Len()
}
