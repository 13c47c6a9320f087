package coroutine

import (
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-coroutine/internal/queue"
)

// noTimeout disables the timeout of waiter.park.
const noTimeout time.Duration = -1

// waiter is a single blocked caller of a synchronization primitive. It is
// either a task, resumed via its SuspendEntry, or a plain goroutine,
// resumed by closing ch. Exactly one of the notifier and the timeout
// claims it, and the claimer must then call wake.
type waiter[T any] struct {
	hook    queue.Hook[*waiter[T]]
	task    *Task
	entry   SuspendEntry
	ch      chan struct{}
	value   T
	err     error
	claimed atomic.Bool
}

func newWaiter[T any]() *waiter[T] {
	w := new(waiter[T])
	w.hook.Init(w)
	return w
}

func newWaitQueue[T any]() *queue.Queue[*waiter[T]] {
	return queue.New[*waiter[T]](nil)
}

func (w *waiter[T]) claim() bool {
	return w.claimed.CompareAndSwap(false, true)
}

func (w *waiter[T]) wake() {
	if w.task != nil {
		// a discarded task is never resumed, so there is nothing to wake
		if !Wakeup(w.entry) && !w.task.released.Load() {
			panic(`coroutine: waiter woken twice`)
		}
		return
	}
	close(w.ch)
}

// park links w into q, calls release, then blocks until claimed. The
// result is w.err, as set by the claimer, which is ErrTimeout if the
// timeout (if any) fired first.
func (w *waiter[T]) park(q *queue.Queue[*waiter[T]], release func(), timeout time.Duration) error {
	tk := currentTask()
	if tk != nil {
		// suspended before being linked, so a notifier can't wake it early
		w.task = tk
		w.entry = tk.proc.Load().suspend(tk, TaskSysBlock, 0)
	} else {
		w.ch = make(chan struct{})
	}
	q.Push(&w.hook)
	release()

	if tk != nil {
		if timeout >= 0 {
			timer := tk.sched.wheel.After(timeout, func() { w.expire(q) })
			defer timer.Stop()
		}
		tk.switchOut()
		return w.err
	}

	if timeout < 0 {
		<-w.ch
		return w.err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.ch:
	case <-timer.C:
		w.expire(q)
		<-w.ch
	}
	return w.err
}

func (w *waiter[T]) expire(q *queue.Queue[*waiter[T]]) {
	if !w.claim() {
		return
	}
	q.Erase(&w.hook)
	w.err = ErrTimeout
	w.wake()
}

// popClaimed removes waiters from the head of q until one is claimed,
// returning nil if q is exhausted.
func popClaimed[T any](q *queue.Queue[*waiter[T]]) *waiter[T] {
	for h := q.Pop(); h != nil; h = q.Pop() {
		if w := h.Value(); w.claim() {
			return w
		}
	}
	return nil
}

func timeoutUntil(deadline time.Time) time.Duration {
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}
