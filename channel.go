package coroutine

import (
	"time"

	"github.com/joeycumines/go-coroutine/internal/queue"
	"github.com/joeycumines/go-coroutine/internal/spinlock"
)

// Channel is a bounded FIFO channel usable from tasks and plain goroutines
// alike. A capacity of zero makes every Push a rendezvous with a Pop.
//
// Once closed, every operation fails with ErrChannelClosed, blocked
// callers are woken with that error, and buffered values are discarded.
type Channel[T any] struct {
	readers *queue.Queue[*waiter[T]]
	writers *queue.Queue[*waiter[T]]
	buf     []T
	head    int
	n       int
	mu      spinlock.Lock
	closed  bool
}

// NewChannel constructs a Channel. It panics if capacity is negative.
func NewChannel[T any](capacity int) *Channel[T] {
	if capacity < 0 {
		panic(`coroutine: negative channel capacity`)
	}
	return &Channel[T]{
		readers: newWaitQueue[T](),
		writers: newWaitQueue[T](),
		buf:     make([]T, capacity),
	}
}

// Push sends v, blocking until it is buffered, or received.
func (x *Channel[T]) Push(v T) error {
	return x.push(v, noTimeout)
}

// TryPush is Push, failing with ErrWouldBlock instead of blocking.
func (x *Channel[T]) TryPush(v T) error {
	return x.push(v, 0)
}

// TimedPush is Push, failing with ErrTimeout after d.
func (x *Channel[T]) TimedPush(v T, d time.Duration) error {
	if d <= 0 {
		if err := x.push(v, 0); err != ErrWouldBlock {
			return err
		}
		return ErrTimeout
	}
	return x.push(v, d)
}

// Pop receives a value, blocking until one is available.
func (x *Channel[T]) Pop() (T, error) {
	return x.pop(noTimeout)
}

// TryPop is Pop, failing with ErrWouldBlock instead of blocking.
func (x *Channel[T]) TryPop() (T, error) {
	return x.pop(0)
}

// TimedPop is Pop, failing with ErrTimeout after d.
func (x *Channel[T]) TimedPop(d time.Duration) (T, error) {
	if d <= 0 {
		v, err := x.pop(0)
		if err == ErrWouldBlock {
			err = ErrTimeout
		}
		return v, err
	}
	return x.pop(d)
}

func (x *Channel[T]) push(v T, timeout time.Duration) error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return ErrChannelClosed
	}

	// readers only wait on an empty buffer
	if r := popClaimed(x.readers); r != nil {
		r.value = v
		x.mu.Unlock()
		r.wake()
		return nil
	}

	if x.n < len(x.buf) {
		x.buf[(x.head+x.n)%len(x.buf)] = v
		x.n++
		x.mu.Unlock()
		return nil
	}

	if timeout == 0 {
		x.mu.Unlock()
		return ErrWouldBlock
	}

	w := newWaiter[T]()
	w.value = v
	return w.park(x.writers, x.mu.Unlock, timeout)
}

func (x *Channel[T]) pop(timeout time.Duration) (v T, _ error) {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return v, ErrChannelClosed
	}

	if x.n > 0 {
		v = x.buf[x.head]
		var zero T
		x.buf[x.head] = zero
		x.head = (x.head + 1) % len(x.buf)
		x.n--
		// refill from the oldest blocked writer
		w := popClaimed(x.writers)
		if w != nil {
			x.buf[(x.head+x.n)%len(x.buf)] = w.value
			x.n++
			w.value = zero
		}
		x.mu.Unlock()
		if w != nil {
			w.wake()
		}
		return v, nil
	}

	// rendezvous, or a writer that blocked on a full buffer
	if w := popClaimed(x.writers); w != nil {
		v = w.value
		x.mu.Unlock()
		w.wake()
		return v, nil
	}

	if timeout == 0 {
		x.mu.Unlock()
		return v, ErrWouldBlock
	}

	r := newWaiter[T]()
	err := r.park(x.readers, x.mu.Unlock, timeout)
	return r.value, err
}

// Close closes the channel, waking all blocked callers with
// ErrChannelClosed. It returns false if already closed.
func (x *Channel[T]) Close() bool {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return false
	}
	x.closed = true
	clear(x.buf)
	x.head, x.n = 0, 0

	var woken []*waiter[T]
	for _, q := range [...]*queue.Queue[*waiter[T]]{x.readers, x.writers} {
		for w := popClaimed(q); w != nil; w = popClaimed(q) {
			w.err = ErrChannelClosed
			woken = append(woken, w)
		}
	}
	x.mu.Unlock()

	for _, w := range woken {
		w.wake()
	}
	return true
}

// Len returns the number of buffered values.
func (x *Channel[T]) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.n
}

// Cap returns the capacity the channel was created with.
func (x *Channel[T]) Cap() int {
	return len(x.buf)
}

// IsEmpty reports whether no values are buffered.
func (x *Channel[T]) IsEmpty() bool {
	return x.Len() == 0
}

// IsClosed reports whether Close has been called.
func (x *Channel[T]) IsClosed() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.closed
}
