package coroutine

import (
	"sync"

	"github.com/joeycumines/go-coroutine/internal/queue"
	"github.com/joeycumines/go-coroutine/internal/spinlock"
)

// RWMutex is a reader/writer lock usable from tasks and plain goroutines.
// Ownership is handed directly to waiters on release. By default, waiting
// readers are preferred when a lock is released, and new readers may join
// existing ones even while a writer waits. With writer priority, a waiting
// writer blocks new readers, and is preferred on release.
type RWMutex struct {
	readers *queue.Queue[*waiter[struct{}]]
	writers *queue.Queue[*waiter[struct{}]]
	// 0 when free, -1 when write locked, else the number of readers
	state          int
	mu             spinlock.Lock
	writerPriority bool
}

var _ sync.Locker = (*RWMutex)(nil)

// NewRWMutex constructs an unlocked RWMutex.
func NewRWMutex(writerPriority bool) *RWMutex {
	return &RWMutex{
		readers:        newWaitQueue[struct{}](),
		writers:        newWaitQueue[struct{}](),
		writerPriority: writerPriority,
	}
}

// RLock acquires a read lock.
func (x *RWMutex) RLock() {
	x.mu.Lock()
	if x.canReadLocked() {
		x.state++
		x.mu.Unlock()
		return
	}
	// the granter increments state on our behalf
	_ = newWaiter[struct{}]().park(x.readers, x.mu.Unlock, noTimeout)
}

// TryRLock acquires a read lock, if it would not block.
func (x *RWMutex) TryRLock() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.canReadLocked() {
		return false
	}
	x.state++
	return true
}

// RUnlock releases a read lock. It panics with a *ContractError if not
// read locked.
func (x *RWMutex) RUnlock() {
	x.mu.Lock()
	if x.state <= 0 {
		x.mu.Unlock()
		panic(&ContractError{Cause: ErrUnlockOfUnlocked, Op: `RWMutex.RUnlock`})
	}
	x.state--
	woken := x.grantLocked()
	x.mu.Unlock()
	wakeAll(woken)
}

// Lock acquires the write lock.
func (x *RWMutex) Lock() {
	x.mu.Lock()
	if x.state == 0 {
		x.state = -1
		x.mu.Unlock()
		return
	}
	_ = newWaiter[struct{}]().park(x.writers, x.mu.Unlock, noTimeout)
}

// TryLock acquires the write lock, if it would not block.
func (x *RWMutex) TryLock() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != 0 {
		return false
	}
	x.state = -1
	return true
}

// Unlock releases the write lock. It panics with a *ContractError if not
// write locked.
func (x *RWMutex) Unlock() {
	x.mu.Lock()
	if x.state != -1 {
		x.mu.Unlock()
		panic(&ContractError{Cause: ErrUnlockOfUnlocked, Op: `RWMutex.Unlock`})
	}
	x.state = 0
	woken := x.grantLocked()
	x.mu.Unlock()
	wakeAll(woken)
}

// RLocker returns a sync.Locker using RLock and RUnlock.
func (x *RWMutex) RLocker() sync.Locker {
	return rlocker{x}
}

func (x *RWMutex) canReadLocked() bool {
	return x.state >= 0 && !(x.writerPriority && !x.writers.Empty())
}

// grantLocked hands a free lock to waiters, returning those to wake.
func (x *RWMutex) grantLocked() (woken []*waiter[struct{}]) {
	if x.state != 0 {
		return nil
	}
	if x.writerPriority || x.readers.Empty() {
		if w := popClaimed(x.writers); w != nil {
			x.state = -1
			return []*waiter[struct{}]{w}
		}
	}
	for w := popClaimed(x.readers); w != nil; w = popClaimed(x.readers) {
		x.state++
		woken = append(woken, w)
	}
	if len(woken) == 0 {
		if w := popClaimed(x.writers); w != nil {
			x.state = -1
			woken = append(woken, w)
		}
	}
	return woken
}

func wakeAll[T any](woken []*waiter[T]) {
	for _, w := range woken {
		w.wake()
	}
}

type rlocker struct{ x *RWMutex }

func (r rlocker) Lock()   { r.x.RLock() }
func (r rlocker) Unlock() { r.x.RUnlock() }
