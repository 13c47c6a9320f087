package coroutine

import (
	"sync"
)

// Mutex is a mutual exclusion lock usable from tasks and plain goroutines
// alike. Ownership is handed to waiters in FIFO order. The zero value is
// not usable, use NewMutex.
type Mutex struct {
	b *BlockObject
}

var _ sync.Locker = (*Mutex)(nil)

// NewMutex constructs an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{b: NewBlockObject(1, 1)}
}

// Lock blocks until the mutex is acquired.
func (x *Mutex) Lock() {
	x.b.Wait()
}

// TryLock acquires the mutex if it is unlocked.
func (x *Mutex) TryLock() bool {
	return x.b.TryWait()
}

// Unlock releases the mutex. Unlocking an unlocked mutex panics with a
// *ContractError.
func (x *Mutex) Unlock() {
	if !x.b.Wakeup() {
		panic(&ContractError{Cause: ErrUnlockOfUnlocked, Op: `Mutex.Unlock`})
	}
}

// IsLocked reports whether the mutex is held.
func (x *Mutex) IsLocked() bool {
	return x.b.Count() == 0
}
