// Package spinlock provides the two lock flavours used by the scheduler's
// intrusive queues: a real spinlock, for multi-threaded schedulers, and a
// no-op lock, for schedulers confined to a single Processer.
package spinlock

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// spinsBeforeYield is the number of failed CAS attempts before the caller
// yields the goroutine, to avoid starving the holder on GOMAXPROCS=1.
const spinsBeforeYield = 16

var (
	// compile time assertions

	_ sync.Locker = (*Lock)(nil)
	_ sync.Locker = Nop{}
)

type (
	// Lock is a test-and-test-and-set spinlock. The zero value is unlocked.
	// It must not be copied after first use.
	Lock struct {
		_ [0]func() // prevent comparison
		v atomic.Uint32
	}

	// Nop implements sync.Locker without any synchronization.
	Nop struct{}
)

// Lock acquires the lock, spinning until it is available.
func (x *Lock) Lock() {
	for spins := 0; ; spins++ {
		if x.v.Load() == 0 && x.v.CompareAndSwap(0, 1) {
			return
		}
		if spins >= spinsBeforeYield {
			spins = 0
			runtime.Gosched()
		}
	}
}

// TryLock acquires the lock if it is available, without spinning.
func (x *Lock) TryLock() bool {
	return x.v.Load() == 0 && x.v.CompareAndSwap(0, 1)
}

// Unlock releases the lock. Unlocking an unlocked Lock panics.
func (x *Lock) Unlock() {
	if !x.v.CompareAndSwap(1, 0) {
		panic(`spinlock: unlock of unlocked lock`)
	}
}

// IsLocked reports whether the lock is currently held, by anyone.
func (x *Lock) IsLocked() bool {
	return x.v.Load() != 0
}

func (Nop) Lock() {}

func (Nop) Unlock() {}

// New returns a Lock, or a Nop if singleThread is true.
func New(singleThread bool) sync.Locker {
	if singleThread {
		return Nop{}
	}
	return new(Lock)
}
