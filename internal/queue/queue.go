// Package queue implements an intrusive, doubly-linked FIFO queue, with O(1)
// push, pop and erase.
//
// Elements embed (or own) a [Hook], which records the queue currently holding
// it. That owner token is what makes cross-queue erase safe: erasing a hook
// through a queue that does not own it is rejected, rather than corrupting
// either list. A hook may belong to at most one queue at any instant.
//
// Pushing a hook that is already linked is an invariant violation, and
// panics. Continuing would silently corrupt another queue.
package queue

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-coroutine/internal/spinlock"
)

type (
	// Hook is the intrusive link embedded in queue elements. Initialize it
	// with Init before first use. The zero value of Hook is unlinked.
	Hook[T any] struct {
		value T
		prev  *Hook[T]
		next  *Hook[T]
		owner atomic.Pointer[Queue[T]]
	}

	// Queue is a FIFO of hooks, guarded by a sync.Locker supplied at
	// construction (a spinlock by default, or a no-op lock for single
	// threaded use). Instances must be created using New.
	Queue[T any] struct {
		mu   sync.Locker
		head *Hook[T]
		tail *Hook[T]
		n    atomic.Int64
	}
)

// Init binds the hook to its element value.
func (h *Hook[T]) Init(value T) {
	h.value = value
}

// Value returns the element the hook was initialized with.
func (h *Hook[T]) Value() T {
	return h.value
}

// Owner returns the queue holding the hook, or nil. Safe to call without
// holding any lock, though the result may be stale by the time it is used.
func (h *Hook[T]) Owner() *Queue[T] {
	return h.owner.Load()
}

// Linked reports whether the hook is in any queue.
func (h *Hook[T]) Linked() bool {
	return h.owner.Load() != nil
}

// New constructs a Queue guarded by mu. A nil mu uses a spinlock.
func New[T any](mu sync.Locker) *Queue[T] {
	if mu == nil {
		mu = new(spinlock.Lock)
	}
	return &Queue[T]{mu: mu}
}

// Len returns the number of linked hooks. It does not take the lock.
func (q *Queue[T]) Len() int {
	return int(q.n.Load())
}

// Empty is equivalent to Len() == 0.
func (q *Queue[T]) Empty() bool {
	return q.n.Load() == 0
}

// Push appends h to the tail of the queue.
func (q *Queue[T]) Push(h *Hook[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushBackLocked(h)
}

// PushIf appends h only if cond, evaluated while holding the lock, returns
// true. It is used to validate state that must not change between deciding
// which queue to use and linking into it.
func (q *Queue[T]) PushIf(h *Hook[T], cond func() bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !cond() {
		return false
	}
	q.pushBackLocked(h)
	return true
}

// PushFront inserts h at the head of the queue.
func (q *Queue[T]) PushFront(h *Hook[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.claim(h)
	h.prev = nil
	h.next = q.head
	if q.head != nil {
		q.head.prev = h
	} else {
		q.tail = h
	}
	q.head = h
	q.n.Add(1)
}

// PushAll appends every hook, in order, under a single lock acquisition.
func (q *Queue[T]) PushAll(hooks []*Hook[T]) {
	if len(hooks) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, h := range hooks {
		q.pushBackLocked(h)
	}
}

// Pop removes and returns the head of the queue, or nil if it is empty.
func (q *Queue[T]) Pop() *Hook[T] {
	if q.Empty() {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	h := q.head
	if h != nil {
		q.unlinkLocked(h)
	}
	return h
}

// Front returns the head of the queue without removing it, or nil.
func (q *Queue[T]) Front() *Hook[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head
}

// Erase unlinks h, if (and only if) this queue owns it.
func (q *Queue[T]) Erase(h *Hook[T]) bool {
	if h.owner.Load() != q {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	// re-check: the owner may have changed between the load and the lock
	if h.owner.Load() != q {
		return false
	}
	q.unlinkLocked(h)
	return true
}

// Contains reports whether h is currently linked into this queue.
func (q *Queue[T]) Contains(h *Hook[T]) bool {
	return h.owner.Load() == q
}

// PopBack removes up to n hooks from the tail, returning them in queue
// order (oldest first).
func (q *Queue[T]) PopBack(n int) []*Hook[T] {
	if n <= 0 || q.Empty() {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if c := int(q.n.Load()); n > c {
		n = c
	}
	out := make([]*Hook[T], n)
	for i := n - 1; i >= 0; i-- {
		h := q.tail
		q.unlinkLocked(h)
		out[i] = h
	}
	return out
}

// Drain removes every hook, returning them in queue order.
func (q *Queue[T]) Drain() []*Hook[T] {
	if q.Empty() {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Hook[T], 0, q.n.Load())
	for h := q.head; h != nil; {
		next := h.next
		h.prev, h.next = nil, nil
		h.owner.Store(nil)
		out = append(out, h)
		h = next
	}
	q.head, q.tail = nil, nil
	q.n.Store(0)
	return out
}

// Each calls fn for each element, in order, while holding the lock, until fn
// returns false. The fn must not call back into the queue.
func (q *Queue[T]) Each(fn func(value T) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for h := q.head; h != nil; h = h.next {
		if !fn(h.value) {
			return
		}
	}
}

func (q *Queue[T]) claim(h *Hook[T]) {
	if !h.owner.CompareAndSwap(nil, q) {
		panic(`queue: push of linked hook`)
	}
}

func (q *Queue[T]) pushBackLocked(h *Hook[T]) {
	q.claim(h)
	h.next = nil
	h.prev = q.tail
	if q.tail != nil {
		q.tail.next = h
	} else {
		q.head = h
	}
	q.tail = h
	q.n.Add(1)
}

func (q *Queue[T]) unlinkLocked(h *Hook[T]) {
	if h.prev != nil {
		h.prev.next = h.next
	} else {
		q.head = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	} else {
		q.tail = h.prev
	}
	h.prev, h.next = nil, nil
	h.owner.Store(nil)
	q.n.Add(-1)
}
