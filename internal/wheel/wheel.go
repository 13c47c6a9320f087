// Package wheel implements a hierarchical timing wheel, of 8 levels with 256
// buckets each, at a configurable tick precision.
//
// Time is tracked as a tick count since the wheel's construction. The 64-bit
// tick is split into bytes, each byte indexing one level. A timer is linked
// into the level of the most significant byte in which its tick differs from
// the current tick. When a lower level rolls over, the matching bucket of
// each higher level is cascaded, re-dispatching its timers against the new
// current tick.
//
// Cancellation and firing race on a single atomic word per element, holding
// the element's generation and state. Exactly one side wins. Whoever removes
// an element from its bucket is responsible for recycling it.
package wheel

import (
	"context"
	"errors"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"

	"github.com/joeycumines/go-coroutine/internal/queue"
	"github.com/joeycumines/go-coroutine/internal/spinlock"
)

const (
	levels      = 8
	buckets     = 256
	bucketBits  = 8
	bucketMask  = buckets - 1
	stateBits   = 2
	stateMask   = 1<<stateBits - 1
	maxIdleWait = 100 * time.Millisecond

	// MinPrecision is the smallest accepted tick duration.
	MinPrecision = 100 * time.Microsecond

	// DefaultPrecision is the tick duration used if none is configured.
	DefaultPrecision = time.Millisecond

	// DefaultPoolSize bounds the number of recycled elements retained.
	DefaultPoolSize = 4096
)

const (
	statePending uint64 = iota
	stateFired
	stateCancelled
)

// ErrPrecision is returned by New for an out of range precision.
var ErrPrecision = errors.New(`wheel: precision must be at least 100us`)

type (
	// Wheel is a hierarchical timing wheel. Instances must be created using
	// New. All methods are safe for concurrent use, though RunOnce calls are
	// serialized.
	Wheel struct {
		now          func() time.Time
		panicHandler func(v any)
		epoch        time.Time
		wake         chan struct{}
		complete     *queue.Queue[*Element]
		slots        [levels][buckets]*queue.Queue[*Element]
		pool         []*Element
		precision    time.Duration
		poolSize     int
		point        atomic.Uint64
		pending      atomic.Int64
		sleepUntil   atomic.Int64
		runMu        sync.Mutex
		poolMu       sync.Mutex
	}

	// Element is a single pending callback. Elements are pooled, and are
	// only ever referenced externally via ID.
	Element struct {
		deadline time.Time
		fn       func()
		wheel    *Wheel
		hook     queue.Hook[*Element]
		tick     uint64
		word     atomic.Uint64
		// active is held by Stop for the duration of its CAS and unlink,
		// and briefly by recycle, so an element is never reused while a
		// Stop is in flight.
		active spinlock.Lock
	}

	// ID identifies a started timer. The zero value is valid, and never
	// stops anything.
	ID struct {
		e   *Element
		gen uint64
	}

	// Option configures New.
	Option func(c *config)

	config struct {
		now          func() time.Time
		panicHandler func(v any)
		precision    time.Duration
		poolSize     int
	}
)

// WithPrecision sets the tick duration, which must be >= MinPrecision.
func WithPrecision(precision time.Duration) Option {
	return func(c *config) { c.precision = precision }
}

// WithClock overrides time.Now, e.g. for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithPoolSize bounds the free list of recycled elements. Zero disables
// recycling.
func WithPoolSize(size int) Option {
	return func(c *config) { c.poolSize = size }
}

// WithPanicHandler receives panics recovered from callbacks. If unset,
// callback panics propagate out of RunOnce.
func WithPanicHandler(handler func(v any)) Option {
	return func(c *config) { c.panicHandler = handler }
}

// New constructs a Wheel, with its epoch set to the current time.
func New(options ...Option) (*Wheel, error) {
	c := config{
		now:       time.Now,
		precision: DefaultPrecision,
		poolSize:  DefaultPoolSize,
	}
	for _, o := range options {
		if o != nil {
			o(&c)
		}
	}
	if c.precision < MinPrecision {
		return nil, ErrPrecision
	}
	if c.poolSize < 0 {
		c.poolSize = 0
	}

	w := Wheel{
		now:          c.now,
		panicHandler: c.panicHandler,
		precision:    c.precision,
		poolSize:     c.poolSize,
		wake:         make(chan struct{}, 1),
		complete:     queue.New[*Element](nil),
	}
	for level := range w.slots {
		for bucket := range w.slots[level] {
			w.slots[level][bucket] = queue.New[*Element](nil)
		}
	}
	w.epoch = w.now()

	return &w, nil
}

// Precision returns the tick duration.
func (w *Wheel) Precision() time.Duration {
	return w.precision
}

// Len returns the number of timers that have neither fired nor been
// cancelled.
func (w *Wheel) Len() int {
	return int(w.pending.Load())
}

// Start schedules fn to run at (or within one tick after) deadline. A
// deadline in the past fires on the next RunOnce.
func (w *Wheel) Start(deadline time.Time, fn func()) ID {
	if fn == nil {
		panic(`wheel: nil callback`)
	}

	e := w.alloc()
	e.deadline = deadline
	e.fn = fn
	if now := w.now(); deadline.After(now) {
		e.tick = w.ceilTick(deadline)
	} else {
		e.tick = 0
	}
	gen := e.word.Load() >> stateBits

	w.pending.Add(1)
	w.insert(e)

	if until := w.sleepUntil.Load(); until == 0 || deadline.UnixNano() < until {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}

	return ID{e: e, gen: gen}
}

// After is a convenience for Start(now+d, fn).
func (w *Wheel) After(d time.Duration, fn func()) ID {
	return w.Start(w.now().Add(d), fn)
}

// Stop cancels the timer, returning true if it was pending, i.e. it will
// now never fire. False indicates it already fired, is firing, or was
// already stopped.
func (x ID) Stop() bool {
	e := x.e
	if e == nil {
		return false
	}
	e.active.Lock()
	if !e.word.CompareAndSwap(x.gen<<stateBits|statePending, x.gen<<stateBits|stateCancelled) {
		e.active.Unlock()
		return false
	}
	var removed bool
	if slot := e.hook.Owner(); slot != nil {
		removed = slot.Erase(&e.hook)
	}
	e.active.Unlock()
	w := e.wheel
	w.pending.Add(-1)
	if removed {
		w.recycle(e)
	}
	return true
}

// Valid reports whether the ID was returned by Start.
func (x ID) Valid() bool {
	return x.e != nil
}

// RunOnce fires all due timers, cascading as the tick advances. It returns
// the number of callbacks invoked.
func (w *Wheel) RunOnce() (fired int) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	fired += w.fire(w.complete.Drain())

	target := w.floorTick(w.now())
	for cur := w.point.Load(); cur < target; {
		cur++
		w.point.Store(cur)

		for level := levels - 1; level > 0; level-- {
			if cur&(uint64(1)<<(bucketBits*level)-1) != 0 {
				continue
			}
			bucket := (cur >> (bucketBits * level)) & bucketMask
			for _, h := range w.slots[level][bucket].Drain() {
				e := h.Value()
				if e.word.Load()&stateMask != statePending {
					w.recycle(e)
					continue
				}
				w.insert(e)
			}
		}

		batch := w.slots[0][cur&bucketMask].Drain()
		batch = append(batch, w.complete.Drain()...)
		fired += w.fire(batch)
	}

	return fired
}

// NextTrigger returns how long a driver may sleep before the next RunOnce
// could fire something, capped at maxWait.
func (w *Wheel) NextTrigger(maxWait time.Duration) time.Duration {
	if !w.complete.Empty() {
		return 0
	}
	now := w.now()
	cur := w.point.Load()
	if w.floorTick(now) > cur {
		return 0
	}
	if w.pending.Load() == 0 {
		return maxWait
	}

	ticks := uint64(buckets) - cur&bucketMask
	for b := cur&bucketMask + 1; b < buckets; b++ {
		if !w.slots[0][b].Empty() {
			ticks = b - cur&bucketMask
			break
		}
	}

	d := w.epoch.Add(time.Duration(cur+ticks) * w.precision).Sub(now)
	if d < 0 {
		d = 0
	}
	if d > maxWait {
		d = maxWait
	}
	return d
}

// Run drives the wheel until ctx is canceled, sleeping between ticks as
// indicated by NextTrigger.
func (w *Wheel) Run(ctx context.Context) error {
	timer := time.NewTimer(maxIdleWait)
	defer timer.Stop()
	defer w.sleepUntil.Store(0)

	for {
		w.RunOnce()

		d := w.NextTrigger(maxIdleWait)
		if d <= 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		w.sleepUntil.Store(w.now().Add(d).UnixNano())
		timer.Reset(d)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
		case <-timer.C:
		}
		w.sleepUntil.Store(0)
	}
}

func (w *Wheel) insert(e *Element) {
	for {
		cur := w.point.Load()
		if e.tick <= cur {
			w.complete.Push(&e.hook)
			return
		}
		level := (bits.Len64(e.tick^cur) - 1) / bucketBits
		bucket := (e.tick >> (bucketBits * level)) & bucketMask
		if w.slots[level][bucket].PushIf(&e.hook, func() bool { return w.point.Load() == cur }) {
			return
		}
	}
}

func (w *Wheel) fire(batch []*queue.Hook[*Element]) (fired int) {
	if len(batch) == 0 {
		return 0
	}
	slices.SortStableFunc(batch, func(a, b *queue.Hook[*Element]) int {
		return a.Value().deadline.Compare(b.Value().deadline)
	})
	for _, h := range batch {
		e := h.Value()
		word := e.word.Load()
		if word&stateMask != statePending || !e.word.CompareAndSwap(word, word&^stateMask|stateFired) {
			w.recycle(e)
			continue
		}
		w.pending.Add(-1)
		fn := e.fn
		w.recycle(e)
		w.call(fn)
		fired++
	}
	return fired
}

func (w *Wheel) call(fn func()) {
	if w.panicHandler != nil {
		defer func() {
			if r := recover(); r != nil {
				w.panicHandler(r)
			}
		}()
	}
	fn()
}

func (w *Wheel) alloc() *Element {
	w.poolMu.Lock()
	var e *Element
	if n := len(w.pool); n != 0 {
		e = w.pool[n-1]
		w.pool[n-1] = nil
		w.pool = w.pool[:n-1]
	}
	w.poolMu.Unlock()

	if e == nil {
		e = &Element{wheel: w}
		e.hook.Init(e)
		return e
	}

	gen := e.word.Load()>>stateBits + 1
	e.word.Store(gen << stateBits)
	return e
}

func (w *Wheel) recycle(e *Element) {
	e.active.Lock()
	e.active.Unlock()
	e.fn = nil
	e.deadline = time.Time{}
	if w.poolSize == 0 {
		return
	}
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	if len(w.pool) < w.poolSize {
		w.pool = append(w.pool, e)
	}
}

func (w *Wheel) floorTick(t time.Time) uint64 {
	d := t.Sub(w.epoch)
	if d <= 0 {
		return 0
	}
	return uint64(d / w.precision)
}

func (w *Wheel) ceilTick(t time.Time) uint64 {
	d := t.Sub(w.epoch)
	if d <= 0 {
		return 0
	}
	return uint64((d + w.precision - 1) / w.precision)
}
