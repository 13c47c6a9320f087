package coroutine

import (
	"sync"
	"sync/atomic"
)

type (
	// Context is the continuation primitive a task runs on. Exactly one side
	// (the Processer, or the task) runs at a time: SwapIn blocks the
	// Processer until the task calls SwapOut, or returns.
	Context interface {
		// SwapIn resumes the task, blocking until it yields or finishes. It
		// returns false if the context had already finished, or was closed.
		SwapIn() bool

		// SwapOut is called by the task, to return control to the
		// Processer. It blocks until the next SwapIn, returning false if the
		// context was closed instead, in which case the task must unwind
		// without touching scheduler state.
		SwapOut() bool

		// Close releases a parked task. It is idempotent.
		Close()
	}

	// ContextFactory creates a Context that will run entry on first SwapIn.
	ContextFactory func(entry func()) Context

	// goroutineContext runs the entry on a dedicated goroutine, handing
	// control back and forth over unbuffered channels.
	goroutineContext struct {
		entry     func()
		resume    chan struct{}
		yield     chan struct{}
		closed    chan struct{}
		closeOnce sync.Once
		finished  atomic.Bool
		// only accessed by the SwapIn caller
		started bool
	}

	// contextClosed is panicked by a task whose context was closed while
	// it was parked, to unwind its stack.
	contextClosed struct{}
)

var _ Context = (*goroutineContext)(nil)

// NewGoroutineContext is the default ContextFactory. The goroutine is not
// started until the first SwapIn.
func NewGoroutineContext(entry func()) Context {
	if entry == nil {
		panic(`coroutine: nil context entry`)
	}
	return &goroutineContext{
		entry:  entry,
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (x *goroutineContext) SwapIn() bool {
	if x.finished.Load() {
		return false
	}
	if !x.started {
		x.started = true
		go x.run()
	} else {
		select {
		case x.resume <- struct{}{}:
		case <-x.closed:
			return false
		}
	}
	select {
	case <-x.yield:
		return true
	case <-x.closed:
		return false
	}
}

func (x *goroutineContext) SwapOut() bool {
	select {
	case x.yield <- struct{}{}:
	case <-x.closed:
		return false
	}
	select {
	case <-x.resume:
		return true
	case <-x.closed:
		return false
	}
}

func (x *goroutineContext) Close() {
	x.closeOnce.Do(func() { close(x.closed) })
}

func (x *goroutineContext) run() {
	defer func() {
		x.finished.Store(true)
		select {
		case x.yield <- struct{}{}:
		case <-x.closed:
		}
	}()
	x.entry()
}
