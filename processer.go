package coroutine

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/joeycumines/go-coroutine/internal/queue"
	"github.com/joeycumines/go-coroutine/internal/spinlock"
)

// gcThreshold is the number of finished tasks a Processer accumulates
// before releasing them, while busy.
const gcThreshold = 16

// Processer runs tasks on a single goroutine, locked to an OS thread. A
// task is only ever resumed by the Processer that owns it.
type Processer struct {
	_ cpu.CacheLinePad

	// hot fields, written by the run loop and read by the dispatcher
	current  atomic.Pointer[Task]
	swapAt   atomic.Int64
	switches atomic.Uint64
	idle     atomic.Bool

	_ cpu.CacheLinePad

	sched *Scheduler

	// runnable tasks, which may be stolen
	runnable *queue.Queue[*Task]
	// tasks woken by WakeupIO, never stolen
	ioReady *queue.Queue[*Task]
	// tasks created with WithProcesser, never stolen
	pinned *queue.Queue[*Task]
	// tasks dispatched or woken from other goroutines, drained by the loop
	newTasks *queue.Queue[*Task]
	// suspended tasks
	waiting *queue.Queue[*Task]
	// finished tasks, pending release
	gc *queue.Queue[*Task]

	wake chan struct{}
	id   int
	// round-robin cursor over the runnable sub-queues, loop only
	pick int
}

func newProcesser(s *Scheduler, id int) *Processer {
	newQueue := func() *queue.Queue[*Task] {
		return queue.New[*Task](spinlock.New(s.opts.singleThread))
	}
	return &Processer{
		sched:    s,
		runnable: newQueue(),
		ioReady:  newQueue(),
		pinned:   newQueue(),
		// pushed to by other goroutines (e.g. timer callbacks), always locked
		newTasks: queue.New[*Task](nil),
		waiting:  queue.New[*Task](nil),
		gc:       newQueue(),
		wake:     make(chan struct{}, 1),
		id:       id,
	}
}

// ID returns the index of the Processer within its Scheduler.
func (p *Processer) ID() int { return p.id }

// CurrentTask returns the task being run, or nil.
func (p *Processer) CurrentTask() *Task { return p.current.Load() }

// Switches returns the number of context switches performed.
func (p *Processer) Switches() uint64 { return p.switches.Load() }

// Blocking reports whether the current task has been running for longer
// than the cycle timeout.
func (p *Processer) Blocking(now time.Time) bool {
	at := p.swapAt.Load()
	return at != 0 && now.UnixNano()-at > int64(p.sched.opts.cycleTimeout)
}

// Idle reports whether the Processer is parked waiting for work.
func (p *Processer) Idle() bool { return p.idle.Load() }

// RunnableLen returns the number of tasks that could be resumed now,
// excluding newly dispatched tasks not yet admitted.
func (p *Processer) RunnableLen() int {
	return p.runnable.Len() + p.ioReady.Len() + p.pinned.Len()
}

// Pending reports whether there is any queued work.
func (p *Processer) Pending() bool {
	return p.RunnableLen() != 0 || !p.newTasks.Empty()
}

// TaskCount returns the number of live tasks owned by the Processer.
func (p *Processer) TaskCount() int {
	n := p.RunnableLen() + p.newTasks.Len() + p.waiting.Len()
	if p.current.Load() != nil {
		n++
	}
	return n
}

func (p *Processer) queues() []*queue.Queue[*Task] {
	return []*queue.Queue[*Task]{p.runnable, p.ioReady, p.pinned, p.newTasks, p.waiting, p.gc}
}

func (p *Processer) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// push queues a runnable task, on the sub-queue matching how it became
// runnable. Only called by the loop, or by a steal.
func (p *Processer) push(tk *Task) {
	switch {
	case tk.pinned:
		p.pinned.Push(&tk.hook)
	case tk.ioWake:
		tk.ioWake = false
		p.ioReady.Push(&tk.hook)
	default:
		p.runnable.Push(&tk.hook)
	}
}

// enqueue hands a task to the Processer from any goroutine.
func (p *Processer) enqueue(tk *Task) {
	p.newTasks.Push(&tk.hook)
	p.notify()
}

func (p *Processer) admit() {
	for range p.sched.opts.eventBatchSize {
		h := p.newTasks.Pop()
		if h == nil {
			return
		}
		p.push(h.Value())
	}
}

func (p *Processer) next() *Task {
	queues := [...]*queue.Queue[*Task]{p.ioReady, p.pinned, p.runnable}
	for i := range queues {
		if h := queues[(p.pick+i)%len(queues)].Pop(); h != nil {
			p.pick++
			return h.Value()
		}
	}
	return nil
}

func (p *Processer) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := p.sched
	s.log.debug(DebugScheduler).
		Int(`processer`, p.id).
		Log(`processer started`)
	defer func() {
		s.log.debug(DebugScheduler).
			Int(`processer`, p.id).
			Uint64(`switches`, p.switches.Load()).
			Log(`processer stopped`)
	}()

	timer := time.NewTimer(s.opts.idleWait)
	defer timer.Stop()

	for ctx.Err() == nil {
		p.admit()

		tk := p.next()
		if tk == nil {
			p.collect()
			p.idle.Store(true)
			timer.Reset(s.opts.idleWait)
			select {
			case <-ctx.Done():
			case <-p.wake:
			case <-timer.C:
			}
			p.idle.Store(false)
			continue
		}

		p.resume(tk)

		if p.gc.Len() >= gcThreshold {
			p.collect()
		}
	}

	return nil
}

func (p *Processer) resume(tk *Task) {
	s := p.sched
	listener := s.opts.listener

	p.current.Store(tk)
	p.swapAt.Store(s.opts.now().UnixNano())
	listener.OnSwapIn(tk)

	ok := tk.ctx.SwapIn()

	if !ok && !tk.State().IsFinished() {
		tk.err = &FatalError{Location: tk.location, TaskID: tk.id}
		tk.setState(TaskFatal)
	}

	// stealNew relies on current staying set until the task is queued
	tk.mu.Lock()
	state := tk.State()
	switch {
	case state == TaskRunnable:
		// a wakeup may have raced the switch, and already queued it
		if !tk.hook.Linked() {
			p.push(tk)
		}
	case state.IsFinished():
		p.waiting.Erase(&tk.hook)
		p.gc.Push(&tk.hook)
	}
	tk.mu.Unlock()

	p.swapAt.Store(0)
	p.current.Store(nil)
	p.switches.Add(1)

	listener.OnSwapOut(tk)

	if state.IsFinished() {
		s.finished(tk)
	}
}

// collect releases finished tasks.
func (p *Processer) collect() {
	for _, h := range p.gc.Drain() {
		h.Value().decRef()
	}
}

// StealHalf moves ceil(n/2) of from's stealable tasks to p, returning the
// number moved.
func (p *Processer) StealHalf(from *Processer) int {
	return p.steal(from, (from.runnable.Len()+1)/2)
}

// StealAll moves all of from's stealable tasks to p.
func (p *Processer) StealAll(from *Processer) int {
	return p.steal(from, from.runnable.Len())
}

// stealNew moves from's newly dispatched tasks to p, for use when from is
// stuck on a runaway task, and can't admit them. Pinned tasks, tasks woken
// for I/O, and a task woken before it finished switching out, are left in
// place.
func (p *Processer) stealNew(from *Processer) int {
	if from == p {
		return 0
	}
	var candidates []*Task
	from.newTasks.Each(func(tk *Task) bool {
		if !tk.pinned && !tk.ioWake {
			candidates = append(candidates, tk)
		}
		return true
	})
	var moved int
	for _, tk := range candidates {
		tk.mu.Lock()
		if from.current.Load() != tk && from.newTasks.Erase(&tk.hook) {
			tk.proc.Store(p)
			p.newTasks.Push(&tk.hook)
			moved++
		}
		tk.mu.Unlock()
	}
	if moved != 0 {
		p.notify()
	}
	return moved
}

func (p *Processer) steal(from *Processer, n int) int {
	if from == p || n <= 0 {
		return 0
	}
	hooks := from.runnable.PopBack(n)
	if len(hooks) == 0 {
		return 0
	}
	for _, h := range hooks {
		h.Value().proc.Store(p)
	}
	p.runnable.PushAll(hooks)
	p.notify()
	p.sched.log.debug(DebugSteal).
		Int(`from`, from.id).
		Int(`to`, p.id).
		Int(`count`, len(hooks)).
		Log(`stole tasks`)
	return len(hooks)
}

// suspend blocks the running task tk, which must be owned by p, returning
// an entry that can be used to wake it. If timeout is positive, a timer is
// armed to wake it. The task must switch out after calling this.
func (p *Processer) suspend(tk *Task, state TaskState, timeout time.Duration) SuspendEntry {
	tk.mu.Lock()
	if tk.State().IsBlocked() {
		// already suspended, but not yet switched out
		entry := SuspendEntry{task: tk, id: tk.suspendID.Load()}
		tk.mu.Unlock()
		return entry
	}
	id := tk.suspendID.Add(1)
	tk.setState(state)
	p.waiting.Push(&tk.hook)
	tk.mu.Unlock()

	entry := SuspendEntry{task: tk, id: id}
	s := p.sched
	if timeout > 0 {
		tk.timeout = s.wheel.After(timeout, func() { s.wakeup(entry, false) })
	}
	s.log.debug(DebugSync).
		Uint64(`task`, uint64(tk.id)).
		Str(`state`, state.String()).
		Dur(`timeout`, timeout).
		Log(`task suspended`)
	return entry
}
