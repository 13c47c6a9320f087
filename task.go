package coroutine

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/goroutineid"

	"github.com/joeycumines/go-coroutine/internal/queue"
	"github.com/joeycumines/go-coroutine/internal/spinlock"
	"github.com/joeycumines/go-coroutine/internal/wheel"
)

// TaskID identifies a task, unique within the process.
type TaskID uint64

// TaskState is the scheduling state of a task.
type TaskState int32

const (
	// TaskInit is the state of a task that has not yet been dispatched.
	TaskInit TaskState = iota
	// TaskRunnable tasks are queued, or running.
	TaskRunnable
	// TaskIOBlock tasks are suspended, awaiting an I/O wakeup.
	TaskIOBlock
	// TaskSysBlock tasks are suspended on a synchronization primitive, or
	// an explicit Suspend.
	TaskSysBlock
	// TaskSleep tasks are suspended until a deadline.
	TaskSleep
	// TaskDone tasks have returned (or panicked).
	TaskDone
	// TaskFatal tasks could not be resumed.
	TaskFatal
)

// String implements fmt.Stringer.
func (x TaskState) String() string {
	switch x {
	case TaskInit:
		return `init`
	case TaskRunnable:
		return `runnable`
	case TaskIOBlock:
		return `io_block`
	case TaskSysBlock:
		return `sys_block`
	case TaskSleep:
		return `sleep`
	case TaskDone:
		return `done`
	case TaskFatal:
		return `fatal`
	default:
		return `unknown`
	}
}

// IsBlocked reports whether the state is one of the suspended states.
func (x TaskState) IsBlocked() bool {
	return x == TaskIOBlock || x == TaskSysBlock || x == TaskSleep
}

// IsFinished is true for TaskDone and TaskFatal.
func (x TaskState) IsFinished() bool {
	return x == TaskDone || x == TaskFatal
}

var (
	taskIDCounter atomic.Uint64

	// running maps goroutine id (int64) to the task executing on it
	running sync.Map
)

// Task is a unit of cooperatively scheduled work. A Task is owned by
// exactly one Processer at a time, and is in at most one of its queues.
type Task struct {
	hook  queue.Hook[*Task]
	sched *Scheduler
	proc  atomic.Pointer[Processer]
	fn    func()
	ctx   Context
	// written by the task goroutine before its final switch
	err error
	// armed by suspend, and stopped on resume, only ever by the task itself
	timeout   wheel.ID
	location  string
	id        TaskID
	suspendID atomic.Uint64
	yields    atomic.Uint64
	state     atomic.Int32
	refs      atomic.Int32
	stackSize int
	// guards blocked <-> runnable transitions, and the queue membership
	// that goes with them
	mu     spinlock.Lock
	pinned bool
	// set by WakeupIO, consumed when the task is next queued
	ioWake   bool
	released atomic.Bool
}

func newTask(s *Scheduler, fn func(), opts *taskOptions) *Task {
	tk := &Task{
		sched:     s,
		fn:        fn,
		location:  opts.location,
		id:        TaskID(taskIDCounter.Add(1)),
		stackSize: opts.stackSize,
		pinned:    opts.processer >= 0,
	}
	tk.hook.Init(tk)
	tk.refs.Store(1)
	tk.ctx = s.opts.contextFactory(tk.main)
	return tk
}

// ID returns the task's unique identifier.
func (tk *Task) ID() TaskID { return tk.id }

// State returns the current scheduling state.
func (tk *Task) State() TaskState { return TaskState(tk.state.Load()) }

// YieldCount returns the number of times the task has switched out.
func (tk *Task) YieldCount() uint64 { return tk.yields.Load() }

// Location returns the debug location, normally the file:line that
// created the task.
func (tk *Task) Location() string { return tk.location }

// StackSize returns the stack size the task was created with.
func (tk *Task) StackSize() int { return tk.stackSize }

// Processer returns the Processer that currently owns the task.
func (tk *Task) Processer() *Processer { return tk.proc.Load() }

// Pinned reports whether the task was created with WithProcesser.
func (tk *Task) Pinned() bool { return tk.pinned }

// Err returns the *PanicError or *FatalError the task finished with, if
// any. Only meaningful once the task has finished.
func (tk *Task) Err() error {
	if !tk.State().IsFinished() {
		return nil
	}
	return tk.err
}

// Retain holds a reference to the task, deferring its release past
// completion until the matching Release. Intended for collaborators (e.g. an
// I/O poller) that may still observe the task after it finishes.
func (tk *Task) Retain() {
	if tk.refs.Add(1) <= 1 {
		panic(`coroutine: retain of released task`)
	}
}

// Release drops a reference taken by Retain.
func (tk *Task) Release() {
	tk.decRef()
}

func (tk *Task) decRef() {
	switch n := tk.refs.Add(-1); {
	case n == 0:
		tk.release()
	case n < 0:
		panic(`coroutine: task reference count underflow`)
	}
}

func (tk *Task) release() {
	// under mu, so a concurrent wakeup either queues the task first, or
	// observes the release
	tk.mu.Lock()
	swapped := tk.released.CompareAndSwap(false, true)
	tk.mu.Unlock()
	if !swapped {
		return
	}
	tk.ctx.Close()
	s := tk.sched
	s.unregister(tk)
	s.opts.listener.OnFinished(tk)
	s.log.debug(DebugTask).
		Uint64(`task`, uint64(tk.id)).
		Str(`state`, tk.State().String()).
		Log(`task released`)
	tk.fn = nil
}

func (tk *Task) setState(state TaskState) {
	tk.state.Store(int32(state))
}

// main is the entry of the task's context.
func (tk *Task) main() {
	gid := goroutineid.Get()
	running.Store(gid, tk)
	defer running.Delete(gid)

	s := tk.sched

	defer func() {
		r := recover()
		if r == nil {
			tk.setState(TaskDone)
			return
		}
		if _, ok := r.(contextClosed); ok {
			// discarded while parked, state is left as-is
			return
		}
		tk.err = &PanicError{
			Value:    r,
			Location: tk.location,
			Stack:    debug.Stack(),
			TaskID:   tk.id,
		}
		if s.opts.exceptionPolicy == ExceptionImmediate {
			s.log.crit().
				Uint64(`task`, uint64(tk.id)).
				Str(`location`, tk.location).
				Err(tk.err).
				Log(`task panicked`)
			panic(r)
		}
		tk.setState(TaskDone)
	}()

	s.opts.listener.OnStart(tk)
	tk.fn()
}

// switchOut is the task side of a context switch. A timeout armed by the
// suspend that preceded it is stopped once resumed.
func (tk *Task) switchOut() {
	tk.yields.Add(1)
	ok := tk.ctx.SwapOut()
	if tk.timeout.Valid() {
		tk.timeout.Stop()
		tk.timeout = wheel.ID{}
	}
	if !ok {
		panic(contextClosed{})
	}
}

// currentTask returns the task running on the calling goroutine, or nil.
func currentTask() *Task {
	if v, ok := running.Load(goroutineid.Get()); ok {
		return v.(*Task)
	}
	return nil
}
