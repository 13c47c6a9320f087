package coroutine

import (
	"runtime"
	"time"
)

// SuspendEntry identifies one suspension of a task. It is a value, and may
// be copied freely. Waking with an entry whose suspension already ended
// (woken, or timed out) is a no-op, even if the task has since suspended
// again.
type SuspendEntry struct {
	task *Task
	id   uint64
}

// Valid is false for the zero value.
func (x SuspendEntry) Valid() bool {
	return x.task != nil
}

// TaskID returns the ID of the suspended task, or zero.
func (x SuspendEntry) TaskID() TaskID {
	if x.task == nil {
		return 0
	}
	return x.task.id
}

// Expired reports whether a Wakeup with this entry would be a no-op.
func (x SuspendEntry) Expired() bool {
	return x.task == nil ||
		x.task.suspendID.Load() != x.id ||
		!x.task.State().IsBlocked() ||
		x.task.released.Load()
}

// Current returns the task running on the calling goroutine, or nil.
func Current() *Task {
	return currentTask()
}

// InCoroutine reports whether the caller is running as a task.
func InCoroutine() bool {
	return currentTask() != nil
}

// CurrentTaskID returns the ID of the calling task, or zero.
func CurrentTaskID() TaskID {
	if tk := currentTask(); tk != nil {
		return tk.id
	}
	return 0
}

// CurrentYieldCount returns the yield count of the calling task, or zero.
func CurrentYieldCount() uint64 {
	if tk := currentTask(); tk != nil {
		return tk.YieldCount()
	}
	return 0
}

// Suspend marks the calling task as blocked, returning the entry that must
// be passed to Wakeup to resume it. The caller must then call Yield, which
// returns once woken. Outside a task, it returns the zero entry.
//
// Wakeup may be called before Yield, in which case Yield returns
// immediately after a single switch.
func Suspend() SuspendEntry {
	return suspend(TaskSysBlock, 0)
}

// SuspendFor is Suspend, with the task automatically woken after d, if
// not woken earlier.
func SuspendFor(d time.Duration) SuspendEntry {
	return suspend(TaskSysBlock, d)
}

// SuspendIO is SuspendFor, for tasks awaiting I/O readiness, which should
// be woken with WakeupIO. A d of zero or less disables the timeout.
func SuspendIO(d time.Duration) SuspendEntry {
	return suspend(TaskIOBlock, d)
}

func suspend(state TaskState, timeout time.Duration) SuspendEntry {
	tk := currentTask()
	if tk == nil {
		return SuspendEntry{}
	}
	return tk.proc.Load().suspend(tk, state, timeout)
}

// Wakeup resumes a task suspended with entry, returning false if the
// suspension already ended, or the task was discarded by Scheduler.Stop.
// Safe to call from any goroutine.
func Wakeup(entry SuspendEntry) bool {
	if entry.task == nil {
		return false
	}
	return entry.task.sched.wakeup(entry, false)
}

// WakeupIO is Wakeup, but queues the task on its Processer's I/O queue,
// which is never stolen.
func WakeupIO(entry SuspendEntry) bool {
	if entry.task == nil {
		return false
	}
	return entry.task.sched.wakeup(entry, true)
}

// Yield switches out the calling task. A runnable task is queued at the
// tail of its Processer. Outside a task, it calls runtime.Gosched.
func Yield() {
	tk := currentTask()
	if tk == nil {
		runtime.Gosched()
		return
	}
	tk.switchOut()
}

// Sleep suspends the calling task for at least d. Outside a task, it calls
// time.Sleep. A d of zero or less is equivalent to Yield.
func Sleep(d time.Duration) {
	tk := currentTask()
	if tk == nil {
		time.Sleep(d)
		return
	}
	if d > 0 {
		tk.proc.Load().suspend(tk, TaskSleep, d)
	}
	tk.switchOut()
}

func (s *Scheduler) wakeup(entry SuspendEntry, io bool) bool {
	tk := entry.task

	tk.mu.Lock()
	if tk.suspendID.Load() != entry.id || !tk.State().IsBlocked() || tk.released.Load() {
		tk.mu.Unlock()
		return false
	}
	p := tk.proc.Load()
	p.waiting.Erase(&tk.hook)
	tk.setState(TaskRunnable)
	tk.ioWake = io
	p.newTasks.Push(&tk.hook)
	tk.mu.Unlock()

	p.notify()

	s.log.debug(DebugSync).
		Uint64(`task`, uint64(tk.id)).
		Bool(`io`, io).
		Log(`task woken`)
	return true
}
