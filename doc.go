// Package coroutine implements a cooperative task scheduler, in the style of
// an M:N coroutine runtime.
//
// A [Scheduler] owns a set of [Processer] instances, each running on its own
// OS thread, and each resuming at most one [Task] at a time. Tasks switch out
// explicitly, via [Yield], [Sleep], or by blocking on one of the package's
// synchronization primitives ([Mutex], [RWMutex], [Cond], [Channel],
// [BlockObject]), which suspend the task rather than its thread. The same
// primitives also work from plain goroutines, which block normally.
//
// Collaborators, such as an I/O poller, use [Suspend] and [Wakeup] (or
// [SuspendIO] and [WakeupIO]) directly. A [SuspendEntry] is only good for
// the one suspension it was returned for, making late or duplicate wakeups
// harmless.
//
// Each task runs on a dedicated goroutine, handed control via a [Context].
// A dispatcher goroutine balances work across Processers, moving runnable
// tasks away from any Processer whose current task has exceeded the cycle
// timeout, and adding Processers on demand. Timers, including suspend
// timeouts, are driven by a hierarchical timing wheel.
package coroutine
