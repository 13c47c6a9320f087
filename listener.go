package coroutine

// TaskListener observes task lifecycle events. Callbacks are made
// synchronously, from the Processer or task goroutine indicated, and must
// not block.
//
// Embed NopTaskListener to implement a subset.
type TaskListener interface {
	// OnCreated is called by CreateTask, on the creating goroutine.
	OnCreated(tk *Task)
	// OnSwapIn is called by the Processer, immediately before the task is
	// resumed.
	OnSwapIn(tk *Task)
	// OnStart is called on the task's own goroutine, before its function.
	OnStart(tk *Task)
	// OnSwapOut is called by the Processer, after the task yields or
	// finishes.
	OnSwapOut(tk *Task)
	// OnCompleted is called by the Processer once the task has finished,
	// whether or not it panicked.
	OnCompleted(tk *Task)
	// OnException is called by the Processer, before OnCompleted, if the
	// task panicked or could not be resumed.
	OnException(tk *Task, err error)
	// OnFinished is called when the task is released.
	OnFinished(tk *Task)
}

// NopTaskListener implements TaskListener, doing nothing.
type NopTaskListener struct{}

var _ TaskListener = NopTaskListener{}

func (NopTaskListener) OnCreated(*Task)          {}
func (NopTaskListener) OnSwapIn(*Task)           {}
func (NopTaskListener) OnStart(*Task)            {}
func (NopTaskListener) OnSwapOut(*Task)          {}
func (NopTaskListener) OnCompleted(*Task)        {}
func (NopTaskListener) OnException(*Task, error) {}
func (NopTaskListener) OnFinished(*Task)         {}
