package coroutine

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrSchedulerRunning is returned when Start is called on a running Scheduler.
	ErrSchedulerRunning = errors.New("coroutine: scheduler is already running")

	// ErrSchedulerStopped is returned when operations are attempted after Stop.
	ErrSchedulerStopped = errors.New("coroutine: scheduler has been stopped")

	// ErrInvalidOption wraps all option validation failures.
	ErrInvalidOption = errors.New("coroutine: invalid option")

	// ErrNilFunc is returned when creating a task with a nil function.
	ErrNilFunc = errors.New("coroutine: nil task function")

	// ErrChannelClosed is returned by Channel operations after Close.
	ErrChannelClosed = errors.New("coroutine: channel closed")

	// ErrTimeout is returned by timed operations that expired.
	ErrTimeout = errors.New("coroutine: timed out")

	// ErrWouldBlock is returned by the non-blocking Channel operations.
	ErrWouldBlock = errors.New("coroutine: operation would block")

	// ErrUnlockOfUnlocked is the cause of the ContractError raised by
	// unlocking a Mutex or RWMutex that is not held in the matching mode.
	ErrUnlockOfUnlocked = errors.New("coroutine: unlock of unlocked mutex")

	// ErrCondBusy is returned by Cond.Close while tasks are still waiting.
	ErrCondBusy = errors.New("coroutine: condition variable closed with waiters")

	// ErrContextSwitch is the cause of FatalError.
	ErrContextSwitch = errors.New("coroutine: context switch failed")
)

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value    any
	Location string
	Stack    []byte
	TaskID   TaskID
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("coroutine: task %d (%s) panicked: %v", e.TaskID, e.Location, e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ContractError indicates misuse of the API, e.g. unlocking a mutex that
// isn't held. These are raised as panics, or returned, depending on the
// operation.
type ContractError struct {
	Cause error
	Op    string
}

// Error implements the error interface.
func (e *ContractError) Error() string {
	if e.Cause == nil {
		return "coroutine: " + e.Op + ": contract violation"
	}
	return e.Op + ": " + e.Cause.Error()
}

// Unwrap returns the underlying cause.
func (e *ContractError) Unwrap() error {
	return e.Cause
}

// FatalError is recorded when a task's context could not be resumed. The
// task is marked TaskFatal, and is never retried.
type FatalError struct {
	Location string
	TaskID   TaskID
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("coroutine: task %d (%s): %v", e.TaskID, e.Location, ErrContextSwitch)
}

// Unwrap returns ErrContextSwitch.
func (e *FatalError) Unwrap() error {
	return ErrContextSwitch
}

func optionError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidOption}, args...)...)
}
