package coroutine

import (
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-coroutine/internal/wheel"
)

const (
	// DefaultCycleTimeout is how long a task may run without switching
	// before its Processer is considered blocking.
	DefaultCycleTimeout = 100 * time.Millisecond

	// DefaultDispatchInterval is the period of the dispatcher goroutine.
	DefaultDispatchInterval = time.Millisecond

	// DefaultIdleWait bounds how long an idle Processer sleeps before
	// re-checking its queues.
	DefaultIdleWait = 10 * time.Millisecond

	// DefaultStackSize is recorded against tasks that don't set one.
	DefaultStackSize = 128 << 10

	// DefaultEventBatchSize bounds the number of new tasks a Processer
	// admits per iteration of its run loop.
	DefaultEventBatchSize = 256

	// DefaultTimerPrecision is the tick of the Scheduler's timing wheel.
	DefaultTimerPrecision = wheel.DefaultPrecision
)

// ExceptionPolicy determines what happens when a task panics.
type ExceptionPolicy int

const (
	// ExceptionDelayed records the panic as a *PanicError, returned
	// (joined) from Scheduler.Stop and Scheduler.Errors.
	ExceptionDelayed ExceptionPolicy = iota
	// ExceptionImmediate re-panics on the task's goroutine, which will
	// crash the process.
	ExceptionImmediate
	// ExceptionLogOnly logs the panic and discards it.
	ExceptionLogOnly
)

// String implements fmt.Stringer.
func (x ExceptionPolicy) String() string {
	switch x {
	case ExceptionDelayed:
		return `delayed`
	case ExceptionImmediate:
		return `immediate`
	case ExceptionLogOnly:
		return `log_only`
	default:
		return `unknown`
	}
}

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	logger           *logiface.Logger[logiface.Event]
	listener         TaskListener
	contextFactory   ContextFactory
	now              func() time.Time
	cycleTimeout     time.Duration
	dispatchInterval time.Duration
	idleWait         time.Duration
	timerPrecision   time.Duration
	stackSize        int
	eventBatchSize   int
	exceptionPolicy  ExceptionPolicy
	debug            DebugFlags
	workStealing     bool
	singleThread     bool
}

// Option configures a Scheduler instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithLogger configures structured logging. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithDebug enables Debug level logging for the given categories.
func WithDebug(flags DebugFlags) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.debug = flags
		return nil
	}}
}

// WithStackSize sets the default stack size recorded against new tasks.
// Goroutine stacks grow on demand, so this is advisory only.
func WithStackSize(size int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if size <= 0 {
			return optionError("stack size must be positive, got %d", size)
		}
		opts.stackSize = size
		return nil
	}}
}

// WithExceptionPolicy sets the task panic policy. See ExceptionPolicy.
func WithExceptionPolicy(policy ExceptionPolicy) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		switch policy {
		case ExceptionDelayed, ExceptionImmediate, ExceptionLogOnly:
		default:
			return optionError("unknown exception policy %d", int(policy))
		}
		opts.exceptionPolicy = policy
		return nil
	}}
}

// WithCycleTimeout sets how long a single task may run before its
// Processer's runnable tasks are moved elsewhere.
func WithCycleTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if d <= 0 {
			return optionError("cycle timeout must be positive, got %v", d)
		}
		opts.cycleTimeout = d
		return nil
	}}
}

// WithWorkStealing toggles stealing between Processers. Enabled by
// default.
func WithWorkStealing(enabled bool) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.workStealing = enabled
		return nil
	}}
}

// WithEventBatchSize bounds how many newly dispatched or woken tasks a
// Processer admits per iteration.
func WithEventBatchSize(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n <= 0 {
			return optionError("event batch size must be positive, got %d", n)
		}
		opts.eventBatchSize = n
		return nil
	}}
}

// WithTimerPrecision sets the timing wheel tick.
func WithTimerPrecision(d time.Duration) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if d < wheel.MinPrecision {
			return optionError("timer precision must be at least %v, got %v", wheel.MinPrecision, d)
		}
		opts.timerPrecision = d
		return nil
	}}
}

// WithDispatchInterval sets the period of the dispatcher goroutine.
func WithDispatchInterval(d time.Duration) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if d <= 0 {
			return optionError("dispatch interval must be positive, got %v", d)
		}
		opts.dispatchInterval = d
		return nil
	}}
}

// WithIdleWait bounds how long an idle Processer blocks between checks.
func WithIdleWait(d time.Duration) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if d <= 0 {
			return optionError("idle wait must be positive, got %v", d)
		}
		opts.idleWait = d
		return nil
	}}
}

// WithSingleThread replaces the internal queue spinlocks with no-op locks.
// Only valid if the Scheduler is started with exactly one Processer, and no
// other goroutine dispatches or wakes tasks.
func WithSingleThread(enabled bool) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.singleThread = enabled
		return nil
	}}
}

// WithTaskListener observes task lifecycle events.
func WithTaskListener(listener TaskListener) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.listener = listener
		return nil
	}}
}

// WithContextFactory substitutes the continuation primitive used to run
// tasks.
func WithContextFactory(factory ContextFactory) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.contextFactory = factory
		return nil
	}}
}

func withClock(now func() time.Time) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.now = now
		return nil
	}}
}

// resolveOptions applies Option instances to schedulerOptions.
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		listener:         NopTaskListener{},
		contextFactory:   NewGoroutineContext,
		now:              time.Now,
		cycleTimeout:     DefaultCycleTimeout,
		dispatchInterval: DefaultDispatchInterval,
		idleWait:         DefaultIdleWait,
		timerPrecision:   DefaultTimerPrecision,
		stackSize:        DefaultStackSize,
		eventBatchSize:   DefaultEventBatchSize,
		workStealing:     true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.listener == nil {
		cfg.listener = NopTaskListener{}
	}
	if cfg.contextFactory == nil {
		cfg.contextFactory = NewGoroutineContext
	}
	return cfg, nil
}

// DispatchPolicy selects the Processer a new task is queued on.
type DispatchPolicy int

const (
	// DispatchDefault is DispatchLocalThread with work stealing enabled,
	// otherwise DispatchRobin.
	DispatchDefault DispatchPolicy = iota
	// DispatchLocalThread queues on the creating task's Processer, falling
	// back to the first Processer if the caller is not a task.
	DispatchLocalThread
	// DispatchRobin cycles through Processers.
	DispatchRobin
	// DispatchRandom picks a Processer uniformly at random.
	DispatchRandom
)

// String implements fmt.Stringer.
func (x DispatchPolicy) String() string {
	switch x {
	case DispatchDefault:
		return `default`
	case DispatchLocalThread:
		return `local_thread`
	case DispatchRobin:
		return `robin`
	case DispatchRandom:
		return `random`
	default:
		return `unknown`
	}
}

type taskOptions struct {
	location  string
	stackSize int
	dispatch  DispatchPolicy
	processer int
}

// TaskOption configures a single task.
type TaskOption interface {
	applyTask(*taskOptions) error
}

type taskOptionImpl struct {
	applyTaskFunc func(*taskOptions) error
}

func (o *taskOptionImpl) applyTask(opts *taskOptions) error {
	return o.applyTaskFunc(opts)
}

// WithTaskStackSize overrides the recorded stack size for one task.
func WithTaskStackSize(size int) TaskOption {
	return &taskOptionImpl{func(opts *taskOptions) error {
		if size <= 0 {
			return optionError("stack size must be positive, got %d", size)
		}
		opts.stackSize = size
		return nil
	}}
}

// WithDispatch sets the dispatch policy for one task.
func WithDispatch(policy DispatchPolicy) TaskOption {
	return &taskOptionImpl{func(opts *taskOptions) error {
		if policy < DispatchDefault || policy > DispatchRandom {
			return optionError("unknown dispatch policy %d", int(policy))
		}
		opts.dispatch = policy
		return nil
	}}
}

// WithProcesser pins the task to the Processer at index (modulo the number
// of Processers). Pinned tasks are never stolen.
func WithProcesser(index int) TaskOption {
	return &taskOptionImpl{func(opts *taskOptions) error {
		if index < 0 {
			return optionError("processer index must not be negative, got %d", index)
		}
		opts.processer = index
		return nil
	}}
}

// WithLocation overrides the debug location, which otherwise defaults to
// the file:line that created the task.
func WithLocation(location string) TaskOption {
	return &taskOptionImpl{func(opts *taskOptions) error {
		opts.location = location
		return nil
	}}
}

func resolveTaskOptions(stackSize int, opts []TaskOption) (*taskOptions, error) {
	cfg := &taskOptions{
		stackSize: stackSize,
		processer: -1,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyTask(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
