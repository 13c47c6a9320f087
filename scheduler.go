package coroutine

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/go-coroutine/internal/wheel"
)

const (
	schedulerIdle int32 = iota
	schedulerRunning
	schedulerStopping
	schedulerStopped
)

// Scheduler owns a set of Processers, a timing wheel, and the goroutines
// that drive them. Instances must be created using New.
//
// Tasks may be created before Start, in which case they run once started.
type Scheduler struct {
	opts  *schedulerOptions
	log   *schedLogger
	wheel *wheel.Wheel

	procs   atomic.Pointer[[]*Processer]
	procsMu sync.Mutex

	tasks   map[TaskID]*Task
	tasksMu sync.Mutex

	errs   []error
	errsMu sync.Mutex

	idle   chan struct{}
	idleMu sync.Mutex

	// set by Start
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	done     chan struct{}
	groupErr error
	max      int

	stopOnce sync.Once

	taskCount atomic.Int64
	// createTask calls past their state check, see discard
	creating atomic.Int64
	robin    atomic.Uint64
	state    atomic.Int32
}

// New creates a Scheduler, with a single Processer. Processers are added
// by Start, and on demand, up to its maxThreads.
func New(opts ...Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		opts:  cfg,
		log:   newSchedLogger(cfg.logger, cfg.debug),
		tasks: make(map[TaskID]*Task),
		idle:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	s.wheel, err = wheel.New(
		wheel.WithPrecision(cfg.timerPrecision),
		wheel.WithClock(cfg.now),
		wheel.WithPanicHandler(s.timerPanic),
	)
	if err != nil {
		return nil, optionError("%v", err)
	}

	procs := []*Processer{newProcesser(s, 0)}
	s.procs.Store(&procs)

	return s, nil
}

// Start launches the Processers, dispatcher and timer driver, returning
// once they are running. A minThreads of zero or less uses GOMAXPROCS. A
// maxThreads less than minThreads is treated as equal to it.
func (s *Scheduler) Start(minThreads, maxThreads int) error {
	if minThreads <= 0 {
		minThreads = runtime.GOMAXPROCS(0)
	}
	if maxThreads < minThreads {
		maxThreads = minThreads
	}
	if s.opts.singleThread && maxThreads != 1 {
		return optionError("single thread mode requires exactly one processer, got max %d", maxThreads)
	}

	if !s.state.CompareAndSwap(schedulerIdle, schedulerRunning) {
		if s.state.Load() == schedulerRunning {
			return ErrSchedulerRunning
		}
		return ErrSchedulerStopped
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.group = new(errgroup.Group)
	s.max = maxThreads

	s.procsMu.Lock()
	for _, p := range s.processers() {
		s.group.Go(func() error { return p.run(s.ctx) })
	}
	for len(s.processers()) < minThreads {
		s.addProcesserLocked()
	}
	s.procsMu.Unlock()

	s.group.Go(func() error {
		if err := s.wheel.Run(s.ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	s.group.Go(func() error { return s.dispatch(s.ctx) })

	go func() {
		defer close(s.done)
		s.groupErr = s.group.Wait()
	}()

	s.log.info().
		Int(`min_threads`, minThreads).
		Int(`max_threads`, maxThreads).
		Log(`scheduler started`)

	return nil
}

// Stop halts the Scheduler, and discards any unfinished tasks, releasing
// their goroutines. Use Wait first to let tasks complete. The returned
// error joins any task panics recorded under ExceptionDelayed, and any
// fatal task errors.
//
// If ctx is done before the Processers exit, ctx.Err() is returned, and
// Stop may be called again to resume waiting.
func (s *Scheduler) Stop(ctx context.Context) error {
	for {
		switch s.state.Load() {
		case schedulerIdle:
			if !s.state.CompareAndSwap(schedulerIdle, schedulerStopped) {
				continue
			}
			close(s.done)
			s.discard()
			return errors.Join(s.Errors()...)

		case schedulerRunning:
			if !s.state.CompareAndSwap(schedulerRunning, schedulerStopping) {
				continue
			}
			s.cancel()
			return s.awaitStop(ctx)

		case schedulerStopping:
			// an earlier Stop gave up waiting, or is still waiting
			return s.awaitStop(ctx)

		default:
			return ErrSchedulerStopped
		}
	}
}

func (s *Scheduler) awaitStop(ctx context.Context) error {
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.stopOnce.Do(func() {
		s.discard()
		s.state.Store(schedulerStopped)
		s.log.info().Log(`scheduler stopped`)
	})
	return errors.Join(append([]error{s.groupErr}, s.Errors()...)...)
}

// Done is closed once every goroutine started by Start has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until there are no live tasks, or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.idleMu.Lock()
		if s.taskCount.Load() == 0 {
			s.idleMu.Unlock()
			return nil
		}
		ch := s.idle
		s.idleMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CreateTask queues fn to run as a new task, returning its ID.
func (s *Scheduler) CreateTask(fn func(), opts ...TaskOption) (TaskID, error) {
	return s.createTask(fn, opts)
}

// Go is CreateTask, panicking if the task cannot be created.
func (s *Scheduler) Go(fn func(), opts ...TaskOption) TaskID {
	id, err := s.createTask(fn, opts)
	if err != nil {
		panic(err)
	}
	return id
}

func (s *Scheduler) createTask(fn func(), opts []TaskOption) (TaskID, error) {
	if fn == nil {
		return 0, ErrNilFunc
	}
	s.creating.Add(1)
	defer s.creating.Add(-1)
	if s.state.Load() >= schedulerStopping {
		return 0, ErrSchedulerStopped
	}

	o, err := resolveTaskOptions(s.opts.stackSize, opts)
	if err != nil {
		return 0, err
	}
	if o.location == `` {
		// skip createTask, and the exported caller
		if _, file, line, ok := runtime.Caller(2); ok {
			o.location = filepath.Base(file) + `:` + strconv.Itoa(line)
		}
	}

	tk := newTask(s, fn, o)
	s.register(tk)
	s.taskCount.Add(1)
	s.opts.listener.OnCreated(tk)

	p := s.pick(o)
	tk.proc.Store(p)
	tk.setState(TaskRunnable)
	p.enqueue(tk)

	s.log.debug(DebugTask).
		Uint64(`task`, uint64(tk.id)).
		Str(`location`, tk.location).
		Int(`processer`, p.id).
		Log(`task created`)

	return tk.id, nil
}

func (s *Scheduler) pick(o *taskOptions) *Processer {
	procs := s.processers()
	if o.processer >= 0 {
		return procs[o.processer%len(procs)]
	}

	policy := o.dispatch
	if policy == DispatchDefault {
		if s.opts.workStealing {
			policy = DispatchLocalThread
		} else {
			policy = DispatchRobin
		}
	}

	switch policy {
	case DispatchLocalThread:
		if tk := currentTask(); tk != nil && tk.sched == s {
			if p := tk.proc.Load(); p != nil {
				return p
			}
		}
		return procs[0]
	case DispatchRandom:
		return procs[rand.IntN(len(procs))]
	}

	return procs[(s.robin.Add(1)-1)%uint64(len(procs))]
}

// Processers returns a snapshot of the Scheduler's Processers.
func (s *Scheduler) Processers() []*Processer {
	return append([]*Processer(nil), s.processers()...)
}

func (s *Scheduler) processers() []*Processer {
	return *s.procs.Load()
}

// addProcesserLocked must be called with procsMu held, while running.
func (s *Scheduler) addProcesserLocked() *Processer {
	old := s.processers()
	p := newProcesser(s, len(old))
	procs := make([]*Processer, len(old), len(old)+1)
	copy(procs, old)
	procs = append(procs, p)
	s.procs.Store(&procs)
	s.group.Go(func() error { return p.run(s.ctx) })
	return p
}

func (s *Scheduler) grow() *Processer {
	s.procsMu.Lock()
	defer s.procsMu.Unlock()
	if s.ctx.Err() != nil || len(s.processers()) >= s.max {
		return nil
	}
	p := s.addProcesserLocked()
	s.log.info().
		Int(`processer`, p.id).
		Log(`added processer`)
	return p
}

func (s *Scheduler) dispatch(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		s.balance()
	}
}

// balance is a single pass of the dispatcher. Running tasks are never
// moved.
func (s *Scheduler) balance() {
	procs := s.processers()
	now := s.opts.now()

	var (
		blocking []*Processer
		active   []*Processer
	)
	for _, p := range procs {
		if p.Blocking(now) {
			blocking = append(blocking, p)
			s.warnRunaway(p, now)
		} else {
			active = append(active, p)
		}
	}

	for _, b := range blocking {
		if b.runnable.Empty() && b.newTasks.Empty() {
			continue
		}
		target := leastLoaded(active)
		if target == nil {
			if target = s.grow(); target == nil {
				continue
			}
			active = append(active, target)
		}
		target.StealAll(b)
		target.stealNew(b)
	}

	if s.opts.workStealing && len(active) > 1 {
		for _, p := range active {
			if !p.Idle() || p.Pending() {
				continue
			}
			if victim := busiest(active); victim != nil && victim != p {
				p.StealHalf(victim)
			}
		}
	}

	for _, p := range procs {
		if p.Idle() && p.Pending() {
			p.notify()
		}
	}
}

func leastLoaded(procs []*Processer) (target *Processer) {
	for _, p := range procs {
		if target == nil || p.RunnableLen() < target.RunnableLen() {
			target = p
		}
	}
	return target
}

// busiest returns the Processer with the most stealable tasks, excluding
// any that would run their only task themselves.
func busiest(procs []*Processer) (victim *Processer) {
	best := 0
	for _, p := range procs {
		n := p.runnable.Len()
		if n == 0 || (n == 1 && p.CurrentTask() == nil) {
			continue
		}
		if n > best {
			victim, best = p, n
		}
	}
	return victim
}

func (s *Scheduler) warnRunaway(p *Processer, now time.Time) {
	tk := p.CurrentTask()
	if tk == nil || !s.log.allowRunaway(tk.location) {
		return
	}
	var running time.Duration
	if at := p.swapAt.Load(); at != 0 {
		running = time.Duration(now.UnixNano() - at)
	}
	s.log.warning().
		Uint64(`task`, uint64(tk.id)).
		Str(`location`, tk.location).
		Int(`processer`, p.id).
		Dur(`running`, running).
		Log(`task exceeded cycle timeout`)
}

// finished is called by the owning Processer, once per task.
func (s *Scheduler) finished(tk *Task) {
	listener := s.opts.listener
	if err := tk.err; err != nil {
		listener.OnException(tk, err)
		s.exception(tk, err)
	}
	listener.OnCompleted(tk)

	s.log.debug(DebugTask).
		Uint64(`task`, uint64(tk.id)).
		Str(`state`, tk.State().String()).
		Uint64(`yields`, tk.YieldCount()).
		Log(`task finished`)

	s.decTaskCount()
}

func (s *Scheduler) decTaskCount() {
	if s.taskCount.Add(-1) == 0 {
		s.idleMu.Lock()
		close(s.idle)
		s.idle = make(chan struct{})
		s.idleMu.Unlock()
	}
}

func (s *Scheduler) exception(tk *Task, err error) {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		s.log.crit().
			Uint64(`task`, uint64(tk.id)).
			Str(`location`, tk.location).
			Err(err).
			Log(`task context switch failed`)
		s.record(err)
		return
	}

	s.log.err().
		Uint64(`task`, uint64(tk.id)).
		Str(`location`, tk.location).
		Str(`policy`, s.opts.exceptionPolicy.String()).
		Err(err).
		Log(`task panicked`)
	if s.opts.exceptionPolicy == ExceptionDelayed {
		s.record(err)
	}
}

func (s *Scheduler) timerPanic(v any) {
	err := &PanicError{Value: v, Location: `timer`}
	s.log.err().
		Err(err).
		Log(`timer callback panicked`)
	if s.opts.exceptionPolicy == ExceptionDelayed {
		s.record(err)
	}
}

func (s *Scheduler) record(err error) {
	s.errsMu.Lock()
	defer s.errsMu.Unlock()
	s.errs = append(s.errs, err)
}

// Errors returns the errors recorded so far. See ExceptionPolicy.
func (s *Scheduler) Errors() []error {
	s.errsMu.Lock()
	defer s.errsMu.Unlock()
	return append([]error(nil), s.errs...)
}

// TaskCount returns the number of live (unfinished) tasks.
func (s *Scheduler) TaskCount() int {
	return int(s.taskCount.Load())
}

func (s *Scheduler) register(tk *Task) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	s.tasks[tk.id] = tk
}

func (s *Scheduler) unregister(tk *Task) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	delete(s.tasks, tk.id)
}

func (s *Scheduler) snapshotTasks() []*Task {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, tk := range s.tasks {
		tasks = append(tasks, tk)
	}
	return tasks
}

// discard releases every remaining task, after the Processers have exited.
// The state must already be stopping or stopped.
func (s *Scheduler) discard() {
	// wait out any createTask that passed its state check before the stop
	for s.creating.Load() != 0 {
		runtime.Gosched()
	}
	for _, p := range s.processers() {
		p.collect()
	}
	var discarded int
	for _, tk := range s.snapshotTasks() {
		if !tk.State().IsFinished() {
			discarded++
			s.decTaskCount()
		}
		tk.release()
	}
	// after release, so wakeups from unwinding tasks can't queue anything
	for _, p := range s.processers() {
		for _, q := range p.queues() {
			q.Drain()
		}
	}
	if discarded != 0 {
		s.log.warning().
			Int(`count`, discarded).
			Log(`discarded unfinished tasks`)
	}
}
