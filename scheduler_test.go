package coroutine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestScheduler_runsTasks(t *testing.T) {
	const tasks = 1000
	s := startScheduler(t, 4, 4)
	var counter atomic.Int64
	for range tasks {
		s.Go(func() {
			Yield()
			counter.Add(1)
		})
	}
	waitTasks(t, s)
	assert.Equal(t, int64(tasks), counter.Load())
	assert.Zero(t, s.TaskCount())
}

func TestScheduler_yieldRoundRobin(t *testing.T) {
	s, err := New(WithWorkStealing(false))
	require.NoError(t, err)

	var order []string
	for _, name := range []string{`a`, `b`, `c`} {
		_, err := s.CreateTask(func() {
			for i := range 3 {
				order = append(order, fmt.Sprint(name, i))
				Yield()
			}
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.TaskCount())

	require.NoError(t, s.Start(1, 1))
	waitTasks(t, s)
	require.NoError(t, s.Stop(context.Background()))

	want := []string{`a0`, `b0`, `c0`, `a1`, `b1`, `c1`, `a2`, `b2`, `c2`}
	if diff := cmp.Diff(want, order); diff != `` {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestScheduler_lifecycle(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	require.NoError(t, s.Start(1, 2))
	assert.ErrorIs(t, s.Start(1, 2), ErrSchedulerRunning)

	require.NoError(t, s.Stop(context.Background()))
	assert.ErrorIs(t, s.Stop(context.Background()), ErrSchedulerStopped)
	assert.ErrorIs(t, s.Start(1, 2), ErrSchedulerStopped)

	_, err = s.CreateTask(func() {})
	assert.ErrorIs(t, err, ErrSchedulerStopped)
	assert.Panics(t, func() { s.Go(func() {}) })

	select {
	case <-s.Done():
	default:
		t.Error(`done not closed`)
	}
}

func TestScheduler_Stop_neverStarted(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	_, err = s.CreateTask(func() { t.Error(`should never run`) })
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))
	assert.Zero(t, s.TaskCount())
	assert.Empty(t, s.TaskStates())
}

func TestScheduler_CreateTask_nilFunc(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	_, err = s.CreateTask(nil)
	assert.ErrorIs(t, err, ErrNilFunc)
}

func TestScheduler_Start_singleThread(t *testing.T) {
	s, err := New(WithSingleThread(true))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Start(1, 2), ErrInvalidOption)
	require.NoError(t, s.Start(1, 1))
	var ran atomic.Bool
	s.Go(func() {
		Sleep(time.Millisecond)
		ran.Store(true)
	})
	waitTasks(t, s)
	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, ran.Load())
}

func TestScheduler_exceptionPolicy(t *testing.T) {
	for _, tc := range [...]struct {
		name    string
		policy  ExceptionPolicy
		wantErr bool
	}{
		{`delayed`, ExceptionDelayed, true},
		{`log only`, ExceptionLogOnly, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var logs logBuffer
			s, err := New(
				WithExceptionPolicy(tc.policy),
				WithLogger(newTestLogger(&logs)),
			)
			require.NoError(t, err)
			require.NoError(t, s.Start(2, 2))

			var after atomic.Bool
			id := s.Go(func() { panic(`boom`) })
			s.Go(func() {
				Yield()
				after.Store(true)
			})
			waitTasks(t, s)
			assert.True(t, after.Load(), `other tasks keep running`)

			err = s.Stop(context.Background())
			assert.True(t, logs.Contains(`"msg":"task panicked"`), logs.String())
			assert.True(t, logs.Contains(`"policy":"`+tc.policy.String()+`"`), logs.String())
			if !tc.wantErr {
				assert.NoError(t, err)
				assert.Empty(t, s.Errors())
				return
			}
			var pe *PanicError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, `boom`, pe.Value)
			assert.Equal(t, id, pe.TaskID)
			assert.Contains(t, pe.Location, `scheduler_test.go:`)
			assert.NotEmpty(t, pe.Stack)
			assert.Len(t, s.Errors(), 1)
		})
	}
}

func TestScheduler_panicError_unwrap(t *testing.T) {
	cause := errors.New(`cause`)
	s, err := New()
	require.NoError(t, err)
	require.NoError(t, s.Start(1, 1))
	s.Go(func() { panic(cause) })
	waitTasks(t, s)
	err = s.Stop(context.Background())
	assert.ErrorIs(t, err, cause)
}

func TestScheduler_Stop_discardsSuspended(t *testing.T) {
	var logs logBuffer
	s, err := New(WithLogger(newTestLogger(&logs)))
	require.NoError(t, err)
	require.NoError(t, s.Start(1, 1))

	unwound := make(chan struct{})
	s.Go(func() {
		defer close(unwound)
		Suspend()
		Yield()
		t.Error(`resumed after stop`)
	}, WithLocation(`parked`))

	require.Eventually(t, func() bool {
		return s.TaskStates()[`parked`][TaskSysBlock] == 1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, s.TaskCount())

	require.NoError(t, s.Stop(context.Background()))
	recvTimeout(t, unwound)
	assert.Zero(t, s.TaskCount())
	assert.True(t, logs.Contains(`"msg":"discarded unfinished tasks"`), logs.String())
}

func TestScheduler_Stop_noGoroutineLeak(t *testing.T) {
	before := runtime.NumGoroutine()

	s, err := New()
	require.NoError(t, err)
	require.NoError(t, s.Start(3, 3))
	for range 50 {
		s.Go(func() { Suspend(); Yield() })
	}
	for range 50 {
		s.Go(func() { Sleep(time.Hour) })
	}
	require.Eventually(t, func() bool {
		var waiting int
		for _, p := range s.Stats().Processers {
			waiting += p.Waiting
		}
		return waiting == 100
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 5*time.Second, 10*time.Millisecond, `goroutines before=%d`, before)
}

func TestScheduler_Stop_concurrentCreate(t *testing.T) {
	for range 20 {
		s, err := New()
		require.NoError(t, err)
		require.NoError(t, s.Start(2, 2))

		var g errgroup.Group
		for range 4 {
			g.Go(func() error {
				for {
					_, err := s.CreateTask(func() { Suspend(); Yield() })
					if errors.Is(err, ErrSchedulerStopped) {
						return nil
					}
					if err != nil {
						return err
					}
				}
			})
		}
		time.Sleep(time.Millisecond)
		require.NoError(t, s.Stop(context.Background()))
		require.NoError(t, g.Wait())

		assert.Zero(t, s.TaskCount())
		assert.Empty(t, s.TaskStates())
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		assert.NoError(t, s.Wait(ctx))
		cancel()
	}
}

// Deferred calls of discarded tasks may wake other discarded tasks, which
// must not be queued again.
func TestScheduler_Stop_unwindWakesDiscarded(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	require.NoError(t, s.Start(1, 1))

	mu := NewMutex()
	unlocked := make(chan struct{})
	s.Go(func() {
		mu.Lock()
		defer func() {
			mu.Unlock()
			close(unlocked)
		}()
		Suspend()
		Yield()
	}, WithLocation(`holder`))
	s.Go(func() {
		mu.Lock()
		t.Error(`acquired after stop`)
	}, WithLocation(`blocked`))

	require.Eventually(t, func() bool {
		states := s.TaskStates()
		return states[`holder`][TaskSysBlock] == 1 && states[`blocked`][TaskSysBlock] == 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	recvTimeout(t, unlocked)

	assert.Zero(t, s.TaskCount())
	assert.Empty(t, s.TaskStates())
	assert.Empty(t, s.Errors())
	for _, p := range s.Processers() {
		for _, q := range p.queues() {
			assert.Zero(t, q.Len(), `processer %d`, p.ID())
		}
	}
}

func TestScheduler_Stop_resumesAfterTimeout(t *testing.T) {
	var logs logBuffer
	s, err := New(WithLogger(newTestLogger(&logs)))
	require.NoError(t, err)
	require.NoError(t, s.Start(1, 1))

	unwound := make(chan struct{})
	s.Go(func() {
		defer close(unwound)
		Suspend()
		Yield()
	}, WithLocation(`parked`))
	require.Eventually(t, func() bool {
		return s.TaskStates()[`parked`][TaskSysBlock] == 1
	}, 5*time.Second, time.Millisecond)

	// holds the only Processer, so it can't exit
	release := make(chan struct{})
	spinning := make(chan struct{})
	s.Go(func() {
		close(spinning)
		for {
			select {
			case <-release:
				return
			default:
			}
		}
	})
	recvTimeout(t, spinning)

	for range 2 {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
		cancel()
	}
	_, err = s.CreateTask(func() {})
	assert.ErrorIs(t, err, ErrSchedulerStopped)

	close(release)
	require.NoError(t, s.Stop(context.Background()))
	recvTimeout(t, unwound)
	assert.Zero(t, s.TaskCount())
	assert.True(t, logs.Contains(`"msg":"discarded unfinished tasks"`), logs.String())
	assert.ErrorIs(t, s.Stop(context.Background()), ErrSchedulerStopped)
}

func TestScheduler_Wait_contextDone(t *testing.T) {
	s := startScheduler(t, 1, 1)
	release := make(chan struct{})
	s.Go(func() {
		for {
			select {
			case <-release:
				return
			default:
				Sleep(time.Millisecond)
			}
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
	close(release)
	waitTasks(t, s)
}

// At a quiescent point, every live task is in exactly one Processer queue.
func TestScheduler_accounting(t *testing.T) {
	const tasks = 64
	s := startScheduler(t, 4, 4)

	entries := make(chan SuspendEntry, tasks)
	for range tasks {
		s.Go(func() {
			entries <- Suspend()
			Yield()
		})
	}

	sum := func() (waiting, running, live int) {
		for _, p := range s.Stats().Processers {
			waiting += p.Waiting
			if p.Running != 0 {
				running++
			}
			live += p.Live()
		}
		return
	}
	require.Eventually(t, func() bool {
		waiting, running, _ := sum()
		return waiting == tasks && running == 0
	}, 5*time.Second, time.Millisecond)

	_, _, live := sum()
	assert.Equal(t, tasks, live)
	assert.Equal(t, tasks, s.TaskCount())

	for range tasks {
		assert.True(t, Wakeup(recvTimeout(t, entries)))
	}
	waitTasks(t, s)
	_, _, live = sum()
	assert.Zero(t, live)
}

func TestScheduler_WithProcesser(t *testing.T) {
	s := startScheduler(t, 3, 3)
	var mismatches atomic.Int32
	for i := range 6 {
		s.Go(func() {
			for range 10 {
				tk := Current()
				if !tk.Pinned() || tk.Processer().ID() != i%3 {
					mismatches.Add(1)
				}
				Yield()
			}
		}, WithProcesser(i))
	}
	waitTasks(t, s)
	assert.Zero(t, mismatches.Load())
}

func TestScheduler_dispatchPolicies(t *testing.T) {
	for _, policy := range []DispatchPolicy{DispatchLocalThread, DispatchRobin, DispatchRandom} {
		t.Run(policy.String(), func(t *testing.T) {
			s := startScheduler(t, 2, 2)
			var count atomic.Int32
			s.Go(func() {
				for range 20 {
					s.Go(func() { count.Add(1) }, WithDispatch(policy))
				}
			})
			waitTasks(t, s)
			assert.Equal(t, int32(20), count.Load())
		})
	}
}

func TestScheduler_dispatchLocalThread(t *testing.T) {
	s := startScheduler(t, 4, 4, WithWorkStealing(false))
	var (
		mu   sync.Mutex
		same = true
	)
	s.Go(func() {
		parent := Current().Processer()
		for range 10 {
			s.Go(func() {
				mu.Lock()
				defer mu.Unlock()
				same = same && Current().Processer() == parent
			}, WithDispatch(DispatchLocalThread))
		}
	}, WithProcesser(2))
	waitTasks(t, s)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, same)
}

func TestScheduler_dispatchLocalThread_outsideTask(t *testing.T) {
	s := startScheduler(t, 4, 4, WithWorkStealing(false))
	assert.Same(t, s.processers()[0], s.pick(&taskOptions{processer: -1, dispatch: DispatchLocalThread}))

	const tasks = 8
	var (
		mu   sync.Mutex
		seen = make(map[int]int)
	)
	for range tasks {
		s.Go(func() {
			mu.Lock()
			defer mu.Unlock()
			seen[Current().Processer().ID()]++
		}, WithDispatch(DispatchLocalThread))
	}
	waitTasks(t, s)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[int]int{0: tasks}, seen)
}

func busyFor(d time.Duration) {
	for start := time.Now(); time.Since(start) < d; {
	}
}

// Runnable tasks queued behind a runaway task are moved to another
// Processer, without stealing enabled.
func TestScheduler_cycleTimeout(t *testing.T) {
	var logs logBuffer
	s := startScheduler(t, 2, 2,
		WithWorkStealing(false),
		WithCycleTimeout(20*time.Millisecond),
		WithLogger(newTestLogger(&logs)),
	)

	var runawayEnd, queuedRan atomic.Int64
	s.Go(func() {
		s.Go(func() {
			queuedRan.Store(time.Now().UnixNano())
		}, WithDispatch(DispatchLocalThread))
		busyFor(300 * time.Millisecond)
		runawayEnd.Store(time.Now().UnixNano())
	}, WithProcesser(0), WithLocation(`runaway`))

	waitTasks(t, s)
	assert.Less(t, queuedRan.Load(), runawayEnd.Load(), `queued task should not wait for the runaway task`)
	assert.True(t, logs.Contains(`"msg":"task exceeded cycle timeout"`), logs.String())
	assert.True(t, logs.Contains(`"location":"runaway"`), logs.String())
}

func TestScheduler_growsProcessers(t *testing.T) {
	s := startScheduler(t, 1, 2, WithCycleTimeout(20*time.Millisecond))
	require.Len(t, s.Processers(), 1)

	var runawayEnd, queuedRan atomic.Int64
	s.Go(func() {
		s.Go(func() {
			queuedRan.Store(time.Now().UnixNano())
		}, WithDispatch(DispatchLocalThread))
		busyFor(300 * time.Millisecond)
		runawayEnd.Store(time.Now().UnixNano())
	})

	waitTasks(t, s)
	assert.Len(t, s.Processers(), 2)
	assert.Less(t, queuedRan.Load(), runawayEnd.Load())
}

func TestScheduler_workStealing(t *testing.T) {
	s := startScheduler(t, 4, 4)
	var (
		mu    sync.Mutex
		procs = make(map[int]struct{})
	)
	// everything is created on one Processer, so only stealing spreads it
	s.Go(func() {
		for range 200 {
			s.Go(func() {
				busyFor(time.Millisecond)
				mu.Lock()
				procs[Current().Processer().ID()] = struct{}{}
				mu.Unlock()
			}, WithDispatch(DispatchLocalThread))
		}
	}, WithProcesser(0))
	waitTasks(t, s)
	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, len(procs), 1)
}

func TestProcesser_StealHalf(t *testing.T) {
	for _, tc := range [...]struct {
		name      string
		runnable  int
		pinned    int
		wantMoved int
	}{
		{`empty`, 0, 0, 0},
		{`one`, 1, 0, 1},
		{`odd`, 7, 0, 4},
		{`even`, 8, 3, 4},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, err := New()
			require.NoError(t, err)
			from, to := s.processers()[0], newProcesser(s, 1)

			var all []TaskID
			for i := range tc.runnable + tc.pinned {
				o := &taskOptions{processer: -1}
				if i >= tc.runnable {
					o.processer = 0
				}
				tk := newTask(s, func() {}, o)
				tk.proc.Store(from)
				from.push(tk)
				all = append(all, tk.id)
			}

			assert.Equal(t, tc.wantMoved, to.StealHalf(from))
			assert.Equal(t, tc.pinned, from.pinned.Len(), `pinned tasks are never stolen`)

			var got []TaskID
			for _, p := range []*Processer{from, to} {
				for _, q := range []func(func(*Task) bool){p.runnable.Each, p.pinned.Each} {
					q(func(tk *Task) bool {
						got = append(got, tk.id)
						if tk.Processer() != p {
							t.Errorf("task %d owned by processer %d, queued on %d", tk.id, tk.Processer().ID(), p.ID())
						}
						return true
					})
				}
			}
			slices.Sort(got)
			if diff := cmp.Diff(all, got); diff != `` {
				t.Errorf("tasks not conserved (-want +got):\n%s", diff)
			}
			assert.Equal(t, tc.wantMoved, to.runnable.Len())
		})
	}
}

func TestProcesser_StealAll(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	from, to := s.processers()[0], newProcesser(s, 1)
	for range 5 {
		tk := newTask(s, func() {}, &taskOptions{processer: -1})
		tk.proc.Store(from)
		from.push(tk)
	}
	assert.Zero(t, from.StealAll(from), `self steal`)
	assert.Equal(t, 5, to.StealAll(from))
	assert.True(t, from.runnable.Empty())
	assert.Equal(t, 5, to.runnable.Len())
}

func TestProcesser_stealNew_skipsCurrent(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	from, to := s.processers()[0], newProcesser(s, 1)

	tk := newTask(s, func() {}, &taskOptions{processer: -1})
	tk.proc.Store(from)
	tk.setState(TaskRunnable)
	from.newTasks.Push(&tk.hook)

	// woken before it finished switching out
	from.current.Store(tk)
	assert.Zero(t, to.stealNew(from))
	assert.Same(t, from, tk.Processer())
	assert.True(t, from.newTasks.Contains(&tk.hook))

	from.current.Store(nil)
	assert.Equal(t, 1, to.stealNew(from))
	assert.Same(t, to, tk.Processer())
	assert.True(t, to.newTasks.Contains(&tk.hook))
	assert.True(t, from.newTasks.Empty())
}

// moveOnSwapOut moves newly queued tasks away from the Processer that just
// switched out the armed task, as the dispatcher would.
type moveOnSwapOut struct {
	NopTaskListener
	sched *Scheduler
	armed atomic.Pointer[Task]
	moved atomic.Int32
}

func (x *moveOnSwapOut) OnSwapOut(tk *Task) {
	if !x.armed.CompareAndSwap(tk, nil) {
		return
	}
	procs := x.sched.processers()
	from := tk.Processer()
	x.moved.Store(int32(procs[1-from.ID()].stealNew(from)))
}

// A task woken before it switched out is queued exactly once, and runs on
// exactly one Processer, even if moved as soon as it is switched out.
func TestProcesser_wokenBeforeSwitchOut_moved(t *testing.T) {
	listener := new(moveOnSwapOut)
	s, err := New(WithTaskListener(listener), WithWorkStealing(false))
	require.NoError(t, err)
	listener.sched = s
	require.NoError(t, s.Start(2, 2))

	type result struct {
		before, after int
		current       bool
	}
	results := make(chan result, 1)
	s.Go(func() {
		before := Current().Processer().ID()
		listener.armed.Store(Current())
		e := Suspend()
		assert.True(t, Wakeup(e))
		Yield()
		p := Current().Processer()
		results <- result{before: before, after: p.ID(), current: p.CurrentTask() == Current()}
	}, WithDispatch(DispatchLocalThread))

	got := recvTimeout(t, results)
	assert.Equal(t, result{before: 0, after: 1, current: true}, got)
	assert.Equal(t, int32(1), listener.moved.Load())

	waitTasks(t, s)
	for _, p := range s.Processers() {
		assert.Nil(t, p.CurrentTask(), `processer %d`, p.ID())
		assert.Zero(t, p.TaskCount(), `processer %d`, p.ID())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

type recordingListener struct {
	NopTaskListener
	mu     sync.Mutex
	events map[string]int
	errs   []error
}

func (x *recordingListener) record(name string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.events == nil {
		x.events = make(map[string]int)
	}
	x.events[name]++
}

func (x *recordingListener) count(name string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.events[name]
}

func (x *recordingListener) OnCreated(*Task)   { x.record(`created`) }
func (x *recordingListener) OnSwapIn(*Task)    { x.record(`swap_in`) }
func (x *recordingListener) OnStart(*Task)     { x.record(`start`) }
func (x *recordingListener) OnSwapOut(*Task)   { x.record(`swap_out`) }
func (x *recordingListener) OnCompleted(*Task) { x.record(`completed`) }
func (x *recordingListener) OnFinished(*Task)  { x.record(`finished`) }
func (x *recordingListener) OnException(_ *Task, err error) {
	x.record(`exception`)
	x.mu.Lock()
	defer x.mu.Unlock()
	x.errs = append(x.errs, err)
}

func TestScheduler_TaskListener(t *testing.T) {
	listener := new(recordingListener)
	s := startScheduler(t, 1, 1, WithTaskListener(listener), WithExceptionPolicy(ExceptionLogOnly))

	s.Go(func() { Yield() })
	s.Go(func() { panic(`listener`) })
	waitTasks(t, s)

	require.Eventually(t, func() bool { return listener.count(`finished`) == 2 }, 5*time.Second, time.Millisecond)
	for name, want := range map[string]int{
		`created`:   2,
		`start`:     2,
		`swap_in`:   3,
		`swap_out`:  3,
		`completed`: 2,
		`exception`: 1,
	} {
		assert.Equal(t, want, listener.count(name), name)
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	var pe *PanicError
	require.Len(t, listener.errs, 1)
	assert.ErrorAs(t, listener.errs[0], &pe)
}

func TestScheduler_introspection(t *testing.T) {
	s := startScheduler(t, 2, 2)
	entries := make(chan SuspendEntry, 3)
	for range 3 {
		s.Go(func() {
			entries <- Suspend()
			Yield()
		}, WithLocation(`introspect`))
	}
	require.Eventually(t, func() bool {
		return s.TaskStates()[`introspect`][TaskSysBlock] == 3
	}, 5*time.Second, time.Millisecond)

	assert.Contains(t, s.DebugString(), `introspect sys_block 3`)
	stats := s.Stats()
	assert.Equal(t, 3, stats.Tasks)
	assert.Len(t, stats.Processers, 2)

	for range 3 {
		Wakeup(recvTimeout(t, entries))
	}
	waitTasks(t, s)
}

func TestScheduler_currentTaskInfo(t *testing.T) {
	s := startScheduler(t, 1, 1)
	type info struct {
		id     TaskID
		yields uint64
		in     bool
	}
	ch := make(chan info, 1)
	id := s.Go(func() {
		Yield()
		Yield()
		ch <- info{CurrentTaskID(), CurrentYieldCount(), InCoroutine()}
	})
	got := recvTimeout(t, ch)
	assert.Equal(t, info{id, 2, true}, got)
	assert.False(t, InCoroutine())
	assert.Zero(t, CurrentTaskID())
	assert.Zero(t, CurrentYieldCount())
	assert.Nil(t, Current())
	waitTasks(t, s)
}

// Lookup is per goroutine: plain goroutines started by a task are not
// tasks, and each task resolves to itself.
func TestScheduler_currentTask_perGoroutine(t *testing.T) {
	s := startScheduler(t, 2, 2)
	const tasks = 8
	type result struct {
		id, self TaskID
		child    bool
	}
	results := make(chan result, tasks)
	for range tasks {
		s.Go(func() {
			child := make(chan bool, 1)
			go func() { child <- InCoroutine() }()
			Yield()
			results <- result{id: Current().ID(), self: CurrentTaskID(), child: <-child}
		})
	}
	seen := make(map[TaskID]struct{}, tasks)
	for range tasks {
		r := recvTimeout(t, results)
		assert.Equal(t, r.id, r.self)
		assert.False(t, r.child, `goroutine spawned by a task`)
		seen[r.id] = struct{}{}
	}
	assert.Len(t, seen, tasks)
	waitTasks(t, s)
}

func TestScheduler_fatalContext(t *testing.T) {
	var logs logBuffer
	s, err := New(
		WithLogger(newTestLogger(&logs)),
		WithContextFactory(func(entry func()) Context { return failingContext{} }),
	)
	require.NoError(t, err)
	require.NoError(t, s.Start(1, 1))
	s.Go(func() {})
	waitTasks(t, s)
	err = s.Stop(context.Background())
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, ErrContextSwitch)
	assert.True(t, logs.Contains(`"msg":"task context switch failed"`), logs.String())
}

type failingContext struct{}

func (failingContext) SwapIn() bool  { return false }
func (failingContext) SwapOut() bool { return false }
func (failingContext) Close()        {}
