package coroutine

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

// logBuffer is a goroutine safe sink for stumpy output.
type logBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (x *logBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *logBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func (x *logBuffer) Lines() []string {
	return strings.FieldsFunc(x.String(), func(r rune) bool { return r == '\n' })
}

func (x *logBuffer) Contains(s string) bool {
	return strings.Contains(x.String(), s)
}

func newTestLogger(w *logBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

// startScheduler starts a Scheduler, stopping it on cleanup. Any errors
// from Stop fail the test, unless the test already stopped it.
func startScheduler(t *testing.T, minThreads, maxThreads int, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start(minThreads, maxThreads))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Stop(ctx); err != nil && err != ErrSchedulerStopped {
			t.Errorf("stop: %v", err)
		}
	})
	return s
}

func waitTasks(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx), s.DebugString())
}

func recvTimeout[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal(`timed out waiting for value`)
		panic(`unreachable`)
	}
}
