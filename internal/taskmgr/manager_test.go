package taskmgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/schnellkernel/internal/engine"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingInterrupter struct {
	calls atomic.Int32
}

func (c *countingInterrupter) Interrupt() { c.calls.Add(1) }

func wait(t *testing.T, f *Future) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future did not resolve")
	return res, err
}

func shutdown(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx, PolicyCancel))
}

func TestFIFOWithSingleWorker(t *testing.T) {
	m := New(Options{MaxWorkers: 1})
	defer shutdown(t, m)

	var (
		mu      sync.Mutex
		order   []int
		active  atomic.Int32
		overlap atomic.Bool
	)
	futures := make([]*Future, 20)
	for i := range futures {
		i := i
		futures[i] = m.Submit(Task{Run: func(ctx context.Context) (Result, error) {
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			defer active.Add(-1)
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return Result{Value: i}, nil
		}})
	}

	for i, f := range futures {
		res, err := wait(t, f)
		require.NoError(t, err)
		assert.Equal(t, i, res.Value)
	}

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
	assert.False(t, overlap.Load(), "tasks overlapped with one worker")
	assert.Equal(t, uint64(20), m.Stats().Completed)
}

func TestMultipleWorkersRunConcurrently(t *testing.T) {
	m := New(Options{MaxWorkers: 3})
	defer shutdown(t, m)

	var active, peak atomic.Int32
	release := make(chan struct{})
	var futures []*Future
	for i := 0; i < 3; i++ {
		futures = append(futures, m.Submit(Task{Run: func(ctx context.Context) (Result, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			active.Add(-1)
			return Result{}, nil
		}}))
	}

	require.Eventually(t, func() bool { return peak.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	for _, f := range futures {
		_, err := wait(t, f)
		require.NoError(t, err)
	}
}

func TestWorkerCrashIsReplaced(t *testing.T) {
	m := New(Options{MaxWorkers: 1})
	defer shutdown(t, m)

	crash := m.Submit(Task{Run: func(ctx context.Context) (Result, error) {
		panic("engine exploded")
	}})
	after := m.Submit(Task{Run: func(ctx context.Context) (Result, error) {
		return Result{Value: "still running"}, nil
	}})

	_, err := wait(t, crash)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindError, execErr.Kind)
	assert.Equal(t, "WorkerCrash", execErr.Name)
	assert.Equal(t, "engine exploded", execErr.Value)

	res, err := wait(t, after)
	require.NoError(t, err)
	assert.Equal(t, "still running", res.Value)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Crashes)
	assert.Equal(t, 1, stats.Workers)
}

func blockingTask(started chan<- struct{}, release <-chan struct{}) Task {
	return Task{Run: func(ctx context.Context) (Result, error) {
		close(started)
		<-release
		return Result{}, nil
	}}
}

func TestInterruptDebounce(t *testing.T) {
	tests := []struct {
		name      string
		gap       time.Duration
		want      Outcome
		escalated bool
	}{
		{"second interrupt after 500ms escalates", 500 * time.Millisecond, Escalated, true},
		{"second interrupt after 5000ms cancels again", 5000 * time.Millisecond, Cancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			intr := &countingInterrupter{}
			var escalated atomic.Bool
			m := New(Options{
				Interrupter: intr,
				OnEscalate:  func() { escalated.Store(true) },
				Clock:       clock.Now,
			})

			started, release := make(chan struct{}), make(chan struct{})
			f := m.Submit(blockingTask(started, release))
			<-started
			assert.Equal(t, StateRunning, m.State())

			assert.Equal(t, Cancelled, m.Interrupt())
			assert.Equal(t, StateInterruptPending, m.State())
			assert.Equal(t, int32(1), intr.calls.Load())

			clock.Advance(tt.gap)
			assert.Equal(t, tt.want, m.Interrupt())
			assert.Equal(t, tt.escalated, escalated.Load())

			close(release)
			_, err := wait(t, f)
			assert.NoError(t, err)
			require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, time.Millisecond)
			shutdown(t, m)
		})
	}
}

func TestInterruptDebounceCooperativeTask(t *testing.T) {
	tests := []struct {
		name      string
		gap       time.Duration
		want      Outcome
		escalated bool
	}{
		{"second interrupt after 500ms escalates", 500 * time.Millisecond, Escalated, true},
		{"second interrupt after 5000ms while idle is ignored", 5000 * time.Millisecond, Ignored, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			var escalated atomic.Bool
			m := New(Options{
				OnEscalate: func() { escalated.Store(true) },
				Clock:      clock.Now,
			})
			defer shutdown(t, m)

			started := make(chan struct{})
			f := m.Submit(Task{Run: func(ctx context.Context) (Result, error) {
				close(started)
				<-ctx.Done()
				return Result{}, &ExecutionError{Kind: KindError, Name: "Interrupted"}
			}})
			<-started

			assert.Equal(t, Cancelled, m.Interrupt())
			_, err := wait(t, f)
			require.Error(t, err)
			require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, time.Millisecond)

			clock.Advance(tt.gap)
			assert.Equal(t, tt.want, m.Interrupt())
			assert.Equal(t, tt.escalated, escalated.Load())
		})
	}
}

func TestCancelRunningDoesNotEscalate(t *testing.T) {
	clock := newFakeClock()
	var escalated atomic.Bool
	m := New(Options{OnEscalate: func() { escalated.Store(true) }, Clock: clock.Now})
	defer shutdown(t, m)

	started, release := make(chan struct{}), make(chan struct{})
	f := m.Submit(blockingTask(started, release))
	<-started

	assert.Equal(t, Cancelled, m.Interrupt())
	assert.Equal(t, 1, m.CancelRunning())
	assert.False(t, escalated.Load())

	close(release)
	_, err := wait(t, f)
	assert.NoError(t, err)
	require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, time.Millisecond)
	assert.Equal(t, 0, m.CancelRunning())
}

func TestInterruptWhileIdleIsIgnored(t *testing.T) {
	intr := &countingInterrupter{}
	m := New(Options{Interrupter: intr})
	defer shutdown(t, m)

	assert.Equal(t, Ignored, m.Interrupt())
	assert.Equal(t, int32(0), intr.calls.Load())
}

func TestInterruptCancelsRunningOnly(t *testing.T) {
	m := New(Options{})
	defer shutdown(t, m)

	started := make(chan struct{})
	running := m.Submit(Task{Run: func(ctx context.Context) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, &ExecutionError{Kind: KindError, Name: "Interrupted"}
	}})
	queued := m.Submit(Task{Run: func(ctx context.Context) (Result, error) {
		return Result{Value: "ran"}, ctx.Err()
	}})

	<-started
	assert.Equal(t, Cancelled, m.Interrupt())

	_, err := wait(t, running)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "Interrupted", execErr.Name)

	res, err := wait(t, queued)
	require.NoError(t, err, "queued task gets a fresh context")
	assert.Equal(t, "ran", res.Value)
}

func TestAbortQueued(t *testing.T) {
	m := New(Options{})
	defer shutdown(t, m)

	started, release := make(chan struct{}), make(chan struct{})
	first := m.Submit(blockingTask(started, release))
	<-started
	second := m.Submit(Task{Run: func(ctx context.Context) (Result, error) { return Result{}, nil }})
	third := m.Submit(Task{Run: func(ctx context.Context) (Result, error) { return Result{}, nil }})

	assert.Equal(t, 2, m.AbortQueued("previous cell failed"))
	for _, f := range []*Future{second, third} {
		_, err := wait(t, f)
		var execErr *ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, KindAborted, execErr.Kind)
	}

	close(release)
	_, err := wait(t, first)
	assert.NoError(t, err)
}

func TestAbortQueuedCellsKeepsOtherTasks(t *testing.T) {
	m := New(Options{})
	defer shutdown(t, m)

	started, release := make(chan struct{}), make(chan struct{})
	first := m.Submit(blockingTask(started, release))
	<-started
	cell := m.Submit(EvalTask(engine.NewInterpreter(nil), "1", nil))
	lookup := m.Submit(Task{Run: func(ctx context.Context) (Result, error) { return Result{Value: "ok"}, nil }})

	assert.Equal(t, 1, m.AbortQueuedCells("previous cell failed"))
	_, err := wait(t, cell)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindAborted, execErr.Kind)

	close(release)
	_, err = wait(t, first)
	assert.NoError(t, err)
	res, err := wait(t, lookup)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
}

func TestAbortFromFailingTaskStopsNextCell(t *testing.T) {
	m := New(Options{})
	defer shutdown(t, m)

	started, release := make(chan struct{}), make(chan struct{})
	failing := m.Submit(Task{Cell: true, Run: func(ctx context.Context) (Result, error) {
		close(started)
		<-release
		m.AbortQueuedCells("previous cell failed")
		return Result{}, &ExecutionError{Kind: KindError, Name: "RuntimeError"}
	}})
	<-started
	var ran atomic.Bool
	next := m.Submit(Task{Cell: true, Run: func(ctx context.Context) (Result, error) {
		ran.Store(true)
		return Result{}, nil
	}})

	close(release)
	_, err := wait(t, failing)
	require.Error(t, err)
	_, err = wait(t, next)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindAborted, execErr.Kind)
	assert.False(t, ran.Load())
}

func TestShutdownDrain(t *testing.T) {
	m := New(Options{})
	var ran atomic.Int32
	var futures []*Future
	for i := 0; i < 5; i++ {
		futures = append(futures, m.Submit(Task{Run: func(ctx context.Context) (Result, error) {
			time.Sleep(2 * time.Millisecond)
			ran.Add(1)
			return Result{}, nil
		}}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx, PolicyDrain))
	assert.Equal(t, int32(5), ran.Load())
	for _, f := range futures {
		_, err := wait(t, f)
		assert.NoError(t, err)
	}

	_, err := wait(t, m.Submit(Task{}))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestShutdownCancel(t *testing.T) {
	intr := &countingInterrupter{}
	m := New(Options{Interrupter: intr})

	started := make(chan struct{})
	running := m.Submit(Task{Run: func(ctx context.Context) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, ctx.Err()
	}})
	queued := m.Submit(Task{Run: func(ctx context.Context) (Result, error) { return Result{}, nil }})
	<-started

	shutdown(t, m)

	_, err := wait(t, running)
	assert.True(t, errors.Is(err, context.Canceled))
	_, err = wait(t, queued)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindAborted, execErr.Kind)
	assert.Equal(t, int32(1), intr.calls.Load())
}

func TestEvalTaskMapsResultKinds(t *testing.T) {
	in := engine.NewInterpreter(nil)
	m := New(Options{Interrupter: in})
	defer shutdown(t, m)

	res, err := wait(t, m.Submit(EvalTask(in, "1+1", nil)))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Value)

	_, err = wait(t, m.Submit(EvalTask(in, "[1, 2", nil)))
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindIncomplete, execErr.Kind)

	_, err = wait(t, m.Submit(EvalTask(in, "nope()", nil)))
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindError, execErr.Kind)
	assert.Equal(t, "CompileError", execErr.Name)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("drain")
	require.NoError(t, err)
	assert.Equal(t, PolicyDrain, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyCancel, p)

	_, err = ParsePolicy("explode")
	assert.Error(t, err)
}
