// Package taskmgr serializes access to the execution engine. Tasks are queued
// in submission order and run by a fixed pool of workers; with one worker
// (the default) no two tasks ever overlap.
//
// The queue is unbounded: Submit never blocks and there is no admission
// control. Callers that can flood the kernel must apply their own limits.
package taskmgr

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/schnellkernel/internal/engine"
	"github.com/codefionn/schnellkernel/internal/logger"
	"github.com/codefionn/schnellkernel/internal/stream"
)

// DefaultDebounceWindow separates "cancel again" from "escalate" for a second interrupt.
const DefaultDebounceWindow = 3000 * time.Millisecond

// Task is one unit of work.
type Task struct {
	// Code is informational; it is shown in logs and diagnostics.
	Code string
	// Stream, when set, is bound to the worker while the task runs.
	Stream *stream.Context
	// Cell marks code execution. AbortQueuedCells only drops cells, so
	// queued completion and inspection requests still get answered.
	Cell bool
	Run  func(ctx context.Context) (Result, error)
}

// EvalTask builds a task that evaluates code on b with the streams of sc.
func EvalTask(b engine.Backend, code string, sc *stream.Context) Task {
	return Task{
		Code:   code,
		Stream: sc,
		Cell:   true,
		Run: func(ctx context.Context) (Result, error) {
			var streams engine.IO
			if sc != nil {
				streams = sc.IO()
			}
			kind, payload := b.Evaluate(ctx, code, streams)
			if kind == engine.Success {
				return Result{Value: payload.Value}, nil
			}
			return Result{}, FromPayload(kind, payload)
		},
	}
}

// Interrupter is told to stop the running evaluation.
type Interrupter interface {
	Interrupt()
}

// Policy selects what Shutdown does with outstanding tasks.
type Policy int

const (
	// PolicyCancel aborts queued tasks and cancels running ones.
	PolicyCancel Policy = iota
	// PolicyDrain runs every queued task before returning.
	PolicyDrain
)

func (p Policy) String() string {
	if p == PolicyDrain {
		return "drain"
	}
	return "cancel"
}

// ParsePolicy maps "drain" and "cancel" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "cancel":
		return PolicyCancel, nil
	case "drain":
		return PolicyDrain, nil
	}
	return PolicyCancel, fmt.Errorf("unknown shutdown policy %q", s)
}

// Options configure a Manager.
type Options struct {
	// MaxWorkers is the pool size. Values above 1 are only safe when the
	// backend tolerates concurrent evaluation.
	MaxWorkers     int
	Interrupter    Interrupter
	OnEscalate     func()
	DebounceWindow time.Duration
	Clock          func() time.Time
	Log            *logger.Logger
}

// Manager is the task queue plus worker pool.
type Manager struct {
	opts Options
	log  *logger.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu            sync.Mutex
	cond          *sync.Cond
	queue         []*entry
	running       map[uint64]*entry
	nextID        uint64
	closed        bool
	state         State
	lastInterrupt time.Time
	stats         Stats

	wg sync.WaitGroup
}

type entry struct {
	id     uint64
	task   Task
	fut    *Future
	ctx    context.Context
	cancel context.CancelFunc
}

// New starts a manager with opts.MaxWorkers workers.
func New(opts Options) *Manager {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultDebounceWindow
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:      opts,
		log:       logger.OrGlobal(opts.Log).WithPrefix("taskmgr"),
		baseCtx:   ctx,
		cancelAll: cancel,
		running:   make(map[uint64]*entry),
	}
	m.cond = sync.NewCond(&m.mu)

	for i := 0; i < opts.MaxWorkers; i++ {
		m.spawnWorker(i)
	}
	return m
}

// Submit queues task and returns its future. It never blocks. After
// Shutdown the future is already failed with ErrClosed.
func (m *Manager) Submit(task Task) *Future {
	fut := newFuture()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		fut.resolve(Result{}, ErrClosed)
		return fut
	}
	m.nextID++
	m.queue = append(m.queue, &entry{id: m.nextID, task: task, fut: fut})
	m.stats.Submitted++
	m.cond.Signal()
	m.mu.Unlock()

	return fut
}

// AbortQueued fails every task that has not started yet with an Aborted
// error and returns how many were aborted. Running tasks are unaffected.
func (m *Manager) AbortQueued(reason string) int {
	return m.abortQueued(reason, func(*entry) bool { return true })
}

// AbortQueuedCells is AbortQueued restricted to tasks marked Cell.
func (m *Manager) AbortQueuedCells(reason string) int {
	return m.abortQueued(reason, func(e *entry) bool { return e.task.Cell })
}

func (m *Manager) abortQueued(reason string, match func(*entry) bool) int {
	m.mu.Lock()
	var dropped, kept []*entry
	for _, e := range m.queue {
		if match(e) {
			dropped = append(dropped, e)
		} else {
			kept = append(kept, e)
		}
	}
	m.queue = kept
	m.stats.Aborted += uint64(len(dropped))
	m.mu.Unlock()

	for _, e := range dropped {
		e.fut.resolve(Result{}, aborted(reason))
	}
	if len(dropped) > 0 {
		m.log.Info("Aborted %d queued task(s): %s", len(dropped), reason)
	}
	return len(dropped)
}

func (m *Manager) spawnWorker(slot int) {
	m.wg.Add(1)
	go m.worker(slot)
}

func (m *Manager) worker(slot int) {
	defer m.wg.Done()
	var binding stream.Binding

	for {
		e := m.next()
		if e == nil {
			return
		}
		if !m.execute(slot, e, &binding) {
			// The worker crashed; a fresh one takes over the slot.
			m.spawnWorker(slot)
			return
		}
	}
}

// next blocks until a task is available, or returns nil once the manager is
// closed and the queue is empty.
func (m *Manager) next() *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.queue) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.queue) == 0 {
		return nil
	}

	e := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]

	e.ctx, e.cancel = context.WithCancel(m.baseCtx)
	m.running[e.id] = e
	if m.state == StateIdle {
		m.state = StateRunning
	}
	return e
}

// execute runs one task and reports false if it panicked.
func (m *Manager) execute(slot int, e *entry, binding *stream.Binding) (ok bool) {
	if e.task.Stream != nil {
		if _, replaced := binding.Bind(e.task.Stream); replaced {
			m.log.Debug("worker %d bound to %s", slot, e.task.Stream.ID())
		}
	}

	var (
		res Result
		err error
	)
	defer func() {
		e.cancel()
		if r := recover(); r != nil {
			ok = false
			m.log.Error("worker %d crashed running task %d: %v", slot, e.id, r)
			res = Result{}
			err = &ExecutionError{
				Kind:      KindError,
				Name:      "WorkerCrash",
				Value:     fmt.Sprint(r),
				Traceback: strings.Split(strings.TrimSpace(string(debug.Stack())), "\n"),
			}
			if sc := binding.Current(); sc != nil {
				fmt.Fprintf(sc.Error(), "worker crashed: %v\n", r)
			}
		}
		m.finish(e, err, !ok)
		e.fut.resolve(res, err)
	}()

	if e.task.Run == nil {
		err = &ExecutionError{Kind: KindError, Name: "InvalidTask", Value: "task has no run function"}
		return true
	}
	res, err = e.task.Run(e.ctx)
	return true
}
