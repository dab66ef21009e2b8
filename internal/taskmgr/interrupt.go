package taskmgr

import (
	"context"
	"errors"
)

// State is the interrupt state of the manager.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateInterruptPending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateInterruptPending:
		return "interrupt_pending"
	default:
		return "unknown"
	}
}

// Outcome reports what an interrupt did.
type Outcome int

const (
	// Ignored: nothing was running and no interrupt was recent.
	Ignored Outcome = iota
	// Cancelled: the running tasks were asked to stop.
	Cancelled
	// Escalated: a second interrupt arrived inside the debounce window of
	// the last cancelling one; OnEscalate was called.
	Escalated
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Cancelled:
		return "cancelled"
	case Escalated:
		return "escalated"
	default:
		return "unknown"
	}
}

// Interrupt cancels the running task. See Outcome for the possible results.
// Queued tasks are never touched, so the order of later tasks is preserved.
//
// The debounce window starts at the last interrupt that cancelled something
// and does not depend on whether that task has finished since.
func (m *Manager) Interrupt() Outcome {
	m.mu.Lock()
	now := m.opts.Clock()

	if !m.lastInterrupt.IsZero() && now.Sub(m.lastInterrupt) < m.opts.DebounceWindow {
		m.stats.Escalations++
		m.mu.Unlock()
		m.log.Warn("second interrupt within %s, escalating", m.opts.DebounceWindow)
		if m.opts.OnEscalate != nil {
			m.opts.OnEscalate()
		}
		return Escalated
	}

	if m.state == StateIdle {
		m.mu.Unlock()
		m.log.Debug("interrupt while idle ignored")
		return Ignored
	}

	for _, e := range m.running {
		e.cancel()
	}
	m.state = StateInterruptPending
	m.lastInterrupt = now
	m.stats.Interrupts++
	m.mu.Unlock()

	if m.opts.Interrupter != nil {
		m.opts.Interrupter.Interrupt()
	}
	m.log.Info("interrupt requested")
	return Cancelled
}

// CancelRunning asks the running tasks to stop without touching the
// debounce window. Shutdown uses it so a recent user interrupt cannot
// escalate.
func (m *Manager) CancelRunning() int {
	m.mu.Lock()
	n := len(m.running)
	for _, e := range m.running {
		e.cancel()
	}
	if n > 0 {
		m.state = StateInterruptPending
	}
	m.mu.Unlock()

	if n > 0 && m.opts.Interrupter != nil {
		m.opts.Interrupter.Interrupt()
	}
	return n
}

// finish records the end of e. The manager leaves InterruptPending once no
// task is running any more.
func (m *Manager) finish(e *entry, err error, crashed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.running, e.id)
	var execErr *ExecutionError
	switch {
	case crashed:
		m.stats.Crashes++
		m.stats.Failed++
	case err == nil:
		m.stats.Completed++
	case errors.As(err, &execErr) && execErr.Kind == KindAborted:
		m.stats.Aborted++
	default:
		m.stats.Failed++
	}

	if len(m.running) == 0 {
		m.state = StateIdle
	}
}

// State returns the current interrupt state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats is a snapshot of the manager's counters.
type Stats struct {
	Workers     int    `json:"workers"`
	Queued      int    `json:"queued"`
	Running     int    `json:"running"`
	State       string `json:"state"`
	Submitted   uint64 `json:"submitted"`
	Completed   uint64 `json:"completed"`
	Failed      uint64 `json:"failed"`
	Aborted     uint64 `json:"aborted"`
	Crashes     uint64 `json:"crashes"`
	Interrupts  uint64 `json:"interrupts"`
	Escalations uint64 `json:"escalations"`
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Workers = m.opts.MaxWorkers
	s.Queued = len(m.queue)
	s.Running = len(m.running)
	s.State = m.state.String()
	return s
}

// Shutdown stops accepting tasks and, per policy, drains or cancels the
// outstanding ones. It returns when every worker has exited or ctx is done.
func (m *Manager) Shutdown(ctx context.Context, policy Policy) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return m.wait(ctx)
	}
	m.closed = true
	var queued []*entry
	interrupt := false
	if policy == PolicyCancel {
		queued = m.queue
		m.queue = nil
		m.stats.Aborted += uint64(len(queued))
		for _, e := range m.running {
			e.cancel()
			interrupt = true
		}
	}
	m.cond.Broadcast()
	m.mu.Unlock()

	for _, e := range queued {
		e.fut.resolve(Result{}, aborted("kernel shutting down"))
	}
	if interrupt && m.opts.Interrupter != nil {
		m.opts.Interrupter.Interrupt()
	}
	m.log.Info("shutdown (policy %s): aborted %d queued task(s)", policy, len(queued))

	err := m.wait(ctx)
	m.cancelAll()
	return err
}

func (m *Manager) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

