package taskmgr

import (
	"errors"
	"fmt"

	"github.com/codefionn/schnellkernel/internal/engine"
)

// ErrClosed is returned for tasks submitted after Shutdown.
var ErrClosed = errors.New("task manager is shut down")

// Kind classifies an ExecutionError.
type Kind int

const (
	KindError Kind = iota
	KindAborted
	KindIncomplete
)

func (k Kind) String() string {
	switch k {
	case KindError:
		return "error"
	case KindAborted:
		return "aborted"
	case KindIncomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

// ExecutionError is the typed failure of a task.
type ExecutionError struct {
	Kind      Kind
	Name      string
	Value     string
	Traceback []string
}

func (e *ExecutionError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s (%s)", e.Name, e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Value)
}

// FromPayload converts a non-success engine result into an ExecutionError.
func FromPayload(kind engine.ResultKind, p engine.Payload) *ExecutionError {
	e := &ExecutionError{Kind: KindError, Name: p.ErrName, Value: p.ErrValue, Traceback: p.Traceback}
	switch kind {
	case engine.Aborted:
		e.Kind = KindAborted
	case engine.Incomplete:
		e.Kind = KindIncomplete
	}
	if e.Name == "" {
		e.Name = "Error"
	}
	return e
}

func aborted(reason string) *ExecutionError {
	return &ExecutionError{Kind: KindAborted, Name: "Aborted", Value: reason}
}
